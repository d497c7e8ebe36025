package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Iteration results recorded by SimulationCollector.ObserveIteration.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// SimulationCollector exposes metrics for the control loop and the queries
// issued by executors.
type SimulationCollector struct {
	gatherer prometheus.Gatherer

	Iterations        *prometheus.CounterVec
	IterationDuration prometheus.Histogram
	Running           prometheus.Gauge
	Queries           *prometheus.CounterVec
	QueryDuration     *prometheus.HistogramVec
}

// NewSimulationCollector registers simulation metrics against reg.
func NewSimulationCollector(reg prometheus.Registerer) (*SimulationCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	iterations, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simulation_iterations_total",
		Help: "Completed control loop iterations, labeled by result.",
	}, []string{"result"}), "simulation_iterations_total")
	if err != nil {
		return nil, err
	}
	iterationDuration, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "simulation_iteration_duration_seconds",
		Help:    "Wall time of one executor iteration.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}), "simulation_iteration_duration_seconds")
	if err != nil {
		return nil, err
	}
	running, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "simulation_running",
		Help: "1 while the simulation is running, 0 when idle.",
	}), "simulation_running")
	if err != nil {
		return nil, err
	}
	queries, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simulation_queries_total",
		Help: "Queries submitted by executors, labeled by protocol and outcome.",
	}, []string{"protocol", "outcome"}), "simulation_queries_total")
	if err != nil {
		return nil, err
	}
	queryDuration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simulation_query_duration_seconds",
		Help:    "Latency of individual submitted queries.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10},
	}, []string{"protocol"}), "simulation_query_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &SimulationCollector{
		gatherer:          gathererFor(reg),
		Iterations:        iterations,
		IterationDuration: iterationDuration,
		Running:           running,
		Queries:           queries,
		QueryDuration:     queryDuration,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimulationCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveIteration records the result and duration of one iteration.
func (c *SimulationCollector) ObserveIteration(result string, d time.Duration) {
	if c == nil {
		return
	}
	if c.Iterations != nil {
		c.Iterations.WithLabelValues(result).Inc()
	}
	if c.IterationDuration != nil {
		c.IterationDuration.Observe(d.Seconds())
	}
}

// SetRunning updates the running gauge.
func (c *SimulationCollector) SetRunning(running bool) {
	if c == nil || c.Running == nil {
		return
	}
	if running {
		c.Running.Set(1)
		return
	}
	c.Running.Set(0)
}

// ObserveQuery records one executor submission.
func (c *SimulationCollector) ObserveQuery(protocol, outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	if c.Queries != nil {
		c.Queries.WithLabelValues(protocol, outcome).Inc()
	}
	if c.QueryDuration != nil {
		c.QueryDuration.WithLabelValues(protocol).Observe(latency.Seconds())
	}
}
