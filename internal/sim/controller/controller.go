// Package controller owns the simulation run state and the background loop
// that repeatedly executes the configured workload while running.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/workload-simulator/internal/logging"
	"github.com/signalsfoundry/workload-simulator/internal/observability"
	"github.com/signalsfoundry/workload-simulator/internal/sim/executor"
	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
	"github.com/signalsfoundry/workload-simulator/internal/sim/stats"
	"github.com/signalsfoundry/workload-simulator/timectrl"
)

// ErrClosed is returned by Start after Close has been called.
var ErrClosed = errors.New("controller closed")

var errNilSnapshot = errors.New("executor returned no stats")

// State is the run state of the controller.
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MetricsRecorder receives loop-level measurements. Satisfied by
// observability.SimulationCollector.
type MetricsRecorder interface {
	SetRunning(running bool)
	ObserveIteration(result string, d time.Duration)
}

// Status is a point-in-time view of the run state.
type Status struct {
	State State
	// RunID identifies the current or most recent run; empty before the
	// first Start.
	RunID string
	// Iteration counts iterations attempted in the current run.
	Iteration uint64
}

// Option customises Controller construction.
type Option func(*Controller)

// WithClock sets the clock used to pace iterations.
func WithClock(clock timectrl.Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithMetricsRecorder attaches loop metrics.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithTracer sets the tracer used for per-iteration spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// Controller coordinates the parameter store, executor and stats publisher.
// Start and Stop never block; at most one loop goroutine exists at a time.
type Controller struct {
	store     *params.Store
	publisher *stats.Publisher
	exec      executor.Executor
	log       logging.Logger
	clock     timectrl.Clock
	metrics   MetricsRecorder
	tracer    trace.Tracer

	// ctx bounds executor calls; cancelled when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	closed     bool
	loopActive bool
	runID      string
	iteration  uint64
	// wake is closed by Stop to cut the inter-iteration wait short.
	wake chan struct{}
	// done is closed when the active loop goroutine returns.
	done chan struct{}

	// setupKey is only touched by the loop goroutine.
	setupKey string
}

// New constructs an idle Controller. exec.Setup is not called here; it runs
// before the first iteration of a run and again whenever protocol, port or
// workers_number change.
func New(store *params.Store, publisher *stats.Publisher, exec executor.Executor, log logging.Logger, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is nil")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor is nil")
	}
	if log == nil {
		log = logging.Noop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:     store,
		publisher: publisher,
		exec:      exec,
		log:       log,
		clock:     timectrl.Real(),
		tracer:    observability.Tracer(),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Start moves Idle to Running and launches the loop. Calling Start while
// Running is a no-op. If a previously stopped loop is still finishing its
// last iteration it is resumed rather than joined by a second loop.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.state == Running {
		return nil
	}
	c.state = Running
	c.runID = uuid.NewString()
	c.iteration = 0
	if c.metrics != nil {
		c.metrics.SetRunning(true)
	}

	c.log.Info(c.ctx, "simulation started",
		logging.String("run_id", c.runID),
		logging.Bool("resumed_loop", c.loopActive),
	)

	if c.loopActive {
		return nil
	}
	c.loopActive = true
	c.done = make(chan struct{})
	go c.loop(c.done)
	return nil
}

// Stop moves Running to Idle. The loop finishes any in-flight iteration,
// publishes it, and exits before starting another. No-op when Idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	if c.state != Running {
		return
	}
	c.state = Idle
	close(c.wake)
	c.wake = make(chan struct{})
	if c.metrics != nil {
		c.metrics.SetRunning(false)
	}
	c.log.Info(c.ctx, "simulation stopped",
		logging.String("run_id", c.runID),
		logging.Uint64("iterations", c.iteration),
	)
}

// Close stops the controller and waits for the loop to exit. If ctx expires
// first the in-flight iteration is cancelled and ctx.Err() is returned.
// Start fails with ErrClosed afterwards.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.stopLocked()
	c.closed = true
	done, active := c.done, c.loopActive
	c.mu.Unlock()

	if active {
		select {
		case <-done:
		case <-ctx.Done():
			c.cancel()
			return ctx.Err()
		}
	}
	c.cancel()
	return nil
}

// State returns the current run state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the run state together with the run identifier.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, RunID: c.runID, Iteration: c.iteration}
}

// Params returns a copy of the current parameters.
func (c *Controller) Params() params.Snapshot {
	return c.store.Get()
}

// SetParams updates the named fields; see params.Store.SetFields.
func (c *Controller) SetParams(fields map[string]any) (params.Snapshot, error) {
	return c.store.SetFields(fields)
}

// SetTasks replaces the task list used from the next iteration on.
func (c *Controller) SetTasks(tasks []params.Task) {
	c.store.SetTasks(tasks)
}

// Stats returns the latest completed iteration's snapshot, if any.
func (c *Controller) Stats() (*stats.Snapshot, bool) {
	return c.publisher.Latest()
}

func (c *Controller) loop(done chan struct{}) {
	defer close(done)

	for {
		c.mu.Lock()
		if c.state != Running || c.ctx.Err() != nil {
			c.loopActive = false
			c.mu.Unlock()
			return
		}
		c.iteration++
		runID, iteration := c.runID, c.iteration
		c.mu.Unlock()

		p := c.store.Get()
		c.runIteration(runID, iteration, p)

		c.mu.Lock()
		running, wake := c.state == Running, c.wake
		c.mu.Unlock()
		if !running || p.PeriodTime <= 0 {
			continue
		}

		select {
		case <-c.clock.After(p.PeriodTime):
		case <-wake:
		case <-c.ctx.Done():
		}
	}
}

func (c *Controller) runIteration(runID string, iteration uint64, p params.Snapshot) {
	ctx, span := c.tracer.Start(c.ctx, "simulation.iteration", trace.WithAttributes(
		attribute.String("simulation.run_id", runID),
		attribute.Int64("simulation.iteration", int64(iteration)),
		attribute.String("simulation.protocol", p.Protocol),
		attribute.Int("simulation.tasks", len(p.Tasks)),
	))
	defer span.End()

	start := time.Now()
	snap, err := c.execute(ctx, p)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if c.metrics != nil {
			c.metrics.ObserveIteration(observability.ResultError, elapsed)
		}
		c.log.Warn(ctx, "simulation iteration failed",
			logging.String("run_id", runID),
			logging.Uint64("iteration", iteration),
			logging.String("protocol", p.Protocol),
			logging.Err(err),
		)
		return
	}

	snap.RunID = runID
	snap.Iteration = iteration
	c.publisher.Publish(snap)

	span.SetAttributes(
		attribute.Int64("simulation.queries_issued", int64(snap.QueriesIssued)),
		attribute.Int64("simulation.queries_failed", int64(snap.QueriesFailed)),
	)
	if c.metrics != nil {
		c.metrics.ObserveIteration(observability.ResultSuccess, elapsed)
	}
	c.log.Debug(ctx, "simulation iteration complete",
		logging.String("run_id", runID),
		logging.Uint64("iteration", iteration),
		logging.Uint64("queries_issued", snap.QueriesIssued),
		logging.Uint64("queries_failed", snap.QueriesFailed),
		logging.Duration("duration", elapsed),
	)
}

// execute sets the executor up again when a structural field changed, then
// runs one iteration. A panicking executor is reported as an error.
func (c *Controller) execute(ctx context.Context, p params.Snapshot) (snap *stats.Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			snap, err = nil, fmt.Errorf("executor panic: %v", r)
		}
	}()

	if key := p.StructuralKey(); key != c.setupKey {
		if err := c.exec.Setup(ctx, p); err != nil {
			return nil, fmt.Errorf("setup: %w", err)
		}
		c.setupKey = key
	}

	snap, err = c.exec.Execute(ctx, p)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, errNilSnapshot
	}
	return snap, nil
}
