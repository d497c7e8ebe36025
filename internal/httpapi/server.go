// Package httpapi serves the simulation control API over HTTP/JSON.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/signalsfoundry/workload-simulator/internal/logging"
	"github.com/signalsfoundry/workload-simulator/internal/observability"
	"github.com/signalsfoundry/workload-simulator/internal/sim/controller"
	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
	"github.com/signalsfoundry/workload-simulator/internal/sim/stats"
)

// maxBodyBytes caps request bodies accepted by the mutating routes.
const maxBodyBytes = 4 << 20

// Simulation is the controller surface the HTTP API drives.
type Simulation interface {
	Start() error
	Stop()
	Status() controller.Status
	Params() params.Snapshot
	SetParams(fields map[string]any) (params.Snapshot, error)
	SetTasks(tasks []params.Task)
	Stats() (*stats.Snapshot, bool)
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	State     string `json:"state"`
	RunID     string `json:"run_id"`
	Iteration uint64 `json:"iteration"`
}

// TasksRequest is the body of POST /tasks.
type TasksRequest struct {
	Data []any `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Option customises a Server.
type Option func(*Server)

// WithCollector instruments every route with request metrics and serves
// the collector's registry on /metrics.
func WithCollector(c *observability.APICollector) Option {
	return func(s *Server) {
		s.collector = c
		if c != nil {
			s.metrics = c.Handler()
		}
	}
}

// WithMetricsHandler overrides the handler mounted on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// Server routes control requests to a Simulation.
type Server struct {
	sim       Simulation
	log       logging.Logger
	collector *observability.APICollector
	metrics   http.Handler
	mux       *http.ServeMux
}

// NewServer builds the route table.
func NewServer(sim Simulation, log logging.Logger, opts ...Option) *Server {
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{sim: sim, log: log, mux: http.NewServeMux()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.handle("GET /ping", "/ping", s.ping)
	s.handle("POST /tasks", "/tasks", s.setTasks)
	s.handle("POST /start", "/start", s.start)
	s.handle("POST /stop", "/stop", s.stop)
	s.handle("GET /stats", "/stats", s.stats)
	s.handle("GET /params", "/params", s.getParams)
	s.handle("POST /params", "/params", s.setParams)
	s.handle("GET /status", "/status", s.status)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
	return s
}

// Handler returns the root handler with request-id and logging middleware
// applied.
func (s *Server) Handler() http.Handler {
	return requestLogger(s.log, s.mux)
}

func (s *Server) handle(pattern, route string, fn http.HandlerFunc) {
	s.mux.Handle(pattern, s.collector.InstrumentHandler(route, fn))
}

func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setTasks(w http.ResponseWriter, r *http.Request) {
	var body TasksRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Data == nil {
		s.writeError(w, r, fmt.Errorf("%w: missing \"data\" array", params.ErrInvalidTask))
		return
	}
	tasks, err := params.TasksFromValues(body.Data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sim.SetTasks(tasks)
	logging.FromContext(r.Context(), s.log).Info(r.Context(), "tasks replaced", logging.Int("count", len(tasks)))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	if err := s.sim.Start(); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stop(w http.ResponseWriter, _ *http.Request) {
	s.sim.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.sim.Stats()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, r, http.StatusOK, snap)
}

func (s *Server) getParams(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.sim.Params())
}

func (s *Server) setParams(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := decodeJSON(r, &fields); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.sim.SetParams(fields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, updated)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st := s.sim.Status()
	s.writeJSON(w, r, http.StatusOK, StatusResponse{
		State:     st.State.String(),
		RunID:     st.RunID,
		Iteration: st.Iteration,
	})
}

var errBadBody = errors.New("malformed request body")

func decodeJSON(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}

// statusFor maps simulator errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadBody),
		errors.Is(err, params.ErrInvalidField),
		errors.Is(err, params.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	log := logging.FromContext(r.Context(), s.log)
	if code >= http.StatusInternalServerError {
		log.Error(r.Context(), "request failed", logging.Err(err))
	} else {
		log.Warn(r.Context(), "request rejected", logging.Err(err))
	}
	s.writeJSON(w, r, code, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		logging.FromContext(r.Context(), s.log).Error(r.Context(), "encode response", logging.Err(err))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n"))
}
