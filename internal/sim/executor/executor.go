// Package executor contains the adapters that perform one simulation
// iteration against a target and report the result as a stats snapshot.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/workload-simulator/internal/logging"
	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
	"github.com/signalsfoundry/workload-simulator/internal/sim/stats"
)

var (
	// ErrUnknownProtocol is returned when no executor is registered for the
	// requested protocol.
	ErrUnknownProtocol = errors.New("unknown protocol")
	// ErrTargetUnavailable is returned when every submission in an iteration
	// failed to reach the target.
	ErrTargetUnavailable = errors.New("target unavailable")
)

// Executor runs one iteration of the workload described by a parameter
// snapshot.
type Executor interface {
	// Setup prepares the executor for the structural parameters (protocol,
	// port, worker count). It is called again whenever those change.
	Setup(ctx context.Context, p params.Snapshot) error
	// Execute runs a single iteration and returns its result.
	Execute(ctx context.Context, p params.Snapshot) (*stats.Snapshot, error)
}

// ExecuteFunc adapts a plain function to the Executor interface. Setup is a
// no-op.
type ExecuteFunc func(ctx context.Context, p params.Snapshot) (*stats.Snapshot, error)

// Setup implements Executor.
func (f ExecuteFunc) Setup(context.Context, params.Snapshot) error { return nil }

// Execute implements Executor.
func (f ExecuteFunc) Execute(ctx context.Context, p params.Snapshot) (*stats.Snapshot, error) {
	return f(ctx, p)
}

// Query outcomes reported to a QueryRecorder.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeUnreachable = "unreachable"
)

// QueryRecorder receives one observation per submitted query.
type QueryRecorder interface {
	ObserveQuery(protocol, outcome string, latency time.Duration)
}

type options struct {
	log      logging.Logger
	recorder QueryRecorder
}

// Option configures an adapter.
type Option func(*options)

// WithLogger sets the adapter logger.
func WithLogger(log logging.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithQueryRecorder attaches a per-query metrics sink.
func WithQueryRecorder(r QueryRecorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

func newOptions(opts []Option) options {
	o := options{log: logging.Noop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Factory builds a fresh executor instance.
type Factory func() Executor

// Registry maps protocol names to executor factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Registering a name twice is an error.
func (r *Registry) Register(name string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("executor %s: nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("executor %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// New returns a new executor for the protocol.
func (r *Registry) New(name string) (Executor, error) {
	r.mu.RLock()
	factory, exists := r.factories[name]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}
	return factory(), nil
}

// Has reports whether a factory is registered for name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// List returns the registered protocol names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuiltinConfig holds the settings of the adapters shipped with the
// simulator.
type BuiltinConfig struct {
	HTTP          HTTPConfig
	DryRunLatency time.Duration
}

// RegisterBuiltins registers the "http" and "dryrun" adapters.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig, opts ...Option) error {
	if err := r.Register(ProtocolHTTP, func() Executor { return NewHTTP(cfg.HTTP, opts...) }); err != nil {
		return err
	}
	return r.Register(ProtocolDryRun, func() Executor { return NewDryRun(cfg.DryRunLatency, opts...) })
}
