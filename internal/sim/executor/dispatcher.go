package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalsfoundry/workload-simulator/internal/logging"
	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
	"github.com/signalsfoundry/workload-simulator/internal/sim/stats"
)

// Dispatcher is an Executor that delegates to the adapter registered for
// the snapshot's protocol. Switching protocol builds a new adapter.
type Dispatcher struct {
	registry *Registry
	log      logging.Logger

	mu       sync.Mutex
	protocol string
	current  Executor
}

// NewDispatcher returns a Dispatcher backed by registry.
func NewDispatcher(registry *Registry, log logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Noop()
	}
	return &Dispatcher{registry: registry, log: log}
}

// Setup resolves the adapter for p.Protocol and sets it up.
func (d *Dispatcher) Setup(ctx context.Context, p params.Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.setupLocked(ctx, p)
	return err
}

func (d *Dispatcher) setupLocked(ctx context.Context, p params.Snapshot) (Executor, error) {
	exec := d.current
	if exec == nil || d.protocol != p.Protocol {
		next, err := d.registry.New(p.Protocol)
		if err != nil {
			return nil, err
		}
		exec = next
	}
	if err := exec.Setup(ctx, p); err != nil {
		return nil, fmt.Errorf("setup %s executor: %w", p.Protocol, err)
	}
	if d.protocol != p.Protocol {
		d.log.Info(ctx, "executor selected",
			logging.String("protocol", p.Protocol),
			logging.Int("port", p.Port),
			logging.Int("workers_number", p.WorkersNumber),
		)
	}
	d.current = exec
	d.protocol = p.Protocol
	return exec, nil
}

// Execute runs one iteration on the current adapter, setting one up first if
// the protocol changed since the last Setup.
func (d *Dispatcher) Execute(ctx context.Context, p params.Snapshot) (*stats.Snapshot, error) {
	d.mu.Lock()
	exec := d.current
	if exec == nil || d.protocol != p.Protocol {
		var err error
		exec, err = d.setupLocked(ctx, p)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
	}
	d.mu.Unlock()
	return exec.Execute(ctx, p)
}
