package executor

import (
	"context"
	"time"

	"github.com/signalsfoundry/workload-simulator/internal/logging"
	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
	"github.com/signalsfoundry/workload-simulator/internal/sim/stats"
)

const (
	// ProtocolDryRun names the adapter that only simulates latency.
	ProtocolDryRun = "dryrun"

	defaultDryRunLatency = time.Millisecond
)

// DryRun is an adapter that performs no I/O; each submission sleeps for a
// fixed latency.
type DryRun struct {
	latency time.Duration
	opts    options
}

// NewDryRun returns a DryRun adapter. A non-positive latency selects 1ms.
func NewDryRun(latency time.Duration, opts ...Option) *DryRun {
	if latency <= 0 {
		latency = defaultDryRunLatency
	}
	return &DryRun{latency: latency, opts: newOptions(opts)}
}

// Setup implements Executor.
func (d *DryRun) Setup(ctx context.Context, p params.Snapshot) error {
	d.opts.log.Debug(ctx, "dryrun executor ready",
		logging.Duration("latency", d.latency),
		logging.Int("workers_number", p.WorkersNumber),
	)
	return nil
}

// Execute implements Executor.
func (d *DryRun) Execute(ctx context.Context, p params.Snapshot) (*stats.Snapshot, error) {
	res, err := runBatch(ctx, p, d.submit, d.opts.recorder)
	if err != nil {
		return nil, err
	}
	return res.snapshot, nil
}

func (d *DryRun) submit(ctx context.Context, _ params.Task) error {
	timer := time.NewTimer(d.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
