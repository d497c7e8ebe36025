package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
	"github.com/signalsfoundry/workload-simulator/internal/sim/stats"
)

// errUnreachable marks a submission that never reached the target.
var errUnreachable = errors.New("unreachable")

// submitFunc performs one submission of task.
type submitFunc func(ctx context.Context, task params.Task) error

type taskCounters struct {
	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// batchResult is the outcome of one pass over the task list.
type batchResult struct {
	snapshot    *stats.Snapshot
	unreachable uint64
}

// runBatch submits every task max(1, WorkersPerQuery) times using
// max(1, WorkersNumber) workers, paced at QueriesPerSecond when positive.
// A cancelled ctx aborts the pass and returns ctx.Err().
func runBatch(ctx context.Context, p params.Snapshot, submit submitFunc, recorder QueryRecorder) (batchResult, error) {
	repeats := max(1, p.WorkersPerQuery)
	workers := max(1, p.WorkersNumber)

	var limiter *rate.Limiter
	if p.QueriesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.QueriesPerSecond), 1)
	}

	hist := stats.NewSafeHistogram()
	counters := make([]taskCounters, len(p.Tasks))
	var issued, succeeded, failed, unreachable atomic.Uint64

	jobs := make(chan int)
	var wg sync.WaitGroup
	started := time.Now()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				c := &counters[idx]
				c.submitted.Add(1)
				issued.Add(1)

				t0 := time.Now()
				err := submit(ctx, p.Tasks[idx])
				elapsed := time.Since(t0)
				hist.Record(elapsed)

				outcome := OutcomeSuccess
				switch {
				case err == nil:
					succeeded.Add(1)
					c.succeeded.Add(1)
				case errors.Is(err, errUnreachable):
					outcome = OutcomeUnreachable
					unreachable.Add(1)
					failed.Add(1)
					c.failed.Add(1)
				default:
					outcome = OutcomeFailure
					failed.Add(1)
					c.failed.Add(1)
				}
				if recorder != nil {
					recorder.ObserveQuery(p.Protocol, outcome, elapsed)
				}
			}
		}()
	}

	var feedErr error
feed:
	for idx := range p.Tasks {
		for r := 0; r < repeats; r++ {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					// Wait fails early when the next token lies past the deadline.
					<-ctx.Done()
					feedErr = ctx.Err()
					break feed
				}
			}
			select {
			case jobs <- idx:
			case <-ctx.Done():
				feedErr = ctx.Err()
				break feed
			}
		}
	}
	close(jobs)
	wg.Wait()

	if feedErr != nil {
		return batchResult{}, feedErr
	}

	finished := time.Now()
	elapsed := finished.Sub(started)
	snap := &stats.Snapshot{
		Protocol:         p.Protocol,
		StartedAt:        started,
		FinishedAt:       finished,
		DurationSeconds:  elapsed.Seconds(),
		QueriesIssued:    issued.Load(),
		QueriesSucceeded: succeeded.Load(),
		QueriesFailed:    failed.Load(),
		Latency:          hist.Summary(),
		Tasks:            make([]stats.TaskStats, len(p.Tasks)),
	}
	if elapsed > 0 {
		snap.Throughput = float64(snap.QueriesIssued) / elapsed.Seconds()
	}
	for i, task := range p.Tasks {
		snap.Tasks[i] = stats.TaskStats{
			ID:        string(task.ID),
			Submitted: counters[i].submitted.Load(),
			Succeeded: counters[i].succeeded.Load(),
			Failed:    counters[i].failed.Load(),
		}
	}
	return batchResult{snapshot: snap, unreachable: unreachable.Load()}, nil
}
