package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/workload-simulator/internal/observability"
	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
	"github.com/signalsfoundry/workload-simulator/internal/sim/stats"
	"github.com/signalsfoundry/workload-simulator/timectrl"
)

// fakeExecutor records calls and tracks how many Execute calls overlap.
type fakeExecutor struct {
	mu      sync.Mutex
	results []error // consumed in order; nil entries succeed

	calls     atomic.Int32
	setups    atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32

	// gate, when set, blocks each Execute until a value is received.
	gate    chan struct{}
	entered chan struct{}
	setupFn func(params.Snapshot) error
}

func (f *fakeExecutor) Setup(_ context.Context, p params.Snapshot) error {
	f.setups.Add(1)
	if f.setupFn != nil {
		return f.setupFn(p)
	}
	return nil
}

func (f *fakeExecutor) Execute(ctx context.Context, p params.Snapshot) (*stats.Snapshot, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		cur := f.maxActive.Load()
		if n <= cur || f.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	call := f.calls.Add(1)

	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	var err error
	if len(f.results) > 0 {
		err = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &stats.Snapshot{Protocol: p.Protocol, QueriesIssued: uint64(call)}, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestController(t *testing.T, exec *fakeExecutor, opts ...Option) (*Controller, *params.Store) {
	t.Helper()
	store := params.NewStore()
	if _, err := store.SetFields(map[string]any{"period_time": 0}); err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	c, err := New(store, stats.NewPublisher(), exec, nil, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c, store
}

func TestNewRejectsNilDependencies(t *testing.T) {
	exec := &fakeExecutor{}
	if _, err := New(nil, stats.NewPublisher(), exec, nil); err == nil {
		t.Fatalf("New with nil store returned nil error")
	}
	if _, err := New(params.NewStore(), nil, exec, nil); err == nil {
		t.Fatalf("New with nil publisher returned nil error")
	}
	if _, err := New(params.NewStore(), stats.NewPublisher(), nil, nil); err == nil {
		t.Fatalf("New with nil executor returned nil error")
	}
}

func TestStatsNoneBeforeFirstIteration(t *testing.T) {
	c, _ := newTestController(t, &fakeExecutor{})
	if c.State() != Idle {
		t.Fatalf("initial state = %v, want idle", c.State())
	}
	if s, ok := c.Stats(); ok || s != nil {
		t.Fatalf("Stats() before start = (%v, %v), want none", s, ok)
	}
}

func TestRepeatedStartRunsSingleLoop(t *testing.T) {
	exec := &fakeExecutor{}
	c, _ := newTestController(t, exec)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Start()
		}()
	}
	wg.Wait()

	waitFor(t, "several iterations", func() bool { return exec.calls.Load() >= 20 })
	if got := exec.maxActive.Load(); got != 1 {
		t.Fatalf("max concurrent Execute calls = %d, want 1", got)
	}
	if c.State() != Running {
		t.Fatalf("state = %v, want running", c.State())
	}
}

func TestStopLetsInFlightIterationFinishAndPublish(t *testing.T) {
	exec := &fakeExecutor{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	c, _ := newTestController(t, exec)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-exec.entered

	c.Stop()
	c.Stop() // idle stop is a no-op
	if c.State() != Idle {
		t.Fatalf("state after Stop = %v, want idle", c.State())
	}

	exec.gate <- struct{}{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := exec.calls.Load(); got != 1 {
		t.Fatalf("Execute calls = %d, want 1 (no iteration after stop)", got)
	}
	snap, ok := c.Stats()
	if !ok || snap.Iteration != 1 {
		t.Fatalf("Stats() = (%+v, %v), want iteration 1 published", snap, ok)
	}
}

func TestStartWhileDrainingResumesSameLoop(t *testing.T) {
	exec := &fakeExecutor{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	c, _ := newTestController(t, exec)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-exec.entered
	firstRun := c.Status().RunID

	c.Stop()
	if err := c.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if c.Status().RunID == firstRun {
		t.Fatalf("run id not renewed on restart")
	}

	// Release the draining iteration and a few more.
	for i := 0; i < 3; i++ {
		exec.gate <- struct{}{}
	}
	waitFor(t, "loop to continue after restart", func() bool { return exec.calls.Load() >= 4 })
	if got := exec.maxActive.Load(); got != 1 {
		t.Fatalf("max concurrent Execute calls = %d, want 1", got)
	}
	close(exec.gate)
}

func TestFailedIterationLeavesPreviousStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewSimulationCollector(reg)
	if err != nil {
		t.Fatalf("NewSimulationCollector: %v", err)
	}
	exec := &fakeExecutor{results: []error{errors.New("target down"), nil}}
	c, store := newTestController(t, exec, WithMetricsRecorder(metrics))
	if _, err := store.SetFields(map[string]any{"period_time": "10ms"}); err != nil {
		t.Fatalf("SetFields: %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "a successful iteration", func() bool {
		_, ok := c.Stats()
		return ok
	})
	c.Stop()

	snap, _ := c.Stats()
	if snap.Iteration < 2 {
		t.Fatalf("first published iteration = %d, want >= 2 (iteration 1 failed)", snap.Iteration)
	}
	if got := testutil.ToFloat64(metrics.Iterations.WithLabelValues(observability.ResultError)); got != 1 {
		t.Fatalf("error iterations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.Running); got != 0 {
		t.Fatalf("running gauge = %v, want 0 after stop", got)
	}
}

func TestStatsTracksLatestIteration(t *testing.T) {
	exec := &fakeExecutor{gate: make(chan struct{})}
	c, _ := newTestController(t, exec)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for n := uint64(1); n <= 3; n++ {
		exec.gate <- struct{}{}
		waitFor(t, "iteration to publish", func() bool {
			s, ok := c.Stats()
			return ok && s.Iteration == n
		})
		// Until the next iteration is released the Nth snapshot stays latest.
		time.Sleep(5 * time.Millisecond)
		if s, _ := c.Stats(); s.Iteration != n {
			t.Fatalf("Stats().Iteration = %d, want %d", s.Iteration, n)
		}
	}
	c.Stop()
	close(exec.gate)
}

func TestPeriodTimeDelaysNextIteration(t *testing.T) {
	clk := timectrl.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	exec := &fakeExecutor{}
	c, store := newTestController(t, exec, WithClock(clk))
	if _, err := store.SetFields(map[string]any{"period_time": 30}); err != nil {
		t.Fatalf("SetFields: %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "loop to wait on the period", func() bool { return clk.Pending() == 1 })
	if got := exec.calls.Load(); got != 1 {
		t.Fatalf("Execute calls before period elapsed = %d, want 1", got)
	}

	clk.Advance(29 * time.Second)
	time.Sleep(5 * time.Millisecond)
	if got := exec.calls.Load(); got != 1 {
		t.Fatalf("Execute calls after 29s = %d, want 1", got)
	}

	clk.Advance(time.Second)
	waitFor(t, "second iteration", func() bool { return exec.calls.Load() == 2 })
}

func TestStopInterruptsPeriodWait(t *testing.T) {
	clk := timectrl.NewManualClock(time.Now())
	exec := &fakeExecutor{}
	c, store := newTestController(t, exec, WithClock(clk))
	if _, err := store.SetFields(map[string]any{"period_time": "1h"}); err != nil {
		t.Fatalf("SetFields: %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "loop to wait on the period", func() bool { return clk.Pending() == 1 })

	c.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close did not return while loop waited on period: %v", err)
	}
	if got := exec.calls.Load(); got != 1 {
		t.Fatalf("Execute calls = %d, want 1", got)
	}
}

func TestSetupDeferredUntilFirstIteration(t *testing.T) {
	exec := &fakeExecutor{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	c, _ := newTestController(t, exec)

	if exec.setups.Load() != 0 {
		t.Fatalf("setups after New = %d, want 0", exec.setups.Load())
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-exec.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first iteration never started")
	}
	if exec.setups.Load() != 1 {
		t.Fatalf("setups before first Execute = %d, want 1", exec.setups.Load())
	}
	c.Stop()
	close(exec.gate)
}

func TestSetupRerunOnStructuralChange(t *testing.T) {
	clk := timectrl.NewManualClock(time.Now())
	exec := &fakeExecutor{}
	c, store := newTestController(t, exec, WithClock(clk))
	if _, err := store.SetFields(map[string]any{"period_time": 1}); err != nil {
		t.Fatalf("SetFields: %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	step := func(want int32) {
		t.Helper()
		waitFor(t, "loop to wait on the period", func() bool { return clk.Pending() == 1 && exec.calls.Load() == want })
	}
	step(1)
	if exec.setups.Load() != 1 {
		t.Fatalf("setups = %d, want 1", exec.setups.Load())
	}

	if _, err := c.SetParams(map[string]any{"queries_per_second": 50}); err != nil {
		t.Fatalf("SetParams: %v", err)
	}
	clk.Advance(time.Second)
	step(2)
	if exec.setups.Load() != 1 {
		t.Fatalf("non-structural change re-ran setup: setups = %d", exec.setups.Load())
	}

	if _, err := c.SetParams(map[string]any{"port": 9090}); err != nil {
		t.Fatalf("SetParams: %v", err)
	}
	clk.Advance(time.Second)
	step(3)
	if exec.setups.Load() != 2 {
		t.Fatalf("setups after port change = %d, want 2", exec.setups.Load())
	}
}

func TestSetupFailureIsRetried(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	exec := &fakeExecutor{setupFn: func(params.Snapshot) error {
		if fail.Load() {
			return errors.New("no route to target")
		}
		return nil
	}}
	c, _ := newTestController(t, exec)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "setup attempts", func() bool { return exec.setups.Load() >= 3 })
	if exec.calls.Load() != 0 {
		t.Fatalf("Execute ran despite failed setup")
	}
	if _, ok := c.Stats(); ok {
		t.Fatalf("stats published despite failed setup")
	}

	fail.Store(false)
	waitFor(t, "stats after setup recovers", func() bool {
		_, ok := c.Stats()
		return ok
	})
}

func TestParamUpdatesSeenByNextIteration(t *testing.T) {
	exec := &fakeExecutor{gate: make(chan struct{})}
	c, _ := newTestController(t, exec)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := c.SetParams(map[string]any{"protocol": "http"}); err != nil {
		t.Fatalf("SetParams: %v", err)
	}
	c.SetTasks([]params.Task{{ID: "1", Query: "RETURN 1"}})

	// The first iteration may have read params before the update; the second
	// must see it.
	exec.gate <- struct{}{}
	exec.gate <- struct{}{}
	waitFor(t, "second iteration", func() bool {
		s, ok := c.Stats()
		return ok && s.Iteration >= 2
	})
	s, _ := c.Stats()
	if s.Protocol != "http" {
		t.Fatalf("Protocol = %q, want http", s.Protocol)
	}
	if got := c.Params().Tasks; len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("Params().Tasks = %+v", got)
	}
	c.Stop()
	close(exec.gate)
}

func TestCloseRejectsStartAndCancelsOnTimeout(t *testing.T) {
	exec := &fakeExecutor{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	c, _ := newTestController(t, exec)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-exec.entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close err = %v, want DeadlineExceeded", err)
	}
	if err := c.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after Close err = %v, want ErrClosed", err)
	}
	if _, ok := c.Stats(); ok {
		t.Fatalf("cancelled iteration published stats")
	}
}

func TestExecutorPanicIsNotFatal(t *testing.T) {
	var calls atomic.Int32
	exec := &panicky{calls: &calls}
	store := params.NewStore()
	if _, err := store.SetFields(map[string]any{"period_time": 0}); err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	c, err := New(store, stats.NewPublisher(), exec, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(context.Background())

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "recovery after panic", func() bool {
		_, ok := c.Stats()
		return ok
	})
}

type panicky struct {
	calls *atomic.Int32
}

func (p *panicky) Setup(context.Context, params.Snapshot) error { return nil }

func (p *panicky) Execute(context.Context, params.Snapshot) (*stats.Snapshot, error) {
	if p.calls.Add(1) == 1 {
		panic("boom")
	}
	return &stats.Snapshot{}, nil
}

func TestStateString(t *testing.T) {
	if Idle.String() != "idle" || Running.String() != "running" {
		t.Fatalf("unexpected State strings: %s %s", Idle, Running)
	}
}
