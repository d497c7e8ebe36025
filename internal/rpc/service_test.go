package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/workload-simulator/internal/logging"
	"github.com/signalsfoundry/workload-simulator/internal/observability"
	"github.com/signalsfoundry/workload-simulator/internal/sim/controller"
	"github.com/signalsfoundry/workload-simulator/internal/sim/executor"
	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
	"github.com/signalsfoundry/workload-simulator/internal/sim/stats"
)

const bufSize = 1 << 20

type harness struct {
	client    *Client
	ctrl      *controller.Controller
	collector *observability.APICollector
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reg := executor.NewRegistry()
	if err := executor.RegisterBuiltins(reg, executor.BuiltinConfig{DryRunLatency: time.Microsecond}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	store := params.NewStore(params.WithValidation(reg.Has))
	if _, err := store.SetFields(map[string]any{"period_time": "5ms"}); err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	ctrl, err := controller.New(store, stats.NewPublisher(), executor.NewDispatcher(reg, nil), nil)
	if err != nil {
		t.Fatalf("controller.New: %v", err)
	}

	collector, err := observability.NewAPICollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewAPICollector: %v", err)
	}

	lis := bufconn.Listen(bufSize)
	server := NewServer(NewService(ctrl, logging.Noop()), logging.Noop(), collector)
	go func() {
		_ = server.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctrl.Close(ctx)
	})
	return &harness{client: NewClient(conn), ctrl: ctrl, collector: collector}
}

func TestGetStatsNotFoundBeforeFirstIteration(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.Stats(context.Background())
	if status.Code(err) != codes.NotFound {
		t.Fatalf("Stats() code = %v, want NotFound", status.Code(err))
	}
}

func TestParamsRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	got, err := h.client.SetParams(ctx, map[string]any{"port": 9090, "bogus_field": true})
	if err != nil {
		t.Fatalf("SetParams: %v", err)
	}
	if got.Port != 9090 || got.Protocol != "dryrun" {
		t.Fatalf("SetParams result = %+v", got)
	}

	_, err = h.client.SetParams(ctx, map[string]any{"port": 70000})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("out-of-range port code = %v, want InvalidArgument", status.Code(err))
	}
	_, err = h.client.SetParams(ctx, map[string]any{"protocol": "smoke-signals"})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("unknown protocol code = %v, want InvalidArgument", status.Code(err))
	}

	p, err := h.client.Params(ctx)
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	if p.Port != 9090 {
		t.Fatalf("Port = %d, want 9090 after rejected update", p.Port)
	}
	if p.PeriodTime != 5*time.Millisecond {
		t.Fatalf("PeriodTime = %v, want 5ms", p.PeriodTime)
	}
}

func TestRunLifecycleOverGRPC(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tasks := []params.Task{{ID: "1", Query: "MATCH (n) RETURN n"}, {ID: "q2", Query: "RETURN 2"}}
	if err := h.client.SetTasks(ctx, tasks); err != nil {
		t.Fatalf("SetTasks: %v", err)
	}
	p, err := h.client.Params(ctx)
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	if len(p.Tasks) != 2 || p.Tasks[0].ID != "1" || p.Tasks[1].ID != "q2" {
		t.Fatalf("tasks = %+v", p.Tasks)
	}

	if err := h.client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.client.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	st, err := h.client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got := st.GetFields()["state"].GetStringValue(); got != "running" {
		t.Fatalf("state = %q, want running", got)
	}

	var snap *stats.Snapshot
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err = h.client.Stats(ctx)
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if snap == nil {
		t.Fatalf("no stats after start: %v", err)
	}
	if snap.QueriesIssued != 2 || len(snap.Tasks) != 2 {
		t.Fatalf("snapshot = %+v, want 2 queries over 2 tasks", snap)
	}
	if snap.RunID == "" || snap.RunID != st.GetFields()["run_id"].GetStringValue() {
		t.Fatalf("snapshot run id %q does not match status", snap.RunID)
	}

	if err := h.client.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.ctrl.State() != controller.Idle {
		t.Fatalf("controller state = %v, want idle", h.ctrl.State())
	}

	if got := testutil.ToFloat64(h.collector.RPCRequests.WithLabelValues("SimulationService", "Start", "OK")); got != 2 {
		t.Fatalf("Start requests = %v, want 2", got)
	}
}

func TestSetTasksRejectsMalformedEntries(t *testing.T) {
	h := newHarness(t)
	in, err := structpb.NewList([]any{map[string]any{"id": 1}})
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	err = h.client.cc.Invoke(context.Background(), fullMethod("SetTasks"), in, new(emptypb.Empty))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("SetTasks code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestRequestIDInterceptorUsesIncomingMetadata(t *testing.T) {
	interceptor := RequestIDUnaryServerInterceptor(logging.Noop())
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(logging.RequestIDHeader, "req-123"))

	var seen string
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: fullMethod("Start")}, func(ctx context.Context, req interface{}) (interface{}, error) {
		seen = logging.RequestIDFromContext(ctx)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if seen != "req-123" {
		t.Fatalf("request id = %q, want req-123", seen)
	}

	_, _ = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: fullMethod("Stop")}, func(ctx context.Context, req interface{}) (interface{}, error) {
		seen = logging.RequestIDFromContext(ctx)
		return nil, nil
	})
	if seen == "" {
		t.Fatalf("request id not generated when metadata is absent")
	}
}
