package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/signalsfoundry/workload-simulator/internal/httpapi"
	"github.com/signalsfoundry/workload-simulator/internal/logging"
	"github.com/signalsfoundry/workload-simulator/internal/observability"
	"github.com/signalsfoundry/workload-simulator/internal/rpc"
	"github.com/signalsfoundry/workload-simulator/internal/sim/controller"
	"github.com/signalsfoundry/workload-simulator/internal/sim/executor"
	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
	"github.com/signalsfoundry/workload-simulator/internal/sim/stats"
)

func listenAndRun(ctx context.Context, cfg Config, log logging.Logger) error {
	httpLis, err := net.Listen("tcp", cfg.HTTPAddress)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", cfg.HTTPAddress, err)
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		_ = httpLis.Close()
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddress, err)
	}
	return run(ctx, cfg, log, httpLis, grpcLis)
}

// run serves both control APIs on the given listeners until ctx is done or
// a server fails, then shuts everything down.
func run(ctx context.Context, cfg Config, log logging.Logger, httpLis, grpcLis net.Listener) error {
	if log == nil {
		log = logging.Noop()
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	apiMetrics, err := observability.NewAPICollector(promReg)
	if err != nil {
		return fmt.Errorf("api metrics: %w", err)
	}
	simMetrics, err := observability.NewSimulationCollector(promReg)
	if err != nil {
		return fmt.Errorf("simulation metrics: %w", err)
	}

	ctrl, err := buildController(ctx, cfg, log, simMetrics)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Handler:           httpapi.NewServer(ctrl, log, httpapi.WithCollector(apiMetrics)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := rpc.NewServer(rpc.NewService(ctrl, log), log, apiMetrics)

	errCh := make(chan error, 2)
	go func() {
		log.Info(ctx, "serving HTTP control API", logging.String("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		log.Info(ctx, "serving gRPC control API", logging.String("addr", grpcLis.Addr().String()))
		if err := grpcSrv.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		log.Error(ctx, "server failed", logging.Err(serveErr))
	}

	log.Info(context.Background(), "shutting down simulation server")
	shutdownCtx, cancel := shutdownContext(cfg)
	defer cancel()

	if err := ctrl.Close(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "simulation loop did not stop in time", logging.Err(err))
	}
	grpcSrv.GracefulStop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http shutdown", logging.Err(err))
	}
	return serveErr
}

func buildController(ctx context.Context, cfg Config, log logging.Logger, metrics *observability.SimulationCollector) (*controller.Controller, error) {
	registry := executor.NewRegistry()
	err := executor.RegisterBuiltins(registry, executor.BuiltinConfig{
		HTTP:          cfg.Target,
		DryRunLatency: cfg.DryRunLatency,
	}, executor.WithLogger(log), executor.WithQueryRecorder(metrics))
	if err != nil {
		return nil, fmt.Errorf("register executors: %w", err)
	}

	var storeOpts []params.StoreOption
	if cfg.ValidateParams {
		storeOpts = append(storeOpts, params.WithValidation(registry.Has))
	}
	store := params.NewStore(storeOpts...)

	if len(cfg.InitialParams) > 0 {
		p, err := store.SetFields(cfg.InitialParams)
		if err != nil {
			return nil, fmt.Errorf("initial params: %w", err)
		}
		log.Info(ctx, "initial parameters applied",
			logging.String("protocol", p.Protocol),
			logging.Int("port", p.Port),
		)
	}
	if cfg.TasksPath != "" {
		tasks, err := params.LoadTasksFile(cfg.TasksPath)
		if err != nil {
			return nil, err
		}
		store.SetTasks(tasks)
		log.Info(ctx, "loaded tasks", logging.String("path", cfg.TasksPath), logging.Int("count", len(tasks)))
	}

	return controller.New(
		store,
		stats.NewPublisher(),
		executor.NewDispatcher(registry, log),
		log,
		controller.WithMetricsRecorder(metrics),
	)
}
