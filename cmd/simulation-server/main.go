// Command simulation-server runs the workload simulation controller behind
// HTTP and gRPC control APIs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalsfoundry/workload-simulator/internal/logging"
	"github.com/signalsfoundry/workload-simulator/internal/sim/executor"
	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
)

// Config is the resolved server configuration.
type Config struct {
	HTTPAddress string
	GRPCAddress string

	LogLevel  string
	LogFormat string

	// TasksPath optionally names a YAML or JSON task file loaded at startup.
	TasksPath string
	// ValidateParams enables range and protocol validation on updates.
	ValidateParams bool
	// InitialParams overrides default parameter fields at startup.
	InitialParams map[string]any

	Target        executor.HTTPConfig
	DryRunLatency time.Duration

	ShutdownTimeout time.Duration
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		HTTPAddress:     ":8080",
		GRPCAddress:     ":50051",
		LogLevel:        "info",
		LogFormat:       "text",
		ValidateParams:  true,
		Target:          executor.DefaultHTTPConfig(),
		DryRunLatency:   time.Millisecond,
		ShutdownTimeout: 10 * time.Second,
	}
}

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "simulation-server",
		Short: "Run the workload simulation control server",
		Long: `simulation-server holds the simulation parameters and task list, and while
started repeatedly runs the configured workload against the target, exposing
control over HTTP (/start, /stop, /params, /tasks, /stats) and gRPC.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, cfgFile)
			if err != nil {
				return err
			}
			log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return listenAndRun(ctx, cfg, log)
		},
	}

	def := DefaultConfig()
	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML)")
	flags.String("http-addr", def.HTTPAddress, "HTTP control API listen address")
	flags.String("grpc-addr", def.GRPCAddress, "gRPC control API listen address")
	flags.String("log-level", def.LogLevel, "log level (debug, info, warn, error)")
	flags.String("log-format", def.LogFormat, "log format (text, json)")
	flags.String("tasks", "", "YAML or JSON file with the initial task list")
	flags.Bool("validate-params", def.ValidateParams, "reject out-of-range parameter updates")
	flags.String("target-host", def.Target.Host, "host the http executor sends queries to")
	flags.String("target-path", def.Target.Path, "URL path the http executor posts queries to")
	flags.Duration("target-timeout", def.Target.Timeout, "per-query timeout of the http executor")
	flags.Duration("dryrun-latency", def.DryRunLatency, "simulated per-query latency of the dryrun executor")

	bind := map[string]string{
		"http.addr":               "http-addr",
		"grpc.addr":               "grpc-addr",
		"log.level":               "log-level",
		"log.format":              "log-format",
		"tasks":                   "tasks",
		"params.validate":         "validate-params",
		"executor.http.host":      "target-host",
		"executor.http.path":      "target-path",
		"executor.http.timeout":   "target-timeout",
		"executor.dryrun_latency": "dryrun-latency",
	}
	for key, flag := range bind {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

// loadConfig resolves configuration from, in increasing precedence, defaults,
// the config file, SIMSERVER_* environment variables and flags.
func loadConfig(v *viper.Viper, cfgFile string) (Config, error) {
	def := DefaultConfig()
	v.SetDefault("http.addr", def.HTTPAddress)
	v.SetDefault("grpc.addr", def.GRPCAddress)
	v.SetDefault("log.level", def.LogLevel)
	v.SetDefault("log.format", def.LogFormat)
	v.SetDefault("params.validate", def.ValidateParams)
	v.SetDefault("executor.http.host", def.Target.Host)
	v.SetDefault("executor.http.path", def.Target.Path)
	v.SetDefault("executor.http.timeout", def.Target.Timeout)
	v.SetDefault("executor.dryrun_latency", def.DryRunLatency)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)

	v.SetEnvPrefix("SIMSERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	cfg := Config{
		HTTPAddress:    v.GetString("http.addr"),
		GRPCAddress:    v.GetString("grpc.addr"),
		LogLevel:       v.GetString("log.level"),
		LogFormat:      v.GetString("log.format"),
		TasksPath:      v.GetString("tasks"),
		ValidateParams: v.GetBool("params.validate"),
		Target: executor.HTTPConfig{
			Host:    v.GetString("executor.http.host"),
			Path:    v.GetString("executor.http.path"),
			Timeout: v.GetDuration("executor.http.timeout"),
		},
		DryRunLatency:   v.GetDuration("executor.dryrun_latency"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
	}

	for _, name := range params.FieldNames {
		key := "params." + name
		if v.IsSet(key) {
			if cfg.InitialParams == nil {
				cfg.InitialParams = make(map[string]any)
			}
			cfg.InitialParams[name] = v.Get(key)
		}
	}
	return cfg, nil
}

// shutdownContext bounds graceful shutdown once ctx is done.
func shutdownContext(cfg Config) (context.Context, context.CancelFunc) {
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}
