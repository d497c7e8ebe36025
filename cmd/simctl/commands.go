package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/workload-simulator/internal/httpapi"
	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
	"github.com/signalsfoundry/workload-simulator/internal/sim/stats"
)

const defaultServer = "http://127.0.0.1:8080"

type cli struct {
	server  string
	timeout time.Duration
	noColor bool
	asJSON  bool
}

var (
	colorRunning = color.New(color.FgGreen, color.Bold)
	colorIdle    = color.New(color.FgYellow)
	colorLabel   = color.New(color.FgCyan)
)

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "simctl",
		Short: "Control a workload simulation server",
		Long: `simctl talks to a simulation-server over HTTP. It starts and stops the
simulation loop, reads and updates parameters, loads task lists and shows
the most recent iteration statistics.`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if c.noColor {
				color.NoColor = true
			}
		},
	}

	server := os.Getenv("SIMCTL_SERVER")
	if server == "" {
		server = defaultServer
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.server, "server", server, "simulation server base URL (env SIMCTL_SERVER)")
	pf.DurationVar(&c.timeout, "timeout", 10*time.Second, "request timeout")
	pf.BoolVar(&c.noColor, "no-color", false, "disable colored output")
	pf.BoolVar(&c.asJSON, "json", false, "print raw JSON")

	root.AddCommand(
		c.startCmd(),
		c.stopCmd(),
		c.statusCmd(),
		c.statsCmd(),
		c.paramsCmd(),
		c.tasksCmd(),
	)
	return root
}

func (c *cli) client() *httpapi.Client {
	return httpapi.NewClient(c.server, &http.Client{Timeout: c.timeout})
}

func (c *cli) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the simulation loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.client().Start(cmd.Context()); err != nil {
				return fmt.Errorf("start: %w", err)
			}
			return c.printStatus(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func (c *cli) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the simulation loop after the current iteration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.client().Stop(cmd.Context()); err != nil {
				return fmt.Errorf("stop: %w", err)
			}
			return c.printStatus(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the simulation is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.printStatus(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func (c *cli) printStatus(ctx context.Context, w io.Writer) error {
	st, err := c.client().Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if c.asJSON {
		return writeJSON(w, st)
	}

	state := colorIdle.Sprint(st.State)
	if st.State == "running" {
		state = colorRunning.Sprint(st.State)
	}
	fmt.Fprintf(w, "%s %s\n", colorLabel.Sprint("state:"), state)
	if st.RunID != "" {
		fmt.Fprintf(w, "%s %s\n", colorLabel.Sprint("run:"), st.RunID)
		fmt.Fprintf(w, "%s %d\n", colorLabel.Sprint("iteration:"), st.Iteration)
	}
	return nil
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show statistics from the most recent successful iteration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, ok, err := c.client().Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			w := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintln(w, "No statistics yet")
				return nil
			}
			if c.asJSON {
				return writeJSON(w, snap)
			}
			return printStats(w, snap)
		},
	}
}

func printStats(w io.Writer, s *stats.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "run\t%s\n", s.RunID)
	_, _ = fmt.Fprintf(tw, "iteration\t%d\n", s.Iteration)
	_, _ = fmt.Fprintf(tw, "protocol\t%s\n", s.Protocol)
	_, _ = fmt.Fprintf(tw, "finished\t%s\n", s.FinishedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(tw, "duration\t%.3fs\n", s.DurationSeconds)
	_, _ = fmt.Fprintf(tw, "queries\t%d issued, %d ok, %d failed\n", s.QueriesIssued, s.QueriesSucceeded, s.QueriesFailed)
	_, _ = fmt.Fprintf(tw, "throughput\t%.2f q/s\n", s.Throughput)
	_, _ = fmt.Fprintf(tw, "latency ms\tp50=%.2f p90=%.2f p99=%.2f max=%.2f\n",
		s.Latency.P50Ms, s.Latency.P90Ms, s.Latency.P99Ms, s.Latency.MaxMs)
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(s.Tasks) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TASK\tSUBMITTED\tSUCCEEDED\tFAILED")
	for _, t := range s.Tasks {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", t.ID, t.Submitted, t.Succeeded, t.Failed)
	}
	return tw.Flush()
}

func (c *cli) paramsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Read or update simulation parameters",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the current parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := c.client().Params(cmd.Context())
			if err != nil {
				return fmt.Errorf("params: %w", err)
			}
			return c.printParams(cmd.OutOrStdout(), p)
		},
	}

	set := &cobra.Command{
		Use:   "set key=value...",
		Short: "Update one or more parameters",
		Example: `  simctl params set protocol=http port=7687
  simctl params set period_time=250ms queries_per_second=50`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseAssignments(args)
			if err != nil {
				return err
			}
			p, err := c.client().SetParams(cmd.Context(), fields)
			if err != nil {
				return fmt.Errorf("set params: %w", err)
			}
			return c.printParams(cmd.OutOrStdout(), p)
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

func (c *cli) printParams(w io.Writer, p params.Snapshot) error {
	if c.asJSON {
		return writeJSON(w, p)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "%s\t%s\n", params.FieldProtocol, p.Protocol)
	_, _ = fmt.Fprintf(tw, "%s\t%d\n", params.FieldPort, p.Port)
	_, _ = fmt.Fprintf(tw, "%s\t%d\n", params.FieldWorkersNumber, p.WorkersNumber)
	_, _ = fmt.Fprintf(tw, "%s\t%s\n", params.FieldPeriodTime, p.PeriodTime)
	_, _ = fmt.Fprintf(tw, "%s\t%g\n", params.FieldQueriesPerSecond, p.QueriesPerSecond)
	_, _ = fmt.Fprintf(tw, "%s\t%d\n", params.FieldWorkersPerQuery, p.WorkersPerQuery)
	_, _ = fmt.Fprintf(tw, "tasks\t%d\n", len(p.Tasks))
	return tw.Flush()
}

// parseAssignments turns key=value arguments into a field map. Values are
// sent as strings; the server coerces them.
func parseAssignments(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, want key=value", arg)
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields, nil
}

func (c *cli) tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage the task list",
	}

	load := &cobra.Command{
		Use:   "load FILE",
		Short: "Replace the task list with the tasks in a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := params.LoadTasksFile(args[0])
			if err != nil {
				return err
			}
			if err := c.client().SetTasks(cmd.Context(), tasks); err != nil {
				return fmt.Errorf("set tasks: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d tasks\n", len(tasks))
			return nil
		},
	}

	cmd.AddCommand(load)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
