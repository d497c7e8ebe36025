package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/signalsfoundry/workload-simulator/internal/httpapi"
	"github.com/signalsfoundry/workload-simulator/internal/logging"
	"github.com/signalsfoundry/workload-simulator/internal/sim/controller"
	"github.com/signalsfoundry/workload-simulator/internal/sim/executor"
	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
	"github.com/signalsfoundry/workload-simulator/internal/sim/stats"
)

func newTestServer(t *testing.T) (*controller.Controller, string) {
	t.Helper()
	store := params.NewStore()
	if _, err := store.SetFields(map[string]any{"period_time": "5ms"}); err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	ctrl, err := controller.New(store, stats.NewPublisher(), executor.NewDryRun(time.Microsecond), logging.Noop())
	if err != nil {
		t.Fatalf("controller.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctrl.Close(ctx)
	})

	srv := httptest.NewServer(httpapi.NewServer(ctrl, logging.Noop()).Handler())
	t.Cleanup(srv.Close)
	return ctrl, srv.URL
}

func runCLI(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", server, "--no-color"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestStartStopStatus(t *testing.T) {
	ctrl, url := newTestServer(t)

	out, err := runCLI(t, url, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "state: idle") {
		t.Fatalf("status output = %q, want idle", out)
	}

	out, err = runCLI(t, url, "start")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(out, "state: running") {
		t.Fatalf("start output = %q, want running", out)
	}
	if ctrl.State() != controller.Running {
		t.Fatalf("controller state = %v, want running", ctrl.State())
	}

	if _, err := runCLI(t, url, "stop"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ctrl.State() != controller.Idle {
		t.Fatalf("controller state = %v, want idle", ctrl.State())
	}
}

func TestStatsBeforeAndAfterRun(t *testing.T) {
	ctrl, url := newTestServer(t)

	out, err := runCLI(t, url, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "No statistics yet") {
		t.Fatalf("stats output = %q", out)
	}

	ctrl.SetTasks([]params.Task{{ID: "1", Query: "RETURN 1"}})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := ctrl.Stats(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no stats published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	out, err = runCLI(t, url, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "protocol") || !strings.Contains(out, "TASK") {
		t.Fatalf("stats output missing sections: %q", out)
	}
}

func TestParamsSetAndGet(t *testing.T) {
	ctrl, url := newTestServer(t)

	out, err := runCLI(t, url, "params", "set", "port=9090", "queries_per_second=25")
	if err != nil {
		t.Fatalf("params set: %v", err)
	}
	if !strings.Contains(out, "9090") {
		t.Fatalf("params set output = %q", out)
	}
	if p := ctrl.Params(); p.Port != 9090 || p.QueriesPerSecond != 25 {
		t.Fatalf("params = %+v", p)
	}

	if _, err := runCLI(t, url, "params", "set", "port=abc"); err == nil {
		t.Fatalf("params set with invalid port returned nil error")
	}
	if _, err := runCLI(t, url, "params", "set", "noequals"); err == nil {
		t.Fatalf("params set without '=' returned nil error")
	}

	out, err = runCLI(t, url, "--json", "params", "get")
	if err != nil {
		t.Fatalf("params get: %v", err)
	}
	if !strings.Contains(out, `"port": 9090`) {
		t.Fatalf("params get json = %q", out)
	}
}

func TestTasksLoad(t *testing.T) {
	ctrl, url := newTestServer(t)

	path := filepath.Join(t.TempDir(), "tasks.yaml")
	doc := "data:\n  - id: 1\n    query: MATCH (n) RETURN n\n  - id: two\n    query: RETURN 2\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write tasks: %v", err)
	}

	out, err := runCLI(t, url, "tasks", "load", path)
	if err != nil {
		t.Fatalf("tasks load: %v", err)
	}
	if !strings.Contains(out, "Loaded 2 tasks") {
		t.Fatalf("tasks load output = %q", out)
	}
	tasks := ctrl.Params().Tasks
	if len(tasks) != 2 || tasks[0].ID != "1" || tasks[1].ID != "two" {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"protocol=http", " port = 7687 "})
	if err != nil {
		t.Fatalf("parseAssignments: %v", err)
	}
	if got["protocol"] != "http" || got["port"] != "7687" {
		t.Fatalf("fields = %v", got)
	}
	if _, err := parseAssignments([]string{"=1"}); err == nil {
		t.Fatalf("empty key accepted")
	}
}
