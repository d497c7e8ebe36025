package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/signalsfoundry/workload-simulator/internal/logging"
	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
	"github.com/signalsfoundry/workload-simulator/internal/sim/stats"
)

// ProtocolHTTP names the adapter that posts each query to an HTTP endpoint.
const ProtocolHTTP = "http"

// HTTPConfig describes where the http adapter sends queries. The port comes
// from the parameter snapshot.
type HTTPConfig struct {
	Host    string
	Path    string
	Timeout time.Duration
}

// DefaultHTTPConfig returns the settings used when none are given.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{Host: "127.0.0.1", Path: "/query", Timeout: 10 * time.Second}
}

type queryRequest struct {
	TaskID params.TaskID `json:"task_id"`
	Query  string        `json:"query"`
}

// HTTP posts {"task_id","query"} JSON bodies to http://host:port/path. Any
// 2xx response counts as success.
type HTTP struct {
	cfg  HTTPConfig
	opts options

	mu       sync.Mutex
	endpoint string
	port     int
	client   *http.Client
}

// NewHTTP returns an HTTP adapter. Zero fields in cfg take their defaults.
func NewHTTP(cfg HTTPConfig, opts ...Option) *HTTP {
	def := DefaultHTTPConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &HTTP{cfg: cfg, opts: newOptions(opts)}
}

// Setup builds the endpoint URL and a client whose connection pool is sized
// for the worker count.
func (h *HTTP) Setup(ctx context.Context, p params.Snapshot) error {
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("http executor: port %d out of range", p.Port)
	}
	conns := max(1, p.WorkersNumber) * 2

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = conns
	t.MaxConnsPerHost = conns
	t.MaxIdleConnsPerHost = conns

	endpoint := "http://" + net.JoinHostPort(h.cfg.Host, strconv.Itoa(p.Port)) + h.cfg.Path

	h.mu.Lock()
	if h.client != nil {
		h.client.CloseIdleConnections()
	}
	h.client = &http.Client{Timeout: h.cfg.Timeout, Transport: t}
	h.endpoint = endpoint
	h.port = p.Port
	h.mu.Unlock()

	h.opts.log.Info(ctx, "http executor ready",
		logging.String("endpoint", endpoint),
		logging.Int("max_conns", conns),
	)
	return nil
}

// Execute implements Executor.
func (h *HTTP) Execute(ctx context.Context, p params.Snapshot) (*stats.Snapshot, error) {
	h.mu.Lock()
	ready := h.client != nil && h.port == p.Port
	h.mu.Unlock()
	if !ready {
		if err := h.Setup(ctx, p); err != nil {
			return nil, err
		}
	}

	h.mu.Lock()
	client, endpoint := h.client, h.endpoint
	h.mu.Unlock()

	submit := func(ctx context.Context, task params.Task) error {
		return h.post(ctx, client, endpoint, task)
	}
	res, err := runBatch(ctx, p, submit, h.opts.recorder)
	if err != nil {
		return nil, err
	}
	if n := res.snapshot.QueriesIssued; n > 0 && res.unreachable == n {
		return nil, fmt.Errorf("%w: %s", ErrTargetUnavailable, endpoint)
	}
	return res.snapshot, nil
}

func (h *HTTP) post(ctx context.Context, client *http.Client, endpoint string, task params.Task) error {
	body, err := json.Marshal(queryRequest{TaskID: task.ID, Query: task.Query})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", errUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("task %s: status %d", task.ID, resp.StatusCode)
	}
	return nil
}
