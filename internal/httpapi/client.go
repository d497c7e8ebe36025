package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
	"github.com/signalsfoundry/workload-simulator/internal/sim/stats"
)

// APIError is returned by Client for non-success responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("simulation api: %s", http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("simulation api: %s: %s", http.StatusText(e.StatusCode), e.Message)
}

// Client talks to a simulation server's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client for baseURL (e.g. "http://127.0.0.1:8080").
// A nil hc uses a client with a 10s timeout.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/ping", nil, nil)
	return err
}

// Start starts the simulation.
func (c *Client) Start(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/start", nil, nil)
	return err
}

// Stop stops the simulation.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/stop", nil, nil)
	return err
}

// Status returns the run state.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	_, err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Stats returns the latest snapshot, or false when none exists yet.
func (c *Client) Stats(ctx context.Context) (*stats.Snapshot, bool, error) {
	var out stats.Snapshot
	code, err := c.do(ctx, http.MethodGet, "/stats", nil, &out)
	if err != nil {
		return nil, false, err
	}
	if code == http.StatusNoContent {
		return nil, false, nil
	}
	return &out, true, nil
}

// Params returns the current parameters.
func (c *Client) Params(ctx context.Context) (params.Snapshot, error) {
	var out params.Snapshot
	_, err := c.do(ctx, http.MethodGet, "/params", nil, &out)
	return out, err
}

// SetParams updates the given fields and returns the resulting parameters.
func (c *Client) SetParams(ctx context.Context, fields map[string]any) (params.Snapshot, error) {
	var out params.Snapshot
	_, err := c.do(ctx, http.MethodPost, "/params", fields, &out)
	return out, err
}

// SetTasks replaces the task list.
func (c *Client) SetTasks(ctx context.Context, tasks []params.Task) error {
	_, err := c.do(ctx, http.MethodPost, "/tasks", struct {
		Data []params.Task `json:"data"`
	}{Data: tasks}, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
