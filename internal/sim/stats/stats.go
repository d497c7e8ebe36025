// Package stats defines the per-iteration result snapshot and the publisher
// that retains the most recent one for concurrent readers.
package stats

import (
	"sync/atomic"
	"time"
)

// Latency summarises the latency distribution of one iteration in
// milliseconds.
type Latency struct {
	P50Ms  float64 `json:"p50_ms"`
	P90Ms  float64 `json:"p90_ms"`
	P99Ms  float64 `json:"p99_ms"`
	MaxMs  float64 `json:"max_ms"`
	MeanMs float64 `json:"mean_ms"`
}

// TaskStats counts submissions for a single task within an iteration.
type TaskStats struct {
	ID        string `json:"id"`
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
}

// Snapshot is the immutable result of one completed iteration. Once handed
// to a Publisher it must not be modified.
type Snapshot struct {
	RunID      string    `json:"run_id"`
	Iteration  uint64    `json:"iteration"`
	Protocol   string    `json:"protocol"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// DurationSeconds is FinishedAt-StartedAt, kept for clients that do not
	// parse timestamps.
	DurationSeconds float64 `json:"duration_seconds"`

	QueriesIssued    uint64  `json:"queries_issued"`
	QueriesSucceeded uint64  `json:"queries_succeeded"`
	QueriesFailed    uint64  `json:"queries_failed"`
	Throughput       float64 `json:"throughput_qps"`
	Latency          Latency `json:"latency"`

	Tasks []TaskStats `json:"tasks"`
}

// Publisher retains the latest snapshot. The zero value is ready to use and
// holds nothing.
type Publisher struct {
	latest atomic.Pointer[Snapshot]
}

// NewPublisher returns an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Publish replaces the retained snapshot. A nil snapshot is ignored.
func (p *Publisher) Publish(s *Snapshot) {
	if s == nil {
		return
	}
	p.latest.Store(s)
}

// Latest returns the most recently published snapshot, or false if nothing
// has been published yet.
func (p *Publisher) Latest() (*Snapshot, bool) {
	s := p.latest.Load()
	return s, s != nil
}
