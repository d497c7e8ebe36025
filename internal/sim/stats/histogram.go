package stats

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// maxTrackable is the largest latency the histogram can hold, in microseconds.
const maxTrackable = int64(10 * time.Minute / time.Microsecond)

// SafeHistogram is a mutex-guarded HDR histogram of latencies in microseconds.
type SafeHistogram struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// NewSafeHistogram tracks 1us to 10min with 3 significant figures.
func NewSafeHistogram() *SafeHistogram {
	return &SafeHistogram{hist: hdrhistogram.New(1, maxTrackable, 3)}
}

// Record adds one latency observation. Values outside the trackable range
// are clamped rather than dropped.
func (h *SafeHistogram) Record(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	if us > maxTrackable {
		us = maxTrackable
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.hist.RecordValue(us)
}

// TotalCount returns the number of recorded observations.
func (h *SafeHistogram) TotalCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.TotalCount()
}

// Summary reduces the histogram to the fixed set of quantiles carried by a
// Snapshot. An empty histogram yields a zero Latency.
func (h *SafeHistogram) Summary() Latency {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hist.TotalCount() == 0 {
		return Latency{}
	}
	return Latency{
		P50Ms:  usToMs(h.hist.ValueAtQuantile(50)),
		P90Ms:  usToMs(h.hist.ValueAtQuantile(90)),
		P99Ms:  usToMs(h.hist.ValueAtQuantile(99)),
		MaxMs:  usToMs(h.hist.Max()),
		MeanMs: h.hist.Mean() / 1000.0,
	}
}

func usToMs(us int64) float64 {
	return float64(us) / 1000.0
}
