package mcpexec

import (
	"slices"
	"sync"
	"time"
)

const defaultWindowSize = 100

// latencyWindow keeps the most recent call latencies of one tool in a ring
// buffer. All methods are safe for concurrent use.
type latencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	failed  []bool
	pos     int
	count   int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &latencyWindow{
		samples: make([]time.Duration, size),
		failed:  make([]bool, size),
	}
}

// Record adds one call. The oldest call is overwritten once the buffer is
// full.
func (w *latencyWindow) Record(d time.Duration, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.pos] = d
	w.failed[w.pos] = failed
	w.pos = (w.pos + 1) % len(w.samples)
	w.count++
}

func (w *latencyWindow) size() int {
	return min(w.count, len(w.samples))
}

func (w *latencyWindow) sorted() []time.Duration {
	n := w.size()
	if n == 0 {
		return nil
	}
	cp := slices.Clone(w.samples[:n])
	slices.Sort(cp)
	return cp
}

// P50 returns the median latency, or zero with no samples.
func (w *latencyWindow) P50() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	return s[len(s)/2]
}

// P99 returns the 99th-percentile latency, or zero with no samples.
func (w *latencyWindow) P99() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	return s[int(float64(len(s)-1)*0.99)]
}

// ErrorRate returns the fraction of failed calls in the window.
func (w *latencyWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.size()
	if n == 0 {
		return 0
	}
	var failed int
	for _, f := range w.failed[:n] {
		if f {
			failed++
		}
	}
	return float64(failed) / float64(n)
}

// Count returns the total number of recorded calls, including those that
// have left the window.
func (w *latencyWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
