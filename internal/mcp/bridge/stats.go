package bridge

import (
	"slices"
	"sync"
	"time"
)

// LatencyStats summarises the recent calls of one binding.
type LatencyStats struct {
	// Calls is the total number of calls recorded, including those that
	// have left the window.
	Calls int

	// P50 and P99 are latency percentiles over the window.
	P50 time.Duration
	P99 time.Duration

	// ErrorRate is the fraction of failed calls in the window (0.0–1.0).
	ErrorRate float64
}

// rollingWindow keeps the last size call latencies in a ring buffer.
// All methods are safe for concurrent use.
type rollingWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	failed  []bool
	pos     int // next write position
	count   int // total samples written
}

// newRollingWindow returns a window of the given capacity. A size of 0 or
// less defaults to 100.
func newRollingWindow(size int) *rollingWindow {
	if size <= 0 {
		size = 100
	}
	return &rollingWindow{
		samples: make([]time.Duration, size),
		failed:  make([]bool, size),
	}
}

// Record adds one call, overwriting the oldest once the buffer is full.
func (w *rollingWindow) Record(d time.Duration, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.pos] = d
	w.failed[w.pos] = isError
	w.pos = (w.pos + 1) % len(w.samples)
	w.count++
}

// Stats computes the summary of the current window.
func (w *rollingWindow) Stats() LatencyStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := min(w.count, len(w.samples))
	st := LatencyStats{Calls: w.count}
	if n == 0 {
		return st
	}
	// Until the ring wraps, the valid samples are 0..n-1; afterwards all
	// slots are valid and order does not matter once sorted.
	sorted := slices.Clone(w.samples[:n])
	slices.Sort(sorted)
	st.P50 = sorted[n/2]
	st.P99 = sorted[int(float64(n-1)*0.99)]

	errs := 0
	for _, f := range w.failed[:n] {
		if f {
			errs++
		}
	}
	st.ErrorRate = float64(errs) / float64(n)
	return st
}

// statsBook holds one window per binding name.
type statsBook struct {
	size int

	mu      sync.Mutex
	windows map[string]*rollingWindow
}

func newStatsBook(size int) *statsBook {
	return &statsBook{size: size, windows: make(map[string]*rollingWindow)}
}

func (s *statsBook) record(name string, d time.Duration, isError bool) {
	s.mu.Lock()
	w, ok := s.windows[name]
	if !ok {
		w = newRollingWindow(s.size)
		s.windows[name] = w
	}
	s.mu.Unlock()
	w.Record(d, isError)
}

func (s *statsBook) snapshot() map[string]LatencyStats {
	s.mu.Lock()
	windows := make(map[string]*rollingWindow, len(s.windows))
	for k, v := range s.windows {
		windows[k] = v
	}
	s.mu.Unlock()

	out := make(map[string]LatencyStats, len(windows))
	for k, w := range windows {
		out[k] = w.Stats()
	}
	return out
}
