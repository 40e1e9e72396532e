package traffic

import (
	"sync"
	"time"
)

// Outcome classifies a finished request.
type Outcome int

const (
	Success Outcome = iota
	Error
	Denied
)

// horizon bounds the longest window that can be queried.
const horizon = 5 * time.Minute

var defaultWindow = NewWindow()

// Record adds an outcome to the process-wide window.
func Record(o Outcome) { defaultWindow.Record(o) }

// RequestCount returns all outcomes in the trailing window of the process-wide tracker.
func RequestCount(window time.Duration) int { return defaultWindow.RequestCount(window) }

// DenialCount returns denials in the trailing window of the process-wide tracker.
func DenialCount(window time.Duration) int { return defaultWindow.Count(Denied, window) }

// ErrorRate returns (errors, successes+errors) for the process-wide tracker.
func ErrorRate(window time.Duration) (errors, total int) { return defaultWindow.ErrorRate(window) }

// Reset clears the process-wide tracker. For tests.
func Reset() { defaultWindow.Reset() }

type bucket struct {
	sec    int64
	counts [3]int
}

// Window counts outcomes in one-second buckets over a fixed horizon.
// Memory is constant regardless of request volume.
type Window struct {
	mu      sync.Mutex
	buckets []bucket
	now     func() time.Time
}

func NewWindow() *Window {
	return &Window{buckets: make([]bucket, int(horizon/time.Second)), now: time.Now}
}

// Record adds one outcome at the current second.
func (w *Window) Record(o Outcome) {
	w.RecordN(o, 1)
}

// RecordN adds n outcomes at the current second.
func (w *Window) RecordN(o Outcome, n int) {
	sec := w.now().Unix()
	w.mu.Lock()
	defer w.mu.Unlock()
	b := &w.buckets[sec%int64(len(w.buckets))]
	if b.sec != sec {
		*b = bucket{sec: sec}
	}
	b.counts[o] += n
}

// Count returns outcomes of kind o within the trailing window (capped at the horizon).
func (w *Window) Count(o Outcome, window time.Duration) int {
	var c [3]int
	w.sum(window, &c)
	return c[o]
}

// RequestCount returns outcomes of every kind within the trailing window.
func (w *Window) RequestCount(window time.Duration) int {
	var c [3]int
	w.sum(window, &c)
	return c[Success] + c[Error] + c[Denied]
}

// ErrorRate returns (errors, successes+errors) within the trailing window; denials are excluded.
func (w *Window) ErrorRate(window time.Duration) (errors, total int) {
	var c [3]int
	w.sum(window, &c)
	return c[Error], c[Error] + c[Success]
}

// Reset drops all buckets.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}

func (w *Window) sum(window time.Duration, out *[3]int) {
	if window > horizon {
		window = horizon
	}
	secs := int64(window / time.Second)
	if secs < 1 {
		if window <= 0 {
			return
		}
		secs = 1
	}
	now := w.now().Unix()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range w.buckets {
		if b.sec > now-secs && b.sec <= now {
			for i := range out {
				out[i] += b.counts[i]
			}
		}
	}
}
