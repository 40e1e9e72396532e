package lifecycle

import "sync/atomic"

// Phase is the process-level serving state reported by /health.
type Phase int32

const (
	// Starting: listener is up but the initial dataset is still loading.
	Starting Phase = iota
	Ready
	// Draining: SIGTERM/SIGINT received; new traffic should go elsewhere.
	Draining
)

func (p Phase) String() string {
	switch p {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Draining:
		return "shutting-down"
	default:
		return "unknown"
	}
}

var phase atomic.Int32

// Set records the current phase. Draining is terminal: later calls cannot leave it.
func Set(p Phase) {
	for {
		cur := phase.Load()
		if Phase(cur) == Draining && p != Draining {
			return
		}
		if phase.CompareAndSwap(cur, int32(p)) {
			return
		}
	}
}

// Current returns the current phase.
func Current() Phase { return Phase(phase.Load()) }

// IsShuttingDown reports whether the process is draining.
func IsShuttingDown() bool { return Current() == Draining }

// reset is for tests in this package.
func reset() { phase.Store(int32(Starting)) }
