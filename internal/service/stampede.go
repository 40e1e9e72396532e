package service

import "sync"

// stampedeTracker counts cache misses that are being computed at the same time for
// one key. The coalescer usually collapses them; a count above 1 means callers
// arrived after a previous flight finished but before its result was cached.
type stampedeTracker struct {
	mu     sync.Mutex
	active map[string]int
	peak   int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{active: make(map[string]int)}
}

// begin registers a miss for key. It returns the number of misses now active for
// key and a release func; calling release more than once has no further effect.
func (st *stampedeTracker) begin(key string) (int, func()) {
	st.mu.Lock()
	st.active[key]++
	n := st.active[key]
	if n > st.peak {
		st.peak = n
	}
	st.mu.Unlock()

	var once sync.Once
	return n, func() {
		once.Do(func() {
			st.mu.Lock()
			defer st.mu.Unlock()
			if st.active[key] <= 1 {
				delete(st.active, key)
				return
			}
			st.active[key]--
		})
	}
}

// Peak is the highest concurrent miss count seen for any single key.
func (st *stampedeTracker) Peak() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.peak
}

func (st *stampedeTracker) activeKeys() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.active)
}
