package http

import (
	"context"
	"sync"
)

// InFlightTracker counts requests being served, per route template, so shutdown
// can wait for them and report what is still running.
type InFlightTracker struct {
	mu      sync.Mutex
	total   int64
	byRoute map[string]int64
	idle    chan struct{} // closed while total is zero
}

func NewInFlightTracker() *InFlightTracker {
	idle := make(chan struct{})
	close(idle)
	return &InFlightTracker{byRoute: make(map[string]int64), idle: idle}
}

// Begin records a request on route and returns the func that ends it. done is idempotent.
func (t *InFlightTracker) Begin(route string) (done func()) {
	t.mu.Lock()
	if t.total == 0 {
		t.idle = make(chan struct{})
	}
	t.total++
	t.byRoute[route]++
	t.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { t.end(route) }) }
}

func (t *InFlightTracker) end(route string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total--
	if t.byRoute[route]--; t.byRoute[route] <= 0 {
		delete(t.byRoute, route)
	}
	if t.total == 0 {
		close(t.idle)
	}
}

func (t *InFlightTracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// ByRoute returns a copy of the per-route counts. Idle routes are omitted.
func (t *InFlightTracker) ByRoute() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.byRoute))
	for r, n := range t.byRoute {
		out[r] = n
	}
	return out
}

// WaitForZero blocks until no request is in flight or ctx is done.
func (t *InFlightTracker) WaitForZero(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// globalInFlightTracker is the process-wide tracker maintained by MetricsMiddleware.
var globalInFlightTracker = NewInFlightTracker()

// InFlightCount returns the number of requests currently being served.
func InFlightCount() int64 {
	return globalInFlightTracker.Count()
}

// InFlightByRoute returns in-flight requests per route template.
func InFlightByRoute() map[string]int64 {
	return globalInFlightTracker.ByRoute()
}

// WaitForInFlight blocks until in-flight requests reach zero or ctx is done.
func WaitForInFlight(ctx context.Context) error {
	return globalInFlightTracker.WaitForZero(ctx)
}
