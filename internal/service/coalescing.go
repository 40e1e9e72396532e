package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrComputationPanicked is returned to every waiter when a coalesced computation panics.
var ErrComputationPanicked = errors.New("computation panicked")

// inFlightRequest tracks one computation that several callers may wait for.
type inFlightRequest struct {
	done   chan struct{}
	result []byte
	err    error
}

// requestCoalescer runs at most one computation per key at a time. Callers that
// arrive while a computation is running wait for its result instead of starting their own.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRequest
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightRequest),
		timeout:  timeout,
	}
}

// GetOrDo returns the result of fn for key, sharing it with concurrent callers.
// shared reports whether this caller joined a computation started by another.
//
// fn runs in its own goroutine with a context detached from the caller's
// cancellation, so one caller giving up does not fail the others. Each caller
// waits at most the coalescer timeout or until its own ctx is done.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func(context.Context) ([]byte, error)) (result []byte, shared bool, err error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if !exists {
		req = &inFlightRequest{done: make(chan struct{})}
		rc.inFlight[key] = req
		go func(ctx context.Context) {
			defer close(req.done)
			defer rc.cleanup(key)
			req.result, req.err = runRecovered(ctx, fn)
		}(context.WithoutCancel(ctx))
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-req.done:
		return req.result, exists, req.err
	case <-waitCtx.Done():
		return nil, exists, waitCtx.Err()
	}
}

// runRecovered calls fn, converting a panic into an error. fn runs on a goroutine
// no caller owns, so an unrecovered panic would take down the process.
func runRecovered(ctx context.Context, fn func(context.Context) ([]byte, error)) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%w: %v", ErrComputationPanicked, r)
		}
	}()
	return fn(ctx)
}

// cleanup removes the in-flight entry for key. Called before waiters are released
// so a caller arriving after completion starts a fresh computation.
func (rc *requestCoalescer) cleanup(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}

// inFlightCount returns the number of keys currently being computed.
func (rc *requestCoalescer) inFlightCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.inFlight)
}
