package cache

import (
	"context"
	"errors"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/climatescope/internal/circuitbreaker"
	"github.com/kjstillabower/climatescope/internal/observability"
)

// BreakerCache guards a remote Cache with a circuit breaker. While the circuit
// is open, Get reports a miss and Set is skipped, so queries compute directly
// instead of waiting on a dead backend.
type BreakerCache struct {
	inner   Cache
	breaker *circuitbreaker.CircuitBreaker
}

// NewBreakerCache wraps inner. failures consecutive errors open the circuit for openFor.
func NewBreakerCache(inner Cache, component string, failures int, openFor time.Duration) *BreakerCache {
	cb := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: failures,
		SuccessThreshold: 2,
		Timeout:          openFor,
		Component:        component,
		OnStateChange: func(component string, from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
		},
		IsFailure: isBackendFailure,
	})
	observability.CircuitBreakerState.WithLabelValues(component).Set(0)
	return &BreakerCache{inner: inner, breaker: cb}
}

// isBackendFailure ignores caller cancellation and errors about the request itself.
func isBackendFailure(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, memcache.ErrMalformedKey), errors.Is(err, memcache.ErrNotStored), errors.Is(err, ErrValueTooLarge):
		return false
	}
	return true
}

// Get implements Cache.Get.
func (c *BreakerCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		hit   bool
	)
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		value, hit, err = c.inner.Get(ctx, key)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		observability.CacheBypassedTotal.WithLabelValues("get").Inc()
		return nil, false, nil
	}
	return value, hit, err
}

// Set implements Cache.Set.
func (c *BreakerCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		return c.inner.Set(ctx, key, value, ttl)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		observability.CacheBypassedTotal.WithLabelValues("set").Inc()
		return nil
	}
	return err
}

// State reports the breaker state for health checks.
func (c *BreakerCache) State() circuitbreaker.State {
	return c.breaker.State()
}
