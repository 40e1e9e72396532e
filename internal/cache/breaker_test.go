package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/climatescope/internal/circuitbreaker"
)

// flakyCache fails every call while down is true.
type flakyCache struct {
	down  bool
	calls int
	inner *InMemoryCache
}

func (f *flakyCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.calls++
	if f.down {
		return nil, false, errors.New("connection refused")
	}
	return f.inner.Get(ctx, key)
}

func (f *flakyCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.calls++
	if f.down {
		return errors.New("connection refused")
	}
	return f.inner.Set(ctx, key, value, ttl)
}

func TestBreakerCache_PassesThroughWhenHealthy(t *testing.T) {
	inner := &flakyCache{inner: NewInMemoryCache(0)}
	c := NewBreakerCache(inner, "test-healthy", 3, time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, hit, err := c.Get(ctx, "k")
	if err != nil || !hit || string(got) != "v" {
		t.Errorf("Get() = %q, %v, %v; want v, true, nil", got, hit, err)
	}
}

func TestBreakerCache_OpensAndBypasses(t *testing.T) {
	inner := &flakyCache{down: true, inner: NewInMemoryCache(0)}
	c := NewBreakerCache(inner, "test-open", 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := c.Get(ctx, fmt.Sprintf("k%d", i)); err == nil {
			t.Fatalf("Get %d: expected backend error", i)
		}
	}
	if c.State() != circuitbreaker.StateOpen {
		t.Fatalf("State() = %v, want open", c.State())
	}

	calls := inner.calls
	_, hit, err := c.Get(ctx, "k")
	if err != nil || hit {
		t.Errorf("Get() while open = hit %v, err %v; want silent miss", hit, err)
	}
	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Errorf("Set() while open error = %v, want nil", err)
	}
	if inner.calls != calls {
		t.Errorf("backend called %d times while open", inner.calls-calls)
	}
}

func TestIsBackendFailure(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("dial tcp: connection refused"), true},
		{context.Canceled, false},
		{fmt.Errorf("get: %w", context.DeadlineExceeded), false},
		{memcache.ErrMalformedKey, false},
		{fmt.Errorf("%w: 2000000 bytes", ErrValueTooLarge), false},
		{memcache.ErrServerError, true},
	}
	for _, tt := range tests {
		if got := isBackendFailure(tt.err); got != tt.want {
			t.Errorf("isBackendFailure(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
