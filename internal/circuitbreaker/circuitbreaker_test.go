package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

type transition struct{ from, to State }

func newTestBreaker(t *testing.T) (*CircuitBreaker, *time.Time, *[]transition) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	var seen []transition
	cb := New(Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
		Component:        "memcached",
		OnStateChange: func(component string, from, to State) {
			if component != "memcached" {
				t.Errorf("component = %q", component)
			}
			mu.Lock()
			seen = append(seen, transition{from, to})
			mu.Unlock()
		},
	})
	cb.now = func() time.Time { return now }
	return cb, &now, &seen
}

func fail(context.Context) error { return errBackend }
func ok(context.Context) error   { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _, seen := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Call(ctx, fail); !errors.Is(err, errBackend) {
			t.Fatalf("call %d error = %v, want backend error", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("State() = %v, want open", cb.State())
	}

	called := false
	err := cb.Call(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Errorf("Call while open = %v (called=%v), want ErrOpen without calling", err, called)
	}
	if len(*seen) != 1 || (*seen)[0] != (transition{StateClosed, StateOpen}) {
		t.Errorf("transitions = %v", *seen)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _, _ := newTestBreaker(t)
	ctx := context.Background()

	_ = cb.Call(ctx, fail)
	_ = cb.Call(ctx, fail)
	_ = cb.Call(ctx, ok)
	_ = cb.Call(ctx, fail)
	_ = cb.Call(ctx, fail)
	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want closed (failures were not consecutive)", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, now, seen := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, fail)
	}

	*now = now.Add(11 * time.Second)
	if err := cb.Call(ctx, ok); err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("State() = %v after one probe, want half_open", cb.State())
	}
	if err := cb.Call(ctx, ok); err != nil {
		t.Fatalf("second probe error = %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("State() = %v, want closed", cb.State())
	}

	want := []transition{{StateClosed, StateOpen}, {StateOpen, StateHalfOpen}, {StateHalfOpen, StateClosed}}
	if len(*seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", *seen, want)
	}
	for i := range want {
		if (*seen)[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, (*seen)[i], want[i])
		}
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now, _ := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, fail)
	}
	*now = now.Add(11 * time.Second)

	_ = cb.Call(ctx, fail)
	if cb.State() != StateOpen {
		t.Errorf("State() = %v, want open after failed probe", cb.State())
	}
	if err := cb.Call(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Errorf("Call right after reopen = %v, want ErrOpen", err)
	}
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	cb, now, _ := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, fail)
	}
	*now = now.Add(11 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Call(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Call(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Errorf("concurrent call during probe = %v, want ErrOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("probe error = %v", err)
	}
}

func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	cb, _, _ := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = cb.Call(ctx, func(context.Context) error { return context.Canceled })
	}
	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := cb.Call(cancelled, ok); !errors.Is(err, context.Canceled) {
		t.Errorf("Call with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(9): "unknown"}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
