package cache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type mockWarmer struct {
	mu     sync.Mutex
	warmed []string
	fail   map[string]error
}

func (m *mockWarmer) WarmMetric(ctx context.Context, metric string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[metric]; err != nil {
		return err
	}
	m.warmed = append(m.warmed, metric)
	return nil
}

func TestCacheWarmer_Warm_Success(t *testing.T) {
	target := &mockWarmer{}
	warmer := NewCacheWarmer(target, nil)

	if err := warmer.Warm(context.Background(), []string{"temperature_celsius", "humidity"}); err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
	sort.Strings(target.warmed)
	if strings.Join(target.warmed, ",") != "humidity,temperature_celsius" {
		t.Errorf("warmed = %v", target.warmed)
	}
}

func TestCacheWarmer_Warm_EmptyMetrics(t *testing.T) {
	warmer := NewCacheWarmer(&mockWarmer{}, nil)
	if err := warmer.Warm(context.Background(), nil); err != nil {
		t.Fatalf("Warm(nil) error = %v, want nil", err)
	}
}

func TestCacheWarmer_Warm_JoinsErrors(t *testing.T) {
	boom := errors.New("unknown column")
	target := &mockWarmer{fail: map[string]error{"uv_index": boom}}
	core, logs := observer.New(zap.InfoLevel)
	warmer := NewCacheWarmer(target, zap.New(core))

	err := warmer.Warm(context.Background(), []string{"uv_index", "humidity"})
	if !errors.Is(err, boom) {
		t.Fatalf("Warm() error = %v, want wrapping %v", err, boom)
	}
	if !strings.Contains(err.Error(), "warm uv_index") {
		t.Errorf("Warm() error = %q, want metric name", err.Error())
	}
	if logs.FilterMessage("cache warming complete").Len() != 1 {
		t.Error("expected completion log")
	}
}

func TestCacheWarmer_WarmAsync_LogsFailure(t *testing.T) {
	target := &mockWarmer{fail: map[string]error{"humidity": errors.New("boom")}}
	core, logs := observer.New(zap.WarnLevel)
	warmer := NewCacheWarmer(target, zap.New(core))

	warmer.WarmAsync(context.Background(), []string{"humidity"})

	deadline := time.Now().Add(time.Second)
	for logs.FilterMessage("cache warming failed").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected async warming failure to be logged")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
