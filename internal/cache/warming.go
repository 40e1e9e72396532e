package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/climatescope/internal/observability"
)

// MetricWarmer is implemented by the service layer: it precomputes and caches
// the unfiltered aggregates of one metric. Declared here to avoid a cycle.
type MetricWarmer interface {
	WarmMetric(ctx context.Context, metric string) error
}

// CacheWarmer precomputes aggregates for a list of metrics after each dataset load.
type CacheWarmer struct {
	target MetricWarmer
	logger *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer. logger may be nil.
func NewCacheWarmer(target MetricWarmer, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{target: target, logger: logger}
}

// Warm computes every metric concurrently. Failures are joined into one error.
func (w *CacheWarmer) Warm(ctx context.Context, metrics []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("metrics", len(metrics)))
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, m := range metrics {
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.target.WarmMetric(ctx, m); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", m, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete",
			zap.Int("metrics", len(metrics)),
			zap.Int("errors", len(errs)),
			zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmAsync runs Warm in a goroutine and logs the outcome.
func (w *CacheWarmer) WarmAsync(ctx context.Context, metrics []string) {
	if len(metrics) == 0 {
		return
	}
	go func() {
		if err := w.Warm(ctx, metrics); err != nil && w.logger != nil {
			w.logger.Warn("cache warming failed", zap.Error(err))
		}
	}()
}
