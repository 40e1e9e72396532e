package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/climatescope/internal/cache"
	"github.com/kjstillabower/climatescope/internal/cleaning"
	"github.com/kjstillabower/climatescope/internal/config"
	"github.com/kjstillabower/climatescope/internal/dataset"
	httphandler "github.com/kjstillabower/climatescope/internal/http"
	"github.com/kjstillabower/climatescope/internal/lifecycle"
	"github.com/kjstillabower/climatescope/internal/observability"
	"github.com/kjstillabower/climatescope/internal/query"
	"github.com/kjstillabower/climatescope/internal/repository/postgres"
	"github.com/kjstillabower/climatescope/internal/service"
	"github.com/kjstillabower/climatescope/internal/source"
	"github.com/kjstillabower/climatescope/internal/store"
)

func main() {
	logger, err := observability.NewLogger("climatescope")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	shutdownTracing, err := observability.SetupTracing("climatescope", cfg.TracingZipkinURL, cfg.TracingSampleRatio)
	if err != nil {
		logger.Fatal("tracing", zap.Error(err))
	}
	if cfg.TracingZipkinURL != "" {
		logger.Info("tracing enabled", zap.String("zipkin_url", cfg.TracingZipkinURL), zap.Float64("sample_ratio", cfg.TracingSampleRatio))
	}

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	cacheLayer := "memory"
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = cache.NewBreakerCache(mc, "memcached", cfg.BreakerFailures, cfg.BreakerOpenFor)
		cacheLayer = "memcached"
		logger.Info("cache backend: memcached",
			zap.String("addrs", cfg.MemcachedAddrs),
			zap.Int("breaker_failures", cfg.BreakerFailures),
			zap.Duration("breaker_open_for", cfg.BreakerOpenFor))
	default:
		cacheSvc = cache.NewInMemoryCache(cfg.CacheMaxItems)
		logger.Info("cache backend: in_memory", zap.Int("max_items", cfg.CacheMaxItems))
	}

	svcCfg := newServiceConfig(cfg, cacheLayer)
	datasets := store.New()
	climateService := service.NewClimateService(datasets, cacheSvc, svcCfg)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	if len(cfg.TrackedMetrics) > 0 {
		observability.SetTrackedMetrics(cfg.TrackedMetrics)
	}

	var repo *postgres.DatasetRepository
	if cfg.PostgresURL != "" {
		pgCtx, pgCancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.Connect(pgCtx, cfg.PostgresURL)
		pgCancel()
		if err != nil {
			logger.Fatal("postgres", zap.Error(err))
		}
		repo = postgres.NewDatasetRepository(pool)
		logger.Info("postgres sink enabled", zap.String("table", postgres.DefaultTable))
	}

	warmer := cache.NewCacheWarmer(climateService, logger)
	climateService.OnLoad(func(ctx context.Context, snap *store.Snapshot) {
		if cfg.WarmCache {
			warmer.WarmAsync(context.WithoutCancel(ctx), cfg.TrackedMetrics)
		}
		if repo != nil {
			go persistSnapshot(repo, snap, logger)
		}
	})

	fetcher := source.New(source.Options{
		Timeout:        cfg.SourceTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		MaxBytes:       cfg.SourceMaxBytes,
	})
	loadCtx, loadCancel := context.WithTimeout(context.Background(), cfg.SourceTimeout*time.Duration(cfg.RetryAttempts)+5*time.Second)
	frame, err := fetcher.Load(loadCtx, cfg.DatasetLocation, svcCfg.Load)
	if err != nil {
		loadCancel()
		logger.Fatal("dataset load", zap.String("location", cfg.DatasetLocation), zap.Error(err))
	}
	if _, err := climateService.Install(loadCtx, frame, cfg.DatasetLocation, "startup"); err != nil {
		loadCancel()
		logger.Fatal("dataset install", zap.String("location", cfg.DatasetLocation), zap.Error(err))
	}
	loadCancel()

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		RateLimitBurst:       cfg.RateLimitBurst,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		StartTime:            time.Now(),
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(climateService, datasets, healthConfig, newLimits(cfg), logger)
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		Debug:          cfg.Debug,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
	}

	lifecycle.Set(lifecycle.Ready)
	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.Set(lifecycle.Draining)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests",
		zap.Int64("count", httphandler.InFlightCount()),
		zap.Any("by_route", httphandler.InFlightByRoute()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Any("remaining", httphandler.InFlightByRoute()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger, shutdownTracing); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if repo != nil {
		repo.Close()
	}
	logger.Info("shutdown complete")
}

func newServiceConfig(cfg *config.Config, cacheLayer string) service.Config {
	svcCfg := service.Config{
		CacheTTL:        cfg.CacheTTL,
		CacheLayer:      cacheLayer,
		CoalesceTimeout: cfg.CoalesceTimeout,
		Load:            dataset.LoadOptions{Delimiter: cfg.DatasetDelimiter, MaxRows: cfg.DatasetMaxRows},
	}
	if cfg.CleanOnLoad {
		opts := cleaning.DefaultOptions()
		svcCfg.Clean = &opts
	}
	return svcCfg
}

func newLimits(cfg *config.Config) httphandler.Limits {
	return httphandler.Limits{
		Names:          query.Limits{MinNameLen: cfg.NameMinLength, MaxNameLen: cfg.NameMaxLength},
		MaxPageSize:    cfg.MaxPageSize,
		MaxBins:        cfg.MaxBins,
		MaxExtremeRows: cfg.MaxExtremeRows,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}
}

// persistSnapshot copies the active dataset into Postgres. Failures are logged only.
func persistSnapshot(repo *postgres.DatasetRepository, snap *store.Snapshot, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	n, err := repo.SaveFrame(ctx, postgres.DefaultTable, snap.Frame)
	if err != nil {
		logger.Error("postgres persist failed", zap.String("version", snap.Version), zap.Error(err))
		return
	}
	logger.Info("dataset persisted to postgres", zap.String("version", snap.Version), zap.Int64("rows", n))
}
