package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	Debug bool

	ServerPort string

	DatasetLocation  string
	DatasetDelimiter rune
	DatasetMaxRows   int
	CleanOnLoad      bool
	SourceTimeout    time.Duration
	SourceMaxBytes   int64

	RequestTimeout time.Duration
	CacheTTL       time.Duration
	CacheBackend   string // "in_memory" or "memcached"
	CacheMaxItems  int

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	BreakerFailures       int
	BreakerOpenFor        time.Duration

	CoalesceTimeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	MaxPageSize    int
	MaxBins        int
	MaxExtremeRows int
	MaxUploadBytes int64
	NameMinLength  int
	NameMaxLength  int

	ShutdownTimeout         time.Duration
	ShutdownInFlightTimeout time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int

	TracingZipkinURL   string
	TracingSampleRatio float64

	PostgresURL string

	TrackedMetrics []string
	WarmCache      bool
}

type fileConfig struct {
	Debug *bool `yaml:"debug"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Dataset struct {
		Location    string `yaml:"location"`
		Delimiter   string `yaml:"delimiter"`
		MaxRows     int    `yaml:"max_rows"`
		CleanOnLoad *bool  `yaml:"clean_on_load"`
		Timeout     string `yaml:"timeout"`
		MaxBytes    int64  `yaml:"max_bytes"`
	} `yaml:"dataset"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend  string `yaml:"backend"`
		TTL      string `yaml:"ttl"`
		MaxItems int    `yaml:"max_items"`
		Memcached struct {
			Addrs           string `yaml:"addrs"`
			Timeout         string `yaml:"timeout"`
			MaxIdleConns    int    `yaml:"max_idle_conns"`
			BreakerFailures int    `yaml:"breaker_failures"`
			BreakerOpenFor  string `yaml:"breaker_open_for"`
		} `yaml:"memcached"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Limits struct {
		MaxPageSize    int   `yaml:"max_page_size"`
		MaxBins        int   `yaml:"max_bins"`
		MaxExtremeRows int   `yaml:"max_extreme_rows"`
		MaxUploadBytes int64 `yaml:"max_upload_bytes"`
		NameMinLength  int   `yaml:"name_min_length"`
		NameMaxLength  int   `yaml:"name_max_length"`
	} `yaml:"limits"`

	Shutdown struct {
		Timeout         string `yaml:"timeout"`
		InFlightTimeout string `yaml:"in_flight_timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Tracing struct {
		ZipkinURL   string   `yaml:"zipkin_url"`
		SampleRatio *float64 `yaml:"sample_ratio"`
	} `yaml:"tracing"`

	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`

	Metrics struct {
		TrackedMetrics []string `yaml:"tracked_metrics"`
		WarmCache      bool     `yaml:"warm_cache"`
	} `yaml:"metrics"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) after loading an optional .env.
// DATASET_LOCATION, CACHE_BACKEND, MEMCACHED_ADDRS, ZIPKIN_URL and DATABASE_URL override the file.
// Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	if fc.Debug != nil {
		cfg.Debug = *fc.Debug
	}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.DatasetLocation = envOr("DATASET_LOCATION", fc.Dataset.Location)
	cfg.DatasetDelimiter = ','
	if d := fc.Dataset.Delimiter; d != "" {
		if d == `\t` {
			d = "\t"
		}
		cfg.DatasetDelimiter = []rune(d)[0]
	}
	cfg.DatasetMaxRows = fc.Dataset.MaxRows
	cfg.CleanOnLoad = true
	if fc.Dataset.CleanOnLoad != nil {
		cfg.CleanOnLoad = *fc.Dataset.CleanOnLoad
	}
	cfg.SourceTimeout = parseDuration(fc.Dataset.Timeout, 30*time.Second)
	cfg.SourceMaxBytes = fc.Dataset.MaxBytes

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 10*time.Minute)
	cfg.CacheBackend = strings.ToLower(envOr("CACHE_BACKEND", fc.Cache.Backend))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CacheMaxItems = fc.Cache.MaxItems
	if cfg.CacheMaxItems <= 0 {
		cfg.CacheMaxItems = 10000
	}
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.BreakerFailures = positiveOr(fc.Cache.Memcached.BreakerFailures, 5)
	cfg.BreakerOpenFor = parseDuration(fc.Cache.Memcached.BreakerOpenFor, 30*time.Second)
	// Zero disables coalescing, so an explicit "0s" is kept.
	cfg.CoalesceTimeout = parseDurationOrZero(fc.Cache.CoalesceTimeout, 10*time.Second)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 5*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}

	cfg.MaxPageSize = positiveOr(fc.Limits.MaxPageSize, 1000)
	cfg.MaxBins = positiveOr(fc.Limits.MaxBins, 200)
	cfg.MaxExtremeRows = positiveOr(fc.Limits.MaxExtremeRows, 1000)
	cfg.MaxUploadBytes = fc.Limits.MaxUploadBytes
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	cfg.NameMinLength = positiveOr(fc.Limits.NameMinLength, 1)
	cfg.NameMaxLength = positiveOr(fc.Limits.NameMaxLength, 100)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = positiveOr(fc.Lifecycle.OverloadThresholdPct, 80)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = positiveOr(fc.Lifecycle.DegradedErrorPct, 5)

	cfg.TracingZipkinURL = envOr("ZIPKIN_URL", fc.Tracing.ZipkinURL)
	cfg.TracingSampleRatio = 1.0
	if fc.Tracing.SampleRatio != nil {
		cfg.TracingSampleRatio = *fc.Tracing.SampleRatio
	}

	cfg.PostgresURL = envOr("DATABASE_URL", fc.Postgres.URL)

	cfg.TrackedMetrics = fc.Metrics.TrackedMetrics
	cfg.WarmCache = fc.Metrics.WarmCache

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOr returns the trimmed env value for key, falling back to the trimmed file value.
func envOr(key, fileVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fileVal)
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
func validate(cfg *Config) error {
	if cfg.DatasetLocation == "" {
		return fmt.Errorf("dataset.location required (set DATASET_LOCATION or config file)")
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.NameMinLength > cfg.NameMaxLength {
		return fmt.Errorf("limits.name_min_length (%d) exceeds name_max_length (%d)", cfg.NameMinLength, cfg.NameMaxLength)
	}
	if cfg.TracingSampleRatio < 0 || cfg.TracingSampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1], got %v", cfg.TracingSampleRatio)
	}
	if cfg.CoalesceTimeout < 0 {
		cfg.CoalesceTimeout = 0
	}
	return nil
}
