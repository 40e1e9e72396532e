package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kjstillabower/climatescope/internal/analysis"
	"github.com/kjstillabower/climatescope/internal/cache"
	"github.com/kjstillabower/climatescope/internal/cleaning"
	"github.com/kjstillabower/climatescope/internal/dataset"
	"github.com/kjstillabower/climatescope/internal/models"
	"github.com/kjstillabower/climatescope/internal/observability"
	"github.com/kjstillabower/climatescope/internal/query"
	"github.com/kjstillabower/climatescope/internal/store"
)

// ErrInvalidDataset is returned when an uploaded or loaded CSV cannot be used.
var ErrInvalidDataset = errors.New("invalid dataset")

// Config tunes ClimateService.
type Config struct {
	// CacheTTL is how long computed results stay cached. Keys embed the dataset
	// version, so a replaced dataset never serves old results regardless of TTL.
	CacheTTL time.Duration
	// CacheLayer labels cache hit metrics ("memory" or "memcached").
	CacheLayer string
	// CoalesceTimeout bounds how long a caller waits on a shared computation. 0 disables coalescing.
	CoalesceTimeout time.Duration
	// Clean, when set, runs the cleaning pipeline on every loaded dataset.
	Clean *cleaning.Options
	Load  dataset.LoadOptions
}

// ExtremeQuery selects the flagging rule and how many flagged rows to return.
type ExtremeQuery struct {
	Metric string
	analysis.ExtremeOptions
	Limit int
}

// ClimateService answers dashboard queries against the active dataset using
// cache-aside: results are JSON-encoded once per dataset version and query.
type ClimateService struct {
	store           *store.Store
	cache           cache.Cache
	cfg             Config
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // nil if disabled
	onLoad          func(context.Context, *store.Snapshot)
}

// NewClimateService creates a ClimateService over st, caching results in c.
func NewClimateService(st *store.Store, c cache.Cache, cfg Config) *ClimateService {
	if cfg.CacheLayer == "" {
		cfg.CacheLayer = "memory"
	}
	var coalescer *requestCoalescer
	if cfg.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer(cfg.CoalesceTimeout)
	}
	return &ClimateService{
		store:           st,
		cache:           c,
		cfg:             cfg,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// OnLoad registers fn to run after every successful dataset install.
func (s *ClimateService) OnLoad(fn func(context.Context, *store.Snapshot)) {
	s.onLoad = fn
}

// loggerFromContext extracts a zap.Logger from request context if present.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// Dataset describes the active dataset.
func (s *ClimateService) Dataset(ctx context.Context) (models.DatasetResponse, error) {
	snap, err := s.store.Current()
	if err != nil {
		return models.DatasetResponse{}, err
	}
	return datasetResponse(snap, nil), nil
}

// Columns lists the active dataset's columns.
func (s *ClimateService) Columns(ctx context.Context) ([]byte, error) {
	return s.cached(ctx, "columns", nil, func(ctx context.Context, snap *store.Snapshot) (any, error) {
		return models.ColumnsResponse{DatasetVersion: snap.Version, Columns: analysis.Columns(snap.Frame)}, nil
	})
}

// Summary returns KPI figures for the filtered dataset.
func (s *ClimateService) Summary(ctx context.Context, f query.Filter) ([]byte, error) {
	return s.cached(ctx, "summary", []string{f.Key()}, func(ctx context.Context, snap *store.Snapshot) (any, error) {
		fr, err := f.Apply(snap.Frame)
		if err != nil {
			return nil, err
		}
		return models.SummaryResponse{DatasetVersion: snap.Version, Summary: analysis.Summarize(fr)}, nil
	})
}

// Observations returns one page of filtered rows.
func (s *ClimateService) Observations(ctx context.Context, f query.Filter, limit, offset int) ([]byte, error) {
	params := []string{"limit=" + strconv.Itoa(limit), "offset=" + strconv.Itoa(offset), f.Key()}
	return s.cached(ctx, "observations", params, func(ctx context.Context, snap *store.Snapshot) (any, error) {
		fr, err := f.Apply(snap.Frame)
		if err != nil {
			return nil, err
		}
		resp := models.ObservationsResponse{
			DatasetVersion: snap.Version,
			Total:          fr.Len(),
			Offset:         offset,
			Limit:          limit,
			Rows:           []map[string]any{},
		}
		for i := offset; i < fr.Len() && i < offset+limit; i++ {
			resp.Rows = append(resp.Rows, fr.Row(i))
		}
		return resp, nil
	})
}

// CountryMeans aggregates metric per country for the choropleth.
func (s *ClimateService) CountryMeans(ctx context.Context, f query.Filter, metric string) ([]byte, error) {
	observability.RecordMetricQuery(metric)
	return s.cached(ctx, "countries", []string{metric, f.Key()}, func(ctx context.Context, snap *store.Snapshot) (any, error) {
		fr, err := f.Apply(snap.Frame)
		if err != nil {
			return nil, err
		}
		groups, err := analysis.GroupMeans(fr, metric, dataset.ColCountry)
		if err != nil {
			return nil, err
		}
		return models.GroupResponse{DatasetVersion: snap.Version, Metric: metric, GroupBy: dataset.ColCountry, Groups: groups}, nil
	})
}

// Monthly returns the calendar-month series of metric.
func (s *ClimateService) Monthly(ctx context.Context, f query.Filter, metric string) ([]byte, error) {
	observability.RecordMetricQuery(metric)
	return s.cached(ctx, "monthly", []string{metric, f.Key()}, func(ctx context.Context, snap *store.Snapshot) (any, error) {
		fr, err := f.Apply(snap.Frame)
		if err != nil {
			return nil, err
		}
		points, err := analysis.MonthlySeries(fr, metric)
		if err != nil {
			return nil, err
		}
		return models.MonthlyResponse{DatasetVersion: snap.Version, Metric: metric, Points: points}, nil
	})
}

// Histogram buckets metric into bins equal-width bins alongside its descriptive stats.
func (s *ClimateService) Histogram(ctx context.Context, f query.Filter, metric string, bins int) ([]byte, error) {
	observability.RecordMetricQuery(metric)
	params := []string{metric, "bins=" + strconv.Itoa(bins), f.Key()}
	return s.cached(ctx, "histogram", params, func(ctx context.Context, snap *store.Snapshot) (any, error) {
		fr, err := f.Apply(snap.Frame)
		if err != nil {
			return nil, err
		}
		vals, err := fr.Numeric(metric)
		if err != nil {
			return nil, err
		}
		return models.HistogramResponse{
			DatasetVersion: snap.Version,
			Metric:         metric,
			Bins:           analysis.Histogram(vals, bins),
			Stats:          analysis.Describe(vals),
		}, nil
	})
}

// Correlations returns the Pearson matrix of metrics, or of every numeric column when empty.
func (s *ClimateService) Correlations(ctx context.Context, f query.Filter, metrics []string) ([]byte, error) {
	for _, m := range metrics {
		observability.RecordMetricQuery(m)
	}
	return s.cached(ctx, "correlations", []string{strings.Join(metrics, ","), f.Key()}, func(ctx context.Context, snap *store.Snapshot) (any, error) {
		fr, err := f.Apply(snap.Frame)
		if err != nil {
			return nil, err
		}
		m, err := analysis.Correlations(fr, metrics)
		if err != nil {
			return nil, err
		}
		return models.CorrelationResponse{DatasetVersion: snap.Version, CorrMatrix: m}, nil
	})
}

// Extremes flags outlying rows of q.Metric and returns up to q.Limit of them.
func (s *ClimateService) Extremes(ctx context.Context, f query.Filter, q ExtremeQuery) ([]byte, error) {
	observability.RecordMetricQuery(q.Metric)
	params := []string{
		q.Metric,
		string(q.Method),
		"k=" + strconv.FormatFloat(q.K, 'g', -1, 64),
		"p=" + strconv.FormatFloat(q.Percentile, 'g', -1, 64),
		"limit=" + strconv.Itoa(q.Limit),
		f.Key(),
	}
	return s.cached(ctx, "extremes", params, func(ctx context.Context, snap *store.Snapshot) (any, error) {
		fr, err := f.Apply(snap.Frame)
		if err != nil {
			return nil, err
		}
		ex, err := analysis.DetectExtremes(fr, q.Metric, q.ExtremeOptions)
		if err != nil {
			return nil, err
		}
		observability.ExtremesFlaggedTotal.WithLabelValues(string(ex.Method)).Add(float64(len(ex.Rows)))
		resp := models.ExtremesResponse{
			DatasetVersion: snap.Version,
			Extremes:       ex,
			Flagged:        len(ex.Rows),
			Rows:           []map[string]any{},
		}
		for i, row := range ex.Rows {
			if q.Limit > 0 && i >= q.Limit {
				break
			}
			resp.Rows = append(resp.Rows, fr.Row(row))
		}
		return resp, nil
	})
}

// Export writes the filtered dataset as CSV, restricted to columns when non-empty.
// Exports stream straight from the snapshot and are never cached.
func (s *ClimateService) Export(ctx context.Context, f query.Filter, columns []string, w io.Writer) error {
	ctx, span := observability.Tracer().Start(ctx, "service.export")
	defer span.End()
	observability.QueriesTotal.WithLabelValues("export").Inc()

	snap, err := s.store.Current()
	if err != nil {
		return err
	}
	fr, err := f.Apply(snap.Frame)
	if err != nil {
		return err
	}
	if len(columns) > 0 {
		if fr, err = project(fr, columns); err != nil {
			return err
		}
	}
	span.SetAttributes(attribute.Int("export.rows", fr.Len()))
	if err := dataset.WriteCSV(w, fr); err != nil {
		span.RecordError(err)
		return fmt.Errorf("export: %w", err)
	}
	return nil
}

// project returns a frame holding only the named columns, in the given order.
func project(fr *dataset.Frame, names []string) (*dataset.Frame, error) {
	cols := make([]*dataset.Column, 0, len(names))
	for _, n := range names {
		c, ok := fr.Column(n)
		if !ok {
			return nil, fmt.Errorf("%w: %s", dataset.ErrUnknownColumn, n)
		}
		cols = append(cols, c)
	}
	return dataset.NewFrame(cols...)
}

// Upload parses r as CSV and installs it as the active dataset.
// Parse failures and empty datasets are reported as ErrInvalidDataset.
func (s *ClimateService) Upload(ctx context.Context, r io.Reader, source string) (models.DatasetResponse, error) {
	fr, err := dataset.LoadCSV(r, s.cfg.Load)
	if err != nil {
		observability.DatasetLoadsTotal.WithLabelValues("upload", "invalid").Inc()
		return models.DatasetResponse{}, fmt.Errorf("%w: %v", ErrInvalidDataset, err)
	}
	return s.Install(ctx, fr, source, "upload")
}

// Install cleans fr when configured and makes it the active dataset. origin labels
// load metrics ("startup", "upload").
func (s *ClimateService) Install(ctx context.Context, fr *dataset.Frame, source, origin string) (models.DatasetResponse, error) {
	ctx, span := observability.Tracer().Start(ctx, "service.install")
	defer span.End()
	logger := loggerFromContext(ctx)

	if fr.Len() == 0 || len(fr.Columns()) == 0 {
		observability.DatasetLoadsTotal.WithLabelValues(origin, "invalid").Inc()
		return models.DatasetResponse{}, fmt.Errorf("%w: no rows", ErrInvalidDataset)
	}

	var report *cleaning.Report
	if s.cfg.Clean != nil {
		cleaned, rep, err := cleaning.Run(fr, *s.cfg.Clean)
		if err != nil {
			observability.DatasetLoadsTotal.WithLabelValues(origin, "error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "clean failed")
			return models.DatasetResponse{}, fmt.Errorf("clean dataset: %w", err)
		}
		fr, report = cleaned, &rep
	}

	snap := s.store.Replace(fr, source)
	observability.DatasetRows.Set(float64(fr.Len()))
	observability.DatasetLoadsTotal.WithLabelValues(origin, "success").Inc()
	span.SetAttributes(
		attribute.String("dataset.version", snap.Version),
		attribute.Int("dataset.rows", fr.Len()),
	)
	if logger != nil {
		logger.Info("dataset installed",
			zap.String("version", snap.Version),
			zap.String("source", source),
			zap.String("origin", origin),
			zap.Int("rows", fr.Len()),
			zap.Int("columns", len(fr.Columns())))
	}
	if s.onLoad != nil {
		s.onLoad(ctx, snap)
	}
	return datasetResponse(snap, report), nil
}

// StampedePeak is the highest number of concurrent misses observed for one cache key.
func (s *ClimateService) StampedePeak() int {
	return s.stampedeTracker.Peak()
}

// WarmMetric precomputes the unfiltered chart data for metric.
func (s *ClimateService) WarmMetric(ctx context.Context, metric string) error {
	snap, err := s.store.Current()
	if err != nil {
		return err
	}
	var errs []error
	if _, err := s.CountryMeans(ctx, query.Filter{}, metric); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.Histogram(ctx, query.Filter{}, metric, 0); err != nil {
		errs = append(errs, err)
	}
	if _, ok := snap.Frame.DateColumn(); ok {
		if _, err := s.Monthly(ctx, query.Filter{}, metric); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func datasetResponse(snap *store.Snapshot, report *cleaning.Report) models.DatasetResponse {
	return models.DatasetResponse{
		Version:  snap.Version,
		Source:   snap.Source,
		Rows:     snap.Frame.Len(),
		Columns:  snap.Frame.Names(),
		LoadedAt: snap.LoadedAt,
		Cleaning: report,
	}
}

// cacheKey builds "<version>|<op>|<params...>".
func cacheKey(version, op string, params []string) string {
	return version + "|" + op + "|" + strings.Join(params, "|")
}

// cached serves op from cache or computes, encodes and caches it. Errors are never cached.
func (s *ClimateService) cached(ctx context.Context, op string, params []string, compute func(context.Context, *store.Snapshot) (any, error)) ([]byte, error) {
	snap, err := s.store.Current()
	if err != nil {
		return nil, err
	}
	key := cacheKey(snap.Version, op, params)
	logger := loggerFromContext(ctx)

	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get").Inc()
		if logger != nil {
			logger.Warn("cache get failed", zap.String("op", op), zap.Error(err))
		}
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues(s.cfg.CacheLayer).Inc()
		if logger != nil {
			logger.Debug("cache hit", zap.String("op", op))
		}
		return data, nil
	}
	observability.CacheMissesTotal.Inc()

	concurrent, release := s.stampedeTracker.begin(key)
	defer release()
	if concurrent > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(op).Inc()
		if logger != nil {
			logger.Debug("concurrent cache miss", zap.String("op", op), zap.Int("concurrent", concurrent))
		}
	}

	run := func(ctx context.Context) ([]byte, error) {
		data, err := s.compute(ctx, op, snap, compute)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, key, data, s.cfg.CacheTTL); err != nil {
			if errors.Is(err, cache.ErrValueTooLarge) {
				observability.CacheErrorsTotal.WithLabelValues("too_large").Inc()
				if logger != nil {
					logger.Debug("result not cached", zap.String("op", op), zap.Int("bytes", len(data)))
				}
			} else {
				observability.CacheErrorsTotal.WithLabelValues("set").Inc()
				if logger != nil {
					logger.Warn("cache set failed", zap.String("op", op), zap.Error(err))
				}
			}
		}
		return data, nil
	}
	if s.coalescer == nil {
		return run(ctx)
	}
	start := time.Now()
	data, shared, err := s.coalescer.GetOrDo(ctx, key, run)
	if shared && err == nil {
		observability.CacheHitsTotal.WithLabelValues("coalesced").Inc()
		observability.RequestCoalescingWaitSeconds.Observe(time.Since(start).Seconds())
	}
	return data, err
}

// compute runs fn in a span and JSON-encodes its result.
func (s *ClimateService) compute(ctx context.Context, op string, snap *store.Snapshot, fn func(context.Context, *store.Snapshot) (any, error)) ([]byte, error) {
	ctx, span := observability.Tracer().Start(ctx, "service."+op)
	defer span.End()
	span.SetAttributes(attribute.String("dataset.version", snap.Version))

	start := time.Now()
	observability.QueriesTotal.WithLabelValues(op).Inc()
	v, err := fn(ctx, snap)
	observability.QueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op, err)
	}
	return data, nil
}
