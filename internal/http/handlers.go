package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/climatescope/internal/analysis"
	"github.com/kjstillabower/climatescope/internal/dataset"
	"github.com/kjstillabower/climatescope/internal/lifecycle"
	"github.com/kjstillabower/climatescope/internal/query"
	"github.com/kjstillabower/climatescope/internal/service"
	"github.com/kjstillabower/climatescope/internal/store"
	"github.com/kjstillabower/climatescope/internal/traffic"
)

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	RateLimitBurst       int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	StartTime            time.Time
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Limits bounds request parameters.
type Limits struct {
	Names          query.Limits
	MaxPageSize    int
	MaxBins        int
	MaxExtremeRows int
	MaxUploadBytes int64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		Names:          query.Limits{MinNameLen: 1, MaxNameLen: 100},
		MaxPageSize:    1000,
		MaxBins:        200,
		MaxExtremeRows: 1000,
		MaxUploadBytes: 32 << 20,
	}
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	climateService   *service.ClimateService
	datasets         *store.Store
	healthConfig     *HealthConfig
	limits           Limits
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	climateService *service.ClimateService,
	datasets *store.Store,
	healthConfig *HealthConfig,
	limits Limits,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		climateService: climateService,
		datasets:       datasets,
		healthConfig:   healthConfig,
		limits:         limits,
		logger:         logger,
	}
}

// GetColumns handles GET /v1/columns.
func (h *Handler) GetColumns(w http.ResponseWriter, r *http.Request) {
	data, err := h.climateService.Columns(r.Context())
	writeResult(w, r, data, err)
}

// GetDataset handles GET /v1/dataset.
func (h *Handler) GetDataset(w http.ResponseWriter, r *http.Request) {
	info, err := h.climateService.Dataset(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	traffic.Record(traffic.Success)
	writeJSON(w, http.StatusOK, info)
}

// GetSummary handles GET /v1/summary.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	f, err := query.Parse(r.URL.Query(), h.limits.Names)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	data, err := h.climateService.Summary(r.Context(), f)
	writeResult(w, r, data, err)
}

// GetObservations handles GET /v1/observations?limit=&offset=.
func (h *Handler) GetObservations(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	f, err := query.Parse(v, h.limits.Names)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	limit, err := query.Int(v, "limit", 100, 1, h.limits.MaxPageSize)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	offset, err := query.Int(v, "offset", 0, 0, math.MaxInt32)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	data, err := h.climateService.Observations(r.Context(), f, limit, offset)
	writeResult(w, r, data, err)
}

// GetCountryMeans handles GET /v1/aggregates/countries?metric=.
func (h *Handler) GetCountryMeans(w http.ResponseWriter, r *http.Request) {
	f, metric, ok := h.filterAndMetric(w, r)
	if !ok {
		return
	}
	data, err := h.climateService.CountryMeans(r.Context(), f, metric)
	writeResult(w, r, data, err)
}

// GetMonthly handles GET /v1/aggregates/monthly?metric=.
func (h *Handler) GetMonthly(w http.ResponseWriter, r *http.Request) {
	f, metric, ok := h.filterAndMetric(w, r)
	if !ok {
		return
	}
	data, err := h.climateService.Monthly(r.Context(), f, metric)
	writeResult(w, r, data, err)
}

// GetHistogram handles GET /v1/histogram?metric=&bins=.
func (h *Handler) GetHistogram(w http.ResponseWriter, r *http.Request) {
	f, metric, ok := h.filterAndMetric(w, r)
	if !ok {
		return
	}
	bins, err := query.Int(r.URL.Query(), "bins", 20, 1, h.limits.MaxBins)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	data, err := h.climateService.Histogram(r.Context(), f, metric, bins)
	writeResult(w, r, data, err)
}

// GetCorrelations handles GET /v1/correlations?metric=a,b.
func (h *Handler) GetCorrelations(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	f, err := query.Parse(v, h.limits.Names)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	metrics, err := query.Columns(v, "metric")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	data, err := h.climateService.Correlations(r.Context(), f, metrics)
	writeResult(w, r, data, err)
}

// GetExtremes handles GET /v1/extremes?metric=&method=&k=&percentile=&limit=.
func (h *Handler) GetExtremes(w http.ResponseWriter, r *http.Request) {
	f, metric, ok := h.filterAndMetric(w, r)
	if !ok {
		return
	}
	v := r.URL.Query()
	method, err := analysis.ParseMethod(strings.ToLower(strings.TrimSpace(v.Get("method"))))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	k, err := query.Float(v, "k")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	p, err := query.Float(v, "percentile")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	limit, err := query.Int(v, "limit", 50, 1, h.limits.MaxExtremeRows)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	q := service.ExtremeQuery{
		Metric:         metric,
		ExtremeOptions: analysis.ExtremeOptions{Method: method, K: k, Percentile: p},
		Limit:          limit,
	}
	data, err := h.climateService.Extremes(r.Context(), f, q)
	writeResult(w, r, data, err)
}

// GetExport handles GET /v1/export?column=a,b. Writes text/csv as an attachment.
func (h *Handler) GetExport(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	f, err := query.Parse(v, h.limits.Names)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	columns, err := query.Columns(v, "column")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	cw := &csvResponseWriter{w: w}
	if err := h.climateService.Export(r.Context(), f, columns, cw); err != nil {
		if !cw.started {
			writeServiceError(w, r, err)
			return
		}
		traffic.Record(traffic.Error)
		if logger := loggerFrom(r); logger != nil {
			logger.Error("export interrupted", zap.Error(err))
		}
		return
	}
	if !cw.started {
		cw.start()
	}
	traffic.Record(traffic.Success)
}

// csvResponseWriter defers the CSV headers until the first write so errors
// raised before any output can still become JSON error responses.
type csvResponseWriter struct {
	w       http.ResponseWriter
	started bool
}

func (c *csvResponseWriter) start() {
	c.started = true
	c.w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	c.w.Header().Set("Content-Disposition", `attachment; filename="climatescope-export.csv"`)
	c.w.WriteHeader(http.StatusOK)
}

func (c *csvResponseWriter) Write(p []byte) (int, error) {
	if !c.started {
		c.start()
	}
	return c.w.Write(p)
}

// PostDataset handles POST /v1/dataset. Accepts a multipart form with a "file"
// field or a raw CSV body, and replaces the active dataset. Rejected while draining.
func (h *Handler) PostDataset(w http.ResponseWriter, r *http.Request) {
	if lifecycle.IsShuttingDown() {
		writeError(w, r, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Service is shutting down")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.limits.MaxUploadBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	source := strings.TrimSpace(r.URL.Query().Get("name"))
	var body io.Reader
	switch mediaType {
	case "multipart/form-data":
		file, hdr, err := r.FormFile("file")
		if err != nil {
			if isTooLarge(err) {
				writeUploadTooLarge(w, r)
				return
			}
			writeError(w, r, http.StatusBadRequest, "INVALID_UPLOAD", "multipart field \"file\" is required")
			return
		}
		defer file.Close()
		if source == "" {
			source = hdr.Filename
		}
		body = file
	case "", "text/csv", "application/csv", "text/plain", "application/octet-stream":
		body = r.Body
	default:
		writeError(w, r, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "upload must be text/csv or multipart/form-data")
		return
	}
	if source == "" {
		source = "upload"
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		if isTooLarge(err) {
			writeUploadTooLarge(w, r)
			return
		}
		writeError(w, r, http.StatusBadRequest, "INVALID_UPLOAD", "unable to read upload")
		return
	}

	info, err := h.climateService.Upload(r.Context(), bytes.NewReader(raw), source)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	traffic.Record(traffic.Success)
	writeJSON(w, http.StatusCreated, info)
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func writeUploadTooLarge(w http.ResponseWriter, r *http.Request) {
	traffic.Record(traffic.Success)
	writeError(w, r, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "upload exceeds the size limit")
}

// filterAndMetric parses the filter and the required metric parameter, writing
// the error response itself when either is invalid.
func (h *Handler) filterAndMetric(w http.ResponseWriter, r *http.Request) (query.Filter, string, bool) {
	v := r.URL.Query()
	f, err := query.Parse(v, h.limits.Names)
	if err != nil {
		writeServiceError(w, r, err)
		return query.Filter{}, "", false
	}
	metric, err := query.Column(v, "metric")
	if err != nil {
		writeServiceError(w, r, err)
		return query.Filter{}, "", false
	}
	return f, metric, true
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if h.datasets.Loaded() {
		checks["dataset"] = "healthy"
	} else {
		checks["dataset"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "climatescope",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if snap, err := h.datasets.Current(); err == nil {
		resp["datasetVersion"] = snap.Version
		resp["rows"] = snap.Frame.Len()
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting (no dataset) > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if !h.datasets.Loaded() {
		return healthResult{"starting", http.StatusServiceUnavailable, "no_dataset"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if h.healthConfig.RateLimitRPS > 0 && h.healthConfig.OverloadWindow > 0 && h.healthConfig.OverloadThresholdPct > 0 {
		threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(h.healthConfig.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errs) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// GetTrafficStatus handles GET /debug/traffic: the sliding-window counters behind /health.
func (h *Handler) GetTrafficStatus(w http.ResponseWriter, r *http.Request) {
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	errs, total := traffic.ErrorRate(window)

	cfg := make(map[string]interface{})
	if h.healthConfig != nil {
		overloadThreshold := 0
		if h.healthConfig.RateLimitRPS > 0 {
			overloadThreshold = int(float64(h.healthConfig.RateLimitRPS) *
				h.healthConfig.OverloadWindow.Seconds() *
				float64(h.healthConfig.OverloadThresholdPct) / 100)
		}
		cfg["rate_limit_rps"] = h.healthConfig.RateLimitRPS
		cfg["rate_limit_burst"] = h.healthConfig.RateLimitBurst
		cfg["overload_threshold"] = overloadThreshold
		cfg["overload_window_seconds"] = h.healthConfig.OverloadWindow.Seconds()
		cfg["degraded_error_pct"] = h.healthConfig.DegradedErrorPct
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_requests_in_window":  traffic.RequestCount(window),
		"denied_requests_in_window": traffic.DenialCount(window),
		"errors_in_window":          errs,
		"served_in_window":          total,
		"window_length":             window.String(),
		"lifecycle":                 lifecycle.Current().String(),
		"in_flight":                 InFlightCount(),
		"in_flight_by_route":        InFlightByRoute(),
		"stampede_peak":             h.climateService.StampedePeak(),
		"config":                    cfg,
	})
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeResult writes pre-encoded JSON on success, or the mapped error.
func writeResult(w http.ResponseWriter, r *http.Request, data []byte, err error) {
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	traffic.Record(traffic.Success)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		corrID = v
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError maps service and validation errors to HTTP responses. Server-side
// failures count toward the degraded error rate; client errors count as served.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classifyError(err)
	if status >= 500 {
		traffic.Record(traffic.Error)
	} else {
		traffic.Record(traffic.Success)
	}
	writeError(w, r, status, code, message)
	if logger := loggerFrom(r); logger != nil {
		if status == http.StatusInternalServerError {
			logger.Error("request failed", zap.Error(err))
		} else {
			logger.Debug("request rejected", zap.Int("status", status), zap.Error(err))
		}
	}
}

func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrNoDataset):
		return http.StatusServiceUnavailable, "NO_DATASET", "No dataset loaded"
	case errors.Is(err, service.ErrInvalidDataset):
		return http.StatusUnprocessableEntity, "INVALID_DATASET", err.Error()
	case errors.Is(err, dataset.ErrUnknownColumn):
		return http.StatusBadRequest, "UNKNOWN_COLUMN", err.Error()
	case errors.Is(err, dataset.ErrNotNumeric):
		return http.StatusBadRequest, "NOT_NUMERIC", err.Error()
	case errors.Is(err, analysis.ErrInvalidThreshold):
		return http.StatusBadRequest, "INVALID_THRESHOLD", err.Error()
	case errors.Is(err, query.ErrInvalidQuery):
		return http.StatusBadRequest, "INVALID_QUERY", err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "TIMEOUT", "Query timed out"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error"
	}
}

func loggerFrom(r *http.Request) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return nil
}
