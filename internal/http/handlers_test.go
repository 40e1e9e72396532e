package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/climatescope/internal/cache"
	"github.com/kjstillabower/climatescope/internal/dataset"
	"github.com/kjstillabower/climatescope/internal/models"
	"github.com/kjstillabower/climatescope/internal/service"
	"github.com/kjstillabower/climatescope/internal/store"
	"github.com/kjstillabower/climatescope/internal/traffic"
)

const weatherCSV = `country,location_name,last_updated,temperature_celsius,humidity
India,New Delhi,2024-01-05 10:00,15,60
India,Mumbai,2024-01-20 10:00,25,70
France,Paris,2024-02-03 10:00,5,80
France,Lyon,2024-02-10 10:00,7,75
Japan,Tokyo,2024-02-15 10:00,40,20
`

type errorResponse struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

// newTestHandler returns a handler over a store holding weatherCSV (or nothing when empty is true).
func newTestHandler(t *testing.T, empty bool) (*Handler, *store.Store) {
	t.Helper()
	st := store.New()
	if !empty {
		f, err := dataset.LoadCSV(strings.NewReader(weatherCSV), dataset.LoadOptions{})
		if err != nil {
			t.Fatalf("LoadCSV() error = %v", err)
		}
		st.Replace(f, "test.csv")
	}
	svc := service.NewClimateService(st, cache.NewInMemoryCache(0), service.Config{CacheTTL: time.Minute})
	return NewHandler(svc, st, nil, DefaultLimits(), zap.NewNop()), st
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// TestHandler_GetSummary_Filtered verifies filter parameters reach the service.
func TestHandler_GetSummary_Filtered(t *testing.T) {
	h, _ := newTestHandler(t, false)
	router := NewRouter(h, zap.NewNop(), RouterConfig{})

	w := do(t, router, "GET", "/v1/summary?country=India&from=2024-01-01&to=2024-01-20", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	resp := decodeBody[models.SummaryResponse](t, w)
	if resp.Rows != 2 || resp.DatasetVersion == "" {
		t.Errorf("rows=%d version=%q, want 2 and non-empty", resp.Rows, resp.DatasetVersion)
	}
}

func TestHandler_ChartEndpoints(t *testing.T) {
	h, _ := newTestHandler(t, false)
	router := NewRouter(h, zap.NewNop(), RouterConfig{})

	tests := []struct {
		name   string
		target string
		check  func(t *testing.T, w *httptest.ResponseRecorder)
	}{
		{
			name:   "columns",
			target: "/v1/columns",
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				if got := len(decodeBody[models.ColumnsResponse](t, w).Columns); got != 5 {
					t.Errorf("columns = %d, want 5", got)
				}
			},
		},
		{
			name:   "observations",
			target: "/v1/observations?limit=2&offset=1",
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				resp := decodeBody[models.ObservationsResponse](t, w)
				if resp.Total != 5 || len(resp.Rows) != 2 || resp.Rows[0]["location_name"] != "Mumbai" {
					t.Errorf("observations = %+v", resp)
				}
			},
		},
		{
			name:   "countries",
			target: "/v1/aggregates/countries?metric=temperature_celsius",
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				resp := decodeBody[models.GroupResponse](t, w)
				if len(resp.Groups) != 3 || resp.Groups[0].Key != "France" || resp.Groups[0].Mean != 6 {
					t.Errorf("groups = %+v", resp.Groups)
				}
			},
		},
		{
			name:   "monthly",
			target: "/v1/aggregates/monthly?metric=humidity&country=france",
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				resp := decodeBody[models.MonthlyResponse](t, w)
				if len(resp.Points) != 1 || resp.Points[0].Month != "2024-02" || resp.Points[0].Mean != 77.5 {
					t.Errorf("points = %+v", resp.Points)
				}
			},
		},
		{
			name:   "histogram",
			target: "/v1/histogram?metric=temperature_celsius&bins=7",
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				resp := decodeBody[models.HistogramResponse](t, w)
				total := 0
				for _, b := range resp.Bins {
					total += b.Count
				}
				if len(resp.Bins) != 7 || total != 5 || resp.Stats.Count != 5 {
					t.Errorf("bins=%d total=%d stats=%+v", len(resp.Bins), total, resp.Stats)
				}
			},
		},
		{
			name:   "correlations",
			target: "/v1/correlations?metric=temperature_celsius,humidity",
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				resp := decodeBody[models.CorrelationResponse](t, w)
				if len(resp.Columns) != 2 || resp.Values[1][1] != 1 {
					t.Errorf("matrix = %+v", resp.CorrMatrix)
				}
			},
		},
		{
			name:   "extremes",
			target: "/v1/extremes?metric=temperature_celsius&method=IQR&k=0.5",
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				resp := decodeBody[models.ExtremesResponse](t, w)
				if resp.Method != "iqr" || resp.Flagged != 1 || resp.Rows[0]["location_name"] != "Tokyo" {
					t.Errorf("extremes = %+v", resp)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "GET", tt.target, nil, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
			}
			tt.check(t, w)
		})
	}
}

// TestHandler_ErrorMapping verifies validation and service errors map to status codes.
func TestHandler_ErrorMapping(t *testing.T) {
	h, _ := newTestHandler(t, false)
	router := NewRouter(h, zap.NewNop(), RouterConfig{})

	tests := []struct {
		name     string
		target   string
		wantCode int
		wantErr  string
	}{
		{"missing metric", "/v1/histogram", http.StatusBadRequest, "INVALID_QUERY"},
		{"invalid metric name", "/v1/histogram?metric=temp-max", http.StatusBadRequest, "INVALID_QUERY"},
		{"unknown metric", "/v1/histogram?metric=snowfall_cm", http.StatusBadRequest, "UNKNOWN_COLUMN"},
		{"categorical metric", "/v1/aggregates/countries?metric=country", http.StatusBadRequest, "NOT_NUMERIC"},
		{"unknown method", "/v1/extremes?metric=humidity&method=median", http.StatusBadRequest, "INVALID_THRESHOLD"},
		{"percentile out of range", "/v1/extremes?metric=humidity&method=percentile&percentile=150", http.StatusBadRequest, "INVALID_THRESHOLD"},
		{"negative k", "/v1/extremes?metric=humidity&k=-1", http.StatusBadRequest, "INVALID_THRESHOLD"},
		{"k not a number", "/v1/extremes?metric=humidity&k=abc", http.StatusBadRequest, "INVALID_QUERY"},
		{"k NaN", "/v1/extremes?metric=humidity&k=NaN", http.StatusBadRequest, "INVALID_QUERY"},
		{"k infinite", "/v1/extremes?metric=humidity&method=iqr&k=Inf", http.StatusBadRequest, "INVALID_QUERY"},
		{"percentile NaN", "/v1/extremes?metric=humidity&method=percentile&percentile=nan", http.StatusBadRequest, "INVALID_QUERY"},
		{"bad date", "/v1/summary?from=2024-13-01", http.StatusBadRequest, "INVALID_QUERY"},
		{"to before from", "/v1/summary?from=2024-02-01&to=2024-01-01", http.StatusBadRequest, "INVALID_QUERY"},
		{"bad country", "/v1/summary?country=%3Cscript%3E", http.StatusBadRequest, "INVALID_QUERY"},
		{"bad range", "/v1/summary?range=humidity:80:20", http.StatusBadRequest, "INVALID_QUERY"},
		{"unknown range metric", "/v1/summary?range=snowfall_cm:1:", http.StatusBadRequest, "UNKNOWN_COLUMN"},
		{"zero limit", "/v1/observations?limit=0", http.StatusBadRequest, "INVALID_QUERY"},
		{"too many bins", "/v1/histogram?metric=humidity&bins=1000", http.StatusBadRequest, "INVALID_QUERY"},
		{"export unknown column", "/v1/export?column=snowfall_cm", http.StatusBadRequest, "UNKNOWN_COLUMN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "GET", tt.target, nil, "")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			resp := decodeBody[errorResponse](t, w)
			if resp.Error.Code != tt.wantErr {
				t.Errorf("error.code = %q, want %q", resp.Error.Code, tt.wantErr)
			}
			if resp.Error.RequestID == "" {
				t.Error("error.requestId is empty")
			}
		})
	}
}

func TestHandler_NoDataset(t *testing.T) {
	h, _ := newTestHandler(t, true)
	router := NewRouter(h, zap.NewNop(), RouterConfig{})

	for _, target := range []string{"/v1/summary", "/v1/columns", "/v1/dataset", "/v1/export"} {
		w := do(t, router, "GET", target, nil, "")
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", target, w.Code)
			continue
		}
		if code := decodeBody[errorResponse](t, w).Error.Code; code != "NO_DATASET" {
			t.Errorf("%s error.code = %q, want NO_DATASET", target, code)
		}
	}
}

func TestHandler_PostDataset_RawCSV(t *testing.T) {
	h, _ := newTestHandler(t, true)
	router := NewRouter(h, zap.NewNop(), RouterConfig{})

	w := do(t, router, "POST", "/v1/dataset?name=weather.csv", strings.NewReader(weatherCSV), "text/csv")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	created := decodeBody[models.DatasetResponse](t, w)
	if created.Rows != 5 || created.Source != "weather.csv" || created.Version == "" {
		t.Errorf("created = %+v", created)
	}

	w = do(t, router, "GET", "/v1/dataset", nil, "")
	if got := decodeBody[models.DatasetResponse](t, w); got.Version != created.Version {
		t.Errorf("GET /v1/dataset version = %q, want %q", got.Version, created.Version)
	}
}

func TestHandler_PostDataset_Multipart(t *testing.T) {
	h, _ := newTestHandler(t, false)
	router := NewRouter(h, zap.NewNop(), RouterConfig{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "chile.csv")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	_, _ = fw.Write([]byte("country,last_updated,temperature_celsius\nChile,2024-03-01,12\nChile,2024-03-02,14\n"))
	_ = mw.Close()

	w := do(t, router, "POST", "/v1/dataset", &buf, mw.FormDataContentType())
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if got := decodeBody[models.DatasetResponse](t, w); got.Source != "chile.csv" || got.Rows != 2 {
		t.Errorf("created = %+v", got)
	}

	w = do(t, router, "GET", "/v1/summary", nil, "")
	if got := decodeBody[models.SummaryResponse](t, w); got.Countries != 1 {
		t.Errorf("countries after upload = %d, want 1", got.Countries)
	}
}

func TestHandler_PostDataset_Rejected(t *testing.T) {
	h, _ := newTestHandler(t, false)
	h.limits.MaxUploadBytes = 64
	router := NewRouter(h, zap.NewNop(), RouterConfig{})

	tests := []struct {
		name        string
		body        string
		contentType string
		wantCode    int
		wantErr     string
	}{
		{"unparsable", "a,b\n1,2,3\n", "text/csv", http.StatusUnprocessableEntity, "INVALID_DATASET"},
		{"header only", "a,b\n", "text/csv", http.StatusUnprocessableEntity, "INVALID_DATASET"},
		{"too large", weatherCSV, "text/csv", http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE"},
		{"wrong media type", `{"rows":[]}`, "application/json", http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE"},
		{"multipart without file", "--x--\r\n", "multipart/form-data; boundary=x", http.StatusBadRequest, "INVALID_UPLOAD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/v1/dataset", strings.NewReader(tt.body), tt.contentType)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if code := decodeBody[errorResponse](t, w).Error.Code; code != tt.wantErr {
				t.Errorf("error.code = %q, want %q", code, tt.wantErr)
			}
		})
	}

	// The active dataset is untouched by rejected uploads.
	w := do(t, router, "GET", "/v1/dataset", nil, "")
	if got := decodeBody[models.DatasetResponse](t, w); got.Source != "test.csv" {
		t.Errorf("source after rejected uploads = %q, want test.csv", got.Source)
	}
}

func TestHandler_GetExport(t *testing.T) {
	h, _ := newTestHandler(t, false)
	router := NewRouter(h, zap.NewNop(), RouterConfig{})

	w := do(t, router, "GET", "/v1/export?country=japan&column=location_name&column=temperature_celsius", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Errorf("Content-Disposition = %q, want attachment", cd)
	}
	if got, want := w.Body.String(), "location_name,temperature_celsius\nTokyo,40\n"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestHandler_GetHealth(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()

	h, _ := newTestHandler(t, false)
	w := do(t, http.HandlerFunc(h.GetHealth), "GET", "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decodeBody[map[string]interface{}](t, w)
	if resp["status"] != "healthy" || resp["service"] != "climatescope" {
		t.Errorf("health = %v", resp)
	}
	checks, _ := resp["checks"].(map[string]interface{})
	if checks["dataset"] != "healthy" {
		t.Errorf("checks = %v, want dataset healthy", checks)
	}
	if resp["datasetVersion"] == nil {
		t.Error("datasetVersion missing")
	}
}

func TestHandler_GetHealth_Starting(t *testing.T) {
	h, _ := newTestHandler(t, true)
	w := do(t, http.HandlerFunc(h.GetHealth), "GET", "/health", nil, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if status := decodeBody[map[string]interface{}](t, w)["status"]; status != "starting" {
		t.Errorf("status = %v, want starting", status)
	}
}

func TestComputeHealthStatus(t *testing.T) {
	tests := []struct {
		name       string
		cfg        *HealthConfig
		record     func()
		wantStatus string
		wantCode   int
	}{
		{
			name:       "no config is healthy",
			cfg:        nil,
			record:     func() { traffic.Record(traffic.Error) },
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
		},
		{
			name: "error rate breach",
			cfg:  &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50},
			record: func() {
				traffic.Record(traffic.Success)
				traffic.Record(traffic.Error)
				traffic.Record(traffic.Error)
			},
			wantStatus: "degraded",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name: "error rate below threshold",
			cfg:  &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50},
			record: func() {
				traffic.Record(traffic.Success)
				traffic.Record(traffic.Success)
				traffic.Record(traffic.Error)
			},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
		},
		{
			name: "overloaded",
			cfg:  &HealthConfig{RateLimitRPS: 1, OverloadWindow: 10 * time.Second, OverloadThresholdPct: 10},
			record: func() {
				traffic.Record(traffic.Success)
				traffic.Record(traffic.Denied)
			},
			wantStatus: "overloaded",
			wantCode:   http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			traffic.Reset()
			defer traffic.Reset()
			h, _ := newTestHandler(t, false)
			h.healthConfig = tt.cfg
			tt.record()

			got := h.computeHealthStatus(context.Background())
			if got.status != tt.wantStatus || got.statusCode != tt.wantCode {
				t.Errorf("computeHealthStatus() = %s/%d, want %s/%d", got.status, got.statusCode, tt.wantStatus, tt.wantCode)
			}
		})
	}
}

// TestHandler_GetHealth_LogsTransition verifies a status change is logged once.
func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()

	core, logs := observer.New(zapcore.InfoLevel)
	h, _ := newTestHandler(t, false)
	h.logger = zap.New(core)
	h.healthConfig = &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}

	do(t, http.HandlerFunc(h.GetHealth), "GET", "/health", nil, "")
	traffic.Record(traffic.Error)
	do(t, http.HandlerFunc(h.GetHealth), "GET", "/health", nil, "")
	do(t, http.HandlerFunc(h.GetHealth), "GET", "/health", nil, "")

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" {
		t.Errorf("transition fields = %v", fields)
	}
}

func TestHandler_GetHealth_CachePing(t *testing.T) {
	h, _ := newTestHandler(t, false)
	h.healthConfig = &HealthConfig{CachePing: func() error { return errors.New("connection refused") }}

	w := do(t, http.HandlerFunc(h.GetHealth), "GET", "/health", nil, "")
	checks, _ := decodeBody[map[string]interface{}](t, w)["checks"].(map[string]interface{})
	if checks["cache"] != "unhealthy" {
		t.Errorf("checks = %v, want cache unhealthy", checks)
	}
}

func TestHandler_DebugTraffic(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()

	h, _ := newTestHandler(t, false)
	h.healthConfig = &HealthConfig{RateLimitRPS: 10, RateLimitBurst: 20, OverloadWindow: time.Minute, OverloadThresholdPct: 80, DegradedWindow: time.Minute}

	hidden := NewRouter(h, zap.NewNop(), RouterConfig{})
	if w := do(t, hidden, "GET", "/debug/traffic", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("debug route without Debug: status = %d, want 404", w.Code)
	}

	router := NewRouter(h, zap.NewNop(), RouterConfig{Debug: true})
	traffic.Record(traffic.Error)
	traffic.Record(traffic.Denied)
	w := do(t, router, "GET", "/debug/traffic", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decodeBody[map[string]interface{}](t, w)
	if resp["errors_in_window"] != float64(1) || resp["denied_requests_in_window"] != float64(1) {
		t.Errorf("traffic = %v", resp)
	}
	if resp["stampede_peak"] != float64(0) {
		t.Errorf("stampede_peak = %v, want 0 with no cache misses", resp["stampede_peak"])
	}
	cfg, _ := resp["config"].(map[string]interface{})
	if cfg["overload_threshold"] != float64(480) {
		t.Errorf("overload_threshold = %v, want 480", cfg["overload_threshold"])
	}
}

func TestClassifyError_Default(t *testing.T) {
	status, code, msg := classifyError(errors.New("boom"))
	if status != http.StatusInternalServerError || code != "INTERNAL_ERROR" || strings.Contains(msg, "boom") {
		t.Errorf("classifyError() = %d %q %q", status, code, msg)
	}
	if status, _, _ := classifyError(context.DeadlineExceeded); status != http.StatusServiceUnavailable {
		t.Errorf("classifyError(deadline) status = %d, want 503", status)
	}
}
