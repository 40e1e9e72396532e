package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/kjstillabower/climatescope/internal/traffic"
)

// TestMetrics_Usable verifies label dimensions match usage across packages.
func TestMetrics_Usable(t *testing.T) {
	// Route uses the path template to bound cardinality.
	HTTPRequestsTotal.WithLabelValues("GET", "/v1/histogram", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/v1/histogram").Observe(0.01)
	SourceFetchesTotal.WithLabelValues("success").Inc()
	SourceFetchDuration.WithLabelValues("server_error").Observe(0.2)
	CacheHitsTotal.WithLabelValues("memory").Inc()
	CacheErrorsTotal.WithLabelValues("get").Inc()
	QueriesTotal.WithLabelValues("summary").Inc()
	QueryDuration.WithLabelValues("summary").Observe(0.003)
	DatasetLoadsTotal.WithLabelValues("upload", "success").Inc()
	ExtremesFlaggedTotal.WithLabelValues("zscore").Add(3)
}

func TestRecordMetricQuery_AllowList(t *testing.T) {
	SetTrackedMetrics([]string{"temperature_celsius"})
	defer SetTrackedMetrics(nil)

	before := testutil.ToFloat64(QueriesByMetricTotal.WithLabelValues("other"))
	RecordMetricQuery(" Temperature_Celsius ")
	RecordMetricQuery("humidity")

	if got := testutil.ToFloat64(QueriesByMetricTotal.WithLabelValues("temperature_celsius")); got < 1 {
		t.Errorf("tracked metric count = %v, want >= 1", got)
	}
	if got := testutil.ToFloat64(QueriesByMetricTotal.WithLabelValues("other")); got != before+1 {
		t.Errorf("other count = %v, want %v", got, before+1)
	}
}

func TestRegisterRateLimitGauges_Idempotent(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	RegisterRateLimitGauges(time.Minute)
	RegisterRateLimitGauges(time.Minute)
	traffic.Record(traffic.Denied)

	w := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), "rateLimitRejectsInWindow 1") {
		t.Error("rateLimitRejectsInWindow should report the recorded denial")
	}
}

// TestMetricsHandler_ServesPrometheusFormat verifies the handler serves text exposition format.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "httpRequestsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}

func TestSetupTracing_NoExporter(t *testing.T) {
	shutdown, err := SetupTracing("climatescope-test", "", 1)
	if err != nil {
		t.Fatalf("SetupTracing() error = %v", err)
	}
	_, span := Tracer().Start(context.Background(), "test")
	if !span.SpanContext().IsValid() {
		t.Error("span should carry a valid context when sampling ratio is 1")
	}
	span.End()
	if err := FlushTelemetry(context.Background(), zap.NewNop(), shutdown); err != nil {
		t.Errorf("FlushTelemetry() error = %v", err)
	}
}
