package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/climatescope/internal/observability"
	"github.com/kjstillabower/climatescope/internal/traffic"
)

func TestMiddleware_CorrelationIDGenerated(t *testing.T) {
	h, _ := newTestHandler(t, false)
	router := NewRouter(h, zap.NewNop(), RouterConfig{})

	w := do(t, router, "GET", "/v1/columns", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

func TestMiddleware_CorrelationIDPropagated(t *testing.T) {
	var seen string
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value("correlation_id").(string)
		if loggerFrom(r) == nil {
			t.Error("request logger missing from context")
		}
	})

	req := httptest.NewRequest("GET", "/echo", nil)
	req.Header.Set("X-Correlation-ID", "client-provided-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
	if seen != "client-provided-id" {
		t.Errorf("context correlation_id = %q", seen)
	}
}

func TestMiddleware_CorrelationIDReplacedWhenUnusable(t *testing.T) {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {})

	for _, id := range []string{strings.Repeat("a", maxCorrelationIDLen+1), "has space", "tab\tid"} {
		req := httptest.NewRequest("GET", "/echo", nil)
		req.Header.Set("X-Correlation-ID", id)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		got := w.Header().Get("X-Correlation-ID")
		if got == id || got == "" {
			t.Errorf("X-Correlation-ID for %q = %q, want a generated id", id, got)
		}
	}
}

// TestMetricsMiddleware_UsesRouteTemplate verifies metrics are labelled by route, not raw path.
func TestMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/v1/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	counter := observability.HTTPRequestsTotal.WithLabelValues("GET", "/v1/items/{id}", "4xx")
	before := testutil.ToFloat64(counter)
	for _, id := range []string{"a", "b", "c"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/items/"+id, nil))
	}
	if got := testutil.ToFloat64(counter) - before; got != 3 {
		t.Errorf("httpRequestsTotal{route=/v1/items/{id},4xx} delta = %v, want 3", got)
	}
	if InFlightCount() != 0 {
		t.Errorf("InFlightCount() = %d after requests, want 0", InFlightCount())
	}
}

func TestMiddleware_MetricsRoute(t *testing.T) {
	h, _ := newTestHandler(t, false)
	router := NewRouter(h, zap.NewNop(), RouterConfig{})

	w := do(t, router, "GET", "/metrics", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var deadline time.Time
	var ok bool
	router := mux.NewRouter()
	router.Use(TimeoutMiddleware(50 * time.Millisecond))
	router.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
		<-r.Context().Done()
		writeServiceError(w, r, r.Context().Err())
	})

	start := time.Now()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/slow", nil))

	if !ok || deadline.Sub(start) > time.Second {
		t.Errorf("deadline = %v (set=%v), want about 50ms", deadline, ok)
	}
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestTimeoutMiddleware_ZeroDisables(t *testing.T) {
	router := mux.NewRouter()
	router.Use(TimeoutMiddleware(0))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("deadline set with zero timeout")
		}
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()

	h, _ := newTestHandler(t, false)
	router := NewRouter(h, zap.NewNop(), RouterConfig{Limiter: rate.NewLimiter(1, 2)})

	for i := 0; i < 3; i++ {
		w := do(t, router, "GET", "/v1/columns", nil, "")
		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i, w.Code)
		}
		if w.Header().Get("Retry-After") == "" {
			t.Error("Retry-After header missing")
		}
		var errResp errorResponse
		if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
			t.Fatalf("decode 429 response: %v", err)
		}
		if errResp.Error.Code != "RATE_LIMITED" {
			t.Errorf("error.code = %q, want RATE_LIMITED", errResp.Error.Code)
		}
	}
	if got := traffic.DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount() = %d, want 1", got)
	}

	// Health and metrics stay reachable while /v1 is throttled.
	if w := do(t, router, "GET", "/health", nil, ""); w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", w.Code)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	h, _ := newTestHandler(t, false)
	router := NewRouter(h, zap.NewNop(), RouterConfig{Limiter: nil})

	for i := 0; i < 10; i++ {
		if w := do(t, router, "GET", "/v1/columns", nil, ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200 (nil limiter should allow)", i, w.Code)
		}
	}
}

// TestTracingMiddleware_ContinuesIncomingTrace verifies a traceparent header becomes the request's trace.
func TestTracingMiddleware_ContinuesIncomingTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	var got trace.TraceID
	router := mux.NewRouter()
	router.Use(TracingMiddleware)
	router.HandleFunc("/v1/summary", func(w http.ResponseWriter, r *http.Request) {
		got = trace.SpanContextFromContext(r.Context()).TraceID()
	})

	req := httptest.NewRequest("GET", "/v1/summary", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	router.ServeHTTP(httptest.NewRecorder(), req)

	if got.String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s, want the incoming one", got)
	}
}
