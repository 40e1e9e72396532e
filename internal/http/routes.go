package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/climatescope/internal/observability"
)

// RouterConfig selects the optional parts of the route table.
type RouterConfig struct {
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
	// Debug exposes GET /debug/traffic.
	Debug bool
}

// NewRouter wires handlers and middleware. /health and /metrics are never rate limited.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(TracingMiddleware)
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter))
	api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/dataset", h.GetDataset).Methods(http.MethodGet)
	api.HandleFunc("/dataset", h.PostDataset).Methods(http.MethodPost)
	api.HandleFunc("/columns", h.GetColumns).Methods(http.MethodGet)
	api.HandleFunc("/summary", h.GetSummary).Methods(http.MethodGet)
	api.HandleFunc("/observations", h.GetObservations).Methods(http.MethodGet)
	api.HandleFunc("/aggregates/countries", h.GetCountryMeans).Methods(http.MethodGet)
	api.HandleFunc("/aggregates/monthly", h.GetMonthly).Methods(http.MethodGet)
	api.HandleFunc("/histogram", h.GetHistogram).Methods(http.MethodGet)
	api.HandleFunc("/correlations", h.GetCorrelations).Methods(http.MethodGet)
	api.HandleFunc("/extremes", h.GetExtremes).Methods(http.MethodGet)
	api.HandleFunc("/export", h.GetExport).Methods(http.MethodGet)

	if cfg.Debug {
		logger.Warn("debug endpoints enabled; /debug/traffic exposed")
		router.HandleFunc("/debug/traffic", h.GetTrafficStatus).Methods(http.MethodGet)
	}
	return router
}
