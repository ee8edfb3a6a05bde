package api

import (
	"net/http"

	"containerops/internal/health"
	"containerops/internal/job"
	"containerops/internal/notify"
	"containerops/internal/observability"
	"containerops/internal/stats"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Stats         *stats.Aggregator
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Notifier      *notify.Notifier
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Stats, cfg.HealthChecker, cfg.Notifier)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job and stats endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/jobs", authMiddleware(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs", authMiddleware(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.GetJob)))
	mux.Handle("PATCH /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.ReportJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.CancelJob)))
	mux.Handle("GET /v1/targets/{targetType}/{targetId}/jobs", authMiddleware(http.HandlerFunc(handler.ListTargetJobs)))
	mux.Handle("GET /v1/targets/{targetType}/{targetId}/jobs/latest", authMiddleware(http.HandlerFunc(handler.LatestTargetJob)))
	mux.Handle("GET /v1/stats", authMiddleware(http.HandlerFunc(handler.GetStats)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
