package api

import (
	"net/http"

	"gpudispatch/internal/job"
	"gpudispatch/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Store      job.Store
	Orch       JobService
	Containers ContainerService
	Conn       Readiness
	Metrics    *observability.Metrics
	APIKey     string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Store, cfg.Orch, cfg.Containers, cfg.Conn)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Dispatch endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/jobs", authMiddleware(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs", authMiddleware(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.GetJob)))
	mux.Handle("GET /v1/jobs/{jobId}/logs", authMiddleware(http.HandlerFunc(handler.GetJobLogs)))
	mux.Handle("POST /v1/batches", authMiddleware(http.HandlerFunc(handler.CreateBatch)))
	mux.Handle("GET /v1/containers/active", authMiddleware(http.HandlerFunc(handler.GetActiveContainer)))
	mux.Handle("GET /v1/containers/logs", authMiddleware(http.HandlerFunc(handler.GetContainerLogs)))
	mux.Handle("DELETE /v1/containers", authMiddleware(http.HandlerFunc(handler.KillContainers)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
