// Package api exposes the ingestion service over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-deal-ingest/models"
)

// JobService is the inbound surface of the pipeline.
type JobService interface {
	Ingest(ctx context.Context, rawURL string) (uuid.UUID, error)
	IngestBulk(ctx context.Context, urls []string) (uuid.UUID, error)
	Status(ctx context.Context, id uuid.UUID) (*models.ImportSession, error)
	BulkStatus(ctx context.Context, id uuid.UUID, offset, limit int) (*models.BulkStatus, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

// HealthSource reports per-adapter health rows.
type HealthSource interface {
	Snapshot(now time.Time) []models.IngestionMetric
}

// NewRouter builds the HTTP routes. registry may be nil to skip /metrics.
func NewRouter(svc JobService, health HealthSource, registry *prometheus.Registry, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{svc: svc, health: health, logger: logger.With(slog.String("component", "api"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/ingest", h.ingest)
		r.Post("/ingest/bulk", h.ingestBulk)
		r.Get("/jobs/{jobID}", h.jobStatus)
		r.Delete("/jobs/{jobID}", h.cancelJob)
		r.Get("/bulk/{jobID}", h.bulkStatus)
		r.Get("/adapters/health", h.adapterHealth)
	})
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// Server wraps http.Server with start and graceful stop.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer listens on addr with handler.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With(slog.String("component", "http")),
	}
}

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}
