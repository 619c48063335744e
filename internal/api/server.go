// Package api provides the operator-facing HTTP server: health and
// readiness probes, the latest run status, version info, and the metrics
// scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vscavator/vscavator/internal/store"
	"github.com/vscavator/vscavator/internal/versions"
)

// statusStore exposes the latest run checkpoint.
type statusStore interface {
	LatestCheckpoint(ctx context.Context) (*store.Checkpoint, error)
	CountReleasesByStatus(ctx context.Context) (map[store.ReleaseStatus]int64, error)
}

// pinger reports whether the backing database is reachable.
type pinger interface {
	Ping(ctx context.Context) error
}

// ServerOption configures the API server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	metricsHandler http.Handler
}

// WithMiddlewares adds middleware to the server.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMetricsHandler mounts a metrics scrape endpoint at /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsHandler = h
	}
}

// NewServer creates and configures the HTTP router.
func NewServer(st statusStore, db pinger, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	routes := &Routes{store: st, db: db}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", healthHandler)
	r.Get("/readiness", routes.readinessHandler)
	r.Get("/version", versionHandler)
	r.Get("/status", routes.statusHandler)

	if cfg.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metricsHandler)
	}

	return r
}

// LoggingMiddleware logs HTTP requests.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Routes holds the handler dependencies.
type Routes struct {
	store statusStore
	db    pinger
}

// StatusResponse describes the latest ingestion run and the current release
// inventory.
type StatusResponse struct {
	RunID      string          `json:"run_id"`
	Phase      string          `json:"phase"`
	Outcome    string          `json:"outcome"`
	PageCursor int             `json:"page_cursor,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Summary    json.RawMessage `json:"summary,omitempty"`

	Releases map[store.ReleaseStatus]int64 `json:"releases"`
}

// ErrorResponse is a standardized error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// readinessHandler reports ready once the database answers a ping.
func (rr *Routes) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if err := rr.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error: "database not ready: " + err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// statusHandler serves the latest run checkpoint plus release status counts.
func (rr *Routes) statusHandler(w http.ResponseWriter, r *http.Request) {
	cp, err := rr.store.LatestCheckpoint(r.Context())
	if err != nil {
		slog.Error("Failed to load latest checkpoint", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to load run status"})
		return
	}
	if cp == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no runs recorded"})
		return
	}

	counts, err := rr.store.CountReleasesByStatus(r.Context())
	if err != nil {
		slog.Error("Failed to count releases", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to load run status"})
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		RunID:      cp.RunID.String(),
		Phase:      cp.Phase,
		Outcome:    cp.Outcome,
		PageCursor: cp.PageCursor,
		StartedAt:  cp.StartedAt,
		FinishedAt: cp.FinishedAt,
		Summary:    cp.Summary,
		Releases:   counts,
	})
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	info := versions.GetVersionInfo()

	writeJSON(w, http.StatusOK, map[string]string{
		"version":    info.Version,
		"commit":     info.Commit,
		"build_date": info.BuildDate,
		"go_version": info.GoVersion,
		"platform":   info.Platform,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}
