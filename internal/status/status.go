// Package status serves a read-only HTTP view of a running task server.
package status

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/xqbumu/go-taskfarm"
)

// Source is the part of a task server the status endpoint reports on.
type Source interface {
	GetProgress() float64
	AllTasksFinished() bool
	GetCurrentClientCount() int
	GetMetrics() taskfarm.Metrics
}

// Report is the body of GET /status.
type Report struct {
	Progress float64          `json:"progress"`
	Finished bool             `json:"finished"`
	Clients  int              `json:"clients"`
	Metrics  taskfarm.Metrics `json:"metrics"`
}

// NewRouter returns a handler serving /healthz and /status for src.
func NewRouter(src Source, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.Error("Failed to write health check response", "error", err)
		}
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		report := Report{
			Progress: src.GetProgress(),
			Finished: src.AllTasksFinished(),
			Clients:  src.GetCurrentClientCount(),
			Metrics:  src.GetMetrics(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			logger.Error("Failed to write status response", "error", err)
		}
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("Status request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
