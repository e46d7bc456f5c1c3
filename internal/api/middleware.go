package api

import (
	"log/slog"
	"net/http"
	"time"

	"gitlab-metrics-service/internal/logging"

	"github.com/gorilla/mux"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Middleware returns the logging and panic recovery middleware for r.
func Middleware(log *slog.Logger) []mux.MiddlewareFunc {
	return []mux.MiddlewareFunc{recoverer(log), requestLogger(log)}
}

func requestLogger(log *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(logging.WithLogger(r.Context(), log)))
			log.Info("http request",
				"method", r.Method, "path", r.URL.Path,
				"status", rec.status, "duration_ms", time.Since(start).Milliseconds())
		})
	}
}

func recoverer(log *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					log.Error("panic in handler", "path", r.URL.Path, "panic", p)
					respondJSON(w, http.StatusInternalServerError, map[string]any{
						"error": map[string]string{"code": "INTERNAL", "message": "internal error"},
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
