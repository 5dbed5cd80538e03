package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/liamcoop/loanbff/internal/logger"
)

// Logging writes one structured record per request and updates the status counters.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logger.CountStatus(status)

		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", GetRequestID(r.Context()),
		}
		switch {
		case status >= 500:
			logger.Logger.Error("request completed", args...)
		case status >= 400:
			logger.Logger.Warn("request completed", args...)
		default:
			logger.Info("request completed", args...)
		}
	})
}
