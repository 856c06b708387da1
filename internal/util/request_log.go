package util

import (
	"net/http"
	"strings"
	"time"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// RequestObserver receives the outcome of every request handled by WithRequestLog.
type RequestObserver func(route string, status int, elapsed time.Duration)

// WithRequestLog emits a structured log for each HTTP request.
// The line is written through the request-scoped logger so it carries request_id.
func WithRequestLog(service string, next http.Handler, observers ...RequestObserver) http.Handler {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "unknown"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		LoggerFromContext(r.Context()).Info(
			"http_request",
			"service", service,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
		)
		for _, observe := range observers {
			if observe != nil {
				observe(r.URL.Path, status, elapsed)
			}
		}
	})
}
