package api

import (
	"net/http"
	"time"

	"sqlgate/internal/core"
	"sqlgate/internal/logger"
)

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		logger.Info.Printf("%s %s %d %v", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Throttle bounds how many requests execute concurrently. A request that
// cannot claim a worker slot within queueWait gets a retryable busy
// envelope instead of queueing without bound.
func Throttle(maxConcurrent int, queueWait time.Duration) func(http.Handler) http.Handler {
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	sem := make(chan struct{}, maxConcurrent)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			timer := time.NewTimer(queueWait)
			defer timer.Stop()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				next.ServeHTTP(w, r)
			case <-timer.C:
				logger.Info.Printf("throttle: rejected %s %s after %v", r.Method, r.URL.Path, queueWait)
				writeError(w, core.NewError(core.ErrTypeBusy, "server at capacity, retry later"), false)
			case <-r.Context().Done():
				// Client went away while queued.
			}
		})
	}
}
