package middleware

import (
	"net/http"
	"time"
)

// RequestTracker receives one observation per completed request.
type RequestTracker interface {
	RecordRequest(latencyMs uint64, isError bool)
}

// Tracking feeds request latency and outcome to a tracker. Responses with a
// 4xx or 5xx status count as errors.
func Tracking(tracker RequestTracker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     200,
			}

			next.ServeHTTP(wrapped, r)

			latency := uint64(time.Since(start).Milliseconds())
			tracker.RecordRequest(latency, wrapped.statusCode >= 400)
		})
	}
}
