package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// contextKey is a private type for context values set by this package.
type contextKey string

// TraceIDKey carries the per-request trace id.
const TraceIDKey contextKey = "trace_id"

// Tracing assigns every request a trace id, exposes it through the request
// context, and echoes it in the X-Trace-Id response header. A caller-supplied
// X-Trace-Id is honored so ids survive hops between nodes and the broker.
func Tracing() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-Id")
			if traceID == "" {
				traceID = uuid.New().String()
			}

			ctx := context.WithValue(r.Context(), TraceIDKey, traceID)
			w.Header().Set("X-Trace-Id", traceID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTraceID extracts the trace id from a request context.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}
