package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const maxTraceIDLength = 64

// TraceMiddleware reuses an inbound X-Trace-ID or X-Request-ID when it is
// well formed and otherwise mints one. The id is echoed on the response.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := inboundTraceID(r)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(contextWithTraceID(r.Context(), traceID)))
	})
}

func inboundTraceID(r *http.Request) string {
	for _, header := range []string{"X-Trace-ID", "X-Request-ID"} {
		id := strings.TrimSpace(r.Header.Get(header))
		if id != "" && len(id) <= maxTraceIDLength && printable(id) {
			return id
		}
	}
	return ""
}

func printable(s string) bool {
	for _, c := range s {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

func contextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceContextKey, traceID)
}
