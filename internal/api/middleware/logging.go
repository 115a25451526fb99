package middleware

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware emits structured request logs enriched with the trace id.
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			info := &requestInfo{}

			next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), requestInfoKey, info)))

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.status),
				zap.String("trace_id", TraceIDFromContext(r.Context())),
				zap.Duration("duration", time.Since(start)),
			}
			if customerID := info.customerID; customerID != "" {
				fields = append(fields, zap.String("customer_id", customerID))
			}
			switch {
			case rw.status >= http.StatusInternalServerError:
				logger.Error("http_request", fields...)
			case rw.status >= http.StatusBadRequest:
				logger.Warn("http_request", fields...)
			default:
				logger.Info("http_request", fields...)
			}
		})
	}
}

// requestInfo is filled by later middleware so the access log can name the caller.
type requestInfo struct {
	customerID string
}

const requestInfoKey contextKey = "request_info"

func noteCustomer(ctx context.Context, customerID string) {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		info.customerID = customerID
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}
