package middleware

import (
	"errors"
	"net/http"

	"github.com/ayo6706/crypto-custody/internal/api/problem"
	"go.uber.org/zap"
)

// RecoverMiddleware turns a handler panic into a 500 problem. Key material
// never reaches the log: only the panic value and stack are recorded.
func RecoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("trace_id", TraceIDFromContext(r.Context())),
					zap.Stack("stack"),
				)
				problem.Write(w, r, http.StatusInternalServerError, problem.Type("internal-server-error"),
					http.StatusText(http.StatusInternalServerError), "unexpected server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
