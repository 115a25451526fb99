package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ayo6706/crypto-custody/internal/api/problem"
	"github.com/go-chi/httprate"
)

// PublicRateLimiter limits unauthenticated routes per client IP. The webhook
// and sandbox login share this budget.
func PublicRateLimiter(rps int) func(http.Handler) http.Handler {
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(limitExceeded(rps, "IP")),
	)
}

// AuthRateLimiter limits authenticated routes per customer, falling back to
// the IP when the token carried no customer.
func AuthRateLimiter(rps int) func(http.Handler) http.Handler {
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if customerID := UserIDFromContext(r.Context()); customerID != "" {
				return "customer:" + customerID, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(limitExceeded(rps, "customer")),
	)
}

func limitExceeded(rps int, scope string) http.HandlerFunc {
	detail := fmt.Sprintf("Rate limit of %d req/s exceeded for this %s", rps, scope)
	return func(w http.ResponseWriter, r *http.Request) {
		problem.Write(w, r, http.StatusTooManyRequests, problem.Type("rate-limit-exceeded"),
			http.StatusText(http.StatusTooManyRequests), detail)
	}
}
