package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ayo6706/crypto-custody/internal/api/problem"
	"github.com/ayo6706/crypto-custody/internal/idempotency"
	"github.com/ayo6706/crypto-custody/internal/observability"
	"go.uber.org/zap"
)

const (
	maxKeyLength = 128
	waitTimeout  = 10 * time.Second
)

var idempotentMethods = map[string]struct{}{
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// releasable responses never reached a service, so the key is freed for a retry.
var releasable = map[int]struct{}{
	http.StatusTooManyRequests:    {},
	http.StatusServiceUnavailable: {},
}

// IdempotencyMiddleware enforces the Idempotency-Key contract for mutating
// requests. Keys are scoped to the authenticated customer, so the middleware
// must run after AuthMiddleware.
func IdempotencyMiddleware(store *idempotency.Store, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := idempotentMethods[r.Method]; !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}

			clientKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			if clientKey == "" {
				observability.IncrementIdempotencyEvent("missing_key")
				problem.Write(w, r, http.StatusBadRequest, problem.Type("idempotency/missing-key"), http.StatusText(http.StatusBadRequest), "Idempotency-Key header is required")
				return
			}
			if len(clientKey) > maxKeyLength {
				observability.IncrementIdempotencyEvent("invalid_key")
				problem.Write(w, r, http.StatusBadRequest, problem.Type("idempotency/invalid-key"), http.StatusText(http.StatusBadRequest), "Idempotency-Key is too long")
				return
			}
			key := idempotency.ScopedKey(UserIDFromContext(r.Context()), clientKey)

			bodyBytes, err := io.ReadAll(r.Body)
			if err != nil {
				problem.Write(w, r, http.StatusBadRequest, problem.Type("request/invalid-body"), http.StatusText(http.StatusBadRequest), "Failed to read request body")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			reqHash := hashRequest(r.Method, r.URL.Path, bodyBytes)
			if replayed := replayExisting(w, r, store, logger, key, reqHash); replayed {
				return
			}

			reserved, err := store.Reserve(r.Context(), key, reqHash, r.Method, r.URL.Path)
			if err != nil {
				observability.IncrementIdempotencyEvent("reserve_error")
				logger.Error("idempotency reserve failed", zap.Error(err))
				problem.Write(w, r, http.StatusServiceUnavailable, problem.Type("idempotency/unavailable"), http.StatusText(http.StatusServiceUnavailable), "idempotency unavailable")
				return
			}
			if !reserved {
				waitForOther(w, r, store, logger, key, reqHash, "replay_after_reserve")
				return
			}
			observability.IncrementIdempotencyEvent("reserved")

			recorder := &bodyRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)
			if recorder.status == 0 {
				recorder.status = http.StatusOK
			}

			// Finalizing must survive a client disconnect once the handler ran.
			ctx := context.WithoutCancel(r.Context())
			if _, ok := releasable[recorder.status]; ok {
				if err := store.Release(ctx, key); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err), zap.String("key", clientKey))
				}
				observability.IncrementIdempotencyEvent("released")
				return
			}

			contentType := recorder.Header().Get("Content-Type")
			if contentType == "" {
				contentType = "application/json"
			}
			if _, err := store.Finalize(ctx, key, reqHash, recorder.status, recorder.body.Bytes(), contentType); err != nil {
				observability.IncrementIdempotencyEvent("finalize_error")
				logger.Warn("idempotency finalize failed", zap.Error(err), zap.String("key", clientKey))
			} else {
				observability.IncrementIdempotencyEvent("finalized")
			}
		})
	}
}

// replayExisting answers from a stored record when one exists and reports
// whether the response was written.
func replayExisting(w http.ResponseWriter, r *http.Request, store *idempotency.Store, logger *zap.Logger, key, reqHash string) bool {
	rec, err := store.Lookup(r.Context(), key, reqHash)
	switch {
	case err == nil:
		observability.IncrementIdempotencyEvent("replay")
		respondFromRecord(w, rec)
		return true
	case errors.Is(err, idempotency.ErrHashMismatch):
		observability.IncrementIdempotencyEvent("hash_mismatch")
		problem.Write(w, r, http.StatusConflict, problem.Type("idempotency/key-conflict"), http.StatusText(http.StatusConflict), "conflicting idempotency key")
		return true
	case errors.Is(err, idempotency.ErrInProgress):
		waitForOther(w, r, store, logger, key, reqHash, "replay_after_wait")
		return true
	case !errors.Is(err, idempotency.ErrNotFound):
		observability.IncrementIdempotencyEvent("lookup_error")
		logger.Warn("idempotency lookup failed", zap.Error(err))
	}
	return false
}

func waitForOther(w http.ResponseWriter, r *http.Request, store *idempotency.Store, logger *zap.Logger, key, reqHash, outcome string) {
	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout)
	defer cancel()
	rec, err := store.WaitForCompletion(ctx, key, reqHash)
	if err == nil {
		observability.IncrementIdempotencyEvent(outcome)
		respondFromRecord(w, rec)
		return
	}
	if errors.Is(err, idempotency.ErrHashMismatch) {
		observability.IncrementIdempotencyEvent("hash_mismatch")
		problem.Write(w, r, http.StatusConflict, problem.Type("idempotency/key-conflict"), http.StatusText(http.StatusConflict), "conflicting idempotency key")
		return
	}
	observability.IncrementIdempotencyEvent("in_progress_conflict")
	logger.Warn("idempotency wait failed", zap.Error(err))
	problem.Write(w, r, http.StatusConflict, problem.Type("idempotency/in-progress"), http.StatusText(http.StatusConflict), "a request with this Idempotency-Key is still processing")
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256(append([]byte(method+"|"+path+"|"), body...))
	return hex.EncodeToString(sum[:])
}

type bodyRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (br *bodyRecorder) WriteHeader(code int) {
	br.status = code
	br.ResponseWriter.WriteHeader(code)
}

func (br *bodyRecorder) Write(b []byte) (int, error) {
	if br.status == 0 {
		br.status = http.StatusOK
	}
	br.body.Write(b)
	return br.ResponseWriter.Write(b)
}

func respondFromRecord(w http.ResponseWriter, rec *idempotency.Record) {
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("X-Idempotent-Replay", rec.ServedBy)
	w.WriteHeader(rec.Status)
	_, _ = w.Write(rec.Body)
}
