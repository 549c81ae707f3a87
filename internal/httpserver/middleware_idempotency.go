package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/SettldHQ/gateway/internal/canonical"
	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/storage"
	"github.com/SettldHQ/gateway/pkg/responders"
	"github.com/SettldHQ/gateway/pkg/x402"
)

// maxIdempotentBody bounds request bodies the idempotency layer will hash.
const maxIdempotentBody = 1 << 20

// replayGuard lets a route veto replaying a cached response. The authorize
// route uses it to refuse handing back an already-expired token.
type replayGuard func(row storage.IdempotencyRow, now time.Time) error

// idempotent caches the first response per (tenant, scope, x-idempotency-key)
// and replays it byte-identically. A second request under the same key with a
// different body is a conflict. Requests without the key header pass through.
func (h handlers) idempotent(scope string, guard replayGuard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(x402.HeaderIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			tenantID := tenantFromContext(r.Context())

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
			if err != nil || len(body) > maxIdempotentBody {
				errors.Write(w, errors.E(errors.CodeRequestInvalid, "request body unreadable or too large"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			requestHash := canonical.HashBytes(body)

			row, ok, err := h.store.GetIdempotency(r.Context(), tenantID, scope, key)
			if err != nil {
				errors.Write(w, err)
				return
			}
			if ok {
				if row.RequestHash != requestHash {
					errors.Write(w, errors.E(errors.CodeIdempotencyConflict,
						"idempotency key %q already used with a different request body", key).
						WithDetail("storedRequestHash", row.RequestHash).
						WithDetail("receivedRequestHash", requestHash))
					return
				}
				if guard != nil {
					if err := guard(row, time.Now().UTC()); err != nil {
						errors.Write(w, err)
						return
					}
				}
				responders.JSONBytes(w, row.StatusCode, row.ResponseBody)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// Only successful, well-formed responses are worth replaying;
			// transient failures should be retried for real.
			if rec.status < 500 && json.Valid(rec.body.Bytes()) {
				err := h.store.PutIdempotency(r.Context(), storage.IdempotencyRow{
					TenantID:     tenantID,
					Scope:        scope,
					Key:          key,
					RequestHash:  requestHash,
					StatusCode:   rec.status,
					ResponseBody: append([]byte(nil), rec.body.Bytes()...),
					CreatedAt:    time.Now().UTC(),
				})
				if err != nil {
					h.logger.Warn().Err(err).
						Str("scope", scope).
						Str("idempotency_key", key).
						Msg("httpserver: idempotency store write failed")
				}
			}
		})
	}
}

// authorizeReplayGuard refuses to replay an authorization whose minted token
// has already expired. The client must start a fresh authorization.
func authorizeReplayGuard(row storage.IdempotencyRow, now time.Time) error {
	var cached struct {
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := json.Unmarshal(row.ResponseBody, &cached); err != nil || cached.ExpiresAt.IsZero() {
		return nil
	}
	if now.After(cached.ExpiresAt) {
		return errors.E(errors.CodeAuthTokenExpiredReplay,
			"cached authorization expired at %s", cached.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// responseRecorder tees the response so it can be stored for replay.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
