package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	IdempotencyHeader       = "Idempotency-Key"
	maxIdempotencyBodySize  = 1 << 20
	defaultIdempotencyTTL   = 24 * time.Hour
	inFlightTTL             = 2 * time.Minute
	idempotencyReplayHeader = "X-Idempotency-Replayed"
)

// StoredResponse is a response kept for replay under an idempotency key.
type StoredResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// IdempotencyStore persists responses by key. Get returns nil, nil for
// unknown keys. Reserve claims a key for one in-flight request and reports
// false when another request holds it; Release drops the claim.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*StoredResponse, error)
	Set(ctx context.Context, key string, resp *StoredResponse, ttl time.Duration) error
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Idempotency replays the stored response when a request repeats its
// Idempotency-Key. Keys are scoped to the authenticated caller. Server
// errors are not stored so the client can retry them.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger zerolog.Logger) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if userID, ok := GetUserID(r.Context()); ok {
				key = userID + ":" + key
			}

			if replay(w, r, store, key, logger) {
				return
			}

			reserved, err := store.Reserve(r.Context(), key, inFlightTTL)
			switch {
			case err != nil:
				logger.Warn().Err(err).Msg("Idempotency reservation failed, processing request")
			case !reserved:
				writeInFlight(w)
				return
			default:
				defer func() {
					if err := store.Release(context.WithoutCancel(r.Context()), key); err != nil {
						logger.Warn().Err(err).Msg("Failed to release idempotency reservation")
					}
				}()
				// The holder may have finished between the lookup and the reservation.
				if replay(w, r, store, key, logger) {
					return
				}
			}

			rec := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= 500 || rec.bodyTruncated {
				return
			}
			resp := &StoredResponse{Status: rec.statusCode, Body: rec.body.Bytes()}
			if err := store.Set(context.WithoutCancel(r.Context()), key, resp, ttl); err != nil {
				logger.Warn().Err(err).Msg("Failed to store idempotent response")
			}
		})
	}
}

// replay writes the stored response for key, if any.
func replay(w http.ResponseWriter, r *http.Request, store IdempotencyStore, key string, logger zerolog.Logger) bool {
	stored, err := store.Get(r.Context(), key)
	if err != nil {
		logger.Warn().Err(err).Msg("Idempotency lookup failed, processing request")
		return false
	}
	if stored == nil {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(idempotencyReplayHeader, "true")
	w.WriteHeader(stored.Status)
	w.Write(stored.Body)
	return true
}

func writeInFlight(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusConflict)
	json.NewEncoder(w).Encode(map[string]string{
		"error": "a request with this idempotency key is already in progress",
		"code":  "idempotency_in_progress",
	})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	body          *bytes.Buffer
	bodyTruncated bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.bodyTruncated {
		if r.body.Len()+len(b) > maxIdempotencyBodySize {
			r.bodyTruncated = true
		} else {
			r.body.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}
