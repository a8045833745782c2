// Package idempotency makes mutating endpoints safe to retry. A response is
// recorded under (tenant, key) the first time; replays return the stored
// response instead of re-executing the handler.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ledgerline/casegov/pkg/auth"
	"github.com/ledgerline/casegov/pkg/database"
)

// HeaderKey is the request header carrying the client's idempotency key.
const HeaderKey = "Idempotency-Key"

// HeaderReplay marks a response served from the record instead of the
// handler.
const HeaderReplay = "Idempotent-Replay"

// MinTTL is the floor on record retention.
const MinTTL = 24 * time.Hour

// Record is one stored response.
type Record struct {
	TenantID     string
	Key          string
	ResponseHash string
	StatusCode   int
	Payload      []byte
	CreatedAt    time.Time
}

// Store persists records in the shared database, so replay suppression holds
// across instances.
type Store struct {
	db  *database.DB
	ttl time.Duration
}

func NewStore(db *database.DB, ttl time.Duration) *Store {
	if ttl < MinTTL {
		ttl = MinTTL
	}
	return &Store{db: db, ttl: ttl}
}

// Get returns the live record for (tenant, key), or nil. Expired records are
// treated as absent.
func (s *Store) Get(ctx context.Context, tenantID, key string) (*Record, error) {
	var r Record
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, key, response_hash, status_code, payload, created_at
		FROM idempotency_records WHERE tenant_id = $1 AND key = $2`,
		tenantID, key).
		Scan(&r.TenantID, &r.Key, &r.ResponseHash, &r.StatusCode, &payload, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: get: %w", err)
	}
	if time.Since(r.CreatedAt) > s.ttl {
		return nil, nil
	}
	r.Payload = []byte(payload)
	return &r, nil
}

// Put stores a record. Losing the race to another writer is fine; the first
// stored response wins and this one is discarded.
func (s *Store) Put(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (tenant_id, key, response_hash,
			status_code, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.TenantID, r.Key, r.ResponseHash, r.StatusCode, string(r.Payload), r.CreatedAt)
	if err != nil {
		if existing, gerr := s.Get(ctx, r.TenantID, r.Key); gerr == nil && existing != nil {
			return nil
		}
		return fmt.Errorf("idempotency: put: %w", err)
	}
	return nil
}

// PurgeExpired deletes records past the TTL and returns how many went.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE created_at < $1`,
		time.Now().UTC().Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("idempotency: purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency: purge rows: %w", err)
	}
	return n, nil
}

// responseCapture buffers the handler's response so it can be both sent and
// recorded.
type responseCapture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rc *responseCapture) WriteHeader(status int) {
	rc.status = status
	rc.ResponseWriter.WriteHeader(status)
}

func (rc *responseCapture) Write(p []byte) (int, error) {
	if rc.status == 0 {
		rc.status = http.StatusOK
	}
	rc.body.Write(p)
	return rc.ResponseWriter.Write(p)
}

// Middleware replays recorded responses for mutating requests that carry an
// idempotency key. Requests without a key pass through untouched.
func Middleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" || (r.Method != http.MethodPost && r.Method != http.MethodPut) {
				next.ServeHTTP(w, r)
				return
			}
			p, ok := auth.PrincipalFrom(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if rec, err := store.Get(r.Context(), p.TenantID, key); err != nil {
				slog.Error("idempotency lookup failed", "error", err)
			} else if rec != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(HeaderReplay, "true")
				w.WriteHeader(rec.StatusCode)
				_, _ = w.Write(rec.Payload)
				return
			}

			capture := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(capture, r)

			// Only settled outcomes are recorded; a 5xx must stay retryable.
			if capture.status >= http.StatusInternalServerError || capture.status == 0 {
				return
			}
			sum := sha256.Sum256(capture.body.Bytes())
			err := store.Put(r.Context(), &Record{
				TenantID:     p.TenantID,
				Key:          key,
				ResponseHash: hex.EncodeToString(sum[:]),
				StatusCode:   capture.status,
				Payload:      capture.body.Bytes(),
				CreatedAt:    time.Now().UTC(),
			})
			if err != nil {
				slog.Error("idempotency record failed", "error", err)
			}
		})
	}
}
