package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultIdempotencyRetention is how long a used key blocks replays.
const DefaultIdempotencyRetention = 24 * time.Hour

// IdempotencyStore records Idempotency-Key headers per module.
type IdempotencyStore struct {
	pool      *pgxpool.Pool
	retention time.Duration
	now       func() time.Time
}

// NewIdempotencyStore constructs the store with the default retention.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, retention: DefaultIdempotencyRetention, now: time.Now}
}

// ErrIdempotencyConflict indicates the key was already used inside the retention window.
var ErrIdempotencyConflict = fmt.Errorf("idempotent request already processed: %w", ErrConflict)

// CheckAndInsert claims key for module. A key older than the retention
// window is reclaimed in place, so no separate cleanup pass is needed.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil || s.pool == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	now := s.now()
	var claimed string
	err := s.pool.QueryRow(ctx, `INSERT INTO idempotency_keys (key, module, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET module = EXCLUDED.module, created_at = EXCLUDED.created_at
WHERE idempotency_keys.created_at < $4
RETURNING key`, key, module, now, now.Add(-s.retention)).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrIdempotencyConflict
	}
	return err
}

// Delete releases a key after a failed request so the client can retry.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.pool == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
	return err
}
