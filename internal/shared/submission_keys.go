package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SubmissionKeys makes grant submissions replay-safe. A client that
// retries a create (flaky connection, app relaunch) sends the same
// Idempotency-Key header, and the reservation here turns the retry into
// a conflict instead of a second grant.
type SubmissionKeys struct {
	pool *pgxpool.Pool
}

// NewSubmissionKeys constructs the store.
func NewSubmissionKeys(pool *pgxpool.Pool) *SubmissionKeys {
	return &SubmissionKeys{pool: pool}
}

// ErrSubmissionReplayed marks a key that was already reserved: the
// original submission went through, or is still in flight.
var ErrSubmissionReplayed = errors.New("submission already processed")

// Reserve claims the key within a scope. The insert races on the primary
// key, so exactly one caller per key ever proceeds.
func (s *SubmissionKeys) Reserve(ctx context.Context, key, scope string) error {
	if s == nil {
		return errors.New("submission key store not initialised")
	}
	if key == "" {
		return errors.New("submission key required")
	}
	if scope == "" {
		return errors.New("submission scope required")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO grant_submission_keys (key, scope, created_at) VALUES ($1, $2, $3)`, key, scope, time.Now())
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			return ErrSubmissionReplayed
		}
		return err
	}
	return nil
}

// Release frees a reserved key after the submission hard-failed, so the
// client can retry with the same header.
func (s *SubmissionKeys) Release(ctx context.Context, key string) error {
	if s == nil {
		return nil
	}
	if key == "" {
		return errors.New("submission key required")
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM grant_submission_keys WHERE key=$1`, key)
	return err
}

// Sweep prunes reservations older than the retention window. Keys only
// need to outlive the longest plausible client retry.
func (s *SubmissionKeys) Sweep(ctx context.Context, olderThan time.Duration) error {
	if s == nil {
		return nil
	}
	cutoff := time.Now().Add(-olderThan)
	_, err := s.pool.Exec(ctx, `DELETE FROM grant_submission_keys WHERE created_at < $1`, cutoff)
	return err
}
