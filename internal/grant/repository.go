package grant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vaultgrant/vaultgrant/internal/session"
)

// PGRepository persists grant records in Postgres. Every operation runs on
// a time-boxed store session, so no call here blocks past the configured
// acquisition deadline.
type PGRepository struct {
	sessions *session.Factory
}

// NewPGRepository constructs the repository.
func NewPGRepository(sessions *session.Factory) *PGRepository {
	return &PGRepository{sessions: sessions}
}

const grantColumns = `id, token, kind, vault_id, initiator_id, counterparty_id, state, payload, created_at, decided_at, expires_at`

// Insert stores a new record. A token collision surfaces as
// ErrDuplicateToken so the caller can mint a fresh token and retry.
func (r *PGRepository) Insert(ctx context.Context, rec Record) error {
	sess, err := r.sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	defer sess.Release()

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("grant: marshal payload: %w", err)
	}
	_, err = sess.Q().Exec(ctx, `INSERT INTO grants (`+grantColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.Token, string(rec.Kind), rec.VaultID, rec.InitiatorID,
		nullableUUID(rec.CounterpartyID), string(rec.State), payload,
		rec.CreatedAt, rec.DecidedAt, rec.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateToken
		}
		return err
	}
	return nil
}

// GetByToken loads a record by its external token.
func (r *PGRepository) GetByToken(ctx context.Context, token string) (Record, error) {
	sess, err := r.sessions.Acquire(ctx)
	if err != nil {
		return Record{}, err
	}
	defer sess.Release()

	row := sess.Q().QueryRow(ctx, `SELECT `+grantColumns+` FROM grants WHERE token=$1`, token)
	return scanRecord(row)
}

// GetByID loads a record by its internal id.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (Record, error) {
	sess, err := r.sessions.Acquire(ctx)
	if err != nil {
		return Record{}, err
	}
	defer sess.Release()

	row := sess.Q().QueryRow(ctx, `SELECT `+grantColumns+` FROM grants WHERE id=$1`, id)
	return scanRecord(row)
}

// ListApprovedByVault returns the vault's approved emergency grants, the
// candidate set for pass-code verification.
func (r *PGRepository) ListApprovedByVault(ctx context.Context, vaultID uuid.UUID) ([]Record, error) {
	sess, err := r.sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Release()

	rows, err := sess.Q().Query(ctx, `SELECT `+grantColumns+` FROM grants
WHERE vault_id=$1 AND kind=$2 AND state=$3 ORDER BY created_at DESC`,
		vaultID, string(KindEmergency), string(StateApproved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UpdateIf writes the record's mutable fields only while the stored state
// still equals expect. COALESCE keeps counterparty and expiry write-once
// at the store level, matching the field invariants.
func (r *PGRepository) UpdateIf(ctx context.Context, rec Record, expect State) error {
	sess, err := r.sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	defer sess.Release()

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("grant: marshal payload: %w", err)
	}
	tag, err := sess.Q().Exec(ctx, `UPDATE grants
SET state=$1,
    counterparty_id=COALESCE(counterparty_id, $2),
    payload=$3,
    decided_at=COALESCE(decided_at, $4),
    expires_at=COALESCE(expires_at, $5)
WHERE id=$6 AND state=$7`,
		string(rec.State), nullableUUID(rec.CounterpartyID), payload,
		rec.DecidedAt, rec.ExpiresAt, rec.ID, string(expect))
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Guard failed: distinguish a lost race from a missing record.
	var exists bool
	if err := sess.Q().QueryRow(ctx, `SELECT true FROM grants WHERE id=$1`, rec.ID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return ErrStaleState
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec          Record
		kind, state  string
		counterparty *uuid.UUID
		payload      []byte
	)
	err := row.Scan(&rec.ID, &rec.Token, &kind, &rec.VaultID, &rec.InitiatorID,
		&counterparty, &state, &payload, &rec.CreatedAt, &rec.DecidedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.Kind = Kind(kind)
	rec.State = State(state)
	if counterparty != nil {
		rec.CounterpartyID = *counterparty
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return Record{}, fmt.Errorf("grant: unmarshal payload: %w", err)
		}
	}
	return rec, nil
}

func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
