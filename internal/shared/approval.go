package shared

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ApprovalAction enumerates grant approval log actions.
type ApprovalAction string

const (
	// ApprovalSubmit marks the initial request submission.
	ApprovalSubmit ApprovalAction = "SUBMIT"
	// ApprovalApprove marks an approve/accept action.
	ApprovalApprove ApprovalAction = "APPROVE"
	// ApprovalReject marks a decline/deny action.
	ApprovalReject ApprovalAction = "REJECT"
	// ApprovalRevoke marks a revocation of a standing grant.
	ApprovalRevoke ApprovalAction = "REVOKE"
	// ApprovalComplete marks transfer completion after the owner reassignment.
	ApprovalComplete ApprovalAction = "COMPLETE"
)

// ApprovalLog represents a single entry in a grant's approval history.
type ApprovalLog struct {
	ID      int64
	GrantID uuid.UUID
	ActorID uuid.UUID
	Action  ApprovalAction
	Note    string
	At      time.Time
}

// ApprovalRecorder persists grant approval history.
type ApprovalRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewApprovalRecorder constructs ApprovalRecorder.
func NewApprovalRecorder(pool *pgxpool.Pool, logger *slog.Logger) *ApprovalRecorder {
	return &ApprovalRecorder{pool: pool, logger: logger}
}

// Record writes an approval entry to the database.
func (r *ApprovalRecorder) Record(ctx context.Context, log ApprovalLog) error {
	if r == nil {
		return errors.New("approval recorder not initialised")
	}
	if log.GrantID == uuid.Nil {
		return errors.New("approval grant id required")
	}
	if log.ActorID == uuid.Nil {
		return errors.New("approval actor required")
	}
	if log.Action == "" {
		return errors.New("approval action required")
	}
	if log.At.IsZero() {
		log.At = time.Now()
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO grant_approvals (grant_id, actor_id, action, note, at)
VALUES ($1, $2, $3, $4, $5)`, log.GrantID, log.ActorID, string(log.Action), log.Note, log.At)
	if err != nil {
		r.logger.Error("record approval", slog.Any("error", err))
		return err
	}
	return nil
}

// List returns the approval history for a grant.
func (r *ApprovalRecorder) List(ctx context.Context, grantID uuid.UUID) ([]ApprovalLog, error) {
	if r == nil {
		return nil, errors.New("approval recorder not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, grant_id, actor_id, action, note, at
FROM grant_approvals WHERE grant_id=$1 ORDER BY at ASC`, grantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []ApprovalLog
	for rows.Next() {
		var l ApprovalLog
		var action string
		if err := rows.Scan(&l.ID, &l.GrantID, &l.ActorID, &action, &l.Note, &l.At); err != nil {
			return nil, err
		}
		l.Action = ApprovalAction(action)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}
