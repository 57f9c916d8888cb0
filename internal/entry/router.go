package entry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vaultgrant/vaultgrant/internal/deferred"
	"github.com/vaultgrant/vaultgrant/internal/grant"
	"github.com/vaultgrant/vaultgrant/internal/session"
)

// DrainScheduler asks the job broker for an out-of-band drain pass, so a
// freshly parked entry replays without waiting for the next cron tick.
type DrainScheduler interface {
	ScheduleDrain(ctx context.Context) error
}

// Router dispatches inbound triggers (deep links, interactive-message
// taps, app-launch resumes) to the right grant operation. Every
// activation drains the deferred queue first, so a token captured while
// the store was down is replayed before new work runs.
type Router struct {
	grants  *grant.Service
	queue   *deferred.Queue
	drainer *deferred.Drainer
	drains  DrainScheduler
	logger  *slog.Logger
}

// NewRouter constructs the Router. drains may be nil.
func NewRouter(grants *grant.Service, queue *deferred.Queue, drainer *deferred.Drainer, drains DrainScheduler, logger *slog.Logger) *Router {
	return &Router{grants: grants, queue: queue, drainer: drainer, drains: drains, logger: logger}
}

// Outcome reports what an activation did. Deferred means the operation
// could not reach the store and was queued for replay; the caller should
// present it as accepted, not failed.
type Outcome struct {
	Record   *grant.Record
	PassCode string
	Deferred bool
}

// Activate drains the queue, then applies the actor's decision to the
// linked grant. Store unavailability and not-yet-replicated records are
// converted into deferred entries rather than surfaced as hard failures.
func (r *Router) Activate(ctx context.Context, link Link, actorID uuid.UUID, decision grant.Decision) (Outcome, error) {
	r.DrainQueue(ctx)

	res, err := r.grants.Resolve(ctx, link.Token, actorID, decision)
	switch {
	case err == nil:
		return Outcome{Record: &res.Record, PassCode: res.PassCode}, nil
	case errors.Is(err, grant.ErrNotFound), errors.Is(err, session.ErrTimeout):
		return r.enqueue(ctx, deferred.Entry{
			Op:       deferred.OpResolve,
			Token:    link.Token,
			ActorID:  actorID,
			Decision: decision,
		}, err)
	default:
		return Outcome{}, err
	}
}

// DeferCreate queues a create whose store write failed. The record keeps
// its already-minted id and token so links handed out stay valid.
func (r *Router) DeferCreate(ctx context.Context, rec grant.Record) (Outcome, error) {
	return r.enqueue(ctx, deferred.Entry{
		Op:      deferred.OpCreate,
		Token:   rec.Token,
		ActorID: rec.InitiatorID,
		Create: &grant.CreateInput{
			ID:          rec.ID,
			Token:       rec.Token,
			Kind:        rec.Kind,
			VaultID:     rec.VaultID,
			InitiatorID: rec.InitiatorID,
			Payload:     rec.Payload,
		},
	}, nil)
}

// DeferComplete queues a transfer completion for replay.
func (r *Router) DeferComplete(ctx context.Context, token string, actorID uuid.UUID) (Outcome, error) {
	return r.enqueue(ctx, deferred.Entry{Op: deferred.OpComplete, Token: token, ActorID: actorID}, nil)
}

// DrainQueue replays pending deferred operations. Lock contention means
// another process is already draining, which is as good as done.
func (r *Router) DrainQueue(ctx context.Context) {
	stats, err := r.drainer.Drain(ctx)
	if err != nil {
		if !errors.Is(err, deferred.ErrLocked) && r.logger != nil {
			r.logger.Warn("drain deferred queue", slog.Any("error", err))
		}
		return
	}
	if stats.Processed > 0 && r.logger != nil {
		r.logger.Info("drained deferred queue",
			slog.Int("processed", stats.Processed),
			slog.Int("succeeded", stats.Succeeded),
			slog.Int("dropped", stats.Dropped),
			slog.Int("retained", stats.Retained),
			slog.Bool("aborted", stats.Aborted))
	}
}

func (r *Router) enqueue(ctx context.Context, e deferred.Entry, cause error) (Outcome, error) {
	if _, err := r.queue.Enqueue(ctx, e); err != nil {
		if cause != nil {
			return Outcome{}, errors.Join(cause, err)
		}
		return Outcome{}, err
	}
	if r.drains != nil {
		if err := r.drains.ScheduleDrain(ctx); err != nil && r.logger != nil {
			r.logger.Warn("schedule drain after park", slog.Any("error", err))
		}
	}
	return Outcome{Deferred: true}, nil
}
