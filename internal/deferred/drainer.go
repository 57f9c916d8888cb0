package deferred

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/vaultgrant/vaultgrant/internal/grant"
	"github.com/vaultgrant/vaultgrant/internal/session"
)

// Executor runs the replayed operations. *grant.Service satisfies it.
type Executor interface {
	Create(ctx context.Context, in grant.CreateInput) (grant.Record, error)
	Resolve(ctx context.Context, token string, actorID uuid.UUID, decision grant.Decision) (grant.Result, error)
	CompleteTransfer(ctx context.Context, token string, actorID uuid.UUID) (grant.Record, error)
	Revoke(ctx context.Context, token string, actorID uuid.UUID) (grant.Record, error)
}

// Stats summarises one drain pass.
type Stats struct {
	Processed int
	Succeeded int
	Dropped   int
	Retained  int
	// Aborted is set when the store went unavailable mid-drain; the
	// remaining entries were left untouched for the next pass.
	Aborted bool
}

// Bounds decides when a repeatedly-missing record is stale enough to drop.
// Without a bound a garbage token would retry forever.
type Bounds struct {
	MaxAttempts int
	MaxAge      time.Duration
}

// DefaultBounds keeps the conservative side of "a human-paced flow that
// has not replicated in three days is dead".
var DefaultBounds = Bounds{MaxAttempts: 12, MaxAge: 72 * time.Hour}

// Drainer replays deferred entries against the grant engine. Drains are
// single-flighted in-process and locked across processes, so concurrent
// activations cannot double-replay.
type Drainer struct {
	queue  *Queue
	exec   Executor
	bounds Bounds
	logger *slog.Logger
	group  singleflight.Group
}

// NewDrainer constructs a Drainer.
func NewDrainer(queue *Queue, exec Executor, bounds Bounds, logger *slog.Logger) *Drainer {
	if bounds.MaxAttempts <= 0 {
		bounds.MaxAttempts = DefaultBounds.MaxAttempts
	}
	if bounds.MaxAge <= 0 {
		bounds.MaxAge = DefaultBounds.MaxAge
	}
	return &Drainer{queue: queue, exec: exec, bounds: bounds, logger: logger}
}

// Drain processes the queue oldest first. An entry leaves the queue only
// when its operation succeeds or is confirmed permanently invalid;
// not-found under the staleness bounds stays queued, and a store timeout
// aborts the pass with everything unprocessed left in place.
func (d *Drainer) Drain(ctx context.Context) (Stats, error) {
	v, err, _ := d.group.Do("drain", func() (any, error) {
		return d.drainLocked(ctx)
	})
	if err != nil {
		return Stats{}, err
	}
	return v.(Stats), nil
}

func (d *Drainer) drainLocked(ctx context.Context) (Stats, error) {
	ok, err := d.queue.TryLock(ctx)
	if err != nil {
		return Stats{}, err
	}
	if !ok {
		return Stats{}, ErrLocked
	}
	defer func() {
		if err := d.queue.Unlock(context.WithoutCancel(ctx)); err != nil && d.logger != nil {
			d.logger.Warn("release drain lock", slog.Any("error", err))
		}
	}()

	entries, snapshotLen, err := d.queue.Snapshot(ctx)
	if err != nil {
		return Stats{}, err
	}

	var (
		stats    Stats
		retained []Entry
	)
	now := time.Now()
	for i, e := range entries {
		if stats.Aborted {
			retained = append(retained, entries[i:]...)
			break
		}
		stats.Processed++
		switch d.process(ctx, e, now) {
		case dispositionDone:
			stats.Succeeded++
		case dispositionDrop:
			stats.Dropped++
		case dispositionRetain:
			e.Attempts++
			retained = append(retained, e)
			stats.Retained++
		case dispositionAbort:
			stats.Processed--
			stats.Aborted = true
			retained = append(retained, e)
		}
	}
	if stats.Aborted {
		stats.Retained = len(retained)
	}

	if err := d.queue.Rewrite(ctx, snapshotLen, retained); err != nil {
		return stats, err
	}
	return stats, nil
}

type disposition int

const (
	dispositionDone disposition = iota
	dispositionDrop
	dispositionRetain
	dispositionAbort
)

func (d *Drainer) process(ctx context.Context, e Entry, now time.Time) disposition {
	err := d.execute(ctx, e)
	switch {
	case err == nil:
		return dispositionDone
	case errors.Is(err, session.ErrTimeout):
		// The store is unavailable; nothing later in the queue can
		// succeed either.
		return dispositionAbort
	case errors.Is(err, grant.ErrNotFound):
		if e.Attempts+1 >= d.bounds.MaxAttempts || now.Sub(e.EnqueuedAt) >= d.bounds.MaxAge {
			if d.logger != nil {
				d.logger.Info("dropping stale deferred entry",
					slog.String("op", string(e.Op)),
					slog.String("token", e.Token),
					slog.Int("attempts", e.Attempts))
			}
			return dispositionDrop
		}
		return dispositionRetain
	case errors.Is(err, grant.ErrInvalidTransition),
		errors.Is(err, grant.ErrExpired),
		errors.Is(err, grant.ErrUnauthorized),
		errors.Is(err, grant.ErrValidation):
		// Permanently invalid: replaying can never change the outcome.
		if d.logger != nil {
			d.logger.Info("dropping invalid deferred entry",
				slog.String("op", string(e.Op)),
				slog.String("token", e.Token),
				slog.Any("error", err))
		}
		return dispositionDrop
	default:
		if d.logger != nil {
			d.logger.Warn("deferred entry failed",
				slog.String("op", string(e.Op)),
				slog.Any("error", err))
		}
		return dispositionRetain
	}
}

func (d *Drainer) execute(ctx context.Context, e Entry) error {
	switch e.Op {
	case OpCreate:
		if e.Create == nil {
			return grant.ErrValidation
		}
		_, err := d.exec.Create(ctx, *e.Create)
		if errors.Is(err, grant.ErrDuplicateToken) {
			// The original create made it to the store after all.
			return nil
		}
		return err
	case OpResolve:
		_, err := d.exec.Resolve(ctx, e.Token, e.ActorID, e.Decision)
		return err
	case OpComplete:
		_, err := d.exec.CompleteTransfer(ctx, e.Token, e.ActorID)
		return err
	case OpRevoke:
		_, err := d.exec.Revoke(ctx, e.Token, e.ActorID)
		return err
	default:
		return grant.ErrValidation
	}
}
