// Package deferred is the durable local fallback for grant operations that
// could not complete against the record store: the store was unreachable,
// or the record a link refers to has not replicated yet. Entries are
// replayed in FIFO order on the next activation; replay is at-least-once,
// which is safe because every grant operation is idempotent to reapply.
package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vaultgrant/vaultgrant/internal/grant"
	"github.com/vaultgrant/vaultgrant/internal/shared"
)

// Op names a replayable operation.
type Op string

const (
	OpCreate   Op = "create"
	OpResolve  Op = "resolve"
	OpComplete Op = "complete"
	OpRevoke   Op = "revoke"
)

// Entry is one deferred operation. Create entries carry the full input so
// the record can be built once the store comes back; everything else is
// addressed by token.
type Entry struct {
	ID         string             `json:"id"`
	Op         Op                 `json:"op"`
	Token      string             `json:"token,omitempty"`
	ActorID    uuid.UUID          `json:"actor_id"`
	Decision   grant.Decision     `json:"decision,omitempty"`
	Create     *grant.CreateInput `json:"create,omitempty"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	Attempts   int                `json:"attempts"`
}

const queueKey = "grants:deferred:queue"

// lockTTL bounds how long a crashed drainer can hold the drain lock.
const lockTTL = 30 * time.Second

// ErrLocked means another process is draining right now.
var ErrLocked = errors.New("deferred: drain already in progress")

// Queue is the append-only deferred operation log, kept in Redis so it
// stays reachable from every cooperating process even while the record
// store itself is the thing that is down.
type Queue struct {
	client *redis.Client
}

// NewQueue constructs the queue.
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue appends an entry. The id is assigned here.
func (q *Queue) Enqueue(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	if err := q.client.RPush(ctx, queueKey, data).Err(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Snapshot returns all entries oldest first, plus the raw list length the
// snapshot covered (corrupt items included) so Rewrite can cut exactly
// that prefix and nothing that arrived later.
func (q *Queue) Snapshot(ctx context.Context) ([]Entry, int64, error) {
	raw, err := q.client.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, 0, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			// A corrupt entry can never succeed; skip it rather than
			// wedging the whole queue.
			continue
		}
		entries = append(entries, e)
	}
	return entries, int64(len(raw)), nil
}

// Rewrite removes the snapshotted prefix and puts the retained entries
// back at the head, so anything enqueued since the snapshot survives
// untouched behind them. Called only while holding the drain lock, which
// keeps Rewrite calls from interleaving; Enqueue needs no lock.
func (q *Queue) Rewrite(ctx context.Context, snapshotLen int64, retained []Entry) error {
	pipe := q.client.TxPipeline()
	pipe.LTrim(ctx, queueKey, snapshotLen, -1)
	for i := len(retained) - 1; i >= 0; i-- {
		data, err := json.Marshal(retained[i])
		if err != nil {
			return err
		}
		pipe.LPush(ctx, queueKey, data)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Len reports the queue depth.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, queueKey).Result()
}

// TryLock takes the cross-process drain lock.
func (q *Queue) TryLock(ctx context.Context) (bool, error) {
	return q.client.SetNX(ctx, shared.DeferredDrainLockKey, 1, lockTTL).Result()
}

// Unlock releases the drain lock.
func (q *Queue) Unlock(ctx context.Context) error {
	return q.client.Del(ctx, shared.DeferredDrainLockKey).Err()
}
