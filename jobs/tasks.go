package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskDeferredDrain replays queued grant operations against the store.
	TaskDeferredDrain = "grants:deferred:drain"
	// TaskRetentionSweep prunes expired idempotency keys.
	TaskRetentionSweep = "grants:retention:sweep"
)

// DeferredDrainPayload carries scheduling metadata for a drain run.
type DeferredDrainPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewDeferredDrainTask constructs an Asynq task for a deferred queue drain.
func NewDeferredDrainTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(DeferredDrainPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDeferredDrain, body, asynq.Queue(QueueDefault)), nil
}

// RetentionSweepPayload carries scheduling metadata for a retention sweep.
type RetentionSweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewRetentionSweepTask constructs an Asynq task for the retention sweep.
func NewRetentionSweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(RetentionSweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRetentionSweep, body, asynq.Queue(QueueDefault)), nil
}
