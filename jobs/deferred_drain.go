package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/vaultgrant/vaultgrant/internal/deferred"
	"github.com/vaultgrant/vaultgrant/internal/observability"
)

// NewDeferredDrainHandler returns the Asynq handler that drains the deferred
// operation queue. A run that loses the drain lock to another process is a
// success; the other holder will cover the queue. metrics may be nil.
func NewDeferredDrainHandler(drainer *deferred.Drainer, metrics *observability.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload DeferredDrainPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		stats, err := drainer.Drain(ctx)
		if err != nil {
			if errors.Is(err, deferred.ErrLocked) {
				return nil
			}
			logger.Warn("deferred drain failed", slog.Any("error", err))
			return err
		}
		for i := 0; i < stats.Succeeded; i++ {
			metrics.ObserveReplay("succeeded")
		}
		for i := 0; i < stats.Dropped; i++ {
			metrics.ObserveReplay("dropped")
		}
		for i := 0; i < stats.Retained; i++ {
			metrics.ObserveReplay("retained")
		}
		if stats.Processed > 0 {
			logger.Info("deferred drain complete",
				slog.Int("processed", stats.Processed),
				slog.Int("succeeded", stats.Succeeded),
				slog.Int("dropped", stats.Dropped),
				slog.Int("retained", stats.Retained))
		}
		return nil
	}
}
