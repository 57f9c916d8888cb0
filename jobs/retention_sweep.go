package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vaultgrant/vaultgrant/internal/shared"
)

// NewRetentionSweepHandler returns the Asynq handler that prunes submission
// keys older than the configured retention window.
func NewRetentionSweepHandler(store *shared.SubmissionKeys, retention time.Duration, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload RetentionSweepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if err := store.Sweep(ctx, retention); err != nil {
			logger.Warn("retention sweep failed", slog.Any("error", err))
			return err
		}
		return nil
	}
}
