// Package stages holds the consumers for each workflow channel. Every stage
// follows the same contract: return an error only when redelivery might
// succeed; terminate hopeless records itself via the error path.
package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/carebridge-health/intake-engine/internal/intake"
	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
)

// Publisher is the slice of the dispatcher stages use to hand work to the
// next channel.
type Publisher interface {
	Publish(ctx context.Context, msg workflow.Message) error
}

// terminate marks a record as errored and reports the failure on the error
// channel. Used for failures that redelivery can never fix.
func terminate(ctx context.Context, store intake.Store, publisher Publisher, logger *logging.Logger, msg workflow.Message, stage string, cause error) error {
	if err := store.MarkError(ctx, msg.RecordID, cause.Error()); err != nil {
		// The record stays processing; the reconciler will pick it up.
		logger.Error("failed to mark record as errored", "error", err, "record_id", msg.RecordID, "stage", stage)
	}

	report := workflow.NewMessage(workflow.ChannelErrors, msg.RecordID, msg.CorrelationID)
	report.Failure = &workflow.FailurePayload{
		Stage:     stage,
		Reason:    cause.Error(),
		Retryable: workflow.Retryable(cause),
	}
	if err := publisher.Publish(ctx, report); err != nil {
		logger.Error("failed to publish failure report", "error", err, "record_id", msg.RecordID, "stage", stage)
	}
	return nil
}

// recordActivity publishes a step onto the activity channel. Activity is
// best-effort; losing an entry must not fail the stage that produced it.
func recordActivity(ctx context.Context, publisher Publisher, logger *logging.Logger, msg workflow.Message, stage, detail string) {
	activity := workflow.NewMessage(workflow.ChannelActivity, msg.RecordID, msg.CorrelationID)
	activity.Activity = &workflow.ActivityPayload{
		Stage:  stage,
		Detail: detail,
		At:     time.Now().UTC(),
	}
	if err := publisher.Publish(ctx, activity); err != nil {
		logger.Warn("failed to publish activity entry", "error", err, "record_id", msg.RecordID, "stage", stage)
	}
}

func stageErr(stage string, err error) error {
	return fmt.Errorf("stages: %s: %w", stage, err)
}
