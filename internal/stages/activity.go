package stages

import (
	"context"

	"github.com/carebridge-health/intake-engine/internal/audit"
	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
	"github.com/google/uuid"
)

// ActivityWriter is the slice of the audit layer the activity stage needs.
type ActivityWriter interface {
	Insert(ctx context.Context, entry audit.ActivityEntry) (uuid.UUID, error)
}

// ActivityLogger appends completed workflow steps to the audit trail.
type ActivityLogger struct {
	activities ActivityWriter
	logger     *logging.Logger
}

// NewActivityLogger builds the patient-activity stage handler.
func NewActivityLogger(activities ActivityWriter, logger *logging.Logger) *ActivityLogger {
	if activities == nil {
		panic("stages: activity store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ActivityLogger{activities: activities, logger: logger}
}

// Handle persists one activity entry. Database errors are retryable.
func (h *ActivityLogger) Handle(ctx context.Context, msg workflow.Message) error {
	if msg.Activity == nil {
		h.logger.Warn("activity message without payload", "record_id", msg.RecordID)
		return nil
	}

	_, err := h.activities.Insert(ctx, audit.ActivityEntry{
		RecordID:      msg.RecordID,
		CorrelationID: msg.CorrelationID,
		Stage:         msg.Activity.Stage,
		Detail:        msg.Activity.Detail,
		OccurredAt:    msg.Activity.At,
	})
	if err != nil {
		return stageErr("patient-activity", err)
	}
	return nil
}
