package stages

import (
	"context"
	"time"

	"github.com/carebridge-health/intake-engine/internal/audit"
	"github.com/carebridge-health/intake-engine/internal/notify"
	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
	"github.com/google/uuid"
)

// ErrorWriter is the slice of the audit layer the error stage needs.
type ErrorWriter interface {
	Insert(ctx context.Context, rec audit.ErrorRecord) (uuid.UUID, error)
}

// Alerter sends stage failure alerts to intake staff.
type Alerter interface {
	NotifyStageFailure(ctx context.Context, alert notify.StageAlert) error
}

// ErrorReporter persists stage failures and alerts the intake staff.
type ErrorReporter struct {
	errors  ErrorWriter
	alerter Alerter
	logger  *logging.Logger
}

// NewErrorReporter builds the error-notifications stage handler. alerter may
// be nil when email is disabled.
func NewErrorReporter(errors ErrorWriter, alerter Alerter, logger *logging.Logger) *ErrorReporter {
	if errors == nil {
		panic("stages: error store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ErrorReporter{errors: errors, alerter: alerter, logger: logger}
}

// Handle persists one failure report. The database insert must succeed; the
// alert email is best-effort so a flaky mail provider cannot redeliver the
// report and duplicate the audit row.
func (h *ErrorReporter) Handle(ctx context.Context, msg workflow.Message) error {
	if msg.Failure == nil {
		h.logger.Warn("error message without payload", "record_id", msg.RecordID)
		return nil
	}

	_, err := h.errors.Insert(ctx, audit.ErrorRecord{
		RecordID:      msg.RecordID,
		CorrelationID: msg.CorrelationID,
		Stage:         msg.Failure.Stage,
		Reason:        msg.Failure.Reason,
		Retryable:     msg.Failure.Retryable,
		Context:       msg.Failure.Context,
	})
	if err != nil {
		return stageErr("error-notifications", err)
	}

	if h.alerter != nil {
		alert := notify.StageAlert{
			RecordID:      msg.RecordID,
			CorrelationID: msg.CorrelationID,
			Stage:         msg.Failure.Stage,
			Reason:        msg.Failure.Reason,
			Retryable:     msg.Failure.Retryable,
			Context:       msg.Failure.Context,
			OccurredAt:    time.Now().UTC(),
		}
		if err := h.alerter.NotifyStageFailure(ctx, alert); err != nil {
			h.logger.Error("failed to send failure alert", "error", err, "record_id", msg.RecordID, "stage", msg.Failure.Stage)
		}
	}
	return nil
}
