package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/carebridge-health/intake-engine/pkg/logging"
)

// StageAlert describes one stage failure for the on-call intake staff.
type StageAlert struct {
	RecordID      string
	CorrelationID string
	Stage         string
	Reason        string
	Retryable     bool
	Context       string
	OccurredAt    time.Time
}

// Service emails stage failure alerts to the configured recipients.
type Service struct {
	email      EmailSender
	recipients []string
	logger     *logging.Logger
}

// NewService creates a notification service. A nil sender or empty recipient
// list disables alerts; failures are still persisted by the audit trail.
func NewService(email EmailSender, recipients []string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		email:      email,
		recipients: recipients,
		logger:     logger,
	}
}

// NotifyStageFailure emails every recipient about a failed workflow stage.
func (s *Service) NotifyStageFailure(ctx context.Context, alert StageAlert) error {
	if s.email == nil || len(s.recipients) == 0 {
		s.logger.Debug("notify: alert email disabled, skipping", "stage", alert.Stage, "record_id", alert.RecordID)
		return nil
	}

	subject := fmt.Sprintf("Intake failure: %s", alert.Stage)
	if alert.RecordID != "" {
		subject = fmt.Sprintf("Intake failure: %s (record %s)", alert.Stage, alert.RecordID)
	}

	disposition := "This failure is not retryable; the record needs manual follow-up."
	if alert.Retryable {
		disposition = "The workflow will keep retrying this record."
	}

	occurred := alert.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	body := fmt.Sprintf(`An intake workflow stage failed.

Stage: %s
Record: %s
Correlation: %s
Reason: %s
When: %s

%s`,
		alert.Stage,
		valueOrDash(alert.RecordID),
		valueOrDash(alert.CorrelationID),
		alert.Reason,
		occurred.Format("January 2, 2006 at 3:04 PM MST"),
		disposition,
	)
	if alert.Context != "" {
		body += "\n\nDetails:\n" + alert.Context
	}

	var errs []error
	for _, recipient := range s.recipients {
		msg := EmailMessage{
			To:      recipient,
			Subject: subject,
			Body:    body,
		}
		if err := s.email.Send(ctx, msg); err != nil {
			s.logger.Error("notify: failed to send alert email", "error", err, "to", recipient)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d alert(s) failed", len(errs))
	}
	return nil
}

func valueOrDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
