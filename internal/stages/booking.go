package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/carebridge-health/intake-engine/internal/athena"
	"github.com/carebridge-health/intake-engine/internal/intake"
	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
)

const stageBookAppointment = "book-appointment"

// BookingAPI is the slice of the scheduling client this stage needs.
type BookingAPI interface {
	BookAppointment(ctx context.Context, appointmentID string, req athena.BookingRequest) (string, error)
}

// Booker fills the appointment slot the caller selected and completes the
// record. Reaches records only after the create-patient stage succeeded.
type Booker struct {
	store     intake.Store
	client    BookingAPI
	publisher Publisher
	logger    *logging.Logger
}

// NewBooker builds the book-appointment stage handler.
func NewBooker(store intake.Store, client BookingAPI, publisher Publisher, logger *logging.Logger) *Booker {
	if store == nil {
		panic("stages: intake store cannot be nil")
	}
	if client == nil {
		panic("stages: booking API cannot be nil")
	}
	if publisher == nil {
		panic("stages: publisher cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Booker{
		store:     store,
		client:    client,
		publisher: publisher,
		logger:    logger,
	}
}

// Handle processes one book-appointment message.
func (h *Booker) Handle(ctx context.Context, msg workflow.Message) error {
	if msg.Booking == nil {
		h.logger.Error("booking message without payload", "record_id", msg.RecordID)
		return terminate(ctx, h.store, h.publisher, h.logger, msg, stageBookAppointment,
			errors.New("stages: booking message missing payload"))
	}

	rec, err := h.store.Get(ctx, msg.RecordID)
	if err != nil {
		if errors.Is(err, intake.ErrRecordNotFound) {
			h.logger.Error("booking message for unknown record", "record_id", msg.RecordID)
			return nil
		}
		return stageErr(stageBookAppointment, err)
	}
	if rec.Status == intake.StatusCompleted || rec.Status == intake.StatusError {
		h.logger.Debug("dropping duplicate delivery for settled record", "record_id", rec.ID, "status", rec.Status)
		return nil
	}

	patientID := msg.Booking.RemotePatientID
	if patientID == "" {
		patientID = rec.RemotePatientID
	}
	if patientID == "" {
		return terminate(ctx, h.store, h.publisher, h.logger, msg, stageBookAppointment,
			errors.New("stages: booking requested before patient creation"))
	}

	reference, err := h.client.BookAppointment(ctx, msg.Booking.AppointmentID, athena.BookingRequest{
		PatientID:         patientID,
		AppointmentTypeID: msg.Booking.AppointmentTypeID,
	})
	if err != nil {
		if workflow.Retryable(err) {
			return stageErr(stageBookAppointment, err)
		}
		return terminate(ctx, h.store, h.publisher, h.logger, msg, stageBookAppointment, err)
	}

	if err := h.store.MarkCompleted(ctx, rec.ID, intake.RemoteIDs{
		PatientID:        patientID,
		BookingReference: reference,
	}); err != nil {
		if errors.Is(err, intake.ErrInvalidTransition) {
			h.logger.Warn("record settled elsewhere after booking", "record_id", rec.ID)
			return nil
		}
		return stageErr(stageBookAppointment, err)
	}

	recordActivity(ctx, h.publisher, h.logger, msg, stageBookAppointment,
		fmt.Sprintf("booked appointment %s for patient %s", reference, patientID))
	h.logger.Info("appointment booked",
		"record_id", rec.ID,
		"patient_id", patientID,
		"booking_reference", reference,
	)
	return nil
}
