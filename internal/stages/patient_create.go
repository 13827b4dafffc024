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

const stageCreatePatient = "create-patient"

// PatientAPI is the slice of the scheduling client this stage needs.
type PatientAPI interface {
	CreatePatient(ctx context.Context, demo athena.PatientDemographics) (string, error)
}

// PatientCreator claims pending intake records and registers the patient with
// the scheduling API. Records with an appointment selection continue to the
// booking stage; the rest complete here.
type PatientCreator struct {
	store        intake.Store
	client       PatientAPI
	publisher    Publisher
	departmentID string
	logger       *logging.Logger
}

// NewPatientCreator builds the create-patient stage handler.
func NewPatientCreator(store intake.Store, client PatientAPI, publisher Publisher, departmentID string, logger *logging.Logger) *PatientCreator {
	if store == nil {
		panic("stages: intake store cannot be nil")
	}
	if client == nil {
		panic("stages: patient API cannot be nil")
	}
	if publisher == nil {
		panic("stages: publisher cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &PatientCreator{
		store:        store,
		client:       client,
		publisher:    publisher,
		departmentID: departmentID,
		logger:       logger,
	}
}

// Handle processes one create-patient message.
func (h *PatientCreator) Handle(ctx context.Context, msg workflow.Message) error {
	rec, done, err := h.claim(ctx, msg)
	if err != nil || done {
		return err
	}

	if err := intake.ValidateForCreation(rec.Payload); err != nil {
		h.logger.Warn("record failed creation validation", "error", err, "record_id", rec.ID)
		return terminate(ctx, h.store, h.publisher, h.logger, msg, stageCreatePatient, err)
	}

	// A retry after a partial run already has the remote patient; creating
	// again would register a duplicate.
	patientID := rec.RemotePatientID
	if patientID == "" {
		var err error
		patientID, err = h.client.CreatePatient(ctx, h.demographics(rec.Payload))
		if err != nil {
			if workflow.Retryable(err) {
				return stageErr(stageCreatePatient, err)
			}
			return terminate(ctx, h.store, h.publisher, h.logger, msg, stageCreatePatient, err)
		}

		if err := h.store.SetRemotePatientID(ctx, rec.ID, patientID); err != nil {
			// The remote patient exists but we lost the pointer; retrying the
			// write is cheaper than orphaning the record.
			return stageErr(stageCreatePatient, err)
		}

		recordActivity(ctx, h.publisher, h.logger, msg, stageCreatePatient,
			fmt.Sprintf("created patient %s", patientID))
	}

	if rec.Payload.HasAppointmentSelection() {
		next := workflow.NewMessage(workflow.ChannelBookAppointment, rec.ID, msg.CorrelationID)
		next.Booking = &workflow.BookingPayload{
			RemotePatientID:   patientID,
			AppointmentID:     rec.Payload.AppointmentID,
			AppointmentTypeID: rec.Payload.AppointmentTypeID,
		}
		if err := h.publisher.Publish(ctx, next); err != nil {
			// The record stays processing; redelivery retries the publish.
			return stageErr(stageCreatePatient, err)
		}
		h.logger.Info("patient created, booking queued",
			"record_id", rec.ID,
			"patient_id", patientID,
			"appointment_id", rec.Payload.AppointmentID,
		)
		return nil
	}

	if err := h.store.MarkCompleted(ctx, rec.ID, intake.RemoteIDs{PatientID: patientID}); err != nil {
		return stageErr(stageCreatePatient, err)
	}
	h.logger.Info("patient created, no appointment selected", "record_id", rec.ID, "patient_id", patientID)
	return nil
}

// claim moves the record to processing. Redeliveries find it already claimed
// and resume; terminal records are dropped as duplicate deliveries.
func (h *PatientCreator) claim(ctx context.Context, msg workflow.Message) (*intake.Record, bool, error) {
	rec, err := h.store.Claim(ctx, msg.RecordID)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, intake.ErrNotClaimable) {
		if errors.Is(err, intake.ErrRecordNotFound) {
			h.logger.Error("create-patient message for unknown record", "record_id", msg.RecordID)
			return nil, true, nil
		}
		return nil, false, stageErr(stageCreatePatient, err)
	}

	rec, err = h.store.Get(ctx, msg.RecordID)
	if err != nil {
		return nil, false, stageErr(stageCreatePatient, err)
	}
	switch rec.Status {
	case intake.StatusProcessing:
		// Retry of a message we already claimed.
		return rec, false, nil
	case intake.StatusCompleted, intake.StatusError:
		h.logger.Debug("dropping duplicate delivery for settled record", "record_id", rec.ID, "status", rec.Status)
		return nil, true, nil
	default:
		return nil, false, stageErr(stageCreatePatient, intake.ErrNotClaimable)
	}
}

func (h *PatientCreator) demographics(p intake.Payload) athena.PatientDemographics {
	return athena.PatientDemographics{
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		DOB:          p.DateOfBirth,
		MobilePhone:  p.Phone,
		Email:        p.Email,
		Sex:          p.Sex,
		Address1:     p.Address,
		City:         p.City,
		State:        p.State,
		Zip:          p.Zip,
		DepartmentID: h.departmentID,
	}
}
