package stages

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/carebridge-health/intake-engine/internal/athena"
	"github.com/carebridge-health/intake-engine/internal/audit"
	"github.com/carebridge-health/intake-engine/internal/intake"
	"github.com/carebridge-health/intake-engine/internal/notify"
	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
	"github.com/google/uuid"
)

type memoryPublisher struct {
	mu       sync.Mutex
	messages []workflow.Message
	err      error
}

func (p *memoryPublisher) Publish(_ context.Context, msg workflow.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *memoryPublisher) byChannel(channel workflow.Channel) []workflow.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []workflow.Message
	for _, msg := range p.messages {
		if msg.Channel == channel {
			out = append(out, msg)
		}
	}
	return out
}

type fakeScheduler struct {
	createErr   error
	bookErr     error
	patientID   string
	bookingRef  string
	created     []athena.PatientDemographics
	bookedSlots []string
}

func (f *fakeScheduler) CreatePatient(_ context.Context, demo athena.PatientDemographics) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, demo)
	return f.patientID, nil
}

func (f *fakeScheduler) BookAppointment(_ context.Context, appointmentID string, _ athena.BookingRequest) (string, error) {
	if f.bookErr != nil {
		return "", f.bookErr
	}
	f.bookedSlots = append(f.bookedSlots, appointmentID)
	return f.bookingRef, nil
}

func enqueue(t *testing.T, store intake.Store, payload intake.Payload) *intake.Record {
	t.Helper()
	rec, err := store.Enqueue(context.Background(), payload)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return rec
}

func fullPayload() intake.Payload {
	return intake.Payload{
		FirstName:   "Test",
		LastName:    "Patient",
		DateOfBirth: "01/15/1990",
		Phone:       "7025551234",
		CallID:      "call-1",
	}
}

func TestPatientCreatorCompletesWithoutAppointment(t *testing.T) {
	store := intake.NewMemoryStore()
	scheduler := &fakeScheduler{patientID: "54321"}
	publisher := &memoryPublisher{}
	handler := NewPatientCreator(store, scheduler, publisher, "1", logging.Default())

	rec := enqueue(t, store, fullPayload())
	msg := workflow.NewMessage(workflow.ChannelCreatePatient, rec.ID, "")

	if err := handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != intake.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.RemotePatientID != "54321" {
		t.Fatalf("remote patient id = %q", got.RemotePatientID)
	}
	if len(publisher.byChannel(workflow.ChannelBookAppointment)) != 0 {
		t.Fatal("no booking message expected without a slot selection")
	}
	if len(publisher.byChannel(workflow.ChannelActivity)) != 1 {
		t.Fatal("expected one activity entry")
	}
	if len(scheduler.created) != 1 || scheduler.created[0].DOB != "01/15/1990" {
		t.Fatalf("unexpected create calls: %+v", scheduler.created)
	}
}

func TestPatientCreatorQueuesBooking(t *testing.T) {
	store := intake.NewMemoryStore()
	scheduler := &fakeScheduler{patientID: "54321"}
	publisher := &memoryPublisher{}
	handler := NewPatientCreator(store, scheduler, publisher, "1", logging.Default())

	payload := fullPayload()
	payload.AppointmentID = "998877"
	payload.AppointmentTypeID = "82"
	rec := enqueue(t, store, payload)

	msg := workflow.NewMessage(workflow.ChannelCreatePatient, rec.ID, "corr-1")
	if err := handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := store.Get(context.Background(), rec.ID)
	if got.Status != intake.StatusProcessing {
		t.Fatalf("status = %s, record must stay processing until booked", got.Status)
	}

	bookings := publisher.byChannel(workflow.ChannelBookAppointment)
	if len(bookings) != 1 {
		t.Fatalf("expected 1 booking message, got %d", len(bookings))
	}
	if bookings[0].Booking == nil || bookings[0].Booking.AppointmentID != "998877" {
		t.Fatalf("unexpected booking payload: %+v", bookings[0].Booking)
	}
	if bookings[0].CorrelationID != "corr-1" {
		t.Fatal("correlation id must carry into the booking message")
	}
}

func TestPatientCreatorTerminatesInvalidRecord(t *testing.T) {
	store := intake.NewMemoryStore()
	scheduler := &fakeScheduler{patientID: "54321"}
	publisher := &memoryPublisher{}
	handler := NewPatientCreator(store, scheduler, publisher, "1", logging.Default())

	// No phone, email, or zip: unreachable patient.
	rec := enqueue(t, store, intake.Payload{
		FirstName:   "Test",
		LastName:    "Patient",
		DateOfBirth: "01/15/1990",
	})

	msg := workflow.NewMessage(workflow.ChannelCreatePatient, rec.ID, "")
	if err := handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("non-retryable failures must not surface as handler errors: %v", err)
	}

	got, _ := store.Get(context.Background(), rec.ID)
	if got.Status != intake.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	failures := publisher.byChannel(workflow.ChannelErrors)
	if len(failures) != 1 || failures[0].Failure == nil {
		t.Fatalf("expected 1 failure report, got %+v", failures)
	}
	if failures[0].Failure.Retryable {
		t.Fatal("validation failures are not retryable")
	}
	if len(scheduler.created) != 0 {
		t.Fatal("invalid records must not reach the API")
	}
}

func TestPatientCreatorRetryableFailureBubbles(t *testing.T) {
	store := intake.NewMemoryStore()
	scheduler := &fakeScheduler{createErr: &workflow.RemoteError{Kind: workflow.RemoteTransient, Operation: "create patient", StatusCode: 503}}
	publisher := &memoryPublisher{}
	handler := NewPatientCreator(store, scheduler, publisher, "1", logging.Default())

	rec := enqueue(t, store, fullPayload())
	msg := workflow.NewMessage(workflow.ChannelCreatePatient, rec.ID, "")

	if err := handler.Handle(context.Background(), msg); err == nil {
		t.Fatal("transient failures must bubble up for redelivery")
	}

	got, _ := store.Get(context.Background(), rec.ID)
	if got.Status != intake.StatusProcessing {
		t.Fatalf("status = %s, record must stay claimed across retries", got.Status)
	}

	// Redelivery resumes the claimed record instead of dropping it.
	scheduler.createErr = nil
	scheduler.patientID = "54321"
	if err := handler.Handle(context.Background(), msg.NextAttempt()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ = store.Get(context.Background(), rec.ID)
	if got.Status != intake.StatusCompleted {
		t.Fatalf("status after retry = %s, want completed", got.Status)
	}
}

func TestPatientCreatorSkipsDuplicateCreation(t *testing.T) {
	store := intake.NewMemoryStore()
	scheduler := &fakeScheduler{patientID: "54321"}
	publisher := &memoryPublisher{err: errors.New("queue full")}
	handler := NewPatientCreator(store, scheduler, publisher, "1", logging.Default())

	payload := fullPayload()
	payload.AppointmentID = "998877"
	payload.AppointmentTypeID = "82"
	rec := enqueue(t, store, payload)

	msg := workflow.NewMessage(workflow.ChannelCreatePatient, rec.ID, "")
	if err := handler.Handle(context.Background(), msg); err == nil {
		t.Fatal("publish failure must bubble up")
	}

	// Retry with the queue healthy: the patient must not be created twice.
	publisher.err = nil
	if err := handler.Handle(context.Background(), msg.NextAttempt()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(scheduler.created) != 1 {
		t.Fatalf("patient created %d times, want 1", len(scheduler.created))
	}
	if len(publisher.byChannel(workflow.ChannelBookAppointment)) != 1 {
		t.Fatal("expected booking message after retry")
	}
}

func TestPatientCreatorDropsSettledRecord(t *testing.T) {
	store := intake.NewMemoryStore()
	scheduler := &fakeScheduler{patientID: "54321"}
	publisher := &memoryPublisher{}
	handler := NewPatientCreator(store, scheduler, publisher, "1", logging.Default())

	rec := enqueue(t, store, fullPayload())
	msg := workflow.NewMessage(workflow.ChannelCreatePatient, rec.ID, "")
	if err := handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// Duplicate delivery after completion is a no-op.
	if err := handler.Handle(context.Background(), msg.NextAttempt()); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if len(scheduler.created) != 1 {
		t.Fatalf("patient created %d times, want 1", len(scheduler.created))
	}
}

func TestBookerCompletesRecord(t *testing.T) {
	store := intake.NewMemoryStore()
	scheduler := &fakeScheduler{bookingRef: "998877"}
	publisher := &memoryPublisher{}
	handler := NewBooker(store, scheduler, publisher, logging.Default())

	payload := fullPayload()
	payload.AppointmentID = "998877"
	payload.AppointmentTypeID = "82"
	rec := enqueue(t, store, payload)
	if _, err := store.Claim(context.Background(), rec.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.SetRemotePatientID(context.Background(), rec.ID, "54321"); err != nil {
		t.Fatalf("set remote id: %v", err)
	}

	msg := workflow.NewMessage(workflow.ChannelBookAppointment, rec.ID, "corr-2")
	msg.Booking = &workflow.BookingPayload{
		RemotePatientID:   "54321",
		AppointmentID:     "998877",
		AppointmentTypeID: "82",
	}
	if err := handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := store.Get(context.Background(), rec.ID)
	if got.Status != intake.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.BookingReference != "998877" {
		t.Fatalf("booking reference = %q", got.BookingReference)
	}
	if len(publisher.byChannel(workflow.ChannelActivity)) != 1 {
		t.Fatal("expected one activity entry")
	}
}

func TestBookerSlotGoneTerminatesRecord(t *testing.T) {
	store := intake.NewMemoryStore()
	scheduler := &fakeScheduler{bookErr: &workflow.RemoteError{Kind: workflow.RemoteNotFound, Operation: "book appointment", StatusCode: 404}}
	publisher := &memoryPublisher{}
	handler := NewBooker(store, scheduler, publisher, logging.Default())

	payload := fullPayload()
	payload.AppointmentID = "998877"
	payload.AppointmentTypeID = "82"
	rec := enqueue(t, store, payload)
	if _, err := store.Claim(context.Background(), rec.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	msg := workflow.NewMessage(workflow.ChannelBookAppointment, rec.ID, "")
	msg.Booking = &workflow.BookingPayload{RemotePatientID: "54321", AppointmentID: "998877", AppointmentTypeID: "82"}

	if err := handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("vanished slots must not surface as handler errors: %v", err)
	}

	got, _ := store.Get(context.Background(), rec.ID)
	if got.Status != intake.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if len(publisher.byChannel(workflow.ChannelErrors)) != 1 {
		t.Fatal("expected one failure report")
	}
}

type memoryActivityWriter struct {
	entries []audit.ActivityEntry
	err     error
}

func (w *memoryActivityWriter) Insert(_ context.Context, entry audit.ActivityEntry) (uuid.UUID, error) {
	if w.err != nil {
		return uuid.Nil, w.err
	}
	w.entries = append(w.entries, entry)
	return uuid.New(), nil
}

func TestActivityLoggerPersistsEntry(t *testing.T) {
	writer := &memoryActivityWriter{}
	handler := NewActivityLogger(writer, logging.Default())

	msg := workflow.NewMessage(workflow.ChannelActivity, "rec-1", "corr-1")
	msg.Activity = &workflow.ActivityPayload{Stage: "create-patient", Detail: "created patient 54321"}

	if err := handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(writer.entries) != 1 || writer.entries[0].Stage != "create-patient" {
		t.Fatalf("unexpected entries: %+v", writer.entries)
	}

	// A write failure must trigger redelivery.
	writer.err = errors.New("db down")
	if err := handler.Handle(context.Background(), msg); err == nil {
		t.Fatal("expected error when the insert fails")
	}
}

type memoryErrorWriter struct {
	records []audit.ErrorRecord
}

func (w *memoryErrorWriter) Insert(_ context.Context, rec audit.ErrorRecord) (uuid.UUID, error) {
	w.records = append(w.records, rec)
	return uuid.New(), nil
}

type memoryAlerter struct {
	alerts []notify.StageAlert
	err    error
}

func (a *memoryAlerter) NotifyStageFailure(_ context.Context, alert notify.StageAlert) error {
	a.alerts = append(a.alerts, alert)
	return a.err
}

func TestErrorReporterPersistsAndAlerts(t *testing.T) {
	writer := &memoryErrorWriter{}
	alerter := &memoryAlerter{}
	handler := NewErrorReporter(writer, alerter, logging.Default())

	msg := workflow.NewMessage(workflow.ChannelErrors, "rec-1", "corr-1")
	msg.Failure = &workflow.FailurePayload{Stage: "book-appointment", Reason: "slot gone", Retryable: false}

	if err := handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(writer.records) != 1 || writer.records[0].Stage != "book-appointment" {
		t.Fatalf("unexpected records: %+v", writer.records)
	}
	if len(alerter.alerts) != 1 || alerter.alerts[0].Reason != "slot gone" {
		t.Fatalf("unexpected alerts: %+v", alerter.alerts)
	}
}

func TestErrorReporterToleratesAlertFailure(t *testing.T) {
	writer := &memoryErrorWriter{}
	alerter := &memoryAlerter{err: errors.New("smtp down")}
	handler := NewErrorReporter(writer, alerter, logging.Default())

	msg := workflow.NewMessage(workflow.ChannelErrors, "rec-1", "")
	msg.Failure = &workflow.FailurePayload{Stage: "create-patient", Reason: "x"}

	if err := handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("alert failures must not redeliver the report: %v", err)
	}
	if len(writer.records) != 1 {
		t.Fatal("report must still be persisted")
	}
}
