package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/carebridge-health/intake-engine/internal/audit"
	"github.com/carebridge-health/intake-engine/internal/intake"
	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type capturePublisher struct {
	messages []workflow.Message
	err      error
}

func (p *capturePublisher) Publish(_ context.Context, msg workflow.Message) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

type captureFailedCalls struct {
	calls []audit.FailedCall
}

func (c *captureFailedCalls) Insert(_ context.Context, call audit.FailedCall) (uuid.UUID, error) {
	c.calls = append(c.calls, call)
	return uuid.New(), nil
}

func newWebhookFixture(t *testing.T) (*IntakeHandler, intake.Store, *capturePublisher, *captureFailedCalls) {
	t.Helper()
	store := intake.NewMemoryStore()
	publisher := &capturePublisher{}
	failed := &captureFailedCalls{}
	handler := NewIntakeHandler(IntakeHandlerConfig{
		Store:       store,
		Publisher:   publisher,
		FailedCalls: failed,
		Logger:      logging.Default(),
	})
	return handler, store, publisher, failed
}

func postWebhook(t *testing.T, handler *IntakeHandler, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rr := httptest.NewRecorder()
	handler.HandleWebhook(rr, req)

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rr.Body.String())
	}
	return rr, resp
}

func TestWebhookAcceptsCompletedCall(t *testing.T) {
	handler, store, publisher, _ := newWebhookFixture(t)

	_, resp := postWebhook(t, handler, `{
		"call_id": "call-1",
		"pathway_id": "intake-v2",
		"status": "completed",
		"variables": {
			"first_name": "Test",
			"last_name": "Patient",
			"date_of_birth": "1990-01-15",
			"phone": "seven zero two five five five one two three four",
			"email": "t@example.com",
			"state": "Nevada",
			"selected_appointment_id": "12345",
			"selected_appointment_type_id": "15"
		}
	}`)

	if resp["success"] != true {
		t.Fatalf("response = %v", resp)
	}
	recordID, _ := resp["patientQueueId"].(string)
	if recordID == "" {
		t.Fatal("expected a patientQueueId")
	}

	rec, err := store.Get(context.Background(), recordID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != intake.StatusPending {
		t.Fatalf("status = %s, want pending", rec.Status)
	}
	if rec.Payload.DateOfBirth != "01/15/1990" {
		t.Fatalf("dob = %q, want normalized 01/15/1990", rec.Payload.DateOfBirth)
	}
	if rec.Payload.Phone != "7025551234" {
		t.Fatalf("phone = %q, want normalized digits", rec.Payload.Phone)
	}
	if rec.Payload.State != "NV" {
		t.Fatalf("state = %q, want NV", rec.Payload.State)
	}
	if !rec.Payload.HasAppointmentSelection() {
		t.Fatal("appointment selection lost")
	}

	if len(publisher.messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(publisher.messages))
	}
	msg := publisher.messages[0]
	if msg.Channel != workflow.ChannelCreatePatient || msg.RecordID != recordID {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.CreatePatient == nil || msg.CreatePatient.CallID != "call-1" {
		t.Fatalf("unexpected payload: %+v", msg.CreatePatient)
	}
}

func TestWebhookIncompleteCall(t *testing.T) {
	handler, store, publisher, failed := newWebhookFixture(t)

	_, resp := postWebhook(t, handler, `{
		"call_id": "call-2",
		"status": "no-answer",
		"variables": {"first_name": "Test"}
	}`)

	if resp["received"] != true || resp["processed"] != false {
		t.Fatalf("response = %v", resp)
	}
	if reason, _ := resp["reason"].(string); !strings.Contains(reason, "no-answer") {
		t.Fatalf("reason = %v", resp["reason"])
	}

	if len(failed.calls) != 1 || failed.calls[0].CallID != "call-2" {
		t.Fatalf("expected a failed-call record, got %+v", failed.calls)
	}
	if len(publisher.messages) != 0 {
		t.Fatal("no message expected for incomplete calls")
	}

	// No intake record was created.
	if _, err := store.Get(context.Background(), "call-2"); !errors.Is(err, intake.ErrRecordNotFound) {
		t.Fatalf("expected no record, got %v", err)
	}
}

func TestWebhookMissingRequiredFields(t *testing.T) {
	handler, _, publisher, failed := newWebhookFixture(t)

	_, resp := postWebhook(t, handler, `{
		"call_id": "call-3",
		"status": "completed",
		"variables": {"first_name": "Test", "phone": "7025551234"}
	}`)

	if resp["received"] != true || resp["processed"] != false {
		t.Fatalf("response = %v", resp)
	}
	errs, _ := resp["errors"].([]any)
	if len(errs) != 2 {
		t.Fatalf("errors = %v, want last_name and date_of_birth", resp["errors"])
	}
	if len(publisher.messages) != 0 {
		t.Fatal("no message expected for invalid payloads")
	}
	if len(failed.calls) != 1 {
		t.Fatal("expected a failed-call record for staff follow-up")
	}
}

func TestWebhookPublishFailure(t *testing.T) {
	handler, _, publisher, _ := newWebhookFixture(t)
	publisher.err = errors.New("queue down")

	rr, resp := postWebhook(t, handler, `{
		"call_id": "call-4",
		"status": "completed",
		"variables": {
			"first_name": "Test",
			"last_name": "Patient",
			"date_of_birth": "01/15/1990",
			"phone": "7025551234"
		}
	}`)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if resp["success"] != false {
		t.Fatalf("response = %v", resp)
	}
}

func TestWebhookRejectsGarbage(t *testing.T) {
	handler, _, _, _ := newWebhookFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	handler.HandleWebhook(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestRecordStatusEndpoint(t *testing.T) {
	handler, store, _, _ := newWebhookFixture(t)

	rec, err := store.Enqueue(context.Background(), intake.Payload{
		FirstName:   "Test",
		LastName:    "Patient",
		DateOfBirth: "01/15/1990",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	r := chi.NewRouter()
	r.Get("/intake/{id}", handler.HandleRecordStatus)

	req := httptest.NewRequest(http.MethodGet, "/intake/"+rec.ID, nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["recordId"] != rec.ID || resp["status"] != string(intake.StatusPending) {
		t.Fatalf("response = %v", resp)
	}

	req = httptest.NewRequest(http.MethodGet, "/intake/nope", nil)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}
