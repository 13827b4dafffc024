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
)

type fakeDeadLetters struct {
	byChannel map[workflow.Channel][]workflow.Message
	redriven  int
	err       error
}

func (f *fakeDeadLetters) DeadLetters(_ context.Context, channel workflow.Channel, max int) ([]workflow.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	msgs := f.byChannel[channel]
	if len(msgs) > max {
		msgs = msgs[:max]
	}
	return msgs, nil
}

func (f *fakeDeadLetters) RedriveDeadLetters(_ context.Context, channel workflow.Channel, _ int) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	moved := len(f.byChannel[channel])
	f.byChannel[channel] = nil
	f.redriven += moved
	return moved, nil
}

type fakeErrorLister struct {
	records []audit.ErrorRecord
	err     error
}

func (f *fakeErrorLister) List(_ context.Context, limit int32) ([]audit.ErrorRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if int(limit) < len(f.records) {
		return f.records[:limit], nil
	}
	return f.records, nil
}

func (f *fakeErrorLister) ListForRecord(_ context.Context, recordID string) ([]audit.ErrorRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []audit.ErrorRecord
	for _, rec := range f.records {
		if rec.RecordID == recordID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type adminFixture struct {
	handler     *AdminHandler
	store       intake.Store
	publisher   *capturePublisher
	deadLetters *fakeDeadLetters
	errorStore  *fakeErrorLister
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	f := &adminFixture{
		store:       intake.NewMemoryStore(),
		publisher:   &capturePublisher{},
		deadLetters: &fakeDeadLetters{byChannel: map[workflow.Channel][]workflow.Message{}},
		errorStore:  &fakeErrorLister{},
	}
	f.handler = NewAdminHandler(AdminHandlerConfig{
		Store:       f.store,
		Publisher:   f.publisher,
		DeadLetters: f.deadLetters,
		ErrorStore:  f.errorStore,
		Logger:      logging.Default(),
	})
	return f
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rr.Body.String())
	}
	return resp
}

func TestAdminDeadLetters(t *testing.T) {
	f := newAdminFixture(t)
	f.deadLetters.byChannel[workflow.ChannelCreatePatient] = []workflow.Message{
		workflow.NewMessage(workflow.ChannelCreatePatient, "rec-1", ""),
		workflow.NewMessage(workflow.ChannelCreatePatient, "rec-2", ""),
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/dead-letters?channel=create-patient", nil)
	rr := httptest.NewRecorder()
	f.handler.HandleDeadLetters(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	resp := decodeBody(t, rr)
	if resp["count"] != float64(2) {
		t.Fatalf("count = %v, want 2", resp["count"])
	}
}

func TestAdminDeadLettersUnknownChannel(t *testing.T) {
	f := newAdminFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/dead-letters?channel=bogus", nil)
	rr := httptest.NewRecorder()
	f.handler.HandleDeadLetters(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestAdminRedrive(t *testing.T) {
	f := newAdminFixture(t)
	f.deadLetters.byChannel[workflow.ChannelBookAppointment] = []workflow.Message{
		workflow.NewMessage(workflow.ChannelBookAppointment, "rec-1", ""),
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/dead-letters/redrive",
		strings.NewReader(`{"channel": "book-appointment", "max": 10}`))
	rr := httptest.NewRecorder()
	f.handler.HandleRedrive(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	resp := decodeBody(t, rr)
	if resp["moved"] != float64(1) {
		t.Fatalf("moved = %v, want 1", resp["moved"])
	}
	if f.deadLetters.redriven != 1 {
		t.Fatalf("redriven = %d", f.deadLetters.redriven)
	}
}

func TestAdminListErrorsForRecord(t *testing.T) {
	f := newAdminFixture(t)
	f.errorStore.records = []audit.ErrorRecord{
		{RecordID: "rec-1", Stage: "create-patient", Reason: "boom"},
		{RecordID: "rec-2", Stage: "book-appointment", Reason: "slot gone"},
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/errors?record_id=rec-1", nil)
	rr := httptest.NewRecorder()
	f.handler.HandleListErrors(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	resp := decodeBody(t, rr)
	if resp["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", resp["count"])
	}
}

func TestAdminListErrorsWithoutDatabase(t *testing.T) {
	f := newAdminFixture(t)
	handler := NewAdminHandler(AdminHandlerConfig{
		Store:       f.store,
		Publisher:   f.publisher,
		DeadLetters: f.deadLetters,
		Logger:      logging.Default(),
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/errors", nil)
	rr := httptest.NewRecorder()
	handler.HandleListErrors(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func requeueVia(t *testing.T, f *adminFixture, id string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/admin/records/{id}/requeue", f.handler.HandleRequeue)
	req := httptest.NewRequest(http.MethodPost, "/admin/records/"+id+"/requeue", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestAdminRequeueErroredRecord(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	rec, err := f.store.Enqueue(ctx, intake.Payload{
		FirstName:   "Test",
		LastName:    "Patient",
		DateOfBirth: "01/15/1990",
		CallID:      "call-1",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.store.Claim(ctx, rec.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.store.MarkError(ctx, rec.ID, "boom"); err != nil {
		t.Fatalf("mark error: %v", err)
	}

	rr := requeueVia(t, f, rec.ID)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rr.Code, rr.Body.String())
	}

	got, err := f.store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != intake.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if len(f.publisher.messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(f.publisher.messages))
	}
	msg := f.publisher.messages[0]
	if msg.Channel != workflow.ChannelCreatePatient || msg.CreatePatient.CallID != "call-1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestAdminRequeueCompletedRecordConflicts(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	rec, err := f.store.Enqueue(ctx, intake.Payload{
		FirstName:   "Test",
		LastName:    "Patient",
		DateOfBirth: "01/15/1990",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.store.Claim(ctx, rec.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.store.MarkCompleted(ctx, rec.ID, intake.RemoteIDs{PatientID: "p-1"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	rr := requeueVia(t, f, rec.ID)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	if len(f.publisher.messages) != 0 {
		t.Fatal("completed records must not be requeued")
	}
}

func TestAdminRequeueMissingRecord(t *testing.T) {
	f := newAdminFixture(t)
	rr := requeueVia(t, f, "nope")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestAdminRedriveFailure(t *testing.T) {
	f := newAdminFixture(t)
	f.deadLetters.err = errors.New("queue down")

	req := httptest.NewRequest(http.MethodPost, "/admin/dead-letters/redrive",
		strings.NewReader(`{"channel": "create-patient"}`))
	rr := httptest.NewRecorder()
	f.handler.HandleRedrive(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}
