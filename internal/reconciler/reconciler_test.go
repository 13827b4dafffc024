package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carebridge-health/intake-engine/internal/intake"
	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
)

type capturingPublisher struct {
	messages []workflow.Message
	err      error
}

func (p *capturingPublisher) Publish(_ context.Context, msg workflow.Message) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func enqueue(t *testing.T, store intake.Store) *intake.Record {
	t.Helper()
	rec, err := store.Enqueue(context.Background(), intake.Payload{
		FirstName:   "Test",
		LastName:    "Patient",
		DateOfBirth: "01/15/1990",
		Phone:       "7025551234",
		CallID:      "call-1",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return rec
}

func TestReconcilerRequeuesStuckRecord(t *testing.T) {
	store := intake.NewMemoryStore()
	publisher := &capturingPublisher{}
	rec := enqueue(t, store)

	if _, err := store.Claim(context.Background(), rec.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	r := New(store, publisher, logging.Default()).WithStuckAfter(time.Millisecond)
	requeued, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("requeued = %d, want 1", requeued)
	}

	got, _ := store.Get(context.Background(), rec.ID)
	if got.Status != intake.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}

	if len(publisher.messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(publisher.messages))
	}
	msg := publisher.messages[0]
	if msg.Channel != workflow.ChannelCreatePatient || msg.RecordID != rec.ID {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.CreatePatient == nil || msg.CreatePatient.CallID != "call-1" {
		t.Fatalf("unexpected payload: %+v", msg.CreatePatient)
	}
}

func TestReconcilerRequeuesErroredUntilCap(t *testing.T) {
	store := intake.NewMemoryStore()
	publisher := &capturingPublisher{}
	rec := enqueue(t, store)

	r := New(store, publisher, logging.Default()).
		WithStuckAfter(time.Hour).
		WithMaxRetries(3)

	fail := func() {
		t.Helper()
		if _, err := store.Claim(context.Background(), rec.ID); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := store.MarkError(context.Background(), rec.ID, "remote rejected"); err != nil {
			t.Fatalf("mark error: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		fail()
		requeued, err := r.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("run once: %v", err)
		}
		if requeued != 1 {
			t.Fatalf("sweep %d: requeued = %d, want 1", i, requeued)
		}
	}

	// Three resets spent; the fourth failure is final.
	fail()
	requeued, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if requeued != 0 {
		t.Fatalf("requeued = %d after retry cap, want 0", requeued)
	}

	got, _ := store.Get(context.Background(), rec.ID)
	if got.Status != intake.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.RetryCount != 3 {
		t.Fatalf("retry count = %d, want 3", got.RetryCount)
	}
}

func TestReconcilerCapsStuckRequeues(t *testing.T) {
	store := intake.NewMemoryStore()
	publisher := &capturingPublisher{}
	rec := enqueue(t, store)

	r := New(store, publisher, logging.Default()).
		WithStuckAfter(time.Millisecond).
		WithMaxRetries(3)

	wedge := func() {
		t.Helper()
		if _, err := store.Claim(context.Background(), rec.ID); err != nil {
			t.Fatalf("claim: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		wedge()
		requeued, err := r.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("run once: %v", err)
		}
		if requeued != 1 {
			t.Fatalf("sweep %d: requeued = %d, want 1", i, requeued)
		}
	}

	// Three resets spent; a record that wedges in processing again is parked
	// instead of being requeued forever.
	wedge()
	requeued, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if requeued != 0 {
		t.Fatalf("requeued = %d after retry cap, want 0", requeued)
	}

	got, _ := store.Get(context.Background(), rec.ID)
	if got.Status != intake.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.RetryCount != 3 {
		t.Fatalf("retry count = %d, want 3", got.RetryCount)
	}
	if len(publisher.messages) != 3 {
		t.Fatalf("published %d messages, want 3", len(publisher.messages))
	}

	// Parked records are excluded from later sweeps.
	requeued, err = r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if requeued != 0 || len(publisher.messages) != 3 {
		t.Fatalf("parked record swept again: requeued=%d messages=%d", requeued, len(publisher.messages))
	}
}

func TestReconcilerLeavesHealthyRecordsAlone(t *testing.T) {
	store := intake.NewMemoryStore()
	publisher := &capturingPublisher{}
	rec := enqueue(t, store)

	// Freshly claimed, well within the stuck window.
	if _, err := store.Claim(context.Background(), rec.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	r := New(store, publisher, logging.Default()).WithStuckAfter(time.Hour)
	requeued, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if requeued != 0 {
		t.Fatalf("requeued = %d, want 0", requeued)
	}
	if len(publisher.messages) != 0 {
		t.Fatal("no messages expected")
	}
}

func TestReconcilerPublishFailure(t *testing.T) {
	store := intake.NewMemoryStore()
	publisher := &capturingPublisher{err: errors.New("queue down")}
	rec := enqueue(t, store)

	if _, err := store.Claim(context.Background(), rec.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	r := New(store, publisher, logging.Default()).WithStuckAfter(time.Millisecond)
	requeued, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if requeued != 0 {
		t.Fatalf("requeued = %d, want 0 on publish failure", requeued)
	}

	// The reset still happened; the record waits as pending.
	got, _ := store.Get(context.Background(), rec.ID)
	if got.Status != intake.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
}
