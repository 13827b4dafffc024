// Package handlers holds the HTTP surface: the voice-AI ingress webhook,
// record status polling, and the admin API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/carebridge-health/intake-engine/internal/audit"
	"github.com/carebridge-health/intake-engine/internal/intake"
	"github.com/carebridge-health/intake-engine/internal/observability/metrics"
	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// WebhookEvent is the payload the voice-AI provider posts when a call ends.
type WebhookEvent struct {
	CallID    string           `json:"call_id"`
	PathwayID string           `json:"pathway_id"`
	Status    string           `json:"status"`
	Variables WebhookVariables `json:"variables"`
}

// WebhookVariables carries the fields the voice assistant collected. Values
// arrive as spoken-language text and are normalized before storage.
type WebhookVariables struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	Sex         string `json:"sex"`
	HouseNumber string `json:"house_number"`
	Street      string `json:"street"`
	City        string `json:"city"`
	State       string `json:"state"`
	Zip         string `json:"zip"`

	SelectedAppointmentID     string `json:"selected_appointment_id"`
	SelectedAppointmentTypeID string `json:"selected_appointment_type_id"`
	PreferredDate             string `json:"preferred_date"`
	PreferredTime             string `json:"preferred_time"`
}

// Publisher is the slice of the dispatcher the webhook needs.
type Publisher interface {
	Publish(ctx context.Context, msg workflow.Message) error
}

// FailedCallWriter records webhook calls that never became intake records.
type FailedCallWriter interface {
	Insert(ctx context.Context, call audit.FailedCall) (uuid.UUID, error)
}

// IntakeHandler accepts intake webhooks and exposes record status polling.
// The handler only validates, persists, and publishes; everything heavy
// happens behind the queue so the response stays fast.
type IntakeHandler struct {
	store       intake.Store
	publisher   Publisher
	failedCalls FailedCallWriter
	metrics     *metrics.IntakeMetrics
	logger      *logging.Logger
}

// IntakeHandlerConfig configures the IntakeHandler.
type IntakeHandlerConfig struct {
	Store       intake.Store
	Publisher   Publisher
	FailedCalls FailedCallWriter
	Metrics     *metrics.IntakeMetrics
	Logger      *logging.Logger
}

// NewIntakeHandler creates the webhook handler. FailedCalls may be nil when
// the audit database is not configured.
func NewIntakeHandler(cfg IntakeHandlerConfig) *IntakeHandler {
	if cfg.Store == nil {
		panic("handlers: intake store cannot be nil")
	}
	if cfg.Publisher == nil {
		panic("handlers: publisher cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &IntakeHandler{
		store:       cfg.Store,
		publisher:   cfg.Publisher,
		failedCalls: cfg.FailedCalls,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// HandleWebhook is the HTTP handler for POST /webhook.
func (h *IntakeHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.logger.Error("webhook: failed to read body", "error", err)
		h.metrics.ObserveWebhook("bad_request", time.Since(start).Seconds())
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("webhook: failed to parse event", "error", err)
		h.metrics.ObserveWebhook("bad_request", time.Since(start).Seconds())
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	h.logger.Info("webhook: received call",
		"call_id", event.CallID,
		"pathway_id", event.PathwayID,
		"status", event.Status,
	)

	if event.Status != "completed" {
		h.recordFailedCall(ctx, event, string(body), "call did not complete")
		h.metrics.ObserveWebhook("incomplete_call", time.Since(start).Seconds())
		writeJSON(w, http.StatusOK, map[string]any{
			"received":  true,
			"processed": false,
			"reason":    "call status " + event.Status,
		})
		return
	}

	payload, fieldErrors := h.normalize(event)
	if len(fieldErrors) > 0 {
		h.recordFailedCall(ctx, event, string(body), "missing required fields")
		h.metrics.ObserveWebhook("invalid_payload", time.Since(start).Seconds())
		writeJSON(w, http.StatusOK, map[string]any{
			"received":  true,
			"processed": false,
			"errors":    fieldErrors,
		})
		return
	}

	rec, err := h.store.Enqueue(ctx, payload)
	if err != nil {
		var validation *workflow.ValidationError
		if errors.As(err, &validation) {
			h.recordFailedCall(ctx, event, string(body), validation.Error())
			h.metrics.ObserveWebhook("invalid_payload", time.Since(start).Seconds())
			writeJSON(w, http.StatusOK, map[string]any{
				"received":  true,
				"processed": false,
				"errors":    []string{validation.Error()},
			})
			return
		}
		h.logger.Error("webhook: failed to enqueue record", "error", err, "call_id", event.CallID)
		h.metrics.ObserveWebhook("error", time.Since(start).Seconds())
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "failed to persist intake record",
		})
		return
	}

	msg := workflow.NewMessage(workflow.ChannelCreatePatient, rec.ID, "")
	msg.CreatePatient = &workflow.CreatePatientPayload{CallID: event.CallID}
	if err := h.publisher.Publish(ctx, msg); err != nil {
		// The record is pending but no message is in flight; surfacing the
		// failure lets the provider retry the whole webhook.
		h.logger.Error("webhook: failed to publish create-patient message", "error", err, "record_id", rec.ID)
		h.metrics.ObserveWebhook("error", time.Since(start).Seconds())
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "failed to queue intake record",
		})
		return
	}

	h.metrics.ObserveWebhook("accepted", time.Since(start).Seconds())
	h.logger.Info("webhook: intake record queued", "record_id", rec.ID, "call_id", event.CallID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"patientQueueId": rec.ID,
	})
}

// HandleRecordStatus is the HTTP handler for GET /intake/{id}.
func (h *IntakeHandler) HandleRecordStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, intake.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "record not found"})
			return
		}
		h.logger.Error("failed to load record", "error", err, "record_id", id)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to load record"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"recordId":         rec.ID,
		"status":           rec.Status,
		"remotePatientId":  rec.RemotePatientID,
		"bookingReference": rec.BookingReference,
		"retryCount":       rec.RetryCount,
		"lastError":        rec.LastError,
		"createdAt":        rec.CreatedAt,
		"completedAt":      rec.CompletedAt,
		"erroredAt":        rec.ErroredAt,
	})
}

// normalize converts spoken-language webhook variables into a canonical
// payload, collecting human-readable problems for the response.
func (h *IntakeHandler) normalize(event WebhookEvent) (intake.Payload, []string) {
	vars := event.Variables
	var fieldErrors []string

	if vars.FirstName == "" {
		fieldErrors = append(fieldErrors, "first_name is required")
	}
	if vars.LastName == "" {
		fieldErrors = append(fieldErrors, "last_name is required")
	}

	dob, err := intake.NormalizeDate(vars.DateOfBirth)
	if err != nil {
		fieldErrors = append(fieldErrors, "date_of_birth is missing or unparseable")
	}

	payload := intake.Payload{
		FirstName:   vars.FirstName,
		LastName:    vars.LastName,
		DateOfBirth: dob,
		Phone:       intake.CleanPhone(vars.Phone),
		Email:       vars.Email,
		Sex:         intake.NormalizeSex(vars.Sex),
		Address:     intake.BuildAddress(vars.HouseNumber, vars.Street),
		City:        vars.City,
		State:       intake.NormalizeState(vars.State),
		Zip:         intake.CleanZip(vars.Zip),

		AppointmentID:     vars.SelectedAppointmentID,
		AppointmentTypeID: vars.SelectedAppointmentTypeID,
		PreferredDate:     vars.PreferredDate,
		PreferredTime:     vars.PreferredTime,

		CallID:        event.CallID,
		SourceChannel: event.PathwayID,
	}
	return payload, fieldErrors
}

func (h *IntakeHandler) recordFailedCall(ctx context.Context, event WebhookEvent, rawBody, reason string) {
	if h.failedCalls == nil {
		return
	}
	if _, err := h.failedCalls.Insert(ctx, audit.FailedCall{
		CallID:  event.CallID,
		Status:  event.Status,
		Reason:  reason,
		Payload: rawBody,
	}); err != nil {
		h.logger.Error("webhook: failed to record failed call", "error", err, "call_id", event.CallID)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
