package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/carebridge-health/intake-engine/internal/audit"
	"github.com/carebridge-health/intake-engine/internal/intake"
	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
	"github.com/go-chi/chi/v5"
)

// DeadLetterQueue is the slice of the dispatcher the admin API needs.
type DeadLetterQueue interface {
	DeadLetters(ctx context.Context, channel workflow.Channel, max int) ([]workflow.Message, error)
	RedriveDeadLetters(ctx context.Context, channel workflow.Channel, max int) (int, error)
}

// ErrorLister reads the persisted failure trail.
type ErrorLister interface {
	List(ctx context.Context, limit int32) ([]audit.ErrorRecord, error)
	ListForRecord(ctx context.Context, recordID string) ([]audit.ErrorRecord, error)
}

// AdminHandler exposes operational endpoints behind the admin JWT: dead
// letter inspection and redrive, the error trail, and manual requeue.
type AdminHandler struct {
	store       intake.Store
	publisher   Publisher
	deadLetters DeadLetterQueue
	errorStore  ErrorLister
	logger      *logging.Logger
}

// AdminHandlerConfig configures the AdminHandler.
type AdminHandlerConfig struct {
	Store       intake.Store
	Publisher   Publisher
	DeadLetters DeadLetterQueue
	ErrorStore  ErrorLister
	Logger      *logging.Logger
}

// NewAdminHandler creates the admin API handler. ErrorStore may be nil when
// the audit database is not configured.
func NewAdminHandler(cfg AdminHandlerConfig) *AdminHandler {
	if cfg.Store == nil {
		panic("handlers: intake store cannot be nil")
	}
	if cfg.Publisher == nil {
		panic("handlers: publisher cannot be nil")
	}
	if cfg.DeadLetters == nil {
		panic("handlers: dead letter queue cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &AdminHandler{
		store:       cfg.Store,
		publisher:   cfg.Publisher,
		deadLetters: cfg.DeadLetters,
		errorStore:  cfg.ErrorStore,
		logger:      cfg.Logger,
	}
}

// HandleDeadLetters is the HTTP handler for GET /admin/dead-letters.
func (h *AdminHandler) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	channel, ok := parseChannel(r.URL.Query().Get("channel"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown channel"})
		return
	}
	max := parseLimit(r.URL.Query().Get("max"), 10)

	messages, err := h.deadLetters.DeadLetters(r.Context(), channel, max)
	if err != nil {
		h.logger.Error("failed to list dead letters", "error", err, "channel", channel)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to list dead letters"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel":  channel,
		"count":    len(messages),
		"messages": messages,
	})
}

// HandleRedrive is the HTTP handler for POST /admin/dead-letters/redrive.
func (h *AdminHandler) HandleRedrive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel string `json:"channel"`
		Max     int    `json:"max"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	channel, ok := parseChannel(req.Channel)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown channel"})
		return
	}

	moved, err := h.deadLetters.RedriveDeadLetters(r.Context(), channel, req.Max)
	if err != nil {
		h.logger.Error("failed to redrive dead letters", "error", err, "channel", channel)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "redrive failed",
			"moved": moved,
		})
		return
	}

	h.logger.Info("redrove dead letters", "channel", channel, "moved", moved)
	writeJSON(w, http.StatusOK, map[string]any{
		"channel": channel,
		"moved":   moved,
	})
}

// HandleListErrors is the HTTP handler for GET /admin/errors.
func (h *AdminHandler) HandleListErrors(w http.ResponseWriter, r *http.Request) {
	if h.errorStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "audit database not configured"})
		return
	}

	if recordID := r.URL.Query().Get("record_id"); recordID != "" {
		records, err := h.errorStore.ListForRecord(r.Context(), recordID)
		if err != nil {
			h.logger.Error("failed to list error records", "error", err, "record_id", recordID)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to list error records"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(records), "errors": records})
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), 50)
	records, err := h.errorStore.List(r.Context(), int32(limit))
	if err != nil {
		h.logger.Error("failed to list error records", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to list error records"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(records), "errors": records})
}

// HandleRequeue is the HTTP handler for POST /admin/records/{id}/requeue.
// Puts one record back onto the workflow regardless of retry budget.
func (h *AdminHandler) HandleRequeue(w http.ResponseWriter, r *http.Request) {
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

	switch rec.Status {
	case intake.StatusCompleted:
		writeJSON(w, http.StatusConflict, map[string]any{"error": "record already completed"})
		return
	case intake.StatusProcessing, intake.StatusError:
		if err := h.store.ResetToPending(r.Context(), id); err != nil {
			h.logger.Error("failed to reset record", "error", err, "record_id", id)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to reset record"})
			return
		}
	case intake.StatusPending:
		// Already pending; just put a message back in flight.
	}

	msg := workflow.NewMessage(workflow.ChannelCreatePatient, id, "")
	msg.CreatePatient = &workflow.CreatePatientPayload{CallID: rec.Payload.CallID}
	if err := h.publisher.Publish(r.Context(), msg); err != nil {
		h.logger.Error("failed to publish requeue message", "error", err, "record_id", id)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to queue record"})
		return
	}

	h.logger.Info("record manually requeued", "record_id", id, "previous_status", rec.Status)
	writeJSON(w, http.StatusOK, map[string]any{
		"recordId": id,
		"requeued": true,
	})
}

func parseChannel(value string) (workflow.Channel, bool) {
	for _, channel := range workflow.Channels() {
		if string(channel) == value {
			return channel, true
		}
	}
	return "", false
}

func parseLimit(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
