package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel names one logical stage queue. Each channel has exactly one
// consumer group.
type Channel string

const (
	ChannelCreatePatient   Channel = "create-patient"
	ChannelBookAppointment Channel = "book-appointment"
	ChannelActivity        Channel = "patient-activity"
	ChannelErrors          Channel = "error-notifications"
)

// Channels lists every stage channel in dispatch order.
func Channels() []Channel {
	return []Channel{ChannelCreatePatient, ChannelBookAppointment, ChannelActivity, ChannelErrors}
}

// Message is the immutable unit passed between stages. A stage never mutates
// and republishes a message it received; it constructs a new one for the next
// channel, carrying the correlation id forward.
type Message struct {
	ID            string  `json:"id"`
	RecordID      string  `json:"recordId"`
	CorrelationID string  `json:"correlationId"`
	Channel       Channel `json:"channel"`
	Attempt       int     `json:"attempt"`

	CreatePatient *CreatePatientPayload `json:"createPatient,omitempty"`
	Booking       *BookingPayload       `json:"booking,omitempty"`
	Activity      *ActivityPayload      `json:"activity,omitempty"`
	Failure       *FailurePayload       `json:"failure,omitempty"`
}

// CreatePatientPayload triggers the patient-creation stage for a claimed record.
type CreatePatientPayload struct {
	CallID string `json:"callId,omitempty"`
}

// BookingPayload carries the minimum the booking stage needs.
type BookingPayload struct {
	RemotePatientID   string `json:"remotePatientId"`
	AppointmentID     string `json:"appointmentId"`
	AppointmentTypeID string `json:"appointmentTypeId"`
}

// ActivityPayload describes a completed workflow step for the activity log.
type ActivityPayload struct {
	Stage  string    `json:"stage"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// FailurePayload describes a stage failure for the error-reporting stage.
type FailurePayload struct {
	Stage     string `json:"stage"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
	Context   string `json:"context,omitempty"`
}

// NewMessage builds a first-attempt message for a channel. The correlation id
// is minted when empty so every workflow hop is traceable.
func NewMessage(channel Channel, recordID, correlationID string) Message {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Message{
		ID:            uuid.NewString(),
		RecordID:      recordID,
		CorrelationID: correlationID,
		Channel:       channel,
		Attempt:       1,
	}
}

// NextAttempt copies the message with a fresh id and an incremented attempt
// counter. The original stays untouched.
func (m Message) NextAttempt() Message {
	next := m
	next.ID = uuid.NewString()
	next.Attempt = m.Attempt + 1
	return next
}

// Encode serializes the message for the queue.
func (m Message) Encode() (string, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("workflow: failed to encode message: %w", err)
	}
	return string(body), nil
}

// Decode parses a queue body back into a Message.
func Decode(body string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return Message{}, fmt.Errorf("workflow: failed to decode message: %w", err)
	}
	return m, nil
}
