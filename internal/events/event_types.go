package events

import (
	"time"

	"github.com/omnichannel-hub/session-queue/internal/domain"
)

// EventType enumerates lifecycle events published by the services.
type EventType string

const (
	EventSessionCreated       EventType = "session_created"
	EventSessionAssigned      EventType = "session_assigned"
	EventSessionTransitioned  EventType = "session_transitioned"
	EventSessionFinished      EventType = "session_finished"
	EventMessageStored        EventType = "message_stored"
	EventMessageStatusChanged EventType = "message_status_changed"
)

// Actor encapsulates actor metadata for an event.
type Actor struct {
	Type   domain.ActorType `json:"type"`
	UserID *string          `json:"user_id,omitempty"`
}

// Event represents a domain event emitted by services.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Actor     Actor     `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// SessionCreatedPayload payload.
type SessionCreatedPayload struct {
	CustomerID string             `json:"customer_id"`
	Platform   domain.Platform    `json:"platform"`
	Status     domain.QueueStatus `json:"status"`
}

// SessionAssignedPayload payload.
type SessionAssignedPayload struct {
	UserID string `json:"user_id"`
}

// SessionTransitionedPayload payload.
type SessionTransitionedPayload struct {
	NewStatus  domain.QueueStatus `json:"new_status"`
	AttendedAt *time.Time         `json:"attended_at,omitempty"`
}

// SessionFinishedPayload payload.
type SessionFinishedPayload struct {
	HistoryID  string    `json:"history_id"`
	CustomerID string    `json:"customer_id"`
	FinishedAt time.Time `json:"finished_at"`
}

// MessageStoredPayload payload.
type MessageStoredPayload struct {
	MessageID   string               `json:"message_id"`
	Type        domain.MessageType   `json:"type"`
	SenderType  domain.ActorType     `json:"sender_type"`
	Status      domain.MessageStatus `json:"status"`
	BodyPreview string               `json:"body_preview,omitempty"`
}

// MessageStatusChangedPayload payload.
type MessageStatusChangedPayload struct {
	MessageID string               `json:"message_id"`
	OldStatus domain.MessageStatus `json:"old_status"`
	NewStatus domain.MessageStatus `json:"new_status"`
}
