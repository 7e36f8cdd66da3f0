package domain

import "time"

// QueueStatus enumerates lifecycle states of a service session.
type QueueStatus string

const (
	QueueStatusBot     QueueStatus = "BOT"
	QueueStatusWaiting QueueStatus = "WAITING"
	QueueStatusService QueueStatus = "SERVICE"
)

// Valid reports whether s is a known queue status.
func (s QueueStatus) Valid() bool {
	switch s {
	case QueueStatusBot, QueueStatusWaiting, QueueStatusService:
		return true
	}
	return false
}

// CanTransitionTo reports whether the queue allows moving from s to next.
// SERVICE is terminal; sessions leave it only by removal.
func (s QueueStatus) CanTransitionTo(next QueueStatus) bool {
	switch s {
	case QueueStatusBot:
		return next == QueueStatusWaiting || next == QueueStatusService
	case QueueStatusWaiting:
		return next == QueueStatusService
	}
	return false
}

// MessageSnapshot is the denormalized last message kept on a queue entry.
type MessageSnapshot struct {
	MessageID  string      `json:"message_id"`
	Body       *string     `json:"body,omitempty"`
	Type       MessageType `json:"type"`
	SenderType ActorType   `json:"sender_type"`
	FromMe     bool        `json:"from_me"`
	SentAt     time.Time   `json:"sent_at"`
}

// QueueEntry is one active service session.
type QueueEntry struct {
	SessionID      string           `json:"session_id"`
	CustomerID     string           `json:"customer_id"`
	AssignedUserID *string          `json:"assigned_user_id,omitempty"`
	Platform       Platform         `json:"platform"`
	InstanceID     string           `json:"instance_id"`
	Status         QueueStatus      `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	AttendedAt     *time.Time       `json:"attended_at,omitempty"`
	LastMessage    *MessageSnapshot `json:"last_message,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
}

// WaitingTime returns attendedAt - createdAt, or false when not yet attended.
func (e *QueueEntry) WaitingTime() (time.Duration, bool) {
	if e.AttendedAt == nil {
		return 0, false
	}
	return e.AttendedAt.Sub(e.CreatedAt), true
}

// QueueStatistics summarizes the active queue.
type QueueStatistics struct {
	Total              int                 `json:"total"`
	PerStatus          map[QueueStatus]int `json:"per_status"`
	AverageWaitingTime time.Duration       `json:"average_waiting_time"`
}

// ServiceHistory is the durable record written when a session leaves the queue.
type ServiceHistory struct {
	ID             string
	SessionID      string
	CustomerID     string
	AssignedUserID *string
	Platform       Platform
	CreatedAt      time.Time
	AttendedAt     *time.Time
	FinishedAt     time.Time
	Metadata       map[string]any
}
