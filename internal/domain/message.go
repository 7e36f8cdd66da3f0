package domain

import (
	"encoding/json"
	"time"
)

// ActorType identifies a message sender or recipient.
type ActorType string

const (
	ActorSystem   ActorType = "SYSTEM"
	ActorBot      ActorType = "BOT"
	ActorCustomer ActorType = "CUSTOMER"
	ActorUser     ActorType = "USER"
)

// MessageType is the canonical content kind.
type MessageType string

const (
	MessageTypeText     MessageType = "TEXT"
	MessageTypeImage    MessageType = "IMAGE"
	MessageTypeVideo    MessageType = "VIDEO"
	MessageTypeAudio    MessageType = "AUDIO"
	MessageTypeDocument MessageType = "DOCUMENT"
	MessageTypeLocation MessageType = "LOCATION"
	MessageTypeContact  MessageType = "CONTACT"
	MessageTypeSticker  MessageType = "STICKER"
	MessageTypeOther    MessageType = "OTHER"
)

// MessageStatus tracks delivery progress.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "PENDING"
	MessageStatusSent      MessageStatus = "SENT"
	MessageStatusDelivered MessageStatus = "DELIVERED"
	MessageStatusRead      MessageStatus = "READ"
	MessageStatusFailed    MessageStatus = "FAILED"
	MessageStatusDeleted   MessageStatus = "DELETED"
)

var statusRank = map[MessageStatus]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// Supersedes reports whether moving from current to s is forward progress.
// FAILED and DELETED always apply; progress statuses never move backwards.
func (s MessageStatus) Supersedes(current MessageStatus) bool {
	if s == current {
		return false
	}
	next, ok := statusRank[s]
	if !ok {
		return true
	}
	prev, ok := statusRank[current]
	if !ok {
		return false
	}
	return next > prev
}

// CanonicalMessage is the platform-agnostic representation of a chat message.
type CanonicalMessage struct {
	ID               string          `json:"id"`
	MessageID        string          `json:"message_id"`
	SessionID        string          `json:"session_id"`
	SenderType       ActorType       `json:"sender_type"`
	RecipientType    ActorType       `json:"recipient_type"`
	CustomerID       *string         `json:"customer_id,omitempty"`
	UserID           *string         `json:"user_id,omitempty"`
	FromMe           bool            `json:"from_me"`
	IsGroup          bool            `json:"is_group"`
	Body             *string         `json:"body,omitempty"`
	MediaRef         *string         `json:"media_ref,omitempty"`
	Type             MessageType     `json:"type"`
	Platform         Platform        `json:"platform"`
	Status           MessageStatus   `json:"status"`
	ReplyToMessageID *string         `json:"reply_to_message_id,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	SentAt           time.Time       `json:"sent_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Snapshot projects the message into the queue's last-message pointer.
func (m *CanonicalMessage) Snapshot() *MessageSnapshot {
	return &MessageSnapshot{
		MessageID:  m.MessageID,
		Body:       m.Body,
		Type:       m.Type,
		SenderType: m.SenderType,
		FromMe:     m.FromMe,
		SentAt:     m.SentAt,
	}
}

// MessageStatistics compares cache and durable views of one session.
type MessageStatistics struct {
	FastCount      int64      `json:"fast_count"`
	DurableCount   int64      `json:"durable_count"`
	FirstMessageAt *time.Time `json:"first_message_at,omitempty"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
}
