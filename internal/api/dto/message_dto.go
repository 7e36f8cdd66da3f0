package dto

// SendMessageRequest payload for an agent reply. Supervisors may send on behalf of user_id.
type SendMessageRequest struct {
	UserID           string  `json:"user_id"`
	Type             string  `json:"type"`
	Body             *string `json:"body"`
	MediaRef         *string `json:"media_ref"`
	ReplyToMessageID *string `json:"reply_to_message_id"`
}

// IngestResponse reports what an inbound webhook delivery produced.
type IngestResponse struct {
	SessionID      string `json:"session_id,omitempty"`
	CustomerID     string `json:"customer_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	SessionCreated bool   `json:"session_created"`
	Duplicate      bool   `json:"duplicate"`
}
