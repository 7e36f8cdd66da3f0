package dto

import (
	"time"

	"github.com/omnichannel-hub/session-queue/internal/domain"
)

// AssignRequest payload. An empty user_id assigns the caller.
type AssignRequest struct {
	UserID string `json:"user_id"`
}

// TransitionRequest payload.
type TransitionRequest struct {
	Status string `json:"status"`
}

// ListMeta describes a page of results.
type ListMeta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// QueueStatsResponse summarizes the live queue.
type QueueStatsResponse struct {
	Total                     int                        `json:"total"`
	PerStatus                 map[domain.QueueStatus]int `json:"per_status"`
	AverageWaitingTimeSeconds float64                    `json:"average_waiting_time_seconds"`
}

// ServiceHistoryResponse is one finished session.
type ServiceHistoryResponse struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	CustomerID     string          `json:"customer_id"`
	AssignedUserID *string         `json:"assigned_user_id,omitempty"`
	Platform       domain.Platform `json:"platform"`
	CreatedAt      time.Time       `json:"created_at"`
	AttendedAt     *time.Time      `json:"attended_at,omitempty"`
	FinishedAt     time.Time       `json:"finished_at"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}
