package handlers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/omnichannel-hub/session-queue/internal/domain"
	"github.com/omnichannel-hub/session-queue/internal/events"
	"github.com/omnichannel-hub/session-queue/internal/repository"
	"github.com/omnichannel-hub/session-queue/internal/service"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// QueueService is the queue surface used by the HTTP API.
type QueueService interface {
	List(ctx context.Context, filter repository.QueueFilter) ([]domain.QueueEntry, int, error)
	Get(ctx context.Context, sessionID string) (*domain.QueueEntry, error)
	Statistics(ctx context.Context) (*domain.QueueStatistics, error)
	Assign(ctx context.Context, sessionID, userID string) (*domain.QueueEntry, error)
	Transition(ctx context.Context, sessionID string, status domain.QueueStatus, actorUserID *string) (*domain.QueueEntry, error)
	Finish(ctx context.Context, sessionID string, actorUserID *string) (*domain.ServiceHistory, error)
	CustomerHistory(ctx context.Context, customerID string, limit int) ([]domain.ServiceHistory, error)
}

// MessageReader serves session message reads.
type MessageReader interface {
	ListRecent(ctx context.Context, sessionID string, limit int) ([]domain.CanonicalMessage, error)
	History(ctx context.Context, sessionID string, limit, offset int) ([]domain.CanonicalMessage, error)
	Statistics(ctx context.Context, sessionID string) (*domain.MessageStatistics, error)
}

// MessageSender delivers agent replies.
type MessageSender interface {
	Send(ctx context.Context, input service.SendInput) (*domain.CanonicalMessage, error)
}

// InboundIngestor accepts inbound platform events.
type InboundIngestor interface {
	HandleInbound(ctx context.Context, evt *events.InboundEvent) (*service.IngestResult, error)
}

// AckApplier accepts status acknowledgements.
type AckApplier interface {
	HandleAck(ctx context.Context, evt *events.StatusEvent) error
}

func parseTime(name, val string) (*time.Time, error) {
	if val == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return nil, apperrors.NewValidationError("invalid timestamp", map[string]any{name: val})
	}
	return &t, nil
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
