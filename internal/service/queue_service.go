package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omnichannel-hub/session-queue/internal/domain"
	"github.com/omnichannel-hub/session-queue/internal/events"
	"github.com/omnichannel-hub/session-queue/internal/observability"
	"github.com/omnichannel-hub/session-queue/internal/repository"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// HistoryRecorder keeps sessions after they leave the queue.
type HistoryRecorder interface {
	Record(ctx context.Context, record *domain.ServiceHistory) error
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.ServiceHistory, error)
}

// QueueService exposes queue reads and agent actions on sessions.
type QueueService struct {
	queue      repository.QueueRepository
	history    HistoryRecorder
	store      *MessageStore
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// QueueDependencies bundles collaborators of the queue service.
type QueueDependencies struct {
	Queue      repository.QueueRepository
	History    HistoryRecorder
	Store      *MessageStore
	Dispatcher events.Dispatcher
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// NewQueueService constructs the service.
func NewQueueService(deps QueueDependencies) *QueueService {
	return &QueueService{
		queue:      deps.Queue,
		history:    deps.History,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        time.Now,
	}
}

// List returns a page of sessions matching filter and the total match count.
func (s *QueueService) List(ctx context.Context, filter repository.QueueFilter) ([]domain.QueueEntry, int, error) {
	for _, status := range filter.Statuses {
		if !status.Valid() {
			return nil, 0, apperrors.NewValidationError("unknown queue status", map[string]any{"status": status})
		}
	}
	if filter.CreatedFrom != nil && filter.CreatedTo != nil && filter.CreatedTo.Before(*filter.CreatedFrom) {
		return nil, 0, apperrors.NewValidationError("created_to precedes created_from", nil)
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	return s.queue.List(ctx, filter)
}

// Get returns one session.
func (s *QueueService) Get(ctx context.Context, sessionID string) (*domain.QueueEntry, error) {
	return s.queue.Get(ctx, sessionID)
}

// Statistics summarizes the live queue.
func (s *QueueService) Statistics(ctx context.Context) (*domain.QueueStatistics, error) {
	return s.queue.Statistics(ctx)
}

// Assign hands a session to an agent.
func (s *QueueService) Assign(ctx context.Context, sessionID, userID string) (*domain.QueueEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.NewValidationError("user id is required", nil)
	}
	entry, err := s.queue.Assign(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.Event{
		Type:      events.EventSessionAssigned,
		SessionID: sessionID,
		Actor:     userActor(&userID),
		Payload:   events.SessionAssignedPayload{UserID: userID},
	})
	return entry, nil
}

// Transition moves a session along BOT → WAITING → SERVICE.
func (s *QueueService) Transition(ctx context.Context, sessionID string, status domain.QueueStatus, actorUserID *string) (*domain.QueueEntry, error) {
	before, err := s.queue.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	entry, err := s.queue.Transition(ctx, sessionID, status, actorUserID)
	if err != nil {
		return nil, err
	}
	if before.Status == entry.Status {
		return entry, nil
	}

	if entry.Status == domain.QueueStatusService {
		s.metrics.RecordSession("attended")
	}
	actor := events.Actor{Type: domain.ActorSystem}
	if actorUserID != nil {
		actor = userActor(actorUserID)
	}
	s.publish(ctx, events.Event{
		Type:      events.EventSessionTransitioned,
		SessionID: sessionID,
		Actor:     actor,
		Payload: events.SessionTransitionedPayload{
			NewStatus:  entry.Status,
			AttendedAt: entry.AttendedAt,
		},
	})
	return entry, nil
}

// Finish closes a session: it is written to the service history, then removed from the queue.
func (s *QueueService) Finish(ctx context.Context, sessionID string, actorUserID *string) (*domain.ServiceHistory, error) {
	entry, err := s.queue.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	record := &domain.ServiceHistory{
		SessionID:      entry.SessionID,
		CustomerID:     entry.CustomerID,
		AssignedUserID: entry.AssignedUserID,
		Platform:       entry.Platform,
		CreatedAt:      entry.CreatedAt,
		AttendedAt:     entry.AttendedAt,
		FinishedAt:     s.now().UTC(),
		Metadata:       entry.Metadata,
	}
	if err := s.history.Record(ctx, record); err != nil {
		return nil, err
	}
	if err := s.queue.Remove(ctx, sessionID); err != nil {
		return nil, err
	}
	if s.store != nil {
		s.store.Forget(ctx, sessionID)
	}
	s.metrics.RecordSession("finished")

	actor := events.Actor{Type: domain.ActorSystem}
	if actorUserID != nil {
		actor = userActor(actorUserID)
	}
	s.publish(ctx, events.Event{
		Type:      events.EventSessionFinished,
		SessionID: sessionID,
		Actor:     actor,
		Payload: events.SessionFinishedPayload{
			HistoryID:  record.ID,
			CustomerID: record.CustomerID,
			FinishedAt: record.FinishedAt,
		},
	})
	return record, nil
}

// CustomerHistory lists finished sessions of a customer, most recent first.
func (s *QueueService) CustomerHistory(ctx context.Context, customerID string, limit int) ([]domain.ServiceHistory, error) {
	records, err := s.history.ListByCustomer(ctx, customerID, limit)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []domain.ServiceHistory{}
	}
	return records, nil
}

func (s *QueueService) publish(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event handler failed", zap.String("event_type", string(event.Type)), zap.Error(err))
	}
}
