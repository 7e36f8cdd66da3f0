package service

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/omnichannel-hub/session-queue/internal/config"
	"github.com/omnichannel-hub/session-queue/internal/domain"
	"github.com/omnichannel-hub/session-queue/internal/events"
	"github.com/omnichannel-hub/session-queue/internal/observability"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

var ackStatuses = map[string]domain.MessageStatus{
	"DELIVERY_ACK": domain.MessageStatusDelivered,
	"DELIVERED":    domain.MessageStatusDelivered,
	"2":            domain.MessageStatusDelivered,
	"3":            domain.MessageStatusDelivered,
	"READ":         domain.MessageStatusRead,
	"PLAYED":       domain.MessageStatusRead,
	"4":            domain.MessageStatusRead,
	"5":            domain.MessageStatusRead,
	"SERVER_ACK":   domain.MessageStatusSent,
	"SENT":         domain.MessageStatusSent,
	"1":            domain.MessageStatusSent,
	"ERROR":        domain.MessageStatusFailed,
	"0":            domain.MessageStatusFailed,
	"DELETED":      domain.MessageStatusDeleted,
}

// MapAckCode translates a platform acknowledgement code. Unknown codes report false.
func MapAckCode(code string) (domain.MessageStatus, bool) {
	status, ok := ackStatuses[strings.ToUpper(strings.TrimSpace(code))]
	return status, ok
}

// AckRetryPolicy bounds the wait for a message that has not been persisted yet.
type AckRetryPolicy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// NewAckRetryPolicy derives the policy from configuration.
func NewAckRetryPolicy(cfg config.AckConfig) AckRetryPolicy {
	return AckRetryPolicy{
		Attempts:        cfg.RetryAttempts,
		InitialInterval: time.Duration(cfg.RetryInitialMilli) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.RetryMaxMilli) * time.Millisecond,
	}
}

func (p AckRetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	retries := p.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// StatusService applies delivery and read acknowledgements to stored messages.
type StatusService struct {
	store      *MessageStore
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	retry      AckRetryPolicy
}

// NewStatusService constructs the service.
func NewStatusService(store *MessageStore, dispatcher events.Dispatcher, metrics *observability.Metrics, logger *zap.Logger, retry AckRetryPolicy) *StatusService {
	return &StatusService{
		store:      store,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
		retry:      retry,
	}
}

// HandleAck applies evt to the message it names. Unknown codes, stale statuses and acks whose
// message never shows up are dropped without error.
func (s *StatusService) HandleAck(ctx context.Context, evt *events.StatusEvent) error {
	status, ok := MapAckCode(evt.ExternalStatusCode)
	if !ok {
		s.logger.Debug("ignoring unknown ack code",
			zap.String("message_id", evt.MessageID),
			zap.String("code", evt.ExternalStatusCode))
		s.metrics.RecordAck("ignored")
		return nil
	}

	p := domain.ParsePlatform(evt.Platform)
	if p != "" && !p.Valid() {
		return apperrors.NewValidationError("unknown platform", map[string]any{"platform": evt.Platform})
	}

	msg, err := s.lookup(ctx, p, evt.MessageID)
	if apperrors.IsNotFound(err) {
		s.logger.Warn("dropping ack for unknown message",
			zap.String("message_id", evt.MessageID),
			zap.String("status", string(status)))
		s.metrics.RecordAck("dropped")
		return nil
	}
	if err != nil {
		s.metrics.RecordAck("failed")
		return err
	}

	if !status.Supersedes(msg.Status) {
		s.metrics.RecordAck("stale")
		return nil
	}

	if _, err := s.store.UpdateStatus(ctx, msg.Platform, msg.SessionID, msg.MessageID, status); err != nil {
		s.metrics.RecordAck("failed")
		return err
	}
	s.metrics.RecordAck("applied")

	if s.dispatcher != nil {
		if err := s.dispatcher.Publish(ctx, events.Event{
			Type:      events.EventMessageStatusChanged,
			SessionID: msg.SessionID,
			Actor:     events.Actor{Type: domain.ActorSystem},
			Payload: events.MessageStatusChangedPayload{
				MessageID: msg.MessageID,
				OldStatus: msg.Status,
				NewStatus: status,
			},
		}); err != nil {
			s.logger.Warn("event handler failed", zap.Error(err))
		}
	}
	return nil
}

// lookup waits briefly for messages whose ingestion has not completed yet.
func (s *StatusService) lookup(ctx context.Context, p domain.Platform, messageID string) (*domain.CanonicalMessage, error) {
	var msg *domain.CanonicalMessage
	operation := func() error {
		found, err := s.store.Lookup(ctx, p, messageID)
		if err == nil {
			msg = found
			return nil
		}
		if apperrors.IsNotFound(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(operation, s.retry.backOff(ctx)); err != nil {
		return nil, err
	}
	return msg, nil
}
