package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omnichannel-hub/session-queue/internal/domain"
	"github.com/omnichannel-hub/session-queue/internal/events"
	"github.com/omnichannel-hub/session-queue/internal/observability"
	"github.com/omnichannel-hub/session-queue/internal/platform"
	"github.com/omnichannel-hub/session-queue/internal/repository"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// SendInput is a message composed by an agent.
type SendInput struct {
	SessionID        string
	UserID           string
	Body             *string
	MediaRef         *string
	Type             domain.MessageType
	ReplyToMessageID *string
}

// OutboundService delivers agent messages to the customer's platform and records the outcome.
type OutboundService struct {
	queue      repository.QueueRepository
	customers  repository.CustomerRepository
	adapters   *platform.Factory
	store      *MessageStore
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// OutboundDependencies bundles collaborators of the send path.
type OutboundDependencies struct {
	Queue      repository.QueueRepository
	Customers  repository.CustomerRepository
	Adapters   *platform.Factory
	Store      *MessageStore
	Dispatcher events.Dispatcher
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// NewOutboundService constructs the service.
func NewOutboundService(deps OutboundDependencies) *OutboundService {
	return &OutboundService{
		queue:      deps.Queue,
		customers:  deps.Customers,
		adapters:   deps.Adapters,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        time.Now,
	}
}

type outboundMetadata struct {
	Success  bool            `json:"success"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Send transmits input and persists the result. A platform failure is not an error: the
// message is stored with status FAILED so history stays complete.
func (s *OutboundService) Send(ctx context.Context, input SendInput) (*domain.CanonicalMessage, error) {
	if err := validateSendInput(&input); err != nil {
		return nil, err
	}

	entry, err := s.queue.Get(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}
	customer, err := s.customers.GetByID(ctx, entry.CustomerID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.adapters.Adapter(entry.Platform)
	if err != nil {
		return nil, err
	}

	result, err := adapter.SendMessage(ctx, platform.SendPayload{
		InstanceID:       entry.InstanceID,
		Recipient:        customer.PlatformID,
		Type:             input.Type,
		Body:             input.Body,
		MediaRef:         input.MediaRef,
		ReplyToMessageID: input.ReplyToMessageID,
	})
	if err != nil {
		result = &platform.SendResult{Success: false, Error: err.Error()}
	}

	status := domain.MessageStatusSent
	if !result.Success {
		status = domain.MessageStatusFailed
		s.logger.Warn("outbound send failed",
			zap.String("session_id", entry.SessionID),
			zap.String("platform", string(entry.Platform)),
			zap.String("error", result.Error))
	}
	messageID := result.MessageID
	if messageID == "" {
		messageID = newID()
	}
	metadata, err := json.Marshal(outboundMetadata{Success: result.Success, Response: result.Response, Error: result.Error})
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	customerID := customer.ID
	userID := input.UserID
	now := s.now().UTC()
	msg := &domain.CanonicalMessage{
		MessageID:        messageID,
		SessionID:        entry.SessionID,
		SenderType:       domain.ActorUser,
		RecipientType:    domain.ActorCustomer,
		CustomerID:       &customerID,
		UserID:           &userID,
		FromMe:           true,
		IsGroup:          IsGroupJID(remoteJID(entry)),
		Body:             input.Body,
		MediaRef:         input.MediaRef,
		Type:             input.Type,
		Platform:         entry.Platform,
		Status:           status,
		ReplyToMessageID: input.ReplyToMessageID,
		Metadata:         metadata,
		SentAt:           now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if _, err := s.store.Store(ctx, msg); err != nil {
		if !IsDuplicate(err) {
			return nil, err
		}
		// The platform echoed the message back through the inbound path first.
		stored, lookupErr := s.store.Lookup(ctx, msg.Platform, msg.MessageID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		msg = stored
	}
	s.metrics.RecordOutbound(string(entry.Platform), string(status))

	if err := s.queue.UpdateLastMessage(ctx, entry.SessionID, msg.Snapshot()); err != nil {
		s.logger.Warn("last message pointer not updated",
			zap.String("session_id", entry.SessionID),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Publish(ctx, events.Event{
			Type:      events.EventMessageStored,
			SessionID: entry.SessionID,
			Actor:     userActor(&userID),
			Payload:   messageStoredPayload(msg),
		}); err != nil {
			s.logger.Warn("event handler failed", zap.Error(err))
		}
	}
	return msg, nil
}

func validateSendInput(input *SendInput) error {
	input.SessionID = strings.TrimSpace(input.SessionID)
	if input.SessionID == "" {
		return apperrors.NewValidationError("session id is required", nil)
	}
	if strings.TrimSpace(input.UserID) == "" {
		return apperrors.NewValidationError("user id is required", nil)
	}
	if input.Type == "" {
		input.Type = domain.MessageTypeText
	}
	switch input.Type {
	case domain.MessageTypeText:
		if input.Body == nil || strings.TrimSpace(*input.Body) == "" {
			return apperrors.NewValidationError("text message requires a body", nil)
		}
	case domain.MessageTypeImage, domain.MessageTypeVideo, domain.MessageTypeAudio,
		domain.MessageTypeDocument, domain.MessageTypeSticker:
		if input.MediaRef == nil || strings.TrimSpace(*input.MediaRef) == "" {
			return apperrors.NewValidationError("media message requires a media reference", nil)
		}
	case domain.MessageTypeLocation, domain.MessageTypeContact, domain.MessageTypeOther:
	default:
		return apperrors.NewValidationError("unknown message type", map[string]any{"type": input.Type})
	}
	return nil
}

func remoteJID(entry *domain.QueueEntry) string {
	if jid, ok := entry.Metadata["remote_jid"].(string); ok {
		return jid
	}
	return ""
}
