package service

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/omnichannel-hub/session-queue/internal/config"
	"github.com/omnichannel-hub/session-queue/internal/events"
)

var lifecycleEvents = []events.EventType{
	events.EventSessionCreated,
	events.EventSessionAssigned,
	events.EventSessionTransitioned,
	events.EventSessionFinished,
	events.EventMessageStored,
	events.EventMessageStatusChanged,
}

// NotificationService forwards lifecycle events to an external webhook so chat UIs and
// dashboards can follow the queue without polling.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	cfg        config.NotifyConfig
	client     *resty.Client
	pending    chan events.Event
}

// NewNotificationService creates the service. Without a webhook URL events are only logged.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, cfg config.NotifyConfig) *NotificationService {
	n := &NotificationService{
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
	}
	if strings.TrimSpace(cfg.WebhookURL) != "" {
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		size := cfg.BufferSize
		if size <= 0 {
			size = 256
		}
		n.client = resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json")
		n.pending = make(chan events.Event, size)
	}
	return n
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	for _, eventType := range lifecycleEvents {
		n.dispatcher.Subscribe(eventType, n.handleEvent)
	}
}

// handleEvent never blocks the publisher; a full buffer drops the event.
func (n *NotificationService) handleEvent(_ context.Context, event events.Event) error {
	n.logger.Debug("lifecycle event",
		zap.String("event_type", string(event.Type)),
		zap.String("session_id", event.SessionID))
	if n.pending == nil {
		return nil
	}
	select {
	case n.pending <- event:
	default:
		n.logger.Warn("notification buffer full; dropping event",
			zap.String("event_type", string(event.Type)),
			zap.String("session_id", event.SessionID))
	}
	return nil
}

// Run delivers buffered events until ctx is cancelled.
func (n *NotificationService) Run(ctx context.Context) {
	if n.pending == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-n.pending:
			n.deliver(ctx, event)
		}
	}
}

func (n *NotificationService) deliver(ctx context.Context, event events.Event) {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(event).
		Post(n.cfg.WebhookURL)
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			zap.String("event_type", string(event.Type)),
			zap.String("session_id", event.SessionID),
			zap.Error(err))
		return
	}
	if resp.IsError() {
		n.logger.Warn("webhook rejected event",
			zap.String("event_type", string(event.Type)),
			zap.Int("status_code", resp.StatusCode()))
	}
}
