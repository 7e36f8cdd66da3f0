package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omnichannel-hub/session-queue/internal/config"
	"github.com/omnichannel-hub/session-queue/internal/domain"
	"github.com/omnichannel-hub/session-queue/internal/events"
	"github.com/omnichannel-hub/session-queue/internal/mapper"
	"github.com/omnichannel-hub/session-queue/internal/observability"
	"github.com/omnichannel-hub/session-queue/internal/platform"
	"github.com/omnichannel-hub/session-queue/internal/repository"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// ProfileSource returns platform profiles, typically through a cache.
type ProfileSource interface {
	Fetch(ctx context.Context, p domain.Platform, instanceID, platformID string) (*platform.Profile, error)
	Invalidate(p domain.Platform, instanceID, platformID string)
}

// IngestionService turns inbound platform events into queued sessions and stored messages.
type IngestionService struct {
	customers  repository.CustomerRepository
	queue      repository.QueueRepository
	store      *MessageStore
	registry   *mapper.Registry
	profiles   ProfileSource
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	cfg        IngestionConfig
	now        func() time.Time
}

// IngestionConfig holds routing policy for new sessions.
type IngestionConfig struct {
	InitialStatus  domain.QueueStatus
	RefreshProfile bool
	// ResolveRetries bounds how often a lost session-creation race is re-resolved.
	ResolveRetries int
}

// NewIngestionConfig derives pipeline settings from service configuration.
func NewIngestionConfig(queue config.QueueConfig, ingest config.IngestConfig) IngestionConfig {
	return IngestionConfig{
		InitialStatus:  domain.QueueStatus(queue.InitialStatus),
		RefreshProfile: ingest.RefreshProfile,
		ResolveRetries: ingest.SessionResolveRetries,
	}
}

// IngestionDependencies bundles collaborators of the pipeline.
type IngestionDependencies struct {
	Customers  repository.CustomerRepository
	Queue      repository.QueueRepository
	Store      *MessageStore
	Registry   *mapper.Registry
	Profiles   ProfileSource
	Dispatcher events.Dispatcher
	Metrics    *observability.Metrics
	Logger     *zap.Logger
	Config     IngestionConfig
}

// IngestResult describes what an inbound event produced.
type IngestResult struct {
	Message        *domain.CanonicalMessage
	SessionID      string
	CustomerID     string
	SessionCreated bool
	// Duplicate is set when the messageId was already stored; nothing was written.
	Duplicate bool
}

// NewIngestionService constructs the pipeline.
func NewIngestionService(deps IngestionDependencies) *IngestionService {
	cfg := deps.Config
	if cfg.InitialStatus != domain.QueueStatusWaiting {
		cfg.InitialStatus = domain.QueueStatusBot
	}
	if cfg.ResolveRetries <= 0 {
		cfg.ResolveRetries = 3
	}
	return &IngestionService{
		customers:  deps.Customers,
		queue:      deps.Queue,
		store:      deps.Store,
		registry:   deps.Registry,
		profiles:   deps.Profiles,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// HandleInbound processes one inbound event. Redelivery of an already stored message returns
// a Duplicate result and no error.
func (s *IngestionService) HandleInbound(ctx context.Context, evt *events.InboundEvent) (*IngestResult, error) {
	p := domain.ParsePlatform(evt.Platform)
	result, err := s.handleInbound(ctx, p, evt)
	s.metrics.RecordInbound(string(p), inboundOutcome(result, err))
	return result, err
}

func (s *IngestionService) handleInbound(ctx context.Context, p domain.Platform, evt *events.InboundEvent) (*IngestResult, error) {
	if !p.Valid() {
		return nil, apperrors.NewValidationError("unknown platform", map[string]any{"platform": evt.Platform})
	}
	messageID := strings.TrimSpace(evt.MessageKey.ID)
	platformID := PlatformIDFromJID(evt.MessageKey.RemoteJID)
	if messageID == "" || platformID == "" {
		return nil, apperrors.NewValidationError("message key requires id and remoteJid", nil)
	}

	existing, err := s.store.Lookup(ctx, p, messageID)
	switch {
	case err == nil:
		return &IngestResult{
			Message:    existing,
			SessionID:  existing.SessionID,
			CustomerID: derefString(existing.CustomerID),
			Duplicate:  true,
		}, nil
	case !apperrors.IsNotFound(err):
		return nil, err
	}

	// Mapping is pure, so malformed payloads are rejected before anything is written.
	draft, err := s.registry.MapInbound(evt.RawMessagePayload, p)
	if err != nil {
		return nil, err
	}

	customer, customerCreated, err := s.resolveCustomer(ctx, p, evt, platformID)
	if err != nil {
		return nil, err
	}

	entry, sessionCreated, err := s.resolveSession(ctx, p, evt, customer, !customerCreated)
	if err != nil {
		return nil, err
	}

	msg := s.buildMessage(p, evt, draft, entry, customer)
	if _, err := s.store.Store(ctx, msg); err != nil {
		if IsDuplicate(err) {
			return &IngestResult{SessionID: entry.SessionID, CustomerID: customer.ID, SessionCreated: sessionCreated, Duplicate: true}, nil
		}
		return nil, err
	}

	if err := s.queue.UpdateLastMessage(ctx, entry.SessionID, msg.Snapshot()); err != nil {
		s.logger.Warn("last message pointer not updated",
			zap.String("session_id", entry.SessionID),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
	}

	s.publish(ctx, events.Event{
		Type:      events.EventMessageStored,
		SessionID: entry.SessionID,
		Actor:     events.Actor{Type: msg.SenderType},
		Payload:   messageStoredPayload(msg),
	})

	return &IngestResult{
		Message:        msg,
		SessionID:      entry.SessionID,
		CustomerID:     customer.ID,
		SessionCreated: sessionCreated,
	}, nil
}

// resolveCustomer finds or creates the customer. A concurrent creation is resolved in favour of
// the record that is already stored.
func (s *IngestionService) resolveCustomer(ctx context.Context, p domain.Platform, evt *events.InboundEvent, platformID string) (*domain.Customer, bool, error) {
	customer, err := s.customers.FindByPlatformID(ctx, platformID, p)
	if err != nil {
		return nil, false, err
	}
	if customer != nil {
		return customer, false, nil
	}

	customer = &domain.Customer{
		PlatformID: platformID,
		Platform:   p,
		InstanceID: evt.InstanceID,
	}
	if profile := s.fetchProfile(ctx, p, evt.InstanceID, platformID); profile != nil {
		customer.Name = profile.DisplayName
		customer.PictureURL = profile.PictureURL
	}
	if customer.Name == nil && !evt.MessageKey.FromMe && strings.TrimSpace(evt.SenderDisplayName) != "" {
		name := strings.TrimSpace(evt.SenderDisplayName)
		customer.Name = &name
	}

	err = s.customers.Create(ctx, customer)
	if err == nil {
		return customer, true, nil
	}
	if !apperrors.IsConflict(err) {
		return nil, false, err
	}

	existing, err := s.customers.FindByPlatformID(ctx, platformID, p)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, apperrors.NewTransient("customer vanished after conflicting create", nil)
	}
	return existing, false, nil
}

// resolveSession returns the customer's active session, creating one when none exists.
// Losing a creation race to another event re-resolves the winner's session.
func (s *IngestionService) resolveSession(ctx context.Context, p domain.Platform, evt *events.InboundEvent, customer *domain.Customer, refresh bool) (*domain.QueueEntry, bool, error) {
	for attempt := 0; attempt <= s.cfg.ResolveRetries; attempt++ {
		entry, err := s.queue.FindActiveByCustomer(ctx, customer.ID)
		if err != nil {
			return nil, false, err
		}
		if entry != nil {
			return entry, false, nil
		}

		if refresh && attempt == 0 && s.cfg.RefreshProfile {
			s.refreshProfile(ctx, p, evt.InstanceID, customer)
		}

		entry = &domain.QueueEntry{
			SessionID:  newID(),
			CustomerID: customer.ID,
			Platform:   p,
			InstanceID: evt.InstanceID,
			Status:     s.cfg.InitialStatus,
			Metadata: map[string]any{
				"platform_id": customer.PlatformID,
				"remote_jid":  evt.MessageKey.RemoteJID,
			},
		}
		err = s.queue.Create(ctx, entry)
		if err == nil {
			s.metrics.RecordSession("created")
			s.publish(ctx, events.Event{
				Type:      events.EventSessionCreated,
				SessionID: entry.SessionID,
				Actor:     events.Actor{Type: domain.ActorSystem},
				Payload: events.SessionCreatedPayload{
					CustomerID: entry.CustomerID,
					Platform:   entry.Platform,
					Status:     entry.Status,
				},
			})
			return entry, true, nil
		}
		if !apperrors.IsConflict(err) {
			return nil, false, err
		}
		s.logger.Debug("session creation raced; re-resolving",
			zap.String("customer_id", customer.ID),
			zap.Int("attempt", attempt+1))
	}
	return nil, false, apperrors.NewTransient("could not resolve an active session", nil)
}

func (s *IngestionService) buildMessage(p domain.Platform, evt *events.InboundEvent, draft *mapper.Draft, entry *domain.QueueEntry, customer *domain.Customer) *domain.CanonicalMessage {
	customerID := customer.ID
	msg := &domain.CanonicalMessage{
		MessageID:        strings.TrimSpace(evt.MessageKey.ID),
		SessionID:        entry.SessionID,
		SenderType:       domain.ActorCustomer,
		RecipientType:    domain.ActorSystem,
		CustomerID:       &customerID,
		FromMe:           evt.MessageKey.FromMe,
		IsGroup:          IsGroupJID(evt.MessageKey.RemoteJID),
		Body:             draft.Body,
		MediaRef:         draft.MediaRef,
		Type:             draft.Type,
		Platform:         p,
		Status:           domain.MessageStatusDelivered,
		ReplyToMessageID: draft.ReplyToMessageID,
		Metadata:         draft.Metadata,
		SentAt:           evt.SentAt(s.now()),
	}
	if evt.MessageKey.FromMe {
		// Sent from the connected device by an agent.
		msg.SenderType = domain.ActorUser
		msg.RecipientType = domain.ActorCustomer
		msg.Status = domain.MessageStatusSent
		msg.UserID = entry.AssignedUserID
	}
	return msg
}

func (s *IngestionService) fetchProfile(ctx context.Context, p domain.Platform, instanceID, platformID string) *platform.Profile {
	if s.profiles == nil {
		return nil
	}
	profile, err := s.profiles.Fetch(ctx, p, instanceID, platformID)
	if err != nil {
		s.logger.Debug("profile fetch failed",
			zap.String("platform", string(p)),
			zap.String("platform_id", platformID),
			zap.Error(err))
		return nil
	}
	return profile
}

func (s *IngestionService) refreshProfile(ctx context.Context, p domain.Platform, instanceID string, customer *domain.Customer) {
	if s.profiles == nil {
		return
	}
	s.profiles.Invalidate(p, instanceID, customer.PlatformID)
	profile := s.fetchProfile(ctx, p, instanceID, customer.PlatformID)
	if profile == nil || (profile.DisplayName == nil && profile.PictureURL == nil) {
		return
	}
	updated, err := s.customers.Update(ctx, customer.ID, domain.CustomerPatch{
		Name:       profile.DisplayName,
		PictureURL: profile.PictureURL,
	})
	if err != nil {
		s.logger.Warn("customer profile refresh failed", zap.String("customer_id", customer.ID), zap.Error(err))
		return
	}
	*customer = *updated
}

func (s *IngestionService) publish(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event handler failed", zap.String("event_type", string(event.Type)), zap.Error(err))
	}
}

func inboundOutcome(result *IngestResult, err error) string {
	switch {
	case err == nil && result != nil && result.Duplicate:
		return "duplicate"
	case err == nil:
		return "stored"
	case apperrors.IsValidation(err):
		return "invalid"
	case apperrors.IsUnimplemented(err):
		return "unimplemented"
	}
	return "failed"
}

// PlatformIDFromJID strips the "@domain" suffix of a remote JID.
func PlatformIDFromJID(jid string) string {
	jid = strings.TrimSpace(jid)
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		jid = jid[:i]
	}
	// Multi-device JIDs carry a ":device" suffix on the user part.
	if i := strings.IndexByte(jid, ':'); i >= 0 {
		jid = jid[:i]
	}
	return jid
}

// IsGroupJID reports whether jid addresses a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(strings.TrimSpace(jid), "@g.us")
}
