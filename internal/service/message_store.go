package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/omnichannel-hub/session-queue/internal/domain"
	"github.com/omnichannel-hub/session-queue/internal/repository"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// StoredMessage reports where a message landed. Cached is nil when the cache already held the
// messageId or could not be written.
type StoredMessage struct {
	Cached  *domain.CanonicalMessage
	Durable *domain.CanonicalMessage
}

// MessageStore writes canonical messages to the session cache and the durable history.
// The durable store is authoritative; the cache only shortens reads of recent traffic.
type MessageStore struct {
	cache   repository.MessageCacheRepository
	durable repository.MessageRepository
	logger  *zap.Logger
	now     func() time.Time
}

// NewMessageStore constructs the store.
func NewMessageStore(cache repository.MessageCacheRepository, durable repository.MessageRepository, logger *zap.Logger) *MessageStore {
	return &MessageStore{
		cache:   cache,
		durable: durable,
		logger:  logger,
		now:     time.Now,
	}
}

// Store appends msg to the cache and then inserts it durably. A messageId already stored for the
// platform yields repository.ErrDuplicateMessage; the cache write is never rolled back.
func (s *MessageStore) Store(ctx context.Context, msg *domain.CanonicalMessage) (*StoredMessage, error) {
	now := s.now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = msg.CreatedAt
	}
	if msg.ID == "" {
		msg.ID = messageRecordID(msg.Platform, msg.MessageID)
	}

	result := &StoredMessage{}
	added, err := s.cache.Append(ctx, msg)
	switch {
	case err != nil:
		s.logger.Warn("cache append failed",
			zap.String("session_id", msg.SessionID),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
	case added:
		cached := *msg
		result.Cached = &cached
	}

	if err := s.durable.Create(ctx, msg); err != nil {
		return nil, err
	}
	result.Durable = msg
	return result, nil
}

// Lookup fetches the durable record of a platform message.
func (s *MessageStore) Lookup(ctx context.Context, platform domain.Platform, messageID string) (*domain.CanonicalMessage, error) {
	if platform == "" {
		return s.durable.FindByMessageID(ctx, messageID)
	}
	return s.durable.GetByMessageID(ctx, platform, messageID)
}

// ListRecent returns up to limit messages, newest first. An empty or unreachable cache falls
// back to the durable history.
func (s *MessageStore) ListRecent(ctx context.Context, sessionID string, limit int) ([]domain.CanonicalMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	cached, err := s.cache.ListRecent(ctx, sessionID, int64(limit))
	if err != nil {
		s.logger.Warn("cache read failed; using durable store", zap.String("session_id", sessionID), zap.Error(err))
	}
	if len(cached) > 0 {
		return cached, nil
	}
	msgs, err := s.durable.ListRecent(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []domain.CanonicalMessage{}
	}
	return msgs, nil
}

// History pages through the durable history of a session, oldest first.
func (s *MessageStore) History(ctx context.Context, sessionID string, limit, offset int) ([]domain.CanonicalMessage, error) {
	msgs, err := s.durable.ListBySession(ctx, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []domain.CanonicalMessage{}
	}
	return msgs, nil
}

// UpdateStatus sets the status of one message in both stores. A message missing from either
// store is logged and skipped; the durable row is returned when it exists.
func (s *MessageStore) UpdateStatus(ctx context.Context, platform domain.Platform, sessionID, messageID string, status domain.MessageStatus) (*domain.CanonicalMessage, error) {
	updatedAt := s.now().UTC()
	updated, err := s.durable.UpdateStatus(ctx, platform, messageID, status)
	switch {
	case apperrors.IsNotFound(err):
		s.logger.Warn("status update: message not in durable store",
			zap.String("session_id", sessionID),
			zap.String("message_id", messageID))
	case err != nil:
		return nil, err
	default:
		updatedAt = updated.UpdatedAt
		if sessionID == "" {
			sessionID = updated.SessionID
		}
	}

	found, err := s.cache.UpdateStatus(ctx, sessionID, messageID, status, updatedAt)
	if err != nil {
		s.logger.Warn("status update: cache rewrite failed",
			zap.String("session_id", sessionID),
			zap.String("message_id", messageID),
			zap.Error(err))
	} else if !found {
		s.logger.Debug("status update: message not cached",
			zap.String("session_id", sessionID),
			zap.String("message_id", messageID))
	}
	return updated, nil
}

// Statistics compares the cached and durable views of a session.
func (s *MessageStore) Statistics(ctx context.Context, sessionID string) (*domain.MessageStatistics, error) {
	fast, err := s.cache.Count(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	durable, first, last, err := s.durable.SessionStats(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &domain.MessageStatistics{
		FastCount:      fast,
		DurableCount:   durable,
		FirstMessageAt: first,
		LastMessageAt:  last,
	}, nil
}

// Forget drops the cached list of a finished session. Durable history is kept.
func (s *MessageStore) Forget(ctx context.Context, sessionID string) {
	if err := s.cache.Drop(ctx, sessionID); err != nil {
		s.logger.Warn("cache drop failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// IsDuplicate reports whether err marks an already stored message.
func IsDuplicate(err error) bool {
	return errors.Is(err, repository.ErrDuplicateMessage)
}
