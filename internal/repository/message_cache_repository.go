package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omnichannel-hub/session-queue/internal/domain"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// MessageCacheRepository keeps a capped, expiring, newest-first list of messages per session.
type MessageCacheRepository interface {
	// Append stores msg; it reports false when the messageId is already cached for the session.
	Append(ctx context.Context, msg *domain.CanonicalMessage) (bool, error)
	ListRecent(ctx context.Context, sessionID string, limit int64) ([]domain.CanonicalMessage, error)
	// UpdateStatus rewrites the cached entry in place; it reports false when the message is not cached.
	UpdateStatus(ctx context.Context, sessionID, messageID string, status domain.MessageStatus, updatedAt time.Time) (bool, error)
	Count(ctx context.Context, sessionID string) (int64, error)
	Drop(ctx context.Context, sessionID string) error
}

type messageCacheRepository struct {
	client      redis.UniversalClient
	prefix      string
	maxMessages int64
	ttl         time.Duration
}

// NewMessageCacheRepository builds the Redis message cache.
func NewMessageCacheRepository(client redis.UniversalClient, prefix string, maxMessages int64, ttl time.Duration) MessageCacheRepository {
	if maxMessages <= 0 {
		maxMessages = 500
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &messageCacheRepository{client: client, prefix: prefix, maxMessages: maxMessages, ttl: ttl}
}

func (r *messageCacheRepository) listKey(sessionID string) string {
	return fmt.Sprintf("%s:messages:%s", r.prefix, sessionID)
}

func (r *messageCacheRepository) idsKey(sessionID string) string {
	return fmt.Sprintf("%s:messages:%s:ids", r.prefix, sessionID)
}

// appendScript pushes ARGV[1] unless ARGV[2] is already in the id set, trims to ARGV[3]
// entries and refreshes the expiry (ARGV[4] ms) of both keys.
var appendScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[2], ARGV[2])
if added == 1 then
  redis.call('LPUSH', KEYS[1], ARGV[1])
  redis.call('LTRIM', KEYS[1], 0, tonumber(ARGV[3]) - 1)
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return added
`)

func (r *messageCacheRepository) Append(ctx context.Context, msg *domain.CanonicalMessage) (bool, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("encode cached message: %w", err)
	}
	added, err := appendScript.Run(ctx, r.client,
		[]string{r.listKey(msg.SessionID), r.idsKey(msg.SessionID)},
		data, msg.MessageID, r.maxMessages, r.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, backendError("append cached message", err)
	}
	return added == 1, nil
}

func (r *messageCacheRepository) ListRecent(ctx context.Context, sessionID string, limit int64) ([]domain.CanonicalMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	values, err := r.client.LRange(ctx, r.listKey(sessionID), 0, limit-1).Result()
	if err != nil {
		return nil, backendError("list cached messages", err)
	}
	out := make([]domain.CanonicalMessage, 0, len(values))
	for _, raw := range values {
		var msg domain.CanonicalMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode cached message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r *messageCacheRepository) UpdateStatus(ctx context.Context, sessionID, messageID string, status domain.MessageStatus, updatedAt time.Time) (bool, error) {
	key := r.listKey(sessionID)
	var updated bool

	// The index found by the scan is only valid until the next push or trim, so the rewrite
	// runs under WATCH and rescans when the list moved.
	txf := func(tx *redis.Tx) error {
		updated = false
		values, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		index, encoded, err := rewriteStatus(values, messageID, status, updatedAt)
		if err != nil || index < 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LSet(ctx, key, index, encoded)
			return nil
		})
		if err != nil {
			return err
		}
		updated = true
		return nil
	}

	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, backendError("rewrite cached message", err)
		}
		return updated, nil
	}
	return false, apperrors.NewTransient("cached message update contention", redis.TxFailedErr)
}

// rewriteStatus finds messageID in the cached list and returns its index with the re-encoded
// entry. The index is -1 when the message is not cached.
func rewriteStatus(values []string, messageID string, status domain.MessageStatus, updatedAt time.Time) (int64, []byte, error) {
	for i, raw := range values {
		var msg domain.CanonicalMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if msg.MessageID != messageID {
			continue
		}
		msg.Status = status
		msg.UpdatedAt = updatedAt
		encoded, err := json.Marshal(&msg)
		if err != nil {
			return -1, nil, fmt.Errorf("encode cached message: %w", err)
		}
		return int64(i), encoded, nil
	}
	return -1, nil, nil
}

func (r *messageCacheRepository) Count(ctx context.Context, sessionID string) (int64, error) {
	n, err := r.client.LLen(ctx, r.listKey(sessionID)).Result()
	if err != nil {
		return 0, backendError("count cached messages", err)
	}
	return n, nil
}

func (r *messageCacheRepository) Drop(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.listKey(sessionID), r.idsKey(sessionID)).Err(); err != nil {
		return backendError("drop cached messages", err)
	}
	return nil
}
