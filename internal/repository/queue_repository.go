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

// ErrInvalidTransition is returned for queue status changes the lifecycle forbids.
var ErrInvalidTransition = apperrors.NewValidationError("invalid queue status transition", nil)

const (
	maxOptimisticRetries = 5
	scanBatchSize        = 200
)

// QueueFilter captures queue listing parameters.
type QueueFilter struct {
	Statuses    []domain.QueueStatus
	UserID      *string
	CustomerID  *string
	Platform    *domain.Platform
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Limit       int
	Offset      int
}

// QueueRepository owns the lifecycle of active service sessions.
type QueueRepository interface {
	Create(ctx context.Context, entry *domain.QueueEntry) error
	Get(ctx context.Context, sessionID string) (*domain.QueueEntry, error)
	FindActiveByCustomer(ctx context.Context, customerID string) (*domain.QueueEntry, error)
	Transition(ctx context.Context, sessionID string, status domain.QueueStatus, actorUserID *string) (*domain.QueueEntry, error)
	Assign(ctx context.Context, sessionID, userID string) (*domain.QueueEntry, error)
	UpdateLastMessage(ctx context.Context, sessionID string, snapshot *domain.MessageSnapshot) error
	Remove(ctx context.Context, sessionID string) error
	List(ctx context.Context, filter QueueFilter) ([]domain.QueueEntry, int, error)
	Statistics(ctx context.Context) (*domain.QueueStatistics, error)
}

type queueRepository struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewQueueRepository builds a Redis backed queue store. Keys are namespaced by prefix.
func NewQueueRepository(client redis.UniversalClient, prefix string) QueueRepository {
	return &queueRepository{client: client, prefix: prefix, now: time.Now}
}

func (r *queueRepository) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:queue:session:%s", r.prefix, sessionID)
}

func (r *queueRepository) customerKey(customerID string) string {
	return fmt.Sprintf("%s:queue:customer:%s", r.prefix, customerID)
}

func (r *queueRepository) indexKey() string {
	return r.prefix + ":queue:index"
}

// createScript inserts an entry with its index and customer pointer.
// Returns 1 when the session exists, 2 when the customer already has a live session.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 1
end
local current = redis.call('GET', KEYS[2])
if current and redis.call('EXISTS', ARGV[4] .. current) == 1 then
  return 2
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
return 0
`)

func (r *queueRepository) Create(ctx context.Context, entry *domain.QueueEntry) error {
	now := r.now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}

	res, err := createScript.Run(ctx, r.client,
		[]string{r.sessionKey(entry.SessionID), r.customerKey(entry.CustomerID), r.indexKey()},
		data, entry.CreatedAt.UnixMilli(), entry.SessionID, r.sessionKey(""),
	).Int()
	if err != nil {
		return backendError("create queue entry", err)
	}

	switch res {
	case 1:
		return apperrors.NewConflict("session already queued", map[string]any{"session_id": entry.SessionID})
	case 2:
		return apperrors.NewConflict("customer already has an active session", map[string]any{"customer_id": entry.CustomerID})
	}
	return nil
}

func (r *queueRepository) Get(ctx context.Context, sessionID string) (*domain.QueueEntry, error) {
	data, err := r.client.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NewNotFound("session", map[string]any{"session_id": sessionID})
	}
	if err != nil {
		return nil, backendError("get queue entry", err)
	}
	return decodeEntry(data)
}

func (r *queueRepository) FindActiveByCustomer(ctx context.Context, customerID string) (*domain.QueueEntry, error) {
	pointerKey := r.customerKey(customerID)
	sessionID, err := r.client.Get(ctx, pointerKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, backendError("lookup customer session", err)
	}

	entry, err := r.Get(ctx, sessionID)
	if apperrors.IsNotFound(err) {
		// Dangling pointer; drop it only if it still names the missing session.
		r.deleteIfEquals(ctx, pointerKey, sessionID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if entry.CustomerID != customerID {
		return nil, nil
	}
	return entry, nil
}

func (r *queueRepository) Transition(ctx context.Context, sessionID string, status domain.QueueStatus, actorUserID *string) (*domain.QueueEntry, error) {
	if !status.Valid() {
		return nil, apperrors.NewValidationError("unknown queue status", map[string]any{"status": status})
	}
	return r.mutate(ctx, sessionID, func(entry *domain.QueueEntry) (bool, error) {
		if entry.Status == status {
			return false, nil
		}
		if !entry.Status.CanTransitionTo(status) {
			return false, ErrInvalidTransition
		}
		entry.Status = status
		if status == domain.QueueStatusService {
			if entry.AttendedAt == nil {
				attended := r.now().UTC()
				if attended.Before(entry.CreatedAt) {
					attended = entry.CreatedAt
				}
				entry.AttendedAt = &attended
			}
			if actorUserID != nil {
				entry.AssignedUserID = actorUserID
			}
		}
		return true, nil
	})
}

func (r *queueRepository) Assign(ctx context.Context, sessionID, userID string) (*domain.QueueEntry, error) {
	return r.mutate(ctx, sessionID, func(entry *domain.QueueEntry) (bool, error) {
		if entry.AssignedUserID != nil && *entry.AssignedUserID == userID {
			return false, nil
		}
		entry.AssignedUserID = &userID
		return true, nil
	})
}

func (r *queueRepository) UpdateLastMessage(ctx context.Context, sessionID string, snapshot *domain.MessageSnapshot) error {
	_, err := r.mutate(ctx, sessionID, func(entry *domain.QueueEntry) (bool, error) {
		if entry.LastMessage != nil && snapshot != nil {
			if entry.LastMessage.MessageID == snapshot.MessageID {
				return false, nil
			}
			if snapshot.SentAt.Before(entry.LastMessage.SentAt) {
				return false, nil
			}
		}
		entry.LastMessage = snapshot
		return true, nil
	})
	return err
}

// mutate applies fn under WATCH so concurrent writers retry instead of clobbering.
func (r *queueRepository) mutate(ctx context.Context, sessionID string, fn func(*domain.QueueEntry) (bool, error)) (*domain.QueueEntry, error) {
	key := r.sessionKey(sessionID)
	var result *domain.QueueEntry

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return apperrors.NewNotFound("session", map[string]any{"session_id": sessionID})
		}
		if err != nil {
			return err
		}
		entry, err := decodeEntry(data)
		if err != nil {
			return err
		}
		changed, err := fn(entry)
		if err != nil {
			return err
		}
		result = entry
		if !changed {
			return nil
		}
		entry.UpdatedAt = r.now().UTC()
		encoded, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode queue entry: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			var domainErr *apperrors.DomainError
			if errors.As(err, &domainErr) {
				return nil, err
			}
			return nil, backendError("update queue entry", err)
		}
		return result, nil
	}
	return nil, apperrors.NewTransient("queue entry update contention", redis.TxFailedErr)
}

// removeScript deletes the entry, its index member and the customer pointer when it names this session.
var removeScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if KEYS[3] ~= '' and redis.call('GET', KEYS[3]) == ARGV[1] then
  redis.call('DEL', KEYS[3])
end
return 0
`)

func (r *queueRepository) Remove(ctx context.Context, sessionID string) error {
	customerPointer := ""
	entry, err := r.Get(ctx, sessionID)
	switch {
	case err == nil:
		customerPointer = r.customerKey(entry.CustomerID)
	case !apperrors.IsNotFound(err):
		return err
	}

	if err := removeScript.Run(ctx, r.client,
		[]string{r.sessionKey(sessionID), r.indexKey(), customerPointer}, sessionID,
	).Err(); err != nil {
		return backendError("remove queue entry", err)
	}
	return nil
}

func (r *queueRepository) List(ctx context.Context, filter QueueFilter) ([]domain.QueueEntry, int, error) {
	entries, err := r.scan(ctx)
	if err != nil {
		return nil, 0, err
	}

	matched := make([]domain.QueueEntry, 0, len(entries))
	for _, entry := range entries {
		if filter.matches(&entry) {
			matched = append(matched, entry)
		}
	}

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []domain.QueueEntry{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r *queueRepository) Statistics(ctx context.Context) (*domain.QueueStatistics, error) {
	entries, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}

	stats := &domain.QueueStatistics{
		Total: len(entries),
		PerStatus: map[domain.QueueStatus]int{
			domain.QueueStatusBot:     0,
			domain.QueueStatusWaiting: 0,
			domain.QueueStatusService: 0,
		},
	}
	var waited time.Duration
	attended := 0
	for i := range entries {
		stats.PerStatus[entries[i].Status]++
		if wait, ok := entries[i].WaitingTime(); ok {
			waited += wait
			attended++
		}
	}
	if attended > 0 {
		stats.AverageWaitingTime = waited / time.Duration(attended)
	}
	return stats, nil
}

// scan loads every indexed entry, newest first, pruning index members whose record is gone.
func (r *queueRepository) scan(ctx context.Context) ([]domain.QueueEntry, error) {
	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, backendError("read queue index", err)
	}

	entries := make([]domain.QueueEntry, 0, len(ids))
	var stale []any
	for start := 0; start < len(ids); start += scanBatchSize {
		end := start + scanBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		keys := make([]string, len(batch))
		for i, id := range batch {
			keys[i] = r.sessionKey(id)
		}

		values, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, backendError("load queue entries", err)
		}
		for i, val := range values {
			raw, ok := val.(string)
			if !ok {
				stale = append(stale, batch[i])
				continue
			}
			entry, err := decodeEntry([]byte(raw))
			if err != nil {
				return nil, err
			}
			entries = append(entries, *entry)
		}
	}

	if len(stale) > 0 {
		_ = r.client.ZRem(ctx, r.indexKey(), stale...).Err()
	}
	return entries, nil
}

var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (r *queueRepository) deleteIfEquals(ctx context.Context, key, expected string) {
	_ = compareAndDeleteScript.Run(ctx, r.client, []string{key}, expected).Err()
}

func (f QueueFilter) matches(entry *domain.QueueEntry) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if entry.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UserID != nil && (entry.AssignedUserID == nil || *entry.AssignedUserID != *f.UserID) {
		return false
	}
	if f.CustomerID != nil && entry.CustomerID != *f.CustomerID {
		return false
	}
	if f.Platform != nil && entry.Platform != *f.Platform {
		return false
	}
	if f.CreatedFrom != nil && entry.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && entry.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	return true
}

func decodeEntry(data []byte) (*domain.QueueEntry, error) {
	var entry domain.QueueEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode queue entry: %w", err)
	}
	return &entry, nil
}

func backendError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.NewTransient(op+" timed out", err)
	}
	return apperrors.NewTransient(op+" failed", err)
}
