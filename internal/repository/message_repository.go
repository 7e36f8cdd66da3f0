package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omnichannel-hub/session-queue/internal/domain"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// ErrDuplicateMessage reports an insert whose (platform, messageId) is already stored.
var ErrDuplicateMessage = apperrors.NewConflict("message already stored", nil)

// MessageRepository is the durable message history.
type MessageRepository interface {
	Create(ctx context.Context, msg *domain.CanonicalMessage) error
	GetByMessageID(ctx context.Context, platform domain.Platform, messageID string) (*domain.CanonicalMessage, error)
	FindByMessageID(ctx context.Context, messageID string) (*domain.CanonicalMessage, error)
	UpdateStatus(ctx context.Context, platform domain.Platform, messageID string, status domain.MessageStatus) (*domain.CanonicalMessage, error)
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]domain.CanonicalMessage, error)
	ListRecent(ctx context.Context, sessionID string, limit int) ([]domain.CanonicalMessage, error)
	SessionStats(ctx context.Context, sessionID string) (count int64, first, last *time.Time, err error)
}

type messageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository instantiates repository.
func NewMessageRepository(pool *pgxpool.Pool) MessageRepository {
	return &messageRepository{pool: pool}
}

const messageColumns = `id, message_id, session_id, sender_type, recipient_type, customer_id, user_id,
               from_me, is_group, body, media_ref, type, platform, status, reply_to_message_id,
               metadata, sent_at, created_at, updated_at`

func (r *messageRepository) Create(ctx context.Context, msg *domain.CanonicalMessage) error {
	const query = `
        INSERT INTO messages (id, message_id, session_id, sender_type, recipient_type, customer_id, user_id,
            from_me, is_group, body, media_ref, type, platform, status, reply_to_message_id, metadata, sent_at,
            created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
        ON CONFLICT (platform, message_id) DO NOTHING
        RETURNING created_at, updated_at`
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	var metadata []byte
	if len(msg.Metadata) > 0 {
		metadata = msg.Metadata
	}
	err := r.pool.QueryRow(ctx, query,
		msg.ID,
		msg.MessageID,
		msg.SessionID,
		msg.SenderType,
		msg.RecipientType,
		msg.CustomerID,
		msg.UserID,
		msg.FromMe,
		msg.IsGroup,
		msg.Body,
		msg.MediaRef,
		msg.Type,
		msg.Platform,
		msg.Status,
		msg.ReplyToMessageID,
		metadata,
		msg.SentAt,
		msg.CreatedAt,
		msg.UpdatedAt,
	).Scan(&msg.CreatedAt, &msg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateMessage
	}
	if err != nil {
		return pgError("create message", err)
	}
	return nil
}

func (r *messageRepository) GetByMessageID(ctx context.Context, platform domain.Platform, messageID string) (*domain.CanonicalMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE platform=$1 AND message_id=$2`
	return r.fetchSingle(ctx, query, platform, messageID)
}

// FindByMessageID is used when the platform of an ack is unknown; the newest match wins.
func (r *messageRepository) FindByMessageID(ctx context.Context, messageID string) (*domain.CanonicalMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE message_id=$1 ORDER BY created_at DESC LIMIT 1`
	return r.fetchSingle(ctx, query, messageID)
}

func (r *messageRepository) UpdateStatus(ctx context.Context, platform domain.Platform, messageID string, status domain.MessageStatus) (*domain.CanonicalMessage, error) {
	query := `
        UPDATE messages SET status=$1, updated_at=NOW()
        WHERE platform=$2 AND message_id=$3
        RETURNING ` + messageColumns
	return r.fetchSingle(ctx, query, status, platform, messageID)
}

func (r *messageRepository) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]domain.CanonicalMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE session_id=$1 ORDER BY sent_at ASC, created_at ASC LIMIT %d OFFSET %d`,
		messageColumns, limit, offset)
	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, pgError("list messages", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *messageRepository) ListRecent(ctx context.Context, sessionID string, limit int) ([]domain.CanonicalMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE session_id=$1 ORDER BY sent_at DESC, created_at DESC LIMIT %d`,
		messageColumns, limit)
	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, pgError("list recent messages", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *messageRepository) SessionStats(ctx context.Context, sessionID string) (int64, *time.Time, *time.Time, error) {
	const query = `SELECT COUNT(*), MIN(sent_at), MAX(sent_at) FROM messages WHERE session_id=$1`
	var (
		count       int64
		first, last *time.Time
	)
	if err := r.pool.QueryRow(ctx, query, sessionID).Scan(&count, &first, &last); err != nil {
		return 0, nil, nil, pgError("message stats", err)
	}
	return count, first, last, nil
}

func (r *messageRepository) fetchSingle(ctx context.Context, query string, args ...any) (*domain.CanonicalMessage, error) {
	msg, err := scanMessage(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("message", nil)
	}
	if err != nil {
		return nil, pgError("fetch message", err)
	}
	return msg, nil
}

func scanMessage(row pgx.Row) (*domain.CanonicalMessage, error) {
	var (
		msg      domain.CanonicalMessage
		metadata []byte
	)
	if err := row.Scan(
		&msg.ID,
		&msg.MessageID,
		&msg.SessionID,
		&msg.SenderType,
		&msg.RecipientType,
		&msg.CustomerID,
		&msg.UserID,
		&msg.FromMe,
		&msg.IsGroup,
		&msg.Body,
		&msg.MediaRef,
		&msg.Type,
		&msg.Platform,
		&msg.Status,
		&msg.ReplyToMessageID,
		&metadata,
		&msg.SentAt,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		msg.Metadata = metadata
	}
	return &msg, nil
}

func scanMessages(rows pgx.Rows) ([]domain.CanonicalMessage, error) {
	var result []domain.CanonicalMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *msg)
	}
	return result, rows.Err()
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func pgError(op string, err error) error {
	if isUniqueViolation(err) {
		return apperrors.NewConflict(op+": duplicate key", nil)
	}
	return backendError(op, err)
}
