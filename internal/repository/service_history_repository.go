package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omnichannel-hub/session-queue/internal/domain"
)

// ServiceHistoryRepository stores sessions that have left the queue.
type ServiceHistoryRepository interface {
	Record(ctx context.Context, record *domain.ServiceHistory) error
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.ServiceHistory, error)
}

type serviceHistoryRepository struct {
	pool *pgxpool.Pool
}

// NewServiceHistoryRepository builds repository.
func NewServiceHistoryRepository(pool *pgxpool.Pool) ServiceHistoryRepository {
	return &serviceHistoryRepository{pool: pool}
}

// Record is idempotent per session: finishing the same session twice keeps the first record.
func (r *serviceHistoryRepository) Record(ctx context.Context, record *domain.ServiceHistory) error {
	const query = `
        INSERT INTO service_history (session_id, customer_id, assigned_user_id, platform, created_at, attended_at, finished_at, metadata)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (session_id) DO UPDATE SET session_id = EXCLUDED.session_id
        RETURNING id`
	var metadata []byte
	if len(record.Metadata) > 0 {
		encoded, err := json.Marshal(record.Metadata)
		if err != nil {
			return fmt.Errorf("encode history metadata: %w", err)
		}
		metadata = encoded
	}
	if err := r.pool.QueryRow(ctx, query,
		record.SessionID,
		record.CustomerID,
		record.AssignedUserID,
		record.Platform,
		record.CreatedAt,
		record.AttendedAt,
		record.FinishedAt,
		metadata,
	).Scan(&record.ID); err != nil {
		return pgError("record service history", err)
	}
	return nil
}

func (r *serviceHistoryRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.ServiceHistory, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`
        SELECT id, session_id, customer_id, assigned_user_id, platform, created_at, attended_at, finished_at, metadata
        FROM service_history WHERE customer_id=$1 ORDER BY finished_at DESC LIMIT %d`, limit)
	rows, err := r.pool.Query(ctx, query, customerID)
	if err != nil {
		return nil, pgError("list service history", err)
	}
	defer rows.Close()

	var result []domain.ServiceHistory
	for rows.Next() {
		var (
			record   domain.ServiceHistory
			metadata []byte
		)
		if err := rows.Scan(
			&record.ID,
			&record.SessionID,
			&record.CustomerID,
			&record.AssignedUserID,
			&record.Platform,
			&record.CreatedAt,
			&record.AttendedAt,
			&record.FinishedAt,
			&metadata,
		); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
				return nil, fmt.Errorf("decode history metadata: %w", err)
			}
		}
		result = append(result, record)
	}
	return result, rows.Err()
}
