package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omnichannel-hub/session-queue/internal/domain"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// CustomerRepository resolves customers by platform identity.
type CustomerRepository interface {
	// FindByPlatformID returns nil, nil when no customer exists.
	FindByPlatformID(ctx context.Context, platformID string, platform domain.Platform) (*domain.Customer, error)
	GetByID(ctx context.Context, id string) (*domain.Customer, error)
	// Create returns a Conflict error when (platformID, platform) already exists.
	Create(ctx context.Context, customer *domain.Customer) error
	Update(ctx context.Context, id string, patch domain.CustomerPatch) (*domain.Customer, error)
}

type customerRepository struct {
	pool *pgxpool.Pool
}

// NewCustomerRepository constructs repository.
func NewCustomerRepository(pool *pgxpool.Pool) CustomerRepository {
	return &customerRepository{pool: pool}
}

const customerColumns = `id, platform_id, platform, instance_id, name, picture_url, created_at, updated_at`

func (r *customerRepository) FindByPlatformID(ctx context.Context, platformID string, platform domain.Platform) (*domain.Customer, error) {
	const query = `SELECT ` + customerColumns + ` FROM customers WHERE platform_id=$1 AND platform=$2`
	customer, err := r.fetchSingle(ctx, query, platformID, platform)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgError("find customer", err)
	}
	return customer, nil
}

func (r *customerRepository) GetByID(ctx context.Context, id string) (*domain.Customer, error) {
	const query = `SELECT ` + customerColumns + ` FROM customers WHERE id=$1`
	customer, err := r.fetchSingle(ctx, query, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("customer", map[string]any{"customer_id": id})
	}
	if err != nil {
		return nil, pgError("get customer", err)
	}
	return customer, nil
}

func (r *customerRepository) Create(ctx context.Context, customer *domain.Customer) error {
	const query = `
        INSERT INTO customers (platform_id, platform, instance_id, name, picture_url)
        VALUES ($1,$2,$3,$4,$5)
        RETURNING id, created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		customer.PlatformID,
		customer.Platform,
		customer.InstanceID,
		customer.Name,
		customer.PictureURL,
	).Scan(&customer.ID, &customer.CreatedAt, &customer.UpdatedAt)
	if err != nil {
		return pgError("create customer", err)
	}
	return nil
}

func (r *customerRepository) Update(ctx context.Context, id string, patch domain.CustomerPatch) (*domain.Customer, error) {
	const query = `
        UPDATE customers SET name=COALESCE($1, name), picture_url=COALESCE($2, picture_url), updated_at=NOW()
        WHERE id=$3
        RETURNING ` + customerColumns
	customer, err := r.fetchSingle(ctx, query, patch.Name, patch.PictureURL, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("customer", map[string]any{"customer_id": id})
	}
	if err != nil {
		return nil, pgError("update customer", err)
	}
	return customer, nil
}

func (r *customerRepository) fetchSingle(ctx context.Context, query string, args ...any) (*domain.Customer, error) {
	var customer domain.Customer
	if err := r.pool.QueryRow(ctx, query, args...).Scan(
		&customer.ID,
		&customer.PlatformID,
		&customer.Platform,
		&customer.InstanceID,
		&customer.Name,
		&customer.PictureURL,
		&customer.CreatedAt,
		&customer.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &customer, nil
}
