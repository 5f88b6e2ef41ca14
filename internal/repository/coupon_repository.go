package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/model"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/service"
	"github.com/fairyhunter13/coupon-issuance-pipeline/pkg/database"
)

// PoolInterface defines the database operations needed by repositories.
// This allows for easier testing with mocks.
type PoolInterface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const couponColumns = `id, description, discount_amount, stock, status, created_at`

// CouponRepository provides data access for coupons using pgx.
type CouponRepository struct {
	pool PoolInterface
}

// NewCouponRepository creates a new CouponRepository with the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// NewCouponRepositoryWithPool creates a new CouponRepository with a custom pool interface.
// This is primarily used for testing.
func NewCouponRepositoryWithPool(pool PoolInterface) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// Insert inserts a new coupon and fills in its ID and CreatedAt.
func (r *CouponRepository) Insert(ctx context.Context, coupon *model.Coupon) error {
	if coupon.Status == "" {
		coupon.Status = model.CouponStatusOpen
	}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO coupons (description, discount_amount, stock, status) VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		coupon.Description, coupon.DiscountAmount, coupon.Stock, string(coupon.Status),
	).Scan(&coupon.ID, &coupon.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return service.ErrCouponExists
		}
		return fmt.Errorf("insert coupon: %w", err)
	}
	return nil
}

// GetByID retrieves a coupon without locking it.
// Returns nil, nil if the coupon is not found (service layer handles this).
func (r *CouponRepository) GetByID(ctx context.Context, id int64) (*model.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1`

	coupon, err := scanCoupon(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get coupon %d: %w", id, err)
	}
	return coupon, nil
}

// GetForUpdate retrieves a coupon with a row lock (SELECT FOR UPDATE).
// This locks the row until the transaction completes.
// Returns service.ErrCouponNotFound if the coupon doesn't exist.
func (r *CouponRepository) GetForUpdate(ctx context.Context, tx database.TxQuerier, id int64) (*model.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1 FOR UPDATE`

	coupon, err := scanCoupon(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, service.ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon for update %d: %w", id, err)
	}
	return coupon, nil
}

// Save persists the stock and status of a coupon.
// Must be called within a transaction after locking the row.
func (r *CouponRepository) Save(ctx context.Context, tx database.TxQuerier, coupon *model.Coupon) error {
	query := `UPDATE coupons SET stock = $2, status = $3, updated_at = NOW() WHERE id = $1`

	tag, err := tx.Exec(ctx, query, coupon.ID, coupon.Stock, string(coupon.Status))
	if err != nil {
		return fmt.Errorf("save coupon %d: %w", coupon.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return service.ErrCouponNotFound
	}
	return nil
}

func scanCoupon(row pgx.Row) (*model.Coupon, error) {
	var coupon model.Coupon
	var status string
	err := row.Scan(
		&coupon.ID,
		&coupon.Description,
		&coupon.DiscountAmount,
		&coupon.Stock,
		&status,
		&coupon.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	coupon.Status = model.CouponStatus(status)
	return &coupon, nil
}
