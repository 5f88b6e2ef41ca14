package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/model"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/service"
	"github.com/fairyhunter13/coupon-issuance-pipeline/pkg/database"
)

// UserCouponRepository is the uniqueness registry of (user, coupon) issuance.
type UserCouponRepository struct {
	pool database.TxQuerier
}

// NewUserCouponRepository creates a new UserCouponRepository with the given pool.
func NewUserCouponRepository(pool *pgxpool.Pool) *UserCouponRepository {
	return &UserCouponRepository{pool: pool}
}

// NewUserCouponRepositoryWithPool creates a new UserCouponRepository with a custom pool interface.
// This is primarily used for testing.
func NewUserCouponRepositoryWithPool(pool database.TxQuerier) *UserCouponRepository {
	return &UserCouponRepository{pool: pool}
}

const existsUserCouponSQL = `SELECT EXISTS (SELECT 1 FROM user_coupons WHERE user_id = $1 AND coupon_id = $2)`

// ExistsFor reports whether the user already holds the coupon. Read path, no locks.
func (r *UserCouponRepository) ExistsFor(ctx context.Context, userID, couponID int64) (bool, error) {
	return r.exists(ctx, r.pool, userID, couponID)
}

// ExistsForTx is ExistsFor inside the caller's transaction.
func (r *UserCouponRepository) ExistsForTx(ctx context.Context, tx database.TxQuerier, userID, couponID int64) (bool, error) {
	return r.exists(ctx, tx, userID, couponID)
}

func (r *UserCouponRepository) exists(ctx context.Context, q database.TxQuerier, userID, couponID int64) (bool, error) {
	var exists bool
	if err := q.QueryRow(ctx, existsUserCouponSQL, userID, couponID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check user coupon (user %d, coupon %d): %w", userID, couponID, err)
	}
	return exists, nil
}

// Insert inserts a new user coupon within a transaction and fills in its ID.
// Returns service.ErrDuplicateIssuance if the user already holds this coupon.
func (r *UserCouponRepository) Insert(ctx context.Context, tx database.TxQuerier, uc *model.UserCoupon) error {
	query := `INSERT INTO user_coupons (user_id, coupon_id, status, issued_at) VALUES ($1, $2, $3, $4) RETURNING id`

	err := tx.QueryRow(ctx, query, uc.UserID, uc.CouponID, string(uc.Status), uc.IssuedAt).Scan(&uc.ID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return service.ErrDuplicateIssuance
		}
		return fmt.Errorf("insert user coupon: %w", err)
	}
	return nil
}

// CountByCoupon returns how many users hold the coupon.
func (r *UserCouponRepository) CountByCoupon(ctx context.Context, couponID int64) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM user_coupons WHERE coupon_id = $1`, couponID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count user coupons for coupon %d: %w", couponID, err)
	}
	return n, nil
}
