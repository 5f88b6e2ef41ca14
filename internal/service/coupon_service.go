package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/lock"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/model"
	"github.com/fairyhunter13/coupon-issuance-pipeline/pkg/database"
)

// CouponRepositoryInterface defines the interface for coupon data access.
type CouponRepositoryInterface interface {
	Insert(ctx context.Context, coupon *model.Coupon) error
	GetByID(ctx context.Context, id int64) (*model.Coupon, error)
	GetForUpdate(ctx context.Context, tx database.TxQuerier, id int64) (*model.Coupon, error)
	Save(ctx context.Context, tx database.TxQuerier, coupon *model.Coupon) error
}

// QueueSizer reports how many issuance requests wait for a coupon.
type QueueSizer interface {
	Size(ctx context.Context, couponID int64) (int64, error)
}

// TxBeginner defines the interface for beginning transactions.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CouponService provides the administrative coupon operations.
type CouponService struct {
	pool       TxBeginner
	couponRepo CouponRepositoryInterface
	queue      QueueSizer
	guard      lock.Guard
}

// NewCouponService creates a new CouponService with the given pool and collaborators.
func NewCouponService(pool *pgxpool.Pool, couponRepo CouponRepositoryInterface, queue QueueSizer, guard lock.Guard) *CouponService {
	return &CouponService{
		pool:       pool,
		couponRepo: couponRepo,
		queue:      queue,
		guard:      guard,
	}
}

// NewCouponServiceWithTxBeginner creates a CouponService with a custom TxBeginner.
// Primarily used for testing.
func NewCouponServiceWithTxBeginner(pool TxBeginner, couponRepo CouponRepositoryInterface, queue QueueSizer, guard lock.Guard) *CouponService {
	return &CouponService{
		pool:       pool,
		couponRepo: couponRepo,
		queue:      queue,
		guard:      guard,
	}
}

// Create creates a new open coupon from the request.
// Returns ErrInvalidRequest if request data is nil or incomplete.
func (s *CouponService) Create(ctx context.Context, req *model.CreateCouponRequest) (*model.Coupon, error) {
	// Defense-in-depth: check for nil pointers even though handler validates
	if req == nil || req.DiscountAmount == nil || req.Stock == nil {
		return nil, ErrInvalidRequest
	}
	if *req.Stock < 0 || *req.Stock > model.MaxCouponStock {
		return nil, ErrInvalidRequest
	}

	coupon := &model.Coupon{
		Description:    req.Description,
		DiscountAmount: *req.DiscountAmount,
		Stock:          *req.Stock,
		Status:         model.CouponStatusOpen,
	}
	if err := s.couponRepo.Insert(ctx, coupon); err != nil {
		return nil, err
	}

	log.Info().
		Int64("coupon_id", coupon.ID).
		Int("stock", coupon.Stock).
		Msg("coupon created")
	return coupon, nil
}

// Get retrieves a coupon together with its current queue size.
// Returns ErrCouponNotFound if the coupon doesn't exist.
func (s *CouponService) Get(ctx context.Context, id int64) (*model.CouponResponse, error) {
	coupon, err := s.couponRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	if coupon == nil {
		return nil, ErrCouponNotFound
	}

	size, err := s.queue.Size(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get queue size: %w", err)
	}

	return &model.CouponResponse{Coupon: *coupon, QueueSize: size}, nil
}

// Close moves the coupon to CLOSED. It takes the same per-coupon lock and row
// lock as issuance, so no issuance is in flight while the status changes.
func (s *CouponService) Close(ctx context.Context, id int64) (*model.Coupon, error) {
	var closed *model.Coupon
	err := s.guard.Run(ctx, lock.CouponKey(id), func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }() // Safe: no-op if committed

		coupon, err := s.couponRepo.GetForUpdate(ctx, tx, id)
		if err != nil {
			if errors.Is(err, ErrCouponNotFound) {
				return ErrCouponNotFound
			}
			return fmt.Errorf("get coupon for update: %w", err)
		}

		coupon.Close()
		if err := s.couponRepo.Save(ctx, tx, coupon); err != nil {
			return fmt.Errorf("save coupon: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		closed = coupon
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Int64("coupon_id", id).Int("stock", closed.Stock).Msg("coupon closed")
	return closed, nil
}
