package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/metrics"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/model"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/queue"
)

// UserActiveChecker answers whether a user may receive coupons.
type UserActiveChecker interface {
	IsActive(ctx context.Context, userID int64) (bool, error)
}

// CouponReader loads a coupon without locking it.
type CouponReader interface {
	GetByID(ctx context.Context, id int64) (*model.Coupon, error)
}

// IssuanceChecker reports whether a user already holds a coupon.
type IssuanceChecker interface {
	ExistsFor(ctx context.Context, userID, couponID int64) (bool, error)
}

// AdmissionService decides quickly whether an issuance request is worth queueing.
//
// Every check here reads a snapshot and never takes the issuance lock, so a
// request that passes can still be rejected by the worker.
type AdmissionService struct {
	users       UserActiveChecker
	coupons     CouponReader
	userCoupons IssuanceChecker
	queue       queue.Queue
	now         func() time.Time
}

// NewAdmissionService creates a new AdmissionService.
func NewAdmissionService(users UserActiveChecker, coupons CouponReader, userCoupons IssuanceChecker, q queue.Queue) *AdmissionService {
	return &AdmissionService{
		users:       users,
		coupons:     coupons,
		userCoupons: userCoupons,
		queue:       q,
		now:         time.Now,
	}
}

// RequestIssuance admits or rejects a request. Rejections come back as a
// non-accepted Admission; an error means a collaborator failed.
func (s *AdmissionService) RequestIssuance(ctx context.Context, userID, couponID int64) (*model.Admission, error) {
	if userID <= 0 || couponID <= 0 {
		return s.reject(userID, couponID, model.RejectInvalidRequest), nil
	}

	active, err := s.users.IsActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("check user: %w", err)
	}
	if !active {
		return s.reject(userID, couponID, model.RejectUserInactive), nil
	}

	coupon, err := s.coupons.GetByID(ctx, couponID)
	if err != nil {
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	if coupon == nil || coupon.Status != model.CouponStatusOpen {
		return s.reject(userID, couponID, model.RejectInvalidCoupon), nil
	}
	if coupon.Stock <= 0 {
		return s.reject(userID, couponID, model.RejectOutOfStock), nil
	}

	issued, err := s.userCoupons.ExistsFor(ctx, userID, couponID)
	if err != nil {
		return nil, fmt.Errorf("check issuance: %w", err)
	}
	if issued {
		return s.reject(userID, couponID, model.RejectDuplicateIssuance), nil
	}

	req := model.NewIssueRequest(userID, couponID, s.now())
	if err := s.queue.Enqueue(ctx, req); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	metrics.ObserveAdmission("accepted")
	log.Debug().
		Str("request_id", req.RequestID).
		Int64("user_id", userID).
		Int64("coupon_id", couponID).
		Msg("issue request admitted")

	return &model.Admission{Accepted: true, RequestID: req.RequestID}, nil
}

// QueueSize returns the number of requests waiting for the coupon.
func (s *AdmissionService) QueueSize(ctx context.Context, couponID int64) (int64, error) {
	return s.queue.Size(ctx, couponID)
}

func (s *AdmissionService) reject(userID, couponID int64, reason model.RejectReason) *model.Admission {
	metrics.ObserveAdmission(string(reason))
	log.Debug().
		Int64("user_id", userID).
		Int64("coupon_id", couponID).
		Str("reason", string(reason)).
		Msg("issue request rejected at admission")
	return &model.Admission{Accepted: false, Reason: reason}
}
