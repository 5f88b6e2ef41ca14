// Package issuance is the single writer of coupon stock.
//
// A Worker takes one admitted request at a time, serializes on the coupon's
// lock, and runs the duplicate check, stock decrement and user-coupon insert in
// one transaction. Every attempt ends in a Result whose Acknowledge method
// tells the queue binding whether to drop or redeliver the request.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/lock"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/metrics"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/model"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/queue"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/service"
	appvalidator "github.com/fairyhunter13/coupon-issuance-pipeline/internal/validator"
	"github.com/fairyhunter13/coupon-issuance-pipeline/pkg/database"
)

// CouponStore loads and persists coupons inside a transaction.
type CouponStore interface {
	GetForUpdate(ctx context.Context, tx database.TxQuerier, id int64) (*model.Coupon, error)
	Save(ctx context.Context, tx database.TxQuerier, coupon *model.Coupon) error
}

// UserCouponStore is the (user, coupon) uniqueness registry.
type UserCouponStore interface {
	ExistsForTx(ctx context.Context, tx database.TxQuerier, userID, couponID int64) (bool, error)
	Insert(ctx context.Context, tx database.TxQuerier, uc *model.UserCoupon) error
}

// Source hands out the next request to process, or nil when there is none.
type Source interface {
	DequeueNext(ctx context.Context) (*queue.Delivery, error)
}

// Worker processes issuance requests.
type Worker struct {
	pool        service.TxBeginner
	coupons     CouponStore
	userCoupons UserCouponStore
	guard       lock.Guard
	validate    *validator.Validate
	now         func() time.Time
}

// NewWorker creates a Worker.
func NewWorker(pool service.TxBeginner, coupons CouponStore, userCoupons UserCouponStore, guard lock.Guard, validate *validator.Validate) *Worker {
	return &Worker{
		pool:        pool,
		coupons:     coupons,
		userCoupons: userCoupons,
		guard:       guard,
		validate:    validate,
		now:         time.Now,
	}
}

// Handle makes one attempt at issuing the coupon for req.
func (w *Worker) Handle(ctx context.Context, req model.CouponIssueRequest) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("request_id", req.RequestID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("panic while issuing coupon")
			res = Result{Outcome: OutcomeErrorRetry, Kind: KindUnknownError, Request: req, Err: fmt.Errorf("panic: %v", r)}
		}
		w.record(res)
	}()

	uc, err := w.issue(ctx, req)
	return newResult(req, uc, err)
}

// Consume adapts Handle to the log binding: it reports whether to commit.
func (w *Worker) Consume(ctx context.Context, req model.CouponIssueRequest) bool {
	return w.Handle(ctx, req).Acknowledge()
}

// ProcessNext dequeues one request, handles it, and acks or nacks the delivery.
func (w *Worker) ProcessNext(ctx context.Context, src Source) Result {
	d, err := src.DequeueNext(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to dequeue issue request")
		return Result{Outcome: OutcomeErrorRetry, Kind: KindUnknownError, Err: err}
	}
	if d == nil {
		return Result{Outcome: OutcomeEmpty}
	}

	res := w.Handle(ctx, d.Request)
	w.settle(ctx, d, res)
	return res
}

func (w *Worker) settle(ctx context.Context, d *queue.Delivery, res Result) {
	// Settle even when shutting down, or the request waits for Recover.
	ctx = context.WithoutCancel(ctx)

	ack := res.Acknowledge()
	var err error
	if ack {
		err = d.Ack(ctx)
	} else {
		err = d.Nack(ctx)
	}
	metrics.ObserveDelivery(ack)
	if err != nil {
		log.Error().Err(err).
			Str("request_id", d.Request.RequestID).
			Bool("ack", ack).
			Msg("failed to settle delivery")
	}
}

func (w *Worker) issue(ctx context.Context, req model.CouponIssueRequest) (*model.UserCoupon, error) {
	if err := w.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", service.ErrValidationFailed, appvalidator.Message(err))
	}

	waitStart := time.Now()
	return lock.WithLockValue(ctx, w.guard.Manager, lock.CouponKey(req.CouponID), w.guard.WaitTimeout, w.guard.LeaseTime,
		func(ctx context.Context) (*model.UserCoupon, error) {
			metrics.ObserveLockWait(time.Since(waitStart))
			return w.issueInTx(ctx, req)
		})
}

// issueInTx checks uniqueness before touching stock, so a duplicate never
// costs a unit. A duplicate caught by the unique index at insert time rolls
// the decrement back with the rest of the transaction.
func (w *Worker) issueInTx(ctx context.Context, req model.CouponIssueRequest) (*model.UserCoupon, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return nil, persistence("begin tx", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }() // Safe: no-op if committed

	exists, err := w.userCoupons.ExistsForTx(ctx, tx, req.UserID, req.CouponID)
	if err != nil {
		return nil, persistence("check user coupon", err)
	}
	if exists {
		return nil, service.ErrDuplicateIssuance
	}

	coupon, err := w.coupons.GetForUpdate(ctx, tx, req.CouponID)
	if err != nil {
		if errors.Is(err, service.ErrCouponNotFound) {
			return nil, err
		}
		return nil, persistence("get coupon for update", err)
	}

	if err := coupon.Issue(); err != nil {
		return nil, err
	}
	if err := w.coupons.Save(ctx, tx, coupon); err != nil {
		return nil, persistence("save coupon", err)
	}

	uc := &model.UserCoupon{
		UserID:   req.UserID,
		CouponID: req.CouponID,
		Status:   model.UserCouponStatusIssued,
		IssuedAt: w.now(),
	}
	if err := w.userCoupons.Insert(ctx, tx, uc); err != nil {
		if errors.Is(err, service.ErrDuplicateIssuance) {
			return nil, err
		}
		return nil, persistence("insert user coupon", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, persistence("commit", err)
	}
	return uc, nil
}

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", service.ErrPersistence, op, err)
}

func (w *Worker) record(res Result) {
	metrics.ObserveIssuance(string(res.Outcome))

	level, msg := zerolog.InfoLevel, "coupon issued"
	switch res.Outcome {
	case OutcomeIssued:
	case OutcomeErrorRetry:
		level, msg = zerolog.ErrorLevel, "issue request failed, will be redelivered"
	default:
		level, msg = zerolog.WarnLevel, "issue request rejected"
	}

	ev := log.WithLevel(level).
		Str("request_id", res.Request.RequestID).
		Int64("user_id", res.Request.UserID).
		Int64("coupon_id", res.Request.CouponID).
		Str("outcome", string(res.Outcome))
	if res.Kind != KindNone {
		ev = ev.Str("kind", string(res.Kind))
	}
	if res.Err != nil {
		ev = ev.Err(res.Err)
	}
	ev.Msg(msg)
}
