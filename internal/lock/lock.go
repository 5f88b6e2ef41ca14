// Package lock provides named, lease-based mutual exclusion shared across processes.
//
// Every backend implements Manager. The key for issuance is scoped per coupon
// (see CouponKey) so unrelated coupons never contend with each other.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAcquisitionFailed is returned when the lock could not be taken within the wait timeout.
	// Callers treat it as transient.
	ErrAcquisitionFailed = errors.New("lock acquisition failed")

	// ErrLeaseLost is the cancellation cause of the body's context when the
	// holder stops owning the lock before the body finished.
	ErrLeaseLost = errors.New("lock lease lost")
)

// Manager runs fn while holding the named lock.
//
// WithLock waits up to waitTimeout to acquire the lock and holds it for at most
// leaseTime unless the backend extends the lease. The lock is released after fn
// returns, but only if this caller still owns it.
type Manager interface {
	WithLock(ctx context.Context, key string, waitTimeout, leaseTime time.Duration, fn func(ctx context.Context) error) error
}

// WithLockValue is WithLock for bodies that produce a value.
func WithLockValue[T any](ctx context.Context, m Manager, key string, waitTimeout, leaseTime time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.WithLock(ctx, key, waitTimeout, leaseTime, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// CouponKey is the lock key guarding stock changes of one coupon.
func CouponKey(couponID int64) string {
	return fmt.Sprintf("coupon-issue:%d", couponID)
}

// Guard binds a Manager to the timeouts used for one kind of critical section.
type Guard struct {
	Manager     Manager
	WaitTimeout time.Duration
	LeaseTime   time.Duration
}

// Run is WithLock with the guard's timeouts.
func (g Guard) Run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return g.Manager.WithLock(ctx, key, g.WaitTimeout, g.LeaseTime, fn)
}
