package model

import (
	"errors"
	"time"
)

// CouponStatus is the lifecycle state of a coupon.
type CouponStatus string

const (
	CouponStatusOpen   CouponStatus = "OPEN"
	CouponStatusClosed CouponStatus = "CLOSED"
)

// MaxCouponStock is the largest stock a coupon can be created with.
const MaxCouponStock = 1000

var (
	// ErrOutOfStock is returned by Issue when no stock remains.
	ErrOutOfStock = errors.New("coupon out of stock")

	// ErrInvalidState is returned by Issue when the coupon is not open.
	ErrInvalidState = errors.New("coupon is not open for issuance")
)

// Coupon represents a coupon in the system
type Coupon struct {
	ID             int64        `json:"couponId"`
	Description    string       `json:"description"`
	DiscountAmount int          `json:"discountAmount"`
	Stock          int          `json:"stock"`
	Status         CouponStatus `json:"status"`
	CreatedAt      time.Time    `json:"-"` // Not exposed in API
}

// CanIssue reports whether Issue would succeed right now.
func (c *Coupon) CanIssue() bool {
	return c.Status == CouponStatusOpen && c.Stock > 0
}

// Issue takes one unit of stock. Persisting the change is up to the caller.
func (c *Coupon) Issue() error {
	if c.Status != CouponStatusOpen {
		return ErrInvalidState
	}
	if c.Stock <= 0 {
		return ErrOutOfStock
	}
	c.Stock--
	return nil
}

// Close moves the coupon to CLOSED. Closing twice has no further effect.
func (c *Coupon) Close() {
	c.Status = CouponStatusClosed
}

// CouponResponse is the API response DTO for GET /coupons/:couponId
type CouponResponse struct {
	Coupon
	QueueSize int64 `json:"queueSize"`
}

// CreateCouponRequest is the DTO for creating a coupon
type CreateCouponRequest struct {
	Description    string `json:"description" validate:"required,notblank,max=255"`
	DiscountAmount *int   `json:"discountAmount" validate:"required,gte=1"`
	Stock          *int   `json:"stock" validate:"required,gte=0,lte=1000"`
}
