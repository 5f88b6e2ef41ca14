package model

import (
	"time"

	"github.com/google/uuid"
)

// UserCouponStatus is the state of an issued coupon held by a user.
type UserCouponStatus string

const (
	UserCouponStatusIssued UserCouponStatus = "ISSUED"
	UserCouponStatusUsed   UserCouponStatus = "USED"
)

// UserCoupon is one coupon issued to one user. At most one exists per (UserID, CouponID).
type UserCoupon struct {
	ID       int64            `json:"userCouponId"`
	UserID   int64            `json:"userId"`
	CouponID int64            `json:"couponId"`
	Status   UserCouponStatus `json:"status"`
	IssuedAt time.Time        `json:"issuedAt"`
	UsedAt   *time.Time       `json:"usedAt"`
}

// CouponIssueRequest is an admitted issuance request travelling through the queue.
// It is immutable once created.
type CouponIssueRequest struct {
	RequestID string `json:"requestId" validate:"required,notblank"`
	UserID    int64  `json:"userId" validate:"gt=0"`
	CouponID  int64  `json:"couponId" validate:"gt=0"`
	Timestamp int64  `json:"timestamp" validate:"gt=0"` // unix millis
}

// NewIssueRequest builds a request with a fresh random request ID.
func NewIssueRequest(userID, couponID int64, now time.Time) CouponIssueRequest {
	return CouponIssueRequest{
		RequestID: uuid.NewString(),
		UserID:    userID,
		CouponID:  couponID,
		Timestamp: now.UnixMilli(),
	}
}

// RejectReason explains why admission turned a request away.
type RejectReason string

const (
	RejectInvalidRequest    RejectReason = "INVALID_REQUEST"
	RejectUserInactive      RejectReason = "USER_INACTIVE"
	RejectInvalidCoupon     RejectReason = "INVALID_COUPON"
	RejectOutOfStock        RejectReason = "OUT_OF_STOCK"
	RejectDuplicateIssuance RejectReason = "DUPLICATE_ISSUANCE"
)

var rejectMessages = map[RejectReason]string{
	RejectInvalidRequest:    "invalid request: userId and couponId must be positive",
	RejectUserInactive:      "user is not active",
	RejectInvalidCoupon:     "coupon not found or closed",
	RejectOutOfStock:        "coupon out of stock",
	RejectDuplicateIssuance: "coupon already issued to user",
}

// Message returns the user-facing text for the reason.
func (r RejectReason) Message() string {
	if msg, ok := rejectMessages[r]; ok {
		return msg
	}
	return "request rejected"
}

// Admission is the outcome of the admission step. It says nothing about final issuance.
type Admission struct {
	Accepted  bool
	RequestID string
	Reason    RejectReason
}

// IssueResponse is the API response DTO for POST /coupons/:couponId/issue
type IssueResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// QueueSizeResponse is the API response DTO for GET /coupons/:couponId/queue-size
type QueueSizeResponse struct {
	CouponID  int64 `json:"couponId"`
	QueueSize int64 `json:"queueSize"`
}
