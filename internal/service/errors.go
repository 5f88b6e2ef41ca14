package service

import (
	"errors"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/model"
)

var (
	// ErrCouponExists is returned when attempting to create a coupon that already exists
	ErrCouponExists = errors.New("coupon already exists")

	// ErrCouponNotFound is returned when a coupon cannot be found
	ErrCouponNotFound = errors.New("coupon not found")

	// ErrInvalidRequest is returned when request data is invalid or incomplete
	ErrInvalidRequest = errors.New("invalid request")

	// ErrValidationFailed is returned for malformed issuance requests; they are dropped, never retried
	ErrValidationFailed = errors.New("validation failed")

	// ErrDuplicateIssuance is returned when the user already holds the coupon
	ErrDuplicateIssuance = errors.New("coupon already issued to user")

	// ErrOutOfStock is returned when a coupon has no remaining stock
	ErrOutOfStock = model.ErrOutOfStock

	// ErrInvalidState is returned when a coupon is closed
	ErrInvalidState = model.ErrInvalidState

	// ErrPersistence tags storage failures; they are retried, never dropped
	ErrPersistence = errors.New("persistence failure")
)
