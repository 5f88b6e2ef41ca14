package issuance

import (
	"errors"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/lock"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/model"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/service"
)

// Outcome is the terminal state of one processing attempt.
type Outcome string

const (
	OutcomeIssued             Outcome = "ISSUED"
	OutcomeRejectedDuplicate  Outcome = "REJECTED_DUPLICATE"
	OutcomeRejectedOutOfStock Outcome = "REJECTED_OUT_OF_STOCK"
	OutcomeRejectedInvalid    Outcome = "REJECTED_INVALID"
	OutcomeErrorRetry         Outcome = "ERROR_RETRY"

	// OutcomeEmpty means there was nothing to dequeue.
	OutcomeEmpty Outcome = "EMPTY"
)

// ErrorKind classifies why an attempt did not issue.
type ErrorKind string

const (
	KindNone                  ErrorKind = ""
	KindValidationFailed      ErrorKind = "ValidationFailed"
	KindDuplicateIssuance     ErrorKind = "DuplicateIssuance"
	KindOutOfStock            ErrorKind = "OutOfStock"
	KindInvalidState          ErrorKind = "InvalidState"
	KindLockAcquisitionFailed ErrorKind = "LockAcquisitionFailed"
	KindPersistenceError      ErrorKind = "PersistenceError"
	KindUnknownError          ErrorKind = "UnknownError"
)

// Result is what the worker reports for one request.
type Result struct {
	Outcome    Outcome
	Kind       ErrorKind
	Request    model.CouponIssueRequest
	UserCoupon *model.UserCoupon // set only when Outcome is OutcomeIssued
	Err        error
}

// Acknowledge reports whether the request is finished with and may leave the queue.
// Only transient failures keep it for redelivery.
func (r Result) Acknowledge() bool {
	switch r.Outcome {
	case OutcomeIssued, OutcomeRejectedDuplicate, OutcomeRejectedOutOfStock, OutcomeRejectedInvalid:
		return true
	default:
		return false
	}
}

func newResult(req model.CouponIssueRequest, uc *model.UserCoupon, err error) Result {
	outcome, kind := classify(err)
	res := Result{Outcome: outcome, Kind: kind, Request: req, Err: err}
	if outcome == OutcomeIssued {
		res.UserCoupon = uc
	}
	return res
}

// classify maps an error from the issuance path to its outcome. Lock errors are
// checked first: a body that lost its lease is retried whatever it returned.
func classify(err error) (Outcome, ErrorKind) {
	switch {
	case err == nil:
		return OutcomeIssued, KindNone
	case errors.Is(err, lock.ErrAcquisitionFailed), errors.Is(err, lock.ErrLeaseLost):
		return OutcomeErrorRetry, KindLockAcquisitionFailed
	case errors.Is(err, service.ErrValidationFailed):
		return OutcomeRejectedInvalid, KindValidationFailed
	case errors.Is(err, service.ErrDuplicateIssuance):
		return OutcomeRejectedDuplicate, KindDuplicateIssuance
	case errors.Is(err, service.ErrOutOfStock):
		return OutcomeRejectedOutOfStock, KindOutOfStock
	case errors.Is(err, service.ErrInvalidState), errors.Is(err, service.ErrCouponNotFound):
		return OutcomeRejectedInvalid, KindInvalidState
	case errors.Is(err, service.ErrPersistence):
		return OutcomeErrorRetry, KindPersistenceError
	default:
		return OutcomeErrorRetry, KindUnknownError
	}
}
