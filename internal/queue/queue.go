// Package queue carries admitted issuance requests to the issuance worker.
//
// Two bindings share the producer contract: a Redis list per coupon drained by a
// poll scheduler, and a Kafka topic keyed by coupon so each coupon stays on one
// partition. Both deliver at least once: a request leaves the queue only when
// the worker acknowledges it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/model"
)

// Queue is the producer side shared by both bindings.
type Queue interface {
	Enqueue(ctx context.Context, req model.CouponIssueRequest) error
	Size(ctx context.Context, couponID int64) (int64, error)
}

// Delivery is a request claimed by a worker and awaiting Ack or Nack.
type Delivery struct {
	Request model.CouponIssueRequest

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// NewDelivery wraps a request with binding-specific settle functions.
func NewDelivery(req model.CouponIssueRequest, ack, nack func(ctx context.Context) error) *Delivery {
	return &Delivery{Request: req, ack: ack, nack: nack}
}

// Ack removes the request from the queue for good.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack hands the request back so it is delivered again.
func (d *Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

func encodeRequest(req model.CouponIssueRequest) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode issue request %s: %w", req.RequestID, err)
	}
	return b, nil
}

// decodeRequest never fails: a malformed payload becomes a zero request, which
// the worker rejects as invalid and acknowledges instead of redelivering forever.
func decodeRequest(payload []byte) model.CouponIssueRequest {
	var req model.CouponIssueRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Warn().Err(err).Int("payload_bytes", len(payload)).Msg("malformed issue request payload")
		return model.CouponIssueRequest{}
	}
	return req
}
