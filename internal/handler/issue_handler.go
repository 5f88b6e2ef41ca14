package handler

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/model"
)

// AdmissionServiceInterface defines the admission operations used by IssueHandler.
type AdmissionServiceInterface interface {
	RequestIssuance(ctx context.Context, userID, couponID int64) (*model.Admission, error)
	QueueSize(ctx context.Context, couponID int64) (int64, error)
}

// IssueHandler handles HTTP requests for coupon issuance.
type IssueHandler struct {
	service AdmissionServiceInterface
}

// NewIssueHandler creates a new IssueHandler with the given service.
func NewIssueHandler(svc AdmissionServiceInterface) *IssueHandler {
	return &IssueHandler{service: svc}
}

// parseID reads a positive integer id. Anything else reports false.
func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// IssueCoupon handles POST /coupons/:couponId/issue?userId= requests.
// The response reports admission only; issuance completes asynchronously.
func (h *IssueHandler) IssueCoupon(c *fiber.Ctx) error {
	couponID, okCoupon := parseID(c.Params("couponId"))
	userID, okUser := parseID(c.Query("userId"))
	if !okCoupon || !okUser {
		return c.Status(fiber.StatusBadRequest).JSON(model.IssueResponse{
			Success: false,
			Message: model.RejectInvalidRequest.Message(),
		})
	}

	adm, err := h.service.RequestIssuance(c.Context(), userID, couponID)
	if err != nil {
		log.Error().
			Err(err).
			Str("request_id", c.GetRespHeader("X-Request-ID")).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int64("user_id", userID).
			Int64("coupon_id", couponID).
			Msg("failed to admit issue request")
		return c.Status(fiber.StatusInternalServerError).JSON(model.IssueResponse{
			Success: false,
			Message: "internal server error",
		})
	}

	if !adm.Accepted {
		return c.Status(fiber.StatusBadRequest).JSON(model.IssueResponse{
			Success: false,
			Message: adm.Reason.Message(),
		})
	}

	log.Info().
		Str("request_id", c.GetRespHeader("X-Request-ID")).
		Str("issue_request_id", adm.RequestID).
		Int64("user_id", userID).
		Int64("coupon_id", couponID).
		Msg("issue request accepted")

	return c.Status(fiber.StatusOK).JSON(model.IssueResponse{
		Success:   true,
		RequestID: adm.RequestID,
	})
}

// QueueSize handles GET /coupons/:couponId/queue-size requests.
func (h *IssueHandler) QueueSize(c *fiber.Ctx) error {
	couponID, ok := parseID(c.Params("couponId"))
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request: couponId must be positive",
		})
	}

	size, err := h.service.QueueSize(c.Context(), couponID)
	if err != nil {
		log.Error().Err(err).Int64("coupon_id", couponID).Msg("failed to read queue size")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal server error",
		})
	}

	return c.JSON(model.QueueSizeResponse{CouponID: couponID, QueueSize: size})
}
