package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/lock"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/model"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/service"
	appvalidator "github.com/fairyhunter13/coupon-issuance-pipeline/internal/validator"
)

// CouponServiceInterface defines the interface for coupon administration.
type CouponServiceInterface interface {
	Create(ctx context.Context, req *model.CreateCouponRequest) (*model.Coupon, error)
	Get(ctx context.Context, id int64) (*model.CouponResponse, error)
	Close(ctx context.Context, id int64) (*model.Coupon, error)
}

// CouponHandler handles HTTP requests for coupon operations.
type CouponHandler struct {
	service   CouponServiceInterface
	validator *validator.Validate
}

// NewCouponHandler creates a new CouponHandler with the given service and validator.
func NewCouponHandler(svc CouponServiceInterface, v *validator.Validate) *CouponHandler {
	return &CouponHandler{service: svc, validator: v}
}

// CreateCoupon handles POST /coupons requests to create a new coupon.
func (h *CouponHandler) CreateCoupon(c *fiber.Ctx) error {
	var req model.CreateCouponRequest

	// Parse JSON body
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	// Validate request
	if err := h.validator.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": appvalidator.Message(err)})
	}

	coupon, err := h.service.Create(c.Context(), &req)
	if err != nil {
		if errors.Is(err, service.ErrCouponExists) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "coupon already exists"})
		}
		if errors.Is(err, service.ErrInvalidRequest) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
		}
		log.Error().Err(err).Str("description", req.Description).Msg("failed to create coupon")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}

	return c.Status(fiber.StatusCreated).JSON(coupon)
}

// GetCoupon handles GET /coupons/:couponId requests to retrieve coupon details.
func (h *CouponHandler) GetCoupon(c *fiber.Ctx) error {
	id, ok := parseID(c.Params("couponId"))
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request: couponId must be positive",
		})
	}

	coupon, err := h.service.Get(c.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrCouponNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "coupon not found",
			})
		}
		log.Error().Err(err).Int64("coupon_id", id).Msg("failed to get coupon")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal server error",
		})
	}

	log.Info().
		Int64("coupon_id", coupon.ID).
		Int("stock", coupon.Stock).
		Int64("queue_size", coupon.QueueSize).
		Msg("coupon retrieved")

	return c.JSON(coupon)
}

// CloseCoupon handles POST /coupons/:couponId/close requests.
func (h *CouponHandler) CloseCoupon(c *fiber.Ctx) error {
	id, ok := parseID(c.Params("couponId"))
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request: couponId must be positive",
		})
	}

	coupon, err := h.service.Close(c.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrCouponNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "coupon not found"})
		}
		if errors.Is(err, lock.ErrAcquisitionFailed) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "coupon is busy, retry later"})
		}
		log.Error().Err(err).Int64("coupon_id", id).Msg("failed to close coupon")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}

	return c.JSON(coupon)
}
