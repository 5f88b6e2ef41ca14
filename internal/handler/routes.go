package handler

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

// Handlers groups everything RegisterRoutes mounts.
type Handlers struct {
	Issue   *IssueHandler
	Coupon  *CouponHandler
	Health  *HealthHandler
	Metrics http.Handler
}

// RegisterRoutes mounts the public and admin routes on app.
func RegisterRoutes(app *fiber.App, h Handlers) {
	app.Get("/health", h.Health.Check)
	if h.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(h.Metrics))
	}

	coupons := app.Group("/coupons")
	coupons.Post("/", h.Coupon.CreateCoupon)
	coupons.Get("/:couponId", h.Coupon.GetCoupon)
	coupons.Post("/:couponId/close", h.Coupon.CloseCoupon)
	coupons.Post("/:couponId/issue", h.Issue.IssueCoupon)
	coupons.Get("/:couponId/queue-size", h.Issue.QueueSize)
}
