package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/bootstrap"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/config"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/handler"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/metrics"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/repository"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/service"
)

func main() {
	// Load configuration first
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	bootstrap.InitLogger(cfg.Log)

	// Create context for startup
	ctx := context.Background()

	rt, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize runtime")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// Initialize Fiber with production-ready configuration
	app := fiber.New(fiber.Config{
		AppName:      "Coupon Issuance Pipeline",
		ReadTimeout:  30 * time.Second,  // Max time to read request
		WriteTimeout: 30 * time.Second,  // Max time to write response
		IdleTimeout:  120 * time.Second, // Max time for keep-alive connections
		BodyLimit:    1 * 1024 * 1024,   // 1MB body limit (explicit, prevents large payloads)
	})

	// Middleware
	app.Use(recover.New())
	app.Use(requestid.New()) // Adds X-Request-ID header to all requests
	app.Use(logger.New())

	// Repositories are shared by admission and the admin surface
	couponRepo := repository.NewCouponRepository(rt.Pool)
	userRepo := repository.NewUserRepository(rt.Pool)
	userCouponRepo := repository.NewUserCouponRepository(rt.Pool)

	admissionService := service.NewAdmissionService(userRepo, couponRepo, userCouponRepo, rt.Queue)
	couponService := service.NewCouponService(rt.Pool, couponRepo, rt.Queue, rt.Guard)

	redisPinger := handler.PingFunc(func(ctx context.Context) error {
		return rt.Redis.Ping(ctx).Err()
	})

	handler.RegisterRoutes(app, handler.Handlers{
		Issue:   handler.NewIssueHandler(admissionService),
		Coupon:  handler.NewCouponHandler(couponService, rt.Validate),
		Health:  handler.NewHealthHandler(rt.Pool, redisPinger),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	// Optional in-process worker for single-node deployments
	workerCtx, stopWorker := context.WithCancel(ctx)
	var workerWG sync.WaitGroup
	if cfg.Worker.Embedded {
		if scheduler, ok := rt.Scheduler(); ok {
			workerWG.Add(1)
			go func() {
				defer workerWG.Done()
				if err := scheduler.Run(workerCtx); err != nil {
					log.Error().Err(err).Msg("embedded issuance scheduler stopped with error")
				}
			}()
		} else {
			log.Warn().Str("binding", cfg.Queue.Binding).Msg("embedded worker only supports the redis binding, run cmd/worker instead")
		}
	}

	// Start server with graceful shutdown
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("starting server")
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	log.Info().Int("timeout_seconds", cfg.Server.ShutdownTimeout).Msg("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second,
	)
	defer shutdownCancel()

	// Stop admitting first, then let the embedded worker settle its last request
	log.Info().Msg("waiting for in-flight requests to complete...")
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}
	stopWorker()
	workerWG.Wait()

	// Close connections AFTER server shutdown (even if shutdown timed out)
	log.Info().Msg("closing connections...")
	rt.Close()
	log.Info().Msg("server stopped")
}
