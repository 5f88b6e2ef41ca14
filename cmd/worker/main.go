package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/bootstrap"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/config"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/metrics"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	bootstrap.InitLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize runtime")
	}
	defer rt.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	metricsServer := &http.Server{
		Addr:              ":" + cfg.Worker.MetricsPort,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("port", cfg.Worker.MetricsPort).Msg("serving worker metrics")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	switch cfg.Queue.Binding {
	case config.QueueBindingKafka:
		worker := rt.Worker()
		for i := 0; i < cfg.Kafka.Partitions; i++ {
			consumer := rt.NewKafkaConsumer()
			g.Go(func() error {
				defer closeConsumer(consumer)
				return consumer.Run(gctx, worker.Consume)
			})
		}
		log.Info().Int("consumers", cfg.Kafka.Partitions).Str("topic", cfg.Kafka.Topic).Msg("issuance consumers started")
	default:
		scheduler, _ := rt.Scheduler()
		g.Go(func() error {
			return scheduler.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("worker stopped with error")
		return
	}
	log.Info().Msg("worker stopped")
}

func closeConsumer(c *queue.KafkaConsumer) {
	if err := c.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close kafka consumer")
	}
}
