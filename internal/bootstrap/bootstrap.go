// Package bootstrap wires configuration into the shared runtime pieces used by
// both the API and the worker process.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/config"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/issuance"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/lock"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/queue"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/repository"
	appvalidator "github.com/fairyhunter13/coupon-issuance-pipeline/internal/validator"
	"github.com/fairyhunter13/coupon-issuance-pipeline/pkg/database"
)

const dbConnectRetries = 5

// InitLogger configures zerolog based on the application configuration.
func InitLogger(cfg config.LogConfig) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure output format
	if cfg.Pretty {
		// Human-readable output for development
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}

	log.Info().Str("addr", cfg.Addr).Msg("redis connection established")
	return client, nil
}

// NewLockManager builds the configured lock backend. The returned func releases
// backend resources and is never nil.
func NewLockManager(cfg config.LockConfig, client redis.Cmdable) (lock.Manager, func(), error) {
	switch cfg.Backend {
	case config.LockBackendRedis:
		return lock.NewRedisManager(client), func() {}, nil
	case config.LockBackendZooKeeper:
		m, closeFn, err := lock.NewZooKeeperManager(cfg.ZKServers, cfg.ZKSessionTimeout)
		if err != nil {
			return nil, func() {}, err
		}
		return m, closeFn, nil
	case config.LockBackendLocal:
		log.Warn().Msg("using in-process lock: only safe with a single issuing process")
		return lock.NewLocalManager(), func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

// NewQueue builds the producer side of the configured binding. For the Redis
// binding the returned list queue is also the poll source; it is nil for Kafka.
func NewQueue(ctx context.Context, cfg *config.Config, client redis.Cmdable) (queue.Queue, *queue.RedisListQueue, func(), error) {
	switch cfg.Queue.Binding {
	case config.QueueBindingRedis:
		q := queue.NewRedisListQueue(client)
		return q, q, func() {}, nil
	case config.QueueBindingKafka:
		if err := queue.EnsureTopic(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Partitions); err != nil {
			log.Warn().Err(err).Str("topic", cfg.Kafka.Topic).Msg("could not ensure kafka topic, assuming it is provisioned")
		}
		p := queue.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, queue.NewRedisPendingCounter(client))
		closeFn := func() {
			if err := p.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka producer")
			}
		}
		return p, nil, closeFn, nil
	default:
		return nil, nil, func() {}, fmt.Errorf("unknown queue binding %q", cfg.Queue.Binding)
	}
}

// Runtime holds the connections and collaborators shared by the commands.
type Runtime struct {
	Config    *config.Config
	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Guard     lock.Guard
	Queue     queue.Queue
	ListQueue *queue.RedisListQueue
	Validate  *validator.Validate

	closers []func()
}

// New connects to Postgres and Redis, applies the schema, and builds the lock
// and queue backends. Close releases everything in reverse order.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Validate: appvalidator.New()}

	pool, err := database.NewPool(ctx, cfg.DB.DSN(), dbConnectRetries)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	rt.Pool = pool
	rt.closers = append(rt.closers, pool.Close)

	if err := database.EnsureSchema(ctx, pool); err != nil {
		rt.Close()
		return nil, err
	}

	client, err := NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Redis = client
	rt.closers = append(rt.closers, func() { _ = client.Close() })

	manager, closeLocks, err := NewLockManager(cfg.Lock, client)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("build lock manager: %w", err)
	}
	rt.closers = append(rt.closers, closeLocks)
	rt.Guard = lock.Guard{Manager: manager, WaitTimeout: cfg.Lock.WaitTimeout, LeaseTime: cfg.Lock.LeaseTime}

	q, list, closeQueue, err := NewQueue(ctx, cfg, client)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("build queue: %w", err)
	}
	rt.Queue, rt.ListQueue = q, list
	rt.closers = append(rt.closers, closeQueue)

	log.Info().
		Str("queue_binding", cfg.Queue.Binding).
		Str("lock_backend", cfg.Lock.Backend).
		Msg("runtime initialized")
	return rt, nil
}

// Worker builds an issuance worker on the runtime's pool and lock.
func (rt *Runtime) Worker() *issuance.Worker {
	return issuance.NewWorker(
		rt.Pool,
		repository.NewCouponRepository(rt.Pool),
		repository.NewUserCouponRepository(rt.Pool),
		rt.Guard,
		rt.Validate,
	)
}

// Scheduler builds the poll-binding scheduler, or returns false for the Kafka binding.
func (rt *Runtime) Scheduler() (*issuance.Scheduler, bool) {
	if rt.ListQueue == nil {
		return nil, false
	}
	return issuance.NewScheduler(rt.Worker(), rt.ListQueue, rt.Config.Queue.PollInterval, rt.Config.Queue.BatchSize), true
}

// NewKafkaConsumer builds one consumer-group member for the log binding.
func (rt *Runtime) NewKafkaConsumer() *queue.KafkaConsumer {
	k := rt.Config.Kafka
	return queue.NewKafkaConsumer(k.Brokers, k.Topic, k.GroupID, queue.NewRedisPendingCounter(rt.Redis), rt.Config.Queue.RetryBackoff)
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
