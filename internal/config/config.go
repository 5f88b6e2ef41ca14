package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Queue bindings.
const (
	QueueBindingRedis = "redis"
	QueueBindingKafka = "kafka"
)

// Lock backends.
const (
	LockBackendRedis     = "redis"
	LockBackendZooKeeper = "zookeeper"
	LockBackendLocal     = "local"
)

// Config holds all configuration for the application.
type Config struct {
	Server ServerConfig
	DB     DBConfig
	Log    LogConfig
	Redis  RedisConfig
	Kafka  KafkaConfig
	Queue  QueueConfig
	Lock   LockConfig
	Worker WorkerConfig
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port            string `envconfig:"SERVER_PORT" default:"3000"`
	ShutdownTimeout int    `envconfig:"SHUTDOWN_TIMEOUT" default:"30"` // seconds
}

// DBConfig holds database-related configuration.
// WARNING: Default password is for local development only.
// In production, always set DB_PASSWORD via environment variable.
// In production, set DB_SSLMODE to "require" or "verify-full".
type DBConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"postgres"`
	Password string `envconfig:"DB_PASSWORD" default:"postgres"` // CHANGE IN PRODUCTION
	Name     string `envconfig:"DB_NAME" default:"coupon_db"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"` // Use "require" in production
	MaxConns int    `envconfig:"DB_MAX_CONNS" default:"25"`
	MinConns int    `envconfig:"DB_MIN_CONNS" default:"5"`
}

// DSN returns the PostgreSQL connection string.
func (c DBConfig) DSN() string {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, sslMode(c.SSLMode))
	if c.MaxConns > 0 {
		dsn += fmt.Sprintf("&pool_max_conns=%d", c.MaxConns)
	}
	if c.MinConns > 0 {
		dsn += fmt.Sprintf("&pool_min_conns=%d", c.MinConns)
	}
	return dsn
}

func sslMode(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Pretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

// RedisConfig holds Redis connection settings. Redis backs the poll queue,
// the lease lock and the pending counter of the log binding.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// KafkaConfig holds settings for the log-based queue binding.
type KafkaConfig struct {
	Brokers    []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	Topic      string   `envconfig:"KAFKA_TOPIC" default:"coupon-issue"`
	GroupID    string   `envconfig:"KAFKA_GROUP_ID" default:"coupon-issue-worker"`
	Partitions int      `envconfig:"KAFKA_PARTITIONS" default:"3"`
}

// QueueConfig selects the queue binding and its throughput knobs.
type QueueConfig struct {
	Binding      string        `envconfig:"QUEUE_BINDING" default:"redis"`
	PollInterval time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"1s"`
	BatchSize    int           `envconfig:"QUEUE_BATCH_SIZE" default:"1"`
	RetryBackoff time.Duration `envconfig:"QUEUE_RETRY_BACKOFF" default:"500ms"`
}

// LockConfig holds distributed lock settings.
type LockConfig struct {
	Backend          string        `envconfig:"LOCK_BACKEND" default:"redis"`
	WaitTimeout      time.Duration `envconfig:"LOCK_WAIT_TIMEOUT" default:"5s"`
	LeaseTime        time.Duration `envconfig:"LOCK_LEASE_TIME" default:"10s"`
	ZKServers        []string      `envconfig:"ZK_SERVERS" default:"localhost:2181"`
	ZKSessionTimeout time.Duration `envconfig:"ZK_SESSION_TIMEOUT" default:"10s"`
}

// WorkerConfig holds issuance worker process settings.
type WorkerConfig struct {
	Embedded    bool   `envconfig:"WORKER_EMBEDDED" default:"false"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9100"`
}

// Load parses environment variables into the Config struct.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Queue.Binding {
	case QueueBindingRedis, QueueBindingKafka:
	default:
		return fmt.Errorf("unknown QUEUE_BINDING %q", c.Queue.Binding)
	}
	switch c.Lock.Backend {
	case LockBackendRedis, LockBackendZooKeeper, LockBackendLocal:
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.Lock.Backend)
	}
	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("QUEUE_BATCH_SIZE must be at least 1, got %d", c.Queue.BatchSize)
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("QUEUE_POLL_INTERVAL must be positive")
	}
	if c.Lock.WaitTimeout <= 0 || c.Lock.LeaseTime <= 0 {
		return fmt.Errorf("LOCK_WAIT_TIMEOUT and LOCK_LEASE_TIME must be positive")
	}
	return nil
}
