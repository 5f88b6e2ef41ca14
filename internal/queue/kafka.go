package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/model"
)

const pendingKeyPrefix = "coupon-issue-pending:"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PendingCounter tracks how many requests per coupon are on the log but not
// yet acknowledged. Kafka has no cheap per-key length, so Size reads this.
type PendingCounter interface {
	Incr(ctx context.Context, couponID int64) error
	Decr(ctx context.Context, couponID int64) error
	Get(ctx context.Context, couponID int64) (int64, error)
}

// RedisPendingCounter keeps one counter key per coupon.
type RedisPendingCounter struct {
	client redis.Cmdable
}

func NewRedisPendingCounter(client redis.Cmdable) *RedisPendingCounter {
	return &RedisPendingCounter{client: client}
}

func pendingKey(couponID int64) string { return pendingKeyPrefix + strconv.FormatInt(couponID, 10) }

// decrScript never lets the counter go below zero, which can happen when a
// redelivered message is acknowledged twice.
var decrScript = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v <= 0 then
	redis.call("SET", KEYS[1], 0)
	return 0
end
return redis.call("DECR", KEYS[1])
`)

func (c *RedisPendingCounter) Incr(ctx context.Context, couponID int64) error {
	return c.client.Incr(ctx, pendingKey(couponID)).Err()
}

func (c *RedisPendingCounter) Decr(ctx context.Context, couponID int64) error {
	return decrScript.Run(ctx, c.client, []string{pendingKey(couponID)}).Err()
}

func (c *RedisPendingCounter) Get(ctx context.Context, couponID int64) (int64, error) {
	n, err := c.client.Get(ctx, pendingKey(couponID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// KafkaProducer is the log binding's producer. Messages are keyed by coupon so
// the hash balancer keeps every request for a coupon on one partition.
type KafkaProducer struct {
	writer  messageWriter
	pending PendingCounter
}

// NewKafkaProducer creates a synchronous writer that waits for all in-sync replicas.
func NewKafkaProducer(brokers []string, topic string, pending PendingCounter) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  10,
		BatchTimeout: 10 * time.Millisecond,
	}
	return NewKafkaProducerWithWriter(w, pending)
}

// NewKafkaProducerWithWriter is used in tests.
func NewKafkaProducerWithWriter(w messageWriter, pending PendingCounter) *KafkaProducer {
	return &KafkaProducer{writer: w, pending: pending}
}

func messageKey(couponID int64) []byte {
	return []byte("coupon-" + strconv.FormatInt(couponID, 10))
}

func (p *KafkaProducer) Enqueue(ctx context.Context, req model.CouponIssueRequest) error {
	payload, err := encodeRequest(req)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   messageKey(req.CouponID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "request-id", Value: []byte(req.RequestID)},
		},
	}
	// Count before publishing so a fast consumer never decrements first.
	// A stale counter only skews Size.
	if err := p.pending.Incr(ctx, req.CouponID); err != nil {
		log.Warn().Err(err).Int64("coupon_id", req.CouponID).Msg("failed to bump pending counter")
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		if derr := p.pending.Decr(context.WithoutCancel(ctx), req.CouponID); derr != nil {
			log.Warn().Err(derr).Int64("coupon_id", req.CouponID).Msg("failed to drop pending counter")
		}
		return fmt.Errorf("publish issue request %s: %w", req.RequestID, err)
	}
	return nil
}

func (p *KafkaProducer) Size(ctx context.Context, couponID int64) (int64, error) {
	n, err := p.pending.Get(ctx, couponID)
	if err != nil {
		return 0, fmt.Errorf("queue size for coupon %d: %w", couponID, err)
	}
	return n, nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaConsumer drains the issuance topic as part of a consumer group. A
// message is committed only once the handler acknowledges it; until then it is
// retried in place so later requests on the partition wait behind it.
type KafkaConsumer struct {
	reader       messageReader
	pending      PendingCounter
	retryBackoff time.Duration
}

func NewKafkaConsumer(brokers []string, topic, groupID string, pending PendingCounter, retryBackoff time.Duration) *KafkaConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return NewKafkaConsumerWithReader(r, pending, retryBackoff)
}

// NewKafkaConsumerWithReader is used in tests.
func NewKafkaConsumerWithReader(r messageReader, pending PendingCounter, retryBackoff time.Duration) *KafkaConsumer {
	return &KafkaConsumer{reader: r, pending: pending, retryBackoff: retryBackoff}
}

// Run consumes until ctx is done. handle reports whether the request should be
// acknowledged. Uncommitted messages are redelivered after a restart or rebalance.
func (c *KafkaConsumer) Run(ctx context.Context, handle func(ctx context.Context, req model.CouponIssueRequest) bool) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("failed to fetch issue request")
			if !sleep(ctx, c.retryBackoff) {
				return nil
			}
			continue
		}

		req := decodeRequest(msg.Value)
		if !c.handleUntilAcked(ctx, msg, req, handle) {
			return nil
		}

		// The request is settled once acknowledged; a failed commit is covered
		// by the next one, so the counter drops regardless.
		if req.CouponID > 0 {
			if err := c.pending.Decr(context.WithoutCancel(ctx), req.CouponID); err != nil {
				log.Warn().Err(err).Int64("coupon_id", req.CouponID).Msg("failed to drop pending counter")
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Redelivery is harmless: the worker rejects it as a duplicate.
			log.Error().Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("failed to commit issue request")
		}
	}
}

func (c *KafkaConsumer) handleUntilAcked(ctx context.Context, msg kafka.Message, req model.CouponIssueRequest, handle func(context.Context, model.CouponIssueRequest) bool) bool {
	for attempt := 1; ; attempt++ {
		if handle(ctx, req) {
			return true
		}
		log.Warn().
			Str("request_id", req.RequestID).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Int("attempt", attempt).
			Msg("issue request not acknowledged, retrying")
		if !sleep(ctx, c.retryBackoff) {
			return false
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// EnsureTopic creates the issuance topic on the controller if it does not exist yet.
func EnsureTopic(ctx context.Context, brokers []string, topic string, partitions int) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find kafka controller: %w", err)
	}

	cconn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial kafka controller: %w", err)
	}
	defer cconn.Close()

	err = cconn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
