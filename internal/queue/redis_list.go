package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/model"
)

const (
	queueKeyPrefix      = "coupon-issue-queue:"
	processingKeyPrefix = "coupon-issue-processing:"
	couponIndexKey      = "coupon-issue-queue:coupons"
)

func queueKey(couponID int64) string      { return queueKeyPrefix + strconv.FormatInt(couponID, 10) }
func processingKey(couponID int64) string { return processingKeyPrefix + strconv.FormatInt(couponID, 10) }

// RedisListQueue is the poll binding: one FIFO list per coupon.
//
// DequeueNext atomically moves the head of a coupon list into that coupon's
// processing list (LMOVE), so no two workers can claim the same request and a
// crash before Ack leaves the request parked rather than lost. Recover puts
// parked requests back at the head of their queue.
type RedisListQueue struct {
	client redis.Cmdable

	mu     sync.Mutex
	cursor int
}

// NewRedisListQueue creates a RedisListQueue on the given client.
func NewRedisListQueue(client redis.Cmdable) *RedisListQueue {
	return &RedisListQueue{client: client}
}

// Enqueue appends the request to the tail of its coupon's list.
func (q *RedisListQueue) Enqueue(ctx context.Context, req model.CouponIssueRequest) error {
	payload, err := encodeRequest(req)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, queueKey(req.CouponID), payload)
		p.SAdd(ctx, couponIndexKey, req.CouponID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue issue request %s: %w", req.RequestID, err)
	}
	return nil
}

// Size returns the number of requests waiting for the coupon.
func (q *RedisListQueue) Size(ctx context.Context, couponID int64) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey(couponID)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue size for coupon %d: %w", couponID, err)
	}
	return n, nil
}

// DequeueNext claims the oldest request of the next non-empty coupon list,
// rotating across coupons between calls. It returns nil, nil when every list is empty.
func (q *RedisListQueue) DequeueNext(ctx context.Context) (*Delivery, error) {
	ids, err := q.couponIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	start := q.cursor % len(ids)
	for i := 0; i < len(ids); i++ {
		id := ids[(start+i)%len(ids)]
		raw, err := q.client.LMove(ctx, queueKey(id), processingKey(id), "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dequeue from coupon %d: %w", id, err)
		}
		q.cursor = start + i + 1
		return q.delivery(id, raw), nil
	}
	return nil, nil
}

// Recover moves every claimed-but-unacknowledged request back to the head of
// its queue, keeping the original order. Call it before workers start polling.
func (q *RedisListQueue) Recover(ctx context.Context) (int, error) {
	ids, err := q.couponIDs(ctx)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, id := range ids {
		for {
			err := q.client.LMove(ctx, processingKey(id), queueKey(id), "RIGHT", "LEFT").Err()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return moved, fmt.Errorf("recover coupon %d: %w", id, err)
			}
			moved++
		}
	}
	return moved, nil
}

// ackScript drops the claimed copy and removes the coupon from the index once
// both of its lists are empty. Enqueue adds it back on the next request.
var ackScript = redis.NewScript(`
local removed = redis.call("LREM", KEYS[1], 1, ARGV[1])
if redis.call("LLEN", KEYS[1]) == 0 and redis.call("LLEN", KEYS[2]) == 0 then
	redis.call("SREM", KEYS[3], ARGV[2])
end
return removed
`)

// nackScript returns the request to the head of its queue only if this holder
// still has it claimed. After a Recover the request is already queued again.
var nackScript = redis.NewScript(`
local removed = redis.call("LREM", KEYS[1], 1, ARGV[1])
if removed > 0 then
	redis.call("LPUSH", KEYS[2], ARGV[1])
end
return removed
`)

func (q *RedisListQueue) delivery(couponID int64, raw string) *Delivery {
	keys := []string{processingKey(couponID), queueKey(couponID), couponIndexKey}
	return NewDelivery(decodeRequest([]byte(raw)),
		func(ctx context.Context) error {
			if err := ackScript.Run(ctx, q.client, keys, raw, couponID).Err(); err != nil {
				return fmt.Errorf("ack coupon %d: %w", couponID, err)
			}
			return nil
		},
		func(ctx context.Context) error {
			if err := nackScript.Run(ctx, q.client, keys[:2], raw).Err(); err != nil {
				return fmt.Errorf("nack coupon %d: %w", couponID, err)
			}
			return nil
		},
	)
}

func (q *RedisListQueue) couponIDs(ctx context.Context) ([]int64, error) {
	members, err := q.client.SMembers(ctx, couponIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list queued coupons: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
