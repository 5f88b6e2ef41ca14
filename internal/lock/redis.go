package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Owner-checked scripts: only the token that took the lock may extend or delete it.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0
`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)
)

const defaultRetryInterval = 25 * time.Millisecond

// RedisManager is a lease lock on a single Redis key (SET NX PX).
// While the body runs the lease is extended every leaseTime/3; if an extension
// finds the key owned by someone else the body's context is cancelled with ErrLeaseLost.
type RedisManager struct {
	client        redis.Cmdable
	retryInterval time.Duration
}

// NewRedisManager creates a RedisManager on the given client.
func NewRedisManager(client redis.Cmdable) *RedisManager {
	return &RedisManager{client: client, retryInterval: defaultRetryInterval}
}

// WithLock implements Manager.
func (m *RedisManager) WithLock(ctx context.Context, key string, waitTimeout, leaseTime time.Duration, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	if err := m.acquire(ctx, key, token, waitTimeout, leaseTime); err != nil {
		return err
	}

	bodyCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.keepAlive(key, token, leaseTime, stop, cancel)
	}()

	defer func() {
		close(stop)
		wg.Wait()
		m.release(context.WithoutCancel(ctx), key, token)
	}()

	err := fn(bodyCtx)
	if err != nil && context.Cause(bodyCtx) == ErrLeaseLost {
		return fmt.Errorf("%w: %w", ErrLeaseLost, err)
	}
	return err
}

func (m *RedisManager) acquire(ctx context.Context, key, token string, waitTimeout, leaseTime time.Duration) error {
	deadline := time.Now().Add(waitTimeout)
	for {
		ok, err := m.client.SetNX(ctx, key, token, leaseTime).Result()
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrAcquisitionFailed, key, err)
		}
		if ok {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: %s still held after %s", ErrAcquisitionFailed, key, waitTimeout)
		}
		wait := m.retryInterval
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %w", ErrAcquisitionFailed, key, ctx.Err())
		case <-timer.C:
		}
	}
}

func (m *RedisManager) keepAlive(key, token string, leaseTime time.Duration, stop <-chan struct{}, cancel context.CancelCauseFunc) {
	interval := leaseTime / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, done := context.WithTimeout(context.Background(), interval)
			extended, err := extendScript.Run(ctx, m.client, []string{key}, token, leaseTime.Milliseconds()).Int()
			done()
			if err != nil {
				// The lease is still valid until it expires; try again next tick.
				log.Warn().Err(err).Str("lock_key", key).Msg("failed to extend lock lease")
				continue
			}
			if extended == 0 {
				log.Error().Str("lock_key", key).Msg("lock lease lost while holder was still running")
				cancel(ErrLeaseLost)
				return
			}
		}
	}
}

func (m *RedisManager) release(ctx context.Context, key, token string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	released, err := releaseScript.Run(ctx, m.client, []string{key}, token).Int()
	if err != nil {
		// The lease will expire on its own.
		log.Warn().Err(err).Str("lock_key", key).Msg("failed to release lock")
		return
	}
	if released == 0 {
		log.Warn().Str("lock_key", key).Msg("lock expired or taken over before release")
	}
}
