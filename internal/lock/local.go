package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalManager is an in-process Manager with the same exclusivity and lease
// semantics as the distributed backends. It serves tests and single-node runs.
type LocalManager struct {
	mu    sync.Mutex
	slots map[string]*localSlot
	seq   uint64
}

type localSlot struct {
	sem    chan struct{}
	holder uint64
	timer  *time.Timer
}

// NewLocalManager creates an empty LocalManager.
func NewLocalManager() *LocalManager {
	return &LocalManager{slots: make(map[string]*localSlot)}
}

// WithLock implements Manager. When leaseTime elapses before fn returns the
// lock is handed to the next waiter and fn's context is cancelled with ErrLeaseLost.
func (m *LocalManager) WithLock(ctx context.Context, key string, waitTimeout, leaseTime time.Duration, fn func(ctx context.Context) error) error {
	s := m.slot(key)

	timer := time.NewTimer(waitTimeout)
	select {
	case s.sem <- struct{}{}:
		timer.Stop()
	case <-timer.C:
		return fmt.Errorf("%w: %s still held after %s", ErrAcquisitionFailed, key, waitTimeout)
	case <-ctx.Done():
		timer.Stop()
		return fmt.Errorf("%w: %s: %w", ErrAcquisitionFailed, key, ctx.Err())
	}

	bodyCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	m.mu.Lock()
	m.seq++
	token := m.seq
	s.holder = token
	s.timer = time.AfterFunc(leaseTime, func() {
		if m.releaseIfOwner(s, token) {
			cancel(ErrLeaseLost)
		}
	})
	m.mu.Unlock()

	defer m.releaseIfOwner(s, token)

	err := fn(bodyCtx)
	if err != nil && context.Cause(bodyCtx) == ErrLeaseLost {
		return fmt.Errorf("%w: %w", ErrLeaseLost, err)
	}
	return err
}

func (m *LocalManager) slot(key string) *localSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &localSlot{sem: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	return s
}

func (m *LocalManager) releaseIfOwner(s *localSlot, token uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.holder != token {
		return false
	}
	s.holder = 0
	s.timer.Stop()
	<-s.sem
	return true
}
