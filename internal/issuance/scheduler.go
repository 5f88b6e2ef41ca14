package issuance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Poller is a Source that can hand back requests left claimed by a crashed worker.
type Poller interface {
	Source
	Recover(ctx context.Context) (int, error)
}

// Scheduler drains the poll binding at a fixed rate. Each tick processes at
// most batchSize requests across all coupons, which bounds write pressure on
// the database.
type Scheduler struct {
	worker    *Worker
	queue     Poller
	interval  time.Duration
	batchSize int
}

// NewScheduler creates a Scheduler. A batchSize below 1 is treated as 1.
func NewScheduler(worker *Worker, q Poller, interval time.Duration, batchSize int) *Scheduler {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Scheduler{worker: worker, queue: q, interval: interval, batchSize: batchSize}
}

// Run recovers unacknowledged requests and then ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	n, err := s.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover in-flight requests: %w", err)
	}
	if n > 0 {
		log.Warn().Int("requests", n).Msg("requeued unacknowledged issue requests")
	}

	log.Info().
		Dur("interval", s.interval).
		Int("batch_size", s.batchSize).
		Msg("issuance scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("issuance scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes up to batchSize requests and returns how many were settled
// for good. It stops early when the queue is empty or a request must be retried.
func (s *Scheduler) Tick(ctx context.Context) int {
	done := 0
	for i := 0; i < s.batchSize; i++ {
		if ctx.Err() != nil {
			break
		}
		res := s.worker.ProcessNext(ctx, s.queue)
		if res.Outcome == OutcomeEmpty || res.Outcome == OutcomeErrorRetry {
			break
		}
		done++
	}
	return done
}
