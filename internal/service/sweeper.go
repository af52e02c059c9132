package service

import (
	"context"
	"sync"
	"time"

	"github.com/peptidehub/be-workflows/internal/errors"
	"github.com/peptidehub/be-workflows/internal/logger"
)

// ExpirySweeper periodically transitions timed-out PENDING requests to
// EXPIRED. It is the only path that expires requests.
type ExpirySweeper struct {
	approvals *ApprovalService
	interval  time.Duration
	batchSize int
	log       *logger.Logger
	now       func() time.Time

	mu      sync.Mutex
	lastRun time.Time
}

// NewExpirySweeper creates a sweeper. interval is typically 5 minutes,
// matching the polling cadence of the admin UI.
func NewExpirySweeper(approvals *ApprovalService, interval time.Duration, batchSize int, log *logger.Logger) *ExpirySweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ExpirySweeper{
		approvals: approvals,
		interval:  interval,
		batchSize: batchSize,
		log:       log,
		now:       time.Now,
	}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *ExpirySweeper) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("Expiry sweeper started")

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Expiry sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: list due requests and expire each. A failure on one
// request (typically a concurrent human response winning the race) is
// logged and the sweep continues. Sweeps are idempotent; a second pass over
// the same state expires nothing.
func (s *ExpirySweeper) Sweep(ctx context.Context) (expired int) {
	now := s.now()

	due, err := s.approvals.DueForExpiry(ctx, now, s.batchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("Sweep failed to list due requests")
		return 0
	}

	for _, req := range due {
		if _, err := s.approvals.Expire(ctx, req.ID); err != nil {
			if errors.IsInvalidState(err) {
				// Lost the race to respond or cancel; nothing to do.
				s.log.Debug().Str("request_id", req.ID).Msg("Request resolved before expiry; skipping")
			} else {
				s.log.Warn().Err(err).Str("request_id", req.ID).Msg("Failed to expire request; continuing sweep")
			}
			continue
		}
		expired++
	}

	s.mu.Lock()
	s.lastRun = now
	s.mu.Unlock()

	if expired > 0 {
		s.log.Info().Int("expired", expired).Int("due", len(due)).Msg("Expiry sweep completed")
	}
	return expired
}

// LastRun reports when the most recent sweep finished; zero before the
// first pass. Exposed on the health endpoint.
func (s *ExpirySweeper) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}
