// Package maintenance runs the two periodic background loops from spec.md
// §4.H: the stability sweeper and the expiry sweeper. Both use the
// teacher's ticker-plus-context-cancellation idiom and guard against
// overlapping runs of themselves.
package maintenance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config holds the sweep intervals and expiry windows from spec.md §4.H.
type Config struct {
	StabilitySweepInterval time.Duration
	ExpirySweepInterval    time.Duration
	CollisionExpiryAge     time.Duration
	MatchPendingExpiryAge  time.Duration
}

func DefaultConfig() Config {
	return Config{
		StabilitySweepInterval: 5 * time.Second,
		ExpirySweepInterval:    10 * time.Minute,
		CollisionExpiryAge:     48 * time.Hour,
		MatchPendingExpiryAge:  24 * time.Hour,
	}
}

// StabilitySweeper is the component E surface the stability loop drives.
type StabilitySweeper interface {
	RunStabilitySweep(ctx context.Context) (promoted, expired int, err error)
}

// ExpiryStore is the relational surface the expiry loop drives.
type ExpiryStore interface {
	ExpireStaleCollisionEvents(ctx context.Context, olderThan time.Time) (int, error)
	ExpireStalePendingMatches(ctx context.Context, olderThan time.Time) (int, error)
}

// Scheduler runs the two sweeps on independent tickers.
type Scheduler struct {
	cfg      Config
	stability StabilitySweeper
	expiry   ExpiryStore
	logger   *zap.Logger

	stabilityRunning atomic.Bool
	expiryRunning    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler constructs the maintenance scheduler.
func NewScheduler(cfg Config, stability StabilitySweeper, expiry ExpiryStore, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, stability: stability, expiry: expiry, logger: logger}
}

// Start launches both sweep loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.runLoop(s.cfg.StabilitySweepInterval, s.tickStability)
	go s.runLoop(s.cfg.ExpirySweepInterval, s.tickExpiry)
}

// Stop cancels both loops and waits for any in-flight tick to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runLoop(interval time.Duration, tick func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// tickStability runs the scheduled-promotion step. A tick that is still
// running when the next one fires is skipped, per spec.md §4.H.
func (s *Scheduler) tickStability() {
	if !s.stabilityRunning.CompareAndSwap(false, true) {
		s.logger.Debug("maintenance: stability sweep still running, skipping tick")
		return
	}
	defer s.stabilityRunning.Store(false)

	promoted, expired, err := s.stability.RunStabilitySweep(s.ctx)
	if err != nil {
		s.logger.Error("maintenance: stability sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("maintenance: stability sweep complete", zap.Int("promoted", promoted), zap.Int("expired", expired))
}

// tickExpiry expires stale CollisionEvent and Match rows.
func (s *Scheduler) tickExpiry() {
	if !s.expiryRunning.CompareAndSwap(false, true) {
		s.logger.Debug("maintenance: expiry sweep still running, skipping tick")
		return
	}
	defer s.expiryRunning.Store(false)

	now := time.Now()

	collisionsExpired, err := s.expiry.ExpireStaleCollisionEvents(s.ctx, now.Add(-s.cfg.CollisionExpiryAge))
	if err != nil {
		s.logger.Error("maintenance: collision expiry sweep failed", zap.Error(err))
	}

	matchesExpired, err := s.expiry.ExpireStalePendingMatches(s.ctx, now.Add(-s.cfg.MatchPendingExpiryAge))
	if err != nil {
		s.logger.Error("maintenance: match expiry sweep failed", zap.Error(err))
	}

	s.logger.Info("maintenance: expiry sweep complete", zap.Int("collisions_expired", collisionsExpired), zap.Int("matches_expired", matchesExpired))
}
