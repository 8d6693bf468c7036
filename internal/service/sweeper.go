package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/docchat/api/internal/metrics"
	"github.com/docchat/api/internal/model"
	"github.com/docchat/api/internal/store"
)

const sweeperLockKey = "lock:stale-job-sweeper"

// SweeperConfig controls how often and how aggressively stuck jobs are failed.
type SweeperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// Sweeper fails jobs that have sat in QUEUED longer than StaleAfter, which
// happens when a message is lost between the store write and the broker.
type Sweeper struct {
	lister store.StaleLister
	store  store.Store
	locker store.Locker
	cfg    SweeperConfig
	now    func() time.Time
	log    zerolog.Logger
}

// NewSweeper builds a sweeper. locker may be nil when only one process runs it.
func NewSweeper(st store.Store, lister store.StaleLister, locker store.Locker, cfg SweeperConfig, log zerolog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		lister: lister,
		store:  st,
		locker: locker,
		cfg:    cfg,
		now:    time.Now,
		log:    log.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.cfg.Interval).Dur("stale_after", s.cfg.StaleAfter).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, store.ErrLockHeld) {
				s.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep runs one pass and returns how many jobs it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.locker != nil {
		token, err := s.locker.TryLock(ctx, sweeperLockKey, s.cfg.Interval)
		if err != nil {
			return 0, err
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), sweeperLockKey, token); err != nil {
				s.log.Warn().Err(err).Msg("failed to release sweeper lock")
			}
		}()
	}

	cutoff := s.now().Add(-s.cfg.StaleAfter)
	ids, err := s.lister.ListQueuedBefore(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	msg := fmt.Sprintf("job was not picked up within %s", s.cfg.StaleAfter)
	swept := 0
	for _, id := range ids {
		// conditional on QUEUED so a worker that just started the job wins
		_, err := s.store.Update(ctx, id, model.ToFailed("StaleJob", msg).When(model.StatusQueued))
		switch {
		case err == nil:
			swept++
			s.log.Warn().Str("request_id", id).Msg("failed stale job")
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrTerminal), errors.Is(err, store.ErrNotFound):
		default:
			return swept, fmt.Errorf("failed to fail stale job %s: %w", id, err)
		}
	}

	metrics.AddStaleSwept(swept)
	return swept, nil
}
