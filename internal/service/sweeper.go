package service

import (
	"buttonsync/internal/repository"
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Sweeper periodically removes sessions that expired more than retention ago.
// It never changes a session's status; expiry itself is observed lazily.
type Sweeper struct {
	reaper    repository.Reaper
	clock     clockwork.Clock
	interval  time.Duration
	retention time.Duration
}

// NewSweeper creates a new sweeper
func NewSweeper(reaper repository.Reaper, clock clockwork.Clock, interval, retention time.Duration) *Sweeper {
	return &Sweeper{
		reaper:    reaper,
		clock:     clock,
		interval:  interval,
		retention: retention,
	}
}

// SweepOnce deletes sessions whose expiry is older than the retention window
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.retention)
	n, err := s.reaper.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("swept expired sessions")
	}
	return n, nil
}

// Run sweeps every interval until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Dur("retention", s.retention).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweeper stopped")
			return
		case <-ticker.Chan():
			if _, err := s.SweepOnce(ctx); err != nil {
				log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
