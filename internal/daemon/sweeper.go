// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"context"
	"time"

	"github.com/ManuGH/factoryd/internal/log"
	"github.com/ManuGH/factoryd/internal/supervisor"
	"github.com/rs/zerolog"
)

// Sweeper periodically times out runs whose heartbeat went silent.
type Sweeper struct {
	Supervisor *supervisor.Supervisor
	Interval   time.Duration

	logger zerolog.Logger
}

// NewSweeper wires the recovery sweep loop.
func NewSweeper(sup *supervisor.Supervisor, interval time.Duration) *Sweeper {
	return &Sweeper{
		Supervisor: sup,
		Interval:   interval,
		logger:     log.WithComponent("sweeper"),
	}
}

// Run drives SweepOnce on a ticker until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.Interval).Msg("recovery sweeper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs exactly one recovery pass. Deterministic and
// suitable for unit testing.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	recovered, err := s.Supervisor.RecoverStale(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("recovery sweep failed")
		return
	}
	if len(recovered) > 0 {
		s.logger.Info().Int("count", len(recovered)).Msg("recovery sweep timed out runs")
	}
}
