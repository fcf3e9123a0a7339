// Package worker schedules the repeated polls that move awaiting sessions
// forward and gives up on sessions that outlive the session timeout, so local
// state is never left orphaned.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/tempverify/internal/errs"
	"github.com/example/tempverify/internal/models"
	"github.com/example/tempverify/internal/orchestrator"
)

// Engine is the part of the orchestrator the poller drives.
type Engine interface {
	PollMessages(ctx context.Context, userID, sessionID uuid.UUID) (orchestrator.PollOutcome, error)
	CancelStale(ctx context.Context, sessionID uuid.UUID) (orchestrator.Ack, error)
	ReconcileRefunds(ctx context.Context, limit int) (int, error)
}

// Lister finds sessions by state.
type Lister interface {
	ListSessionsByState(ctx context.Context, state models.SessionState, limit int) ([]models.VerificationSession, error)
}

// Config tunes the poller.
type Config struct {
	Interval       time.Duration
	SessionTimeout time.Duration
	BatchSize      int
	Concurrency    int
}

// Poller polls every awaiting session each interval.
type Poller struct {
	engine Engine
	lister Lister
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewPoller builds a poller; zero config fields get defaults.
func NewPoller(engine Engine, lister Lister, cfg Config, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{engine: engine, lister: lister, cfg: cfg, logger: logger, now: time.Now}
}

// Run ticks until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("session poller started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("session_timeout", p.cfg.SessionTimeout),
	)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("session poller stopped")
			return nil
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("poll tick failed", zap.Error(err))
			}
		}
	}
}

// TickStats summarizes one tick.
type TickStats struct {
	Polled    int
	Completed int
	Expired   int
	TimedOut  int
	Errors    int
	Refunds   int
}

// Tick runs one round: time out stale sessions, poll the rest and retry any
// refunds that were left unrecorded.
func (p *Poller) Tick(ctx context.Context) (TickStats, error) {
	deadline := p.now().Add(-p.cfg.SessionTimeout)

	var stale []uuid.UUID
	var live []models.VerificationSession
	for _, state := range []models.SessionState{models.SessionCreatedLocally, models.SessionProvisioning, models.SessionAwaitingCode} {
		sessions, err := p.lister.ListSessionsByState(ctx, state, p.cfg.BatchSize)
		if err != nil {
			return TickStats{}, err
		}
		for _, s := range sessions {
			switch {
			case s.CreatedAt.Before(deadline):
				stale = append(stale, s.ID)
			case state == models.SessionAwaitingCode:
				live = append(live, s)
			}
		}
	}

	results := make(chan func(*TickStats), len(stale)+len(live))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, id := range stale {
		g.Go(func() error {
			_, err := p.engine.CancelStale(gctx, id)
			results <- func(s *TickStats) {
				if err != nil {
					s.Errors++
					return
				}
				s.TimedOut++
			}
			if err != nil {
				p.logger.Warn("timeout cancel failed", zap.String("session_id", id.String()), zap.Error(err))
			}
			return nil
		})
	}
	for _, s := range live {
		g.Go(func() error {
			out, err := p.engine.PollMessages(gctx, uuid.Nil, s.ID)
			results <- func(st *TickStats) {
				st.Polled++
				if err != nil {
					st.Errors++
					return
				}
				switch out.Session.State {
				case models.SessionCompleted:
					st.Completed++
				case models.SessionExpired:
					st.Expired++
				}
			}
			if err != nil && !errs.Retryable(err) {
				p.logger.Warn("background poll failed", zap.String("session_id", s.ID.String()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	var stats TickStats
	for apply := range results {
		apply(&stats)
	}

	refunds, err := p.engine.ReconcileRefunds(ctx, p.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	stats.Refunds = refunds

	if stats != (TickStats{}) {
		p.logger.Debug("poll tick",
			zap.Int("polled", stats.Polled),
			zap.Int("completed", stats.Completed),
			zap.Int("expired", stats.Expired),
			zap.Int("timed_out", stats.TimedOut),
			zap.Int("errors", stats.Errors),
			zap.Int("refunds", stats.Refunds),
		)
	}
	return stats, nil
}
