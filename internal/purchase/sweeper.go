package purchase

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweeperConfig controls the stale-saga sweeper. A zero Interval disables it.
type SweeperConfig struct {
	Interval time.Duration
	// StaleAfter is how long a saga must sit idle before its outbox is
	// re-driven.
	StaleAfter time.Duration
	// ExpireAfter faults non-terminal sagas idle this long. Zero never expires.
	ExpireAfter time.Duration
	BatchSize   int
}

// Sweeper finds sagas that stopped making progress.
type Sweeper struct {
	cfg    SweeperConfig
	store  Store
	orch   *Orchestrator
	logger *zap.Logger
	now    func() time.Time
}

func NewSweeper(cfg SweeperConfig, store Store, orch *Orchestrator, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{cfg: cfg, store: store, orch: orch, logger: logger, now: time.Now}
}

// Run sweeps every Interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("saga sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce handles one batch and returns how many sagas it touched.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.store.ListIdle(ctx, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	touched := 0
	for _, saga := range stale {
		if ctx.Err() != nil {
			return touched, ctx.Err()
		}
		idle := now.Sub(saga.LastUpdatedAt)
		var err error
		if s.cfg.ExpireAfter > 0 && !saga.CurrentState.Terminal() && idle >= s.cfg.ExpireAfter {
			s.logger.Info("expiring stale purchase saga",
				zap.String("correlation_id", saga.CorrelationID),
				zap.String("state", string(saga.CurrentState)),
				zap.Duration("idle", idle),
			)
			err = s.orch.Handle(ctx, PurchaseTimedOut{
				CorrelationID: saga.CorrelationID,
				Reason:        "timed out in state " + string(saga.CurrentState),
			})
		} else if saga.NeedsAttention() {
			err = s.orch.Resume(ctx, saga.CorrelationID)
		} else {
			continue
		}
		if err != nil {
			s.logger.Warn("saga sweep item failed",
				zap.String("correlation_id", saga.CorrelationID),
				zap.Error(err),
			)
			continue
		}
		touched++
	}
	return touched, nil
}
