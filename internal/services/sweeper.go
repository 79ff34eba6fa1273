package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Sweeper expires trades whose phase deadline elapsed. A trade that advanced
// concurrently (e.g. the reconciler saw the deposit first) simply loses the
// conditional update and drops out of the next selection.
type Sweeper struct {
	trades   TradeStore
	service  *TradeService
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(trades TradeStore, service *TradeService, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{
		trades:   trades,
		service:  service,
		interval: interval,
		log:      log,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("timeout sweeper started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("timeout sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single pass. A fault expiring one trade never blocks the rest.
func (s *Sweeper) Sweep(ctx context.Context) {
	trades, err := s.trades.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		s.log.Error("failed to select expired trades", zap.Error(err))
		return
	}

	for _, trade := range trades {
		_, err := s.service.ExpireTrade(ctx, trade.ID)
		switch {
		case err == nil:
			s.log.Info("trade expired",
				zap.String("trade_id", trade.ID.String()),
				zap.String("was_status", trade.Status),
			)
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTradeNotFound):
			// Advanced or expired concurrently; nothing to do.
		default:
			s.log.Error("failed to expire trade",
				zap.String("trade_id", trade.ID.String()),
				zap.Error(err),
			)
		}
	}
}
