package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/p2pswap/backend/internal/config"
	"github.com/p2pswap/backend/internal/events"
	"github.com/p2pswap/backend/internal/models"
	"github.com/p2pswap/backend/internal/repositories"
)

// TradeStore is the persistence boundary every transition path goes through.
// UpdateIfStatus is the concurrency primitive: it applies only while the
// stored status still matches the caller's precondition.
type TradeStore interface {
	Create(ctx context.Context, t *models.Trade) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Trade, error)
	UpdateIfStatus(ctx context.Context, id uuid.UUID, expected string, change repositories.StatusChange) (bool, error)
	List(ctx context.Context, f repositories.TradeFilter) ([]models.Trade, error)
	ListExpired(ctx context.Context, now time.Time) ([]models.Trade, error)
	ListAwaitingChain(ctx context.Context) ([]models.Trade, error)
}

// TradeService is the single choke point for trade mutation. API calls,
// webhook deliveries, chain reconciliation and timeout sweeps all resolve the
// persisted status, consult the transition table, attempt the conditional
// update, and notify subscribers on success.
type TradeService struct {
	trades    TradeStore
	payment   PaymentGateway
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
}

func NewTradeService(trades TradeStore, payment PaymentGateway, publisher events.Publisher, cfg *config.Config, log *zap.Logger) *TradeService {
	return &TradeService{
		trades:    trades,
		payment:   payment,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

func (s *TradeService) CreateTrade(ctx context.Context, sellerWallet string, usdcAmount, krwAmount decimal.Decimal) (*models.Trade, error) {
	if sellerWallet == "" {
		return nil, fmt.Errorf("%w: seller wallet is required", ErrValidation)
	}
	if usdcAmount.Sign() <= 0 || krwAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amounts must be positive", ErrValidation)
	}

	trade := &models.Trade{
		ID:           uuid.New(),
		SellerWallet: sellerWallet,
		UsdcAmount:   usdcAmount,
		KrwAmount:    krwAmount.Round(0),
		Status:       models.TradeStatusCreated,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.trades.Create(ctx, trade); err != nil {
		return nil, err
	}

	s.log.Info("trade created",
		zap.String("trade_id", trade.ID.String()),
		zap.String("usdc_amount", trade.UsdcAmount.String()),
		zap.String("krw_amount", trade.KrwAmount.String()),
	)
	return trade, nil
}

func (s *TradeService) GetTrade(ctx context.Context, id uuid.UUID) (*models.Trade, error) {
	trade, err := s.trades.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return trade, nil
}

func (s *TradeService) ListTrades(ctx context.Context, f repositories.TradeFilter) ([]models.Trade, error) {
	return s.trades.List(ctx, f)
}

// JoinTrade attaches the buyer and issues the KRW virtual account the buyer
// will wire fiat to. The join deadline starts here.
func (s *TradeService) JoinTrade(ctx context.Context, id uuid.UUID, buyerWallet string) (*models.Trade, error) {
	if buyerWallet == "" {
		return nil, fmt.Errorf("%w: buyer wallet is required", ErrValidation)
	}

	trade, err := s.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := models.ApplyTrigger(trade.Status, models.TriggerJoin); !ok {
		return nil, ErrInvalidTransition
	}

	account, err := s.payment.CreateVirtualAccount(ctx, id, trade.KrwAmount)
	if err != nil {
		return nil, fmt.Errorf("issue virtual account: %w", err)
	}

	return s.apply(ctx, id, models.TriggerJoin, func(change *repositories.StatusChange) {
		change.BuyerWallet = &buyerWallet
		change.BankCode = &account.BankCode
		change.AccountNumber = &account.AccountNumber
	})
}

// CancelTrade lets the seller withdraw an unjoined trade.
func (s *TradeService) CancelTrade(ctx context.Context, id uuid.UUID) (*models.Trade, error) {
	return s.apply(ctx, id, models.TriggerCancel, nil)
}

// ConfirmFiatDeposit records the fiat deposit fact, whether it arrived via the
// Toss webhook or via the contract's fiat-confirmed flag.
func (s *TradeService) ConfirmFiatDeposit(ctx context.Context, id uuid.UUID) (*models.Trade, error) {
	return s.apply(ctx, id, models.TriggerFiatConfirmed, nil)
}

// MarkEscrowDeposited records an observed escrow deposit. txHash may be empty
// when the observation came from a state read rather than an event log.
func (s *TradeService) MarkEscrowDeposited(ctx context.Context, id uuid.UUID, txHash string) (*models.Trade, error) {
	return s.apply(ctx, id, models.TriggerEscrowDeposit, func(change *repositories.StatusChange) {
		if txHash != "" {
			change.EscrowTxHash = &txHash
		}
	})
}

func (s *TradeService) MarkReleased(ctx context.Context, id uuid.UUID, txHash string) (*models.Trade, error) {
	return s.apply(ctx, id, models.TriggerRelease, func(change *repositories.StatusChange) {
		if txHash != "" {
			change.ReleaseTxHash = &txHash
		}
	})
}

func (s *TradeService) MarkRefunded(ctx context.Context, id uuid.UUID, txHash string) (*models.Trade, error) {
	return s.apply(ctx, id, models.TriggerRefund, func(change *repositories.StatusChange) {
		if txHash != "" {
			change.ReleaseTxHash = &txHash
		}
	})
}

func (s *TradeService) ExpireTrade(ctx context.Context, id uuid.UUID) (*models.Trade, error) {
	return s.apply(ctx, id, models.TriggerExpire, nil)
}

// apply is the transition choke point. The trigger is evaluated against the
// persisted status, never a cached one, and committed with a conditional
// update so that of two racing triggers only one can advance the trade. The
// loser gets ErrInvalidTransition, a rejected no-op.
func (s *TradeService) apply(ctx context.Context, id uuid.UUID, trig models.Trigger, customize func(*repositories.StatusChange)) (*models.Trade, error) {
	trade, err := s.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}

	tr, ok := models.ApplyTrigger(trade.Status, trig)
	if !ok {
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC()
	change := repositories.StatusChange{Status: tr.Next}
	if tr.StampField != "" {
		change.StampField = tr.StampField
		change.StampAt = now
	}
	if window, timed := s.phaseWindow(tr.Next); timed {
		deadline := now.Add(window)
		change.ExpiresAt = &deadline
	}
	if customize != nil {
		customize(&change)
	}

	applied, err := s.trades.UpdateIfStatus(ctx, id, trade.Status, change)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrInvalidTransition
	}

	fresh, err := s.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}

	s.log.Info("trade transition",
		zap.String("trade_id", id.String()),
		zap.String("trigger", string(trig)),
		zap.String("old_status", trade.Status),
		zap.String("new_status", fresh.Status),
	)
	s.notify(ctx, fresh)
	return fresh, nil
}

// phaseWindow returns the deadline window for statuses that carry one.
func (s *TradeService) phaseWindow(status string) (time.Duration, bool) {
	switch status {
	case models.TradeStatusJoined:
		return s.cfg.JoinPhaseTimeout, true
	case models.TradeStatusCryptoEscrowed:
		return s.cfg.EscrowPhaseTimeout, true
	default:
		return 0, false
	}
}

func (s *TradeService) notify(ctx context.Context, trade *models.Trade) {
	err := s.publisher.Publish(ctx, events.StreamTrade, events.Event{
		Type: events.EventTradeUpdate,
		Payload: map[string]any{
			"trade_id": trade.ID.String(),
			"trade":    trade,
		},
	})
	if err != nil {
		s.log.Warn("failed to publish trade update",
			zap.String("trade_id", trade.ID.String()),
			zap.Error(err),
		)
	}
}
