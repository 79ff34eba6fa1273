package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/p2pswap/backend/internal/models"
	"github.com/p2pswap/backend/internal/services"
)

const cursorKey = "chain-reconciler:cursor:block"

// Reconciliation modes.
const (
	ModeState  = "state"  // poll per-trade contract state
	ModeEvents = "events" // scan contract event logs behind a block cursor
)

// EscrowReader is the on-chain read interface the reconciler consumes.
type EscrowReader interface {
	TradeState(ctx context.Context, key [32]byte) (*EscrowState, error)
	FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]EscrowEvent, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// BlockCursor persists the last fully processed block between passes.
// Load returns 0 when no cursor has been saved yet.
type BlockCursor interface {
	Load(ctx context.Context) (uint64, error)
	Save(ctx context.Context, block uint64) error
}

// RedisCursor keeps the block cursor in redis so a replacement process
// resumes where the previous one stopped.
type RedisCursor struct {
	rdb *redis.Client
}

func NewRedisCursor(rdb *redis.Client) *RedisCursor {
	return &RedisCursor{rdb: rdb}
}

func (c *RedisCursor) Load(ctx context.Context) (uint64, error) {
	val, err := c.rdb.Get(ctx, cursorKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(val, 10, 64)
}

func (c *RedisCursor) Save(ctx context.Context, block uint64) error {
	return c.rdb.Set(ctx, cursorKey, strconv.FormatUint(block, 10), 0).Err()
}

// TradeLister selects the trades still awaiting an on-chain fact.
type TradeLister interface {
	ListAwaitingChain(ctx context.Context) ([]models.Trade, error)
}

// Reconciler folds the escrow contract's truth into local trade status on a
// fixed interval. It never requires the chain to push events: missed logs,
// node resyncs and RPC restarts are all recovered from on the next pass.
type Reconciler struct {
	reader      EscrowReader
	trades      TradeLister
	service     *services.TradeService
	cursor      BlockCursor
	mode        string
	interval    time.Duration
	callTimeout time.Duration
	log         *zap.Logger
}

func NewReconciler(
	reader EscrowReader,
	trades TradeLister,
	service *services.TradeService,
	cursor BlockCursor,
	mode string,
	interval, callTimeout time.Duration,
	log *zap.Logger,
) *Reconciler {
	return &Reconciler{
		reader:      reader,
		trades:      trades,
		service:     service,
		cursor:      cursor,
		mode:        mode,
		interval:    interval,
		callTimeout: callTimeout,
		log:         log,
	}
}

// Run polls until ctx is cancelled. Any failure of a pass, including the
// chain connection itself, is logged and retried on the next tick — the
// reconciler lives for the life of the service.
func (r *Reconciler) Run(ctx context.Context) {
	if r.mode == ModeEvents {
		r.initCursor(ctx)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("chain reconciler started",
		zap.String("mode", r.mode),
		zap.Duration("interval", r.interval),
	)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("chain reconciler stopped")
			return
		case <-ticker.C:
			var err error
			if r.mode == ModeEvents {
				err = r.reconcileEvents(ctx)
			} else {
				err = r.reconcileStates(ctx)
			}
			if err != nil {
				r.log.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// reconcileStates runs one state-diff pass: for every trade awaiting an
// on-chain fact, read the contract's record and advance the trade when the
// record shows the expected next fact. Each trade is reconciled
// independently; one trade's failure never aborts the rest of the batch.
func (r *Reconciler) reconcileStates(ctx context.Context) error {
	trades, err := r.trades.ListAwaitingChain(ctx)
	if err != nil {
		return fmt.Errorf("select trades awaiting chain: %w", err)
	}

	for _, trade := range trades {
		if err := r.reconcileTrade(ctx, trade); err != nil {
			r.log.Error("trade reconciliation failed",
				zap.String("trade_id", trade.ID.String()),
				zap.String("status", trade.Status),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (r *Reconciler) reconcileTrade(ctx context.Context, trade models.Trade) error {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	state, err := r.reader.TradeState(callCtx, TradeKey(trade.ID))
	cancel()
	if err != nil {
		return fmt.Errorf("fetch escrow state: %w", err)
	}

	// Advance only when the contract shows the fact the trade's current
	// status is waiting for. Anything else is a no-op: no write, no
	// notification.
	var applyErr error
	switch trade.Status {
	case models.TradeStatusJoined:
		if state.Active && state.Amount != nil && state.Amount.Sign() > 0 {
			_, applyErr = r.service.MarkEscrowDeposited(ctx, trade.ID, "")
		}
	case models.TradeStatusCryptoEscrowed:
		if !state.Active {
			_, applyErr = r.service.MarkRefunded(ctx, trade.ID, "")
		} else if state.FiatConfirmed {
			_, applyErr = r.service.ConfirmFiatDeposit(ctx, trade.ID)
		}
	case models.TradeStatusFiatConfirmed:
		if !state.Active {
			_, applyErr = r.service.MarkReleased(ctx, trade.ID, "")
		}
	}

	if applyErr != nil && !isStale(applyErr) {
		return applyErr
	}
	return nil
}

// reconcileEvents runs one event-log pass: scan contract logs between the
// last-processed block and the current head, then advance the cursor. An
// unadvanced head is a no-op.
func (r *Reconciler) reconcileEvents(ctx context.Context) error {
	head, err := r.reader.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("fetch head block: %w", err)
	}

	last, err := r.cursor.Load(ctx)
	if err != nil {
		return fmt.Errorf("load block cursor: %w", err)
	}
	if last == 0 {
		// Cursor was never initialized (e.g. init raced a node outage); start
		// from the current head rather than scanning history.
		return r.cursor.Save(ctx, head)
	}
	if head <= last {
		return nil
	}

	events, err := r.reader.FilterEvents(ctx, last+1, head)
	if err != nil {
		return fmt.Errorf("fetch escrow events: %w", err)
	}

	for _, ev := range events {
		if err := r.applyEvent(ctx, ev); err != nil {
			// The cursor must never pass a lost event. Blocks before the
			// failed one are done; the failed block is re-scanned next tick,
			// and its already-applied events replay as rejected no-ops.
			if ev.Block > last+1 {
				if saveErr := r.cursor.Save(ctx, ev.Block-1); saveErr != nil {
					r.log.Error("failed to save block cursor", zap.Error(saveErr))
				}
			}
			return fmt.Errorf("apply %s event at block %d: %w", ev.Kind, ev.Block, err)
		}
	}

	return r.cursor.Save(ctx, head)
}

func (r *Reconciler) applyEvent(ctx context.Context, ev EscrowEvent) error {
	id, err := TradeIDFromKey(ev.TradeKey)
	if err != nil {
		return fmt.Errorf("decode trade key %x: %w", ev.TradeKey, err)
	}

	txHash := ev.TxHash.Hex()
	var applyErr error
	switch ev.Kind {
	case EventDeposited:
		_, applyErr = r.service.MarkEscrowDeposited(ctx, id, txHash)
	case EventReleased:
		_, applyErr = r.service.MarkReleased(ctx, id, txHash)
	case EventRefunded:
		_, applyErr = r.service.MarkRefunded(ctx, id, txHash)
	}

	if applyErr != nil {
		// Stale and unknown-trade events are expected (replays, trades from
		// another deployment sharing the contract); they are not faults.
		if isStale(applyErr) {
			r.log.Debug("ignoring stale escrow event",
				zap.String("trade_id", id.String()),
				zap.String("kind", string(ev.Kind)),
			)
			return nil
		}
		return applyErr
	}

	r.log.Info("escrow event reconciled",
		zap.String("trade_id", id.String()),
		zap.String("kind", string(ev.Kind)),
		zap.String("tx", txHash),
	)
	return nil
}

// initCursor starts the event cursor at the current head on first run so only
// logs arriving after startup are processed.
func (r *Reconciler) initCursor(ctx context.Context) {
	existing, err := r.cursor.Load(ctx)
	if err == nil && existing > 0 {
		r.log.Info("resuming from saved block cursor", zap.Uint64("block", existing))
		return
	}

	head, err := r.reader.BlockNumber(ctx)
	if err != nil {
		r.log.Warn("failed to fetch head for cursor init", zap.Error(err))
		return
	}
	if err := r.cursor.Save(ctx, head); err != nil {
		r.log.Warn("failed to save initial cursor", zap.Error(err))
		return
	}
	r.log.Info("block cursor initialized at current head", zap.Uint64("block", head))
}

func isStale(err error) bool {
	return errors.Is(err, services.ErrInvalidTransition) || errors.Is(err, services.ErrTradeNotFound)
}
