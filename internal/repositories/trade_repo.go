package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p2pswap/backend/internal/models"
)

// stampColumns whitelists the phase timestamp columns a transition may set.
var stampColumns = map[string]bool{
	"joined_at":         true,
	"escrowed_at":       true,
	"fiat_confirmed_at": true,
	"completed_at":      true,
}

// StatusChange is the full write produced by one accepted transition. The
// phase stamp is written together with the status so a timestamp can never be
// set without its transition committing.
type StatusChange struct {
	Status        string
	StampField    string // one of stampColumns, empty for side branches
	StampAt       time.Time
	ExpiresAt     *time.Time // nil clears the deadline
	BuyerWallet   *string
	BankCode      *string
	AccountNumber *string
	EscrowTxHash  *string
	ReleaseTxHash *string
}

type TradeRepo struct {
	pool *pgxpool.Pool
}

func NewTradeRepo(pool *pgxpool.Pool) *TradeRepo {
	return &TradeRepo{pool: pool}
}

const tradeColumns = `id, seller_wallet, buyer_wallet, usdc_amount, krw_amount, status,
	       bank_code, account_number, escrow_tx_hash, release_tx_hash,
	       created_at, joined_at, escrowed_at, fiat_confirmed_at, completed_at, expires_at`

func scanTrade(row pgx.Row) (*models.Trade, error) {
	var t models.Trade
	err := row.Scan(&t.ID, &t.SellerWallet, &t.BuyerWallet, &t.UsdcAmount, &t.KrwAmount, &t.Status,
		&t.BankCode, &t.AccountNumber, &t.EscrowTxHash, &t.ReleaseTxHash,
		&t.CreatedAt, &t.JoinedAt, &t.EscrowedAt, &t.FiatConfirmedAt, &t.CompletedAt, &t.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TradeRepo) Create(ctx context.Context, t *models.Trade) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO trades (id, seller_wallet, usdc_amount, krw_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.SellerWallet, t.UsdcAmount, t.KrwAmount, t.Status, t.CreatedAt)
	return err
}

func (r *TradeRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Trade, error) {
	return scanTrade(r.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
}

// UpdateIfStatus applies the change only if the stored status still equals
// expected at write time. It reports not-applied instead of erroring when the
// precondition is gone — the concurrency primitive every transition path uses.
func (r *TradeRepo) UpdateIfStatus(ctx context.Context, id uuid.UUID, expected string, change StatusChange) (bool, error) {
	set := []string{"status = $1", "expires_at = $2"}
	args := []any{change.Status, change.ExpiresAt}
	argIdx := 3

	if change.StampField != "" {
		if !stampColumns[change.StampField] {
			return false, fmt.Errorf("unknown stamp column %q", change.StampField)
		}
		set = append(set, fmt.Sprintf("%s = $%d", change.StampField, argIdx))
		args = append(args, change.StampAt)
		argIdx++
	}
	if change.BuyerWallet != nil {
		set = append(set, fmt.Sprintf("buyer_wallet = $%d", argIdx))
		args = append(args, *change.BuyerWallet)
		argIdx++
	}
	if change.BankCode != nil {
		set = append(set, fmt.Sprintf("bank_code = $%d", argIdx))
		args = append(args, *change.BankCode)
		argIdx++
	}
	if change.AccountNumber != nil {
		set = append(set, fmt.Sprintf("account_number = $%d", argIdx))
		args = append(args, *change.AccountNumber)
		argIdx++
	}
	if change.EscrowTxHash != nil {
		set = append(set, fmt.Sprintf("escrow_tx_hash = $%d", argIdx))
		args = append(args, *change.EscrowTxHash)
		argIdx++
	}
	if change.ReleaseTxHash != nil {
		set = append(set, fmt.Sprintf("release_tx_hash = $%d", argIdx))
		args = append(args, *change.ReleaseTxHash)
		argIdx++
	}

	query := "UPDATE trades SET "
	for i, s := range set {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += fmt.Sprintf(" WHERE id = $%d AND status = $%d", argIdx, argIdx+1)
	args = append(args, id, expected)

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type TradeFilter struct {
	Status *string
	Limit  int
	Offset int
}

func (r *TradeRepo) List(ctx context.Context, f TradeFilter) ([]models.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades`
	args := []any{}
	argIdx := 1

	if f.Status != nil {
		query += fmt.Sprintf(" WHERE status = $%d", argIdx)
		args = append(args, *f.Status)
		argIdx++
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTrades(rows)
}

// ListExpired returns non-terminal trades whose deadline elapsed before now.
// Terminal statuses never carry expires_at, but the guard keeps the sweeper
// safe even against a record violating that invariant.
func (r *TradeRepo) ListExpired(ctx context.Context, now time.Time) ([]models.Trade, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE expires_at IS NOT NULL AND expires_at < $1
		  AND status NOT IN ('completed', 'refunded', 'expired', 'cancelled')
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTrades(rows)
}

// ListAwaitingChain returns trades whose next expected fact lives on-chain.
func (r *TradeRepo) ListAwaitingChain(ctx context.Context) ([]models.Trade, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status = ANY($1)
		ORDER BY created_at
	`, models.StatusesAwaitingChain())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTrades(rows)
}

func collectTrades(rows pgx.Rows) ([]models.Trade, error) {
	var trades []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}
