package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade statuses
const (
	TradeStatusCreated        = "created"
	TradeStatusJoined         = "joined"
	TradeStatusCryptoEscrowed = "crypto_escrowed"
	TradeStatusFiatConfirmed  = "fiat_confirmed"
	TradeStatusCompleted      = "completed"
	TradeStatusRefunded       = "refunded"
	TradeStatusExpired        = "expired"
	TradeStatusCancelled      = "cancelled"
)

// Transition triggers. Every path that advances a trade — API call, Toss
// webhook, chain reconciliation, timeout sweep — is expressed as one of these.
type Trigger string

const (
	TriggerJoin          Trigger = "join"
	TriggerEscrowDeposit Trigger = "escrow_deposit"
	TriggerFiatConfirmed Trigger = "fiat_confirmed"
	TriggerRelease       Trigger = "release"
	TriggerRefund        Trigger = "refund"
	TriggerExpire        Trigger = "expire"
	TriggerCancel        Trigger = "cancel"
)

// Transition is the outcome of an accepted trigger: the next status and the
// phase timestamp column stamped exactly once on entry.
type Transition struct {
	Next       string
	StampField string
}

// tradeTransitions is the single guard consulted by every trigger path.
var tradeTransitions = map[string]map[Trigger]Transition{
	TradeStatusCreated: {
		TriggerJoin:   {Next: TradeStatusJoined, StampField: "joined_at"},
		TriggerCancel: {Next: TradeStatusCancelled},
	},
	TradeStatusJoined: {
		TriggerEscrowDeposit: {Next: TradeStatusCryptoEscrowed, StampField: "escrowed_at"},
		TriggerExpire:        {Next: TradeStatusExpired},
	},
	TradeStatusCryptoEscrowed: {
		TriggerFiatConfirmed: {Next: TradeStatusFiatConfirmed, StampField: "fiat_confirmed_at"},
		TriggerRefund:        {Next: TradeStatusRefunded},
		TriggerExpire:        {Next: TradeStatusExpired},
	},
	TradeStatusFiatConfirmed: {
		TriggerRelease: {Next: TradeStatusCompleted, StampField: "completed_at"},
		TriggerRefund:  {Next: TradeStatusRefunded},
	},
	TradeStatusCompleted: {},
	TradeStatusRefunded:  {},
	TradeStatusExpired:   {},
	TradeStatusCancelled: {},
}

// ApplyTrigger resolves a trigger against the current status. ok=false means
// the trigger's precondition no longer holds; callers treat that as a rejected
// no-op, which is what makes replayed and duplicate external signals safe.
func ApplyTrigger(current string, trig Trigger) (Transition, bool) {
	allowed, known := tradeTransitions[current]
	if !known {
		return Transition{}, false
	}
	tr, ok := allowed[trig]
	return tr, ok
}

func IsTerminalStatus(status string) bool {
	allowed, known := tradeTransitions[status]
	return known && len(allowed) == 0
}

// HasDeadline reports whether a status carries a phase deadline, i.e. whether
// expires_at must be non-null while the trade sits in it.
func HasDeadline(status string) bool {
	return status == TradeStatusJoined || status == TradeStatusCryptoEscrowed
}

// StatusesAwaitingChain are the states whose next expected fact lives on-chain.
func StatusesAwaitingChain() []string {
	return []string{TradeStatusJoined, TradeStatusCryptoEscrowed, TradeStatusFiatConfirmed}
}

type Trade struct {
	ID            uuid.UUID       `json:"id"`
	SellerWallet  string          `json:"seller_wallet"`
	BuyerWallet   *string         `json:"buyer_wallet,omitempty"`
	UsdcAmount    decimal.Decimal `json:"usdc_amount"`
	KrwAmount     decimal.Decimal `json:"krw_amount"`
	Status        string          `json:"status"`
	BankCode      *string         `json:"bank_code,omitempty"`
	AccountNumber *string         `json:"account_number,omitempty"`
	EscrowTxHash  *string         `json:"escrow_tx_hash,omitempty"`
	ReleaseTxHash *string         `json:"release_tx_hash,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	JoinedAt        *time.Time `json:"joined_at,omitempty"`
	EscrowedAt      *time.Time `json:"escrowed_at,omitempty"`
	FiatConfirmedAt *time.Time `json:"fiat_confirmed_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}
