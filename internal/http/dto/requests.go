package dto

import "github.com/shopspring/decimal"

type CreateTradeRequest struct {
	SellerWallet string          `json:"seller_wallet"`
	UsdcAmount   decimal.Decimal `json:"usdc_amount"`
	KrwAmount    decimal.Decimal `json:"krw_amount"`
}

type JoinTradeRequest struct {
	BuyerWallet string `json:"buyer_wallet"`
}

// TossWebhookPayload is the deposit-callback body Toss Payments delivers.
// orderId carries the trade's correlation id.
type TossWebhookPayload struct {
	EventType string `json:"eventType"`
	Data      struct {
		OrderID string `json:"orderId"`
	} `json:"data"`
}
