package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// VirtualAccount is the KRW receiving account issued for one trade. The buyer
// wires fiat to it; Toss reports the deposit back through the webhook.
type VirtualAccount struct {
	AccountNumber string
	BankCode      string
}

// PaymentGateway issues fiat receiving details for a trade.
type PaymentGateway interface {
	CreateVirtualAccount(ctx context.Context, tradeID uuid.UUID, amountKRW decimal.Decimal) (*VirtualAccount, error)
}

// TossClient talks to the Toss Payments virtual-accounts API.
type TossClient struct {
	baseURL    string
	secretKey  string
	bankCode   string
	httpClient *http.Client
	log        *zap.Logger
}

func NewTossClient(baseURL, secretKey, bankCode string, log *zap.Logger) *TossClient {
	return &TossClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		bankCode:  bankCode,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

func (c *TossClient) authHeader() string {
	encoded := base64.StdEncoding.EncodeToString([]byte(c.secretKey + ":"))
	return "Basic " + encoded
}

func (c *TossClient) CreateVirtualAccount(ctx context.Context, tradeID uuid.UUID, amountKRW decimal.Decimal) (*VirtualAccount, error) {
	payload := map[string]any{
		"amount":       amountKRW.IntPart(),
		"orderId":      tradeID.String(),
		"orderName":    fmt.Sprintf("USDC Purchase (%s)", tradeID.String()[:8]),
		"customerName": "Buyer",
		"bank":         c.bankCode,
		"validHours":   1,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := c.baseURL + "/virtual-accounts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("toss api unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("toss api returned %d: %s", resp.StatusCode, string(b))
	}

	var result struct {
		VirtualAccount struct {
			AccountNumber string `json:"accountNumber"`
			BankCode      string `json:"bankCode"`
		} `json:"virtualAccount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	bankCode := result.VirtualAccount.BankCode
	if bankCode == "" {
		bankCode = c.bankCode
	}
	return &VirtualAccount{
		AccountNumber: result.VirtualAccount.AccountNumber,
		BankCode:      bankCode,
	}, nil
}

// SandboxGateway issues deterministic accounts without calling Toss. Injected
// in development and tests instead of the real client.
type SandboxGateway struct {
	bankCode string
}

func NewSandboxGateway(bankCode string) *SandboxGateway {
	return &SandboxGateway{bankCode: bankCode}
}

func (g *SandboxGateway) CreateVirtualAccount(_ context.Context, tradeID uuid.UUID, _ decimal.Decimal) (*VirtualAccount, error) {
	return &VirtualAccount{
		AccountNumber: "SANDBOX-" + tradeID.String()[:8],
		BankCode:      g.bankCode,
	}, nil
}
