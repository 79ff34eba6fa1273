package services

import (
	"context"
	"errors"
	"sync"
	"testing"
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

// memStore is an in-memory TradeStore with the same conditional-update
// semantics as the pgx repo.
type memStore struct {
	mu        sync.Mutex
	trades    map[uuid.UUID]*models.Trade
	updateErr map[uuid.UUID]error
}

func newMemStore() *memStore {
	return &memStore{
		trades:    make(map[uuid.UUID]*models.Trade),
		updateErr: make(map[uuid.UUID]error),
	}
}

func (s *memStore) Create(_ context.Context, t *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.trades[t.ID] = &cp
	return nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) UpdateIfStatus(_ context.Context, id uuid.UUID, expected string, change repositories.StatusChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.updateErr[id]; err != nil {
		return false, err
	}
	t, ok := s.trades[id]
	if !ok || t.Status != expected {
		return false, nil
	}

	t.Status = change.Status
	t.ExpiresAt = change.ExpiresAt
	switch change.StampField {
	case "joined_at":
		t.JoinedAt = &change.StampAt
	case "escrowed_at":
		t.EscrowedAt = &change.StampAt
	case "fiat_confirmed_at":
		t.FiatConfirmedAt = &change.StampAt
	case "completed_at":
		t.CompletedAt = &change.StampAt
	}
	if change.BuyerWallet != nil {
		t.BuyerWallet = change.BuyerWallet
	}
	if change.BankCode != nil {
		t.BankCode = change.BankCode
	}
	if change.AccountNumber != nil {
		t.AccountNumber = change.AccountNumber
	}
	if change.EscrowTxHash != nil {
		t.EscrowTxHash = change.EscrowTxHash
	}
	if change.ReleaseTxHash != nil {
		t.ReleaseTxHash = change.ReleaseTxHash
	}
	return true, nil
}

func (s *memStore) List(_ context.Context, f repositories.TradeFilter) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Trade
	for _, t := range s.trades {
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *memStore) ListExpired(_ context.Context, now time.Time) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Trade
	for _, t := range s.trades {
		if t.ExpiresAt != nil && t.ExpiresAt.Before(now) && !models.IsTerminalStatus(t.Status) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *memStore) ListAwaitingChain(_ context.Context) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	awaiting := map[string]bool{}
	for _, st := range models.StatusesAwaitingChain() {
		awaiting[st] = true
	}
	var out []models.Trade
	for _, t := range s.trades {
		if awaiting[t.Status] {
			out = append(out, *t)
		}
	}
	return out, nil
}

type memPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *memPublisher) Publish(_ context.Context, _ string, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *memPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func testConfig() *config.Config {
	return &config.Config{
		JoinPhaseTimeout:   20 * time.Minute,
		EscrowPhaseTimeout: time.Hour,
		TossBankCode:       "20",
	}
}

func newTestService(store *memStore, pub *memPublisher) *TradeService {
	return NewTradeService(store, NewSandboxGateway("20"), pub, testConfig(), zap.NewNop())
}

func TestCreateTrade(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &memPublisher{})

	trade, err := svc.CreateTrade(context.Background(), "0xSeller", decimal.NewFromInt(100), decimal.NewFromInt(130000))
	if err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	if trade.Status != models.TradeStatusCreated {
		t.Errorf("status = %q, want created", trade.Status)
	}
	if trade.ExpiresAt != nil {
		t.Errorf("expires_at should be nil at creation, got %v", trade.ExpiresAt)
	}
	if trade.BuyerWallet != nil {
		t.Errorf("buyer should be absent until joined")
	}
	if !trade.KrwAmount.Equal(decimal.NewFromInt(130000)) {
		t.Errorf("krw amount = %s", trade.KrwAmount)
	}

	if _, err := svc.CreateTrade(context.Background(), "", decimal.NewFromInt(1), decimal.NewFromInt(1)); !errors.Is(err, ErrValidation) {
		t.Errorf("missing seller wallet: err = %v, want ErrValidation", err)
	}
	if _, err := svc.CreateTrade(context.Background(), "0xSeller", decimal.Zero, decimal.NewFromInt(1)); !errors.Is(err, ErrValidation) {
		t.Errorf("non-positive amount: err = %v, want ErrValidation", err)
	}
}

func TestJoinTrade(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{}
	svc := newTestService(store, pub)

	trade, _ := svc.CreateTrade(context.Background(), "0xSeller", decimal.NewFromInt(100), decimal.NewFromInt(130000))

	before := time.Now().UTC()
	joined, err := svc.JoinTrade(context.Background(), trade.ID, "0xBuyer")
	if err != nil {
		t.Fatalf("JoinTrade: %v", err)
	}
	if joined.Status != models.TradeStatusJoined {
		t.Errorf("status = %q, want joined", joined.Status)
	}
	if joined.BuyerWallet == nil || *joined.BuyerWallet != "0xBuyer" {
		t.Errorf("buyer wallet not set: %v", joined.BuyerWallet)
	}
	if joined.AccountNumber == nil || *joined.AccountNumber == "" {
		t.Error("virtual account not issued at join")
	}
	if joined.JoinedAt == nil {
		t.Fatal("joined_at not stamped")
	}
	if joined.ExpiresAt == nil {
		t.Fatal("join deadline not set")
	}
	wantDeadline := before.Add(20 * time.Minute)
	if joined.ExpiresAt.Before(wantDeadline.Add(-time.Minute)) || joined.ExpiresAt.After(wantDeadline.Add(time.Minute)) {
		t.Errorf("deadline = %v, want about %v", joined.ExpiresAt, wantDeadline)
	}
	if pub.count() != 1 {
		t.Errorf("published %d events, want 1", pub.count())
	}

	// Second join is a stale trigger
	if _, err := svc.JoinTrade(context.Background(), trade.ID, "0xOther"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second join: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := svc.JoinTrade(context.Background(), uuid.New(), "0xBuyer"); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("unknown id: err = %v, want ErrTradeNotFound", err)
	}
}

func TestFiatConfirmationReplayIsIgnored(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{}
	svc := newTestService(store, pub)

	trade, _ := svc.CreateTrade(context.Background(), "0xSeller", decimal.NewFromInt(100), decimal.NewFromInt(130000))
	if _, err := svc.JoinTrade(context.Background(), trade.ID, "0xBuyer"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.MarkEscrowDeposited(context.Background(), trade.ID, "0xdeadbeef"); err != nil {
		t.Fatal(err)
	}

	confirmed, err := svc.ConfirmFiatDeposit(context.Background(), trade.ID)
	if err != nil {
		t.Fatalf("ConfirmFiatDeposit: %v", err)
	}
	if confirmed.Status != models.TradeStatusFiatConfirmed {
		t.Errorf("status = %q, want fiat_confirmed", confirmed.Status)
	}
	if confirmed.ExpiresAt != nil {
		t.Error("deadline should be cleared on fiat confirmation")
	}
	if confirmed.FiatConfirmedAt == nil {
		t.Fatal("fiat_confirmed_at not stamped")
	}
	stamp := *confirmed.FiatConfirmedAt
	published := pub.count()

	// Replayed webhook: rejected no-op, no duplicate stamp, no notification.
	if _, err := svc.ConfirmFiatDeposit(context.Background(), trade.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("replay: err = %v, want ErrInvalidTransition", err)
	}
	after, _ := svc.GetTrade(context.Background(), trade.ID)
	if !after.FiatConfirmedAt.Equal(stamp) {
		t.Error("replay rewrote fiat_confirmed_at")
	}
	if pub.count() != published {
		t.Errorf("replay published a notification: %d -> %d", published, pub.count())
	}
}

func TestTimestampsMonotonicThroughCompletion(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &memPublisher{})

	trade, _ := svc.CreateTrade(context.Background(), "0xSeller", decimal.NewFromInt(100), decimal.NewFromInt(130000))
	steps := []func() error{
		func() error { _, err := svc.JoinTrade(context.Background(), trade.ID, "0xBuyer"); return err },
		func() error { _, err := svc.MarkEscrowDeposited(context.Background(), trade.ID, "0xdead"); return err },
		func() error { _, err := svc.ConfirmFiatDeposit(context.Background(), trade.ID); return err },
		func() error { _, err := svc.MarkReleased(context.Background(), trade.ID, "0xbeef"); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	final, _ := svc.GetTrade(context.Background(), trade.ID)
	if final.Status != models.TradeStatusCompleted {
		t.Fatalf("status = %q, want completed", final.Status)
	}
	if final.ExpiresAt != nil {
		t.Error("completed trade must not carry a deadline")
	}
	stamps := []*time.Time{final.JoinedAt, final.EscrowedAt, final.FiatConfirmedAt, final.CompletedAt}
	prev := final.CreatedAt
	for i, ts := range stamps {
		if ts == nil {
			t.Fatalf("phase stamp %d missing", i)
		}
		if ts.Before(prev) {
			t.Errorf("phase stamp %d (%v) before previous (%v)", i, ts, prev)
		}
		prev = *ts
	}
	if final.EscrowTxHash == nil || *final.EscrowTxHash != "0xdead" {
		t.Errorf("escrow tx ref not captured: %v", final.EscrowTxHash)
	}
	if final.ReleaseTxHash == nil || *final.ReleaseTxHash != "0xbeef" {
		t.Errorf("release tx ref not captured: %v", final.ReleaseTxHash)
	}
}

func TestConcurrentTriggersExactlyOneWins(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{}
	svc := newTestService(store, pub)

	trade, _ := svc.CreateTrade(context.Background(), "0xSeller", decimal.NewFromInt(100), decimal.NewFromInt(130000))
	if _, err := svc.JoinTrade(context.Background(), trade.ID, "0xBuyer"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.MarkEscrowDeposited(context.Background(), trade.ID, ""); err != nil {
		t.Fatal(err)
	}
	published := pub.count()

	// Webhook and chain poll report the same fact at the same time.
	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ConfirmFiatDeposit(context.Background(), trade.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, rejects int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvalidTransition):
			rejects++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	if rejects != racers-1 {
		t.Errorf("rejects = %d, want %d", rejects, racers-1)
	}
	if pub.count() != published+1 {
		t.Errorf("published %d extra events, want 1", pub.count()-published)
	}

	final, _ := svc.GetTrade(context.Background(), trade.ID)
	if final.Status != models.TradeStatusFiatConfirmed {
		t.Errorf("status = %q, want fiat_confirmed", final.Status)
	}
}

type failingGateway struct{}

func (failingGateway) CreateVirtualAccount(context.Context, uuid.UUID, decimal.Decimal) (*VirtualAccount, error) {
	return nil, errors.New("toss api unavailable")
}

func TestJoinFailsClosedWhenGatewayDown(t *testing.T) {
	store := newMemStore()
	svc := NewTradeService(store, failingGateway{}, &memPublisher{}, testConfig(), zap.NewNop())

	trade, _ := svc.CreateTrade(context.Background(), "0xSeller", decimal.NewFromInt(100), decimal.NewFromInt(130000))
	if _, err := svc.JoinTrade(context.Background(), trade.ID, "0xBuyer"); err == nil {
		t.Fatal("expected gateway error")
	}

	after, _ := svc.GetTrade(context.Background(), trade.ID)
	if after.Status != models.TradeStatusCreated {
		t.Errorf("status = %q, trade must stay created when the gateway fails", after.Status)
	}
	if after.ExpiresAt != nil {
		t.Error("no deadline may be set on a failed join")
	}
}
