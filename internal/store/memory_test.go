package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeup/trade-engine/internal/model"
	"github.com/tradeup/trade-engine/internal/store"
)

func newWallet(t *testing.T, ms *store.MemoryStore, userID string, balance int64) *model.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := ms.EnsureWallet(ctx, userID)
	if err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	if balance > 0 {
		if _, err := ms.CreditWallet(ctx, w.ID, balance); err != nil {
			t.Fatalf("seed credit: %v", err)
		}
	}
	return w
}

func TestDebitWallet_NeverGoesNegative(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	w := newWallet(t, ms, "u1", 100)

	ok, err := ms.DebitWallet(ctx, w.ID, 150)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if ok {
		t.Error("debit over balance should be refused")
	}

	got, _ := ms.GetWalletByUser(ctx, "u1")
	if got.Balance != 100 {
		t.Errorf("refused debit must not change balance, got %d", got.Balance)
	}

	ok, _ = ms.DebitWallet(ctx, w.ID, 100)
	if !ok {
		t.Error("debit of the exact balance should succeed")
	}
	got, _ = ms.GetWalletByUser(ctx, "u1")
	if got.Balance != 0 {
		t.Errorf("expected balance 0, got %d", got.Balance)
	}
}

func TestDebitWallet_ConcurrentDebitsStayConsistent(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	w := newWallet(t, ms, "u1", 1000)

	var mu sync.Mutex
	successes := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ms.DebitWallet(ctx, w.ID, 15)
			if err != nil {
				t.Errorf("debit: %v", err)
				return
			}
			if ok {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, _ := ms.GetWalletByUser(ctx, "u1")
	if got.Balance < 0 {
		t.Fatalf("balance went negative: %d", got.Balance)
	}
	if got.Balance != 1000-int64(successes)*15 {
		t.Errorf("balance %d does not match %d successful debits of 15 from 1000",
			got.Balance, successes)
	}
	// 66 debits of 15 fit into 1000.
	if successes != 66 {
		t.Errorf("expected 66 successful debits, got %d", successes)
	}
}

func TestCreditWallet_ClampsAtCeiling(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	w := newWallet(t, ms, "u1", 0)

	credited, err := ms.CreditWallet(ctx, w.ID, store.MaxBalance)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if credited != store.MaxBalance {
		t.Errorf("expected full credit, got %d", credited)
	}

	credited, err = ms.CreditWallet(ctx, w.ID, 100)
	if err != nil {
		t.Fatalf("credit at ceiling: %v", err)
	}
	if credited != 0 {
		t.Errorf("credit at ceiling should apply 0, got %d", credited)
	}

	got, _ := ms.GetWalletByUser(ctx, "u1")
	if got.Balance != store.MaxBalance {
		t.Errorf("balance must stay at ceiling, got %d", got.Balance)
	}
}

func TestCreditWallet_PartialAtCeiling(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	w := newWallet(t, ms, "u1", 0)
	ms.CreditWallet(ctx, w.ID, store.MaxBalance-40)

	credited, err := ms.CreditWallet(ctx, w.ID, 100)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if credited != 40 {
		t.Errorf("expected partial credit of 40, got %d", credited)
	}
}

func TestEnsureWallet_Idempotent(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	a, _ := ms.EnsureWallet(ctx, "u1")
	ms.CreditWallet(ctx, a.ID, 500)
	b, _ := ms.EnsureWallet(ctx, "u1")

	if a.ID != b.ID {
		t.Errorf("EnsureWallet created a second wallet: %s vs %s", a.ID, b.ID)
	}
	if b.Balance != 500 {
		t.Errorf("expected existing balance 500, got %d", b.Balance)
	}
}

func TestSettleTrade_AppliesExactlyOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	tr := &model.Trade{
		ID:        "t1",
		UserID:    "u1",
		Symbol:    "BTC/USD",
		Market:    "crypto",
		Stake:     200,
		Direction: model.DirectionHigh,
		Status:    model.TradeOpen,
		Result:    model.ResultPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := ms.InsertTrade(ctx, tr); err != nil {
		t.Fatalf("insert: %v", err)
	}

	exit := decimal.NewFromInt(101)
	now := time.Now().UTC()

	applied, err := ms.SettleTrade(ctx, "t1", model.ResultWin, exit, 370, now)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !applied {
		t.Fatal("first settlement should apply")
	}

	applied, err = ms.SettleTrade(ctx, "t1", model.ResultLoss, decimal.NewFromInt(99), 0, now)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if applied {
		t.Error("second settlement must be refused")
	}

	got, _ := ms.GetTrade(ctx, "t1")
	if got.Result != model.ResultWin || got.SettledAmount != 370 {
		t.Errorf("first settlement overwritten: result=%s settled=%d", got.Result, got.SettledAmount)
	}
	if got.Status != model.TradeClosed {
		t.Errorf("expected closed, got %s", got.Status)
	}
}

func TestGetTrade_ReturnsCopy(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	ms.InsertTrade(ctx, &model.Trade{ID: "t1", UserID: "u1", Stake: 100, Status: model.TradeOpen})

	got, _ := ms.GetTrade(ctx, "t1")
	got.Stake = 999

	again, _ := ms.GetTrade(ctx, "t1")
	if again.Stake != 100 {
		t.Errorf("mutating a returned trade leaked into the store: stake=%d", again.Stake)
	}
}

func TestOpenExposureByMarket_CountsOnlyOpen(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	ms.InsertTrade(ctx, &model.Trade{ID: "a", Market: "crypto", Stake: 300, Status: model.TradeOpen})
	ms.InsertTrade(ctx, &model.Trade{ID: "b", Market: "crypto", Stake: 200, Status: model.TradeClosed})
	ms.InsertTrade(ctx, &model.Trade{ID: "c", Market: "forex", Stake: 500, Status: model.TradeOpen})

	sum, err := ms.OpenExposureByMarket(ctx, "crypto")
	if err != nil {
		t.Fatalf("exposure: %v", err)
	}
	if sum != 300 {
		t.Errorf("expected exposure 300, got %d", sum)
	}
}

func TestUserLossSince_CountsOnlySettledLosses(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ms.InsertTrade(ctx, &model.Trade{ID: "a", UserID: "u1", Stake: 100, Status: model.TradeClosed, Result: model.ResultLoss, SettledAt: now})
	ms.InsertTrade(ctx, &model.Trade{ID: "b", UserID: "u1", Stake: 200, Status: model.TradeClosed, Result: model.ResultWin, SettledAt: now})
	ms.InsertTrade(ctx, &model.Trade{ID: "c", UserID: "u1", Stake: 400, Status: model.TradeClosed, Result: model.ResultLoss, SettledAt: now.Add(-48 * time.Hour)})

	loss, err := ms.UserLossSince(ctx, "u1", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("loss: %v", err)
	}
	if loss != 100 {
		t.Errorf("expected loss 100, got %d", loss)
	}
}

func TestDestinationUsed_IgnoresRejected(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	ms.InsertTransaction(ctx, &model.Transaction{
		ID: "x1", UserID: "u1", Type: model.TxnWithdrawal,
		Destination: "dest-1", Status: model.StatusRejected, CreatedAt: time.Now(),
	})

	used, err := ms.DestinationUsed(ctx, "u1", "dest-1")
	if err != nil {
		t.Fatalf("destination used: %v", err)
	}
	if used {
		t.Error("a rejected withdrawal must not mark the destination as used")
	}

	ms.InsertTransaction(ctx, &model.Transaction{
		ID: "x2", UserID: "u1", Type: model.TxnWithdrawal,
		Destination: "dest-1", Status: model.StatusApproved, CreatedAt: time.Now(),
	})
	used, _ = ms.DestinationUsed(ctx, "u1", "dest-1")
	if !used {
		t.Error("an approved withdrawal should mark the destination as used")
	}
}

func TestListTradesByUser_NewestFirst(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ms.InsertTrade(ctx, &model.Trade{ID: "old", UserID: "u1", CreatedAt: now.Add(-time.Hour)})
	ms.InsertTrade(ctx, &model.Trade{ID: "new", UserID: "u1", CreatedAt: now})
	ms.InsertTrade(ctx, &model.Trade{ID: "other", UserID: "u2", CreatedAt: now})

	trades, err := ms.ListTradesByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].ID != "new" || trades[1].ID != "old" {
		t.Errorf("expected newest first, got %s, %s", trades[0].ID, trades[1].ID)
	}
}

func TestGetWallet_UnknownUser(t *testing.T) {
	ms := store.NewMemoryStore()
	if _, err := ms.GetWalletByUser(context.Background(), "nobody"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
