package trade_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tradeup/trade-engine/internal/auth"
	"github.com/tradeup/trade-engine/internal/compliance"
	"github.com/tradeup/trade-engine/internal/funds"
	"github.com/tradeup/trade-engine/internal/model"
	"github.com/tradeup/trade-engine/internal/risk"
	"github.com/tradeup/trade-engine/internal/store"
	"github.com/tradeup/trade-engine/internal/trade"
	"github.com/tradeup/trade-engine/internal/userlock"
)

// TestConcurrentMixedOps_LedgerBalances hammers one account with interleaved
// deposits, withdrawals, trade opens, and settlements, then checks that the
// final balance equals the seed plus the algebraic sum of every movement the
// books recorded. Whatever the interleaving, no money may appear or vanish.
func TestConcurrentMixedOps_LedgerBalances(t *testing.T) {
	ms := store.NewMemoryStore()
	locks := userlock.NewManager()
	gate := risk.NewGate(ms, quietLimits())
	sched := &trade.ManualScheduler{}
	tradeSvc := trade.NewService(ms, locks, gate, sched, nil, trade.DefaultConfig())
	checker := compliance.NewChecker(ms, compliance.DefaultThresholds(), nil)
	fundsSvc := funds.NewService(ms, locks, checker)
	verifier := auth.NewVerifier(testSecret)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(verifier.RequireUser)
		r.Post("/api/v1/trades", tradeSvc.OpenTrade)
		r.Post("/api/v1/deposits", fundsSvc.Deposit)
		r.Post("/api/v1/withdrawals", fundsSvc.Withdraw)
	})
	e := &env{ms: ms, sched: sched, router: r, verifier: verifier}

	const seed = int64(50_000)
	e.seedAccount(t, "u1", model.TierGold, 85, seed)
	tok := e.token(t, "u1", "user")

	// Fire the scheduler continuously so settlements interleave with the
	// other operations instead of running in a quiet phase of their own.
	stop := make(chan struct{})
	var fireWG sync.WaitGroup
	fireWG.Add(1)
	go func() {
		defer fireWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
				e.sched.Fire()
				time.Sleep(time.Millisecond)
			}
		}
	}()

	var wg sync.WaitGroup
	for g := 0; g < 6; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				switch (g + i) % 3 {
				case 0:
					e.do(t, "POST", "/api/v1/deposits", tok, funds.DepositRequest{Amount: 70})
				case 1:
					e.do(t, "POST", "/api/v1/withdrawals", tok, funds.WithdrawRequest{
						Amount: 50, Destination: "dest-1",
					})
				default:
					e.do(t, "POST", "/api/v1/trades", tok, openReq(90))
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	fireWG.Wait()
	// Settle anything scheduled after the background loop's last pass.
	e.sched.Fire()

	ctx := context.Background()
	want := seed

	txns, err := ms.ListTransactionsByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	for _, txn := range txns {
		switch {
		case txn.Type == model.TxnDeposit:
			want += txn.Amount
		case txn.Status != model.StatusRejected:
			want -= txn.Amount
		}
	}

	trades, err := ms.ListTradesByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	for _, tr := range trades {
		if tr.Status != model.TradeClosed {
			t.Fatalf("trade %s still open after final settlement pass", tr.ID)
		}
		want += tr.SettledAmount - tr.Stake
	}

	if got := e.balance(t, "u1"); got != want {
		t.Errorf("ledger does not balance: wallet %d, recorded movements say %d", got, want)
	}
}
