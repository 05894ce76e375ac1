// Package trade owns the trade lifecycle: the Open→Closed state machine,
// deferred settlement, payout computation, and the final wallet credit.
//
// Settlement is idempotent: trade status is checked under the same per-user
// lock that performs the credit, and the storage-layer status guard closes
// the race a second time. A timer firing after an admin override is a no-op.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeup/trade-engine/internal/auth"
	"github.com/tradeup/trade-engine/internal/metrics"
	"github.com/tradeup/trade-engine/internal/model"
	"github.com/tradeup/trade-engine/internal/pricing"
	"github.com/tradeup/trade-engine/internal/risk"
	"github.com/tradeup/trade-engine/internal/store"
	"github.com/tradeup/trade-engine/internal/userlock"
)

// ErrInsufficientBalance is the rejection for a failed stake debit, whether
// the balance was short or a concurrent debit won the race; the atomic
// guard has re-read the balance either way.
var ErrInsufficientBalance = errors.New("Insufficient balance")

var errUnknownTrade = errors.New("trade not found")

// Config tunes lifecycle behavior.
type Config struct {
	// DurationScale divides settlement durations (testing/demo compression).
	DurationScale int64

	// LargeStakeThreshold triggers a large_trade stream event. Minor units.
	LargeStakeThreshold int64

	// Burst surveillance: BurstCount opens within BurstWindow emits a
	// suspicious_pattern event.
	BurstCount  int
	BurstWindow time.Duration

	// Defaults applied when a caller has no user record yet.
	DefaultTier      string
	DefaultPayoutPct int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DurationScale:       1,
		LargeStakeThreshold: 100_000,
		BurstCount:          5,
		BurstWindow:         time.Minute,
		DefaultTier:         model.TierBronze,
		DefaultPayoutPct:    85,
	}
}

// Service handles trade operations: HTTP handlers plus the settlement core.
type Service struct {
	store store.Store
	locks *userlock.Manager
	gate  *risk.Gate
	sched Scheduler
	hub   *WSHub // optional; nil disables broadcasting
	cfg   Config

	mu    sync.Mutex
	opens map[string][]time.Time // recent open timestamps per user

	now func() time.Time
}

// NewService creates a trade service. Pass nil for hub if the admin stream
// is not wired.
func NewService(st store.Store, locks *userlock.Manager, gate *risk.Gate, sched Scheduler, hub *WSHub, cfg Config) *Service {
	if cfg.DurationScale < 1 {
		cfg.DurationScale = 1
	}
	return &Service{
		store: st,
		locks: locks,
		gate:  gate,
		sched: sched,
		hub:   hub,
		cfg:   cfg,
		opens: make(map[string][]time.Time),
		now:   time.Now,
	}
}

// --- Request/Response types ---

// OpenRequest is the JSON body for POST /trades.
type OpenRequest struct {
	Symbol    string `json:"symbol"`
	Asset     string `json:"asset"` // market category, e.g. "crypto"
	Amount    int64  `json:"amount"`
	Direction string `json:"direction"`
	Duration  string `json:"duration"` // e.g. "5m", "1h"
}

// OverrideRequest is the JSON body for POST /admin/trades/override.
type OverrideRequest struct {
	TradeID   string           `json:"tradeId"`
	Result    string           `json:"result,omitempty"`
	ExitPrice *decimal.Decimal `json:"exitPrice,omitempty"`
}

// --- HTTP handlers ---

// OpenTrade handles POST /trades.
func (s *Service) OpenTrade(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := validateOpen(&req); msg != "" {
		writeError(w, msg, http.StatusBadRequest)
		return
	}

	userID := auth.UserID(r.Context())
	t, err := s.Open(r, userID, &req)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(t)
	case risk.IsRejection(err) || errors.Is(err, ErrInsufficientBalance):
		writeError(w, err.Error(), http.StatusForbidden)
	default:
		slog.Error("trade open failed", "user", userID, "err", err)
		writeError(w, "trade could not be opened", http.StatusInternalServerError)
	}
}

// ListTrades handles GET /trades, returning the caller's trades.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	trades, err := s.store.ListTradesByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// Override handles POST /admin/trades/override.
func (s *Service) Override(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TradeID == "" {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Result != "" && req.Result != model.ResultWin && req.Result != model.ResultLoss {
		writeError(w, "result must be win or loss", http.StatusBadRequest)
		return
	}

	t, err := s.settle(req.TradeID, "override", &req, auth.UserID(r.Context()))
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(t)
	case errors.Is(err, errUnknownTrade):
		writeError(w, "trade not found", http.StatusNotFound)
	default:
		slog.Error("override failed", "trade", req.TradeID, "err", err)
		writeError(w, "override failed", http.StatusInternalServerError)
	}
}

// --- Lifecycle core ---

// Open runs the full open path: risk gate, serialized atomic stake debit,
// persistence, and settlement scheduling.
func (s *Service) Open(r *http.Request, userID string, req *OpenRequest) (*model.Trade, error) {
	ctx := r.Context()

	user, err := s.ensureUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	duration, err := parseDurationToken(req.Duration)
	if err != nil {
		return nil, err
	}

	// The market lock wraps the gate check and the debit so two concurrent
	// opens cannot both pass the exposure ceiling on a stale derived count.
	// Lock order is always market then user; settlement takes only the user
	// lock, so the pair cannot deadlock.
	var t *model.Trade
	err = s.locks.Do(ctx, "market:"+req.Asset, func() error {
		return s.locks.Do(ctx, userID, func() error {
			if err := s.gate.Check(ctx, user, req.Symbol, req.Asset, req.Amount); err != nil {
				return err
			}

			wallet, err := s.store.EnsureWallet(ctx, userID)
			if err != nil {
				return fmt.Errorf("ensure wallet: %w", err)
			}
			ok, err := s.store.DebitWallet(ctx, wallet.ID, req.Amount)
			if err != nil {
				return fmt.Errorf("debit stake: %w", err)
			}
			if !ok {
				return ErrInsufficientBalance
			}

			now := s.now().UTC()
			t = &model.Trade{
				ID:         uuid.New().String(),
				UserID:     userID,
				Symbol:     req.Symbol,
				Market:     req.Asset,
				Stake:      req.Amount,
				Direction:  req.Direction,
				Duration:   req.Duration,
				EntryPrice: pricing.Price(req.Symbol, now.Unix()),
				PayoutPct:  user.PayoutPct,
				Result:     model.ResultPending,
				Status:     model.TradeOpen,
				CreatedAt:  now,
			}
			if err := s.store.InsertTrade(ctx, t); err != nil {
				// The stake is already gone; return it so no money is destroyed.
				if _, crErr := s.store.CreditWallet(ctx, wallet.ID, req.Amount); crErr != nil {
					slog.Error("stake refund failed after insert error", "wallet", wallet.ID, "err", crErr)
				}
				return fmt.Errorf("persist trade: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesOpened.WithLabelValues(t.Market).Inc()
	slog.Info("trade opened",
		"trade_id", t.ID,
		"user", userID,
		"symbol", t.Symbol,
		"stake", t.Stake,
		"direction", t.Direction,
		"duration", t.Duration,
	)

	tradeID := t.ID
	s.sched.AfterFunc(duration/time.Duration(s.cfg.DurationScale), func() {
		if _, err := s.settle(tradeID, "timer", nil, "scheduler"); err != nil {
			slog.Error("scheduled settlement failed", "trade", tradeID, "err", err)
		}
	})

	s.publishOpen(t)
	return t, nil
}

// settle drives the single Open→Closed transition. Both the timer and the
// admin override funnel through here; whichever enters the per-user critical
// section second finds the trade closed and does nothing.
func (s *Service) settle(tradeID, trigger string, forced *OverrideRequest, actor string) (*model.Trade, error) {
	// Settlement runs on its own context: a timer callback has no request,
	// and an override must not be abandoned mid-credit by a client hangup.
	ctx := context.Background()

	probe, err := s.store.GetTrade(ctx, tradeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errUnknownTrade
	}
	if err != nil {
		return nil, err
	}

	var settled *model.Trade
	err = s.locks.Do(ctx, probe.UserID, func() error {
		t, err := s.store.GetTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if t.Status == model.TradeClosed {
			settled = t // already settled; no-op
			return nil
		}

		now := s.now().UTC()
		exit, result := s.resolveOutcome(t, forced, now)

		settledAmount := int64(0)
		if result == model.ResultWin {
			settledAmount = t.Stake + payoutProfit(t.Stake, t.PayoutPct)
		}

		applied, err := s.store.SettleTrade(ctx, t.ID, result, exit, settledAmount, now)
		if err != nil {
			return err
		}
		if !applied {
			// Lost the storage-level race; reload the winner's outcome.
			settled, err = s.store.GetTrade(ctx, tradeID)
			return err
		}

		if settledAmount > 0 {
			s.creditPayout(ctx, t, settledAmount)
		}

		t.Status = model.TradeClosed
		t.Result = result
		t.ExitPrice = exit
		t.SettledAmount = settledAmount
		t.SettledAt = now
		settled = t

		metrics.TradesSettled.WithLabelValues(result, trigger).Inc()
		metrics.SettlementLatency.Observe(now.Sub(t.CreatedAt).Seconds())

		s.recordSettlement(ctx, t, trigger, actor)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

// creditPayout delivers the settlement credit. The trade is already marked
// closed when this runs, so a storage error here must not surface as a failed
// settlement: the idempotency guard would turn every retry into a no-op and
// the payout would be lost. The credit is retried once in place; a persistent
// failure lands in the audit log with the user and amount so the payout can
// be replayed during reconciliation.
func (s *Service) creditPayout(ctx context.Context, t *model.Trade, amount int64) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		wallet, err := s.store.GetWalletByUser(ctx, t.UserID)
		if err != nil {
			lastErr = fmt.Errorf("wallet for settlement credit: %w", err)
			continue
		}
		credited, err := s.store.CreditWallet(ctx, wallet.ID, amount)
		if err != nil {
			lastErr = fmt.Errorf("settlement credit: %w", err)
			continue
		}
		if credited < amount {
			slog.Warn("settlement credit clamped at balance ceiling",
				"trade", t.ID, "requested", amount, "credited", credited)
		}
		return
	}

	metrics.SettlementCreditsPending.Inc()
	slog.Error("settlement credit undeliverable",
		"trade", t.ID, "user", t.UserID, "amount", amount, "err", lastErr)

	entry := &model.AuditLogEntry{
		ID:        uuid.New().String(),
		Actor:     "engine",
		Action:    "settlement_credit_pending",
		Subject:   t.ID,
		Detail:    fmt.Sprintf("user=%s amount=%d err=%v", t.UserID, amount, lastErr),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertAuditLog(ctx, entry); err != nil {
		slog.Error("settlement credit reconciliation entry failed", "trade", t.ID, "err", err)
	}
}

// resolveOutcome computes the exit price and result, honoring any forced
// override values. A forced result with no exit price gets a placeholder
// ±1% move consistent with that result.
func (s *Service) resolveOutcome(t *model.Trade, forced *OverrideRequest, now time.Time) (decimal.Decimal, string) {
	onePct := t.EntryPrice.Div(decimal.NewFromInt(100)).Round(pricing.Scale)

	var exit decimal.Decimal
	switch {
	case forced != nil && forced.ExitPrice != nil:
		exit = *forced.ExitPrice
	case forced != nil && forced.Result != "":
		up := (forced.Result == model.ResultWin) == (t.Direction == model.DirectionHigh)
		if up {
			exit = t.EntryPrice.Add(onePct)
		} else {
			exit = t.EntryPrice.Sub(onePct)
		}
	default:
		exit = pricing.Price(t.Symbol, now.Unix())
	}

	if forced != nil && forced.Result != "" {
		return exit, forced.Result
	}

	up := exit.GreaterThan(t.EntryPrice)
	if (t.Direction == model.DirectionHigh && up) ||
		(t.Direction == model.DirectionLow && exit.LessThan(t.EntryPrice)) {
		return exit, model.ResultWin
	}
	// Flat price settles as loss.
	return exit, model.ResultLoss
}

// recordSettlement emits the settlement side effects: user notification,
// audit-log entry, and the admin stream event.
func (s *Service) recordSettlement(ctx context.Context, t *model.Trade, trigger, actor string) {
	now := s.now().UTC()

	msg := fmt.Sprintf("Your %s trade on %s settled: %s", t.Direction, t.Symbol, t.Result)
	if t.SettledAmount > 0 {
		msg += fmt.Sprintf(" (+%d)", t.SettledAmount)
	}
	n := &model.Notification{
		ID:        uuid.New().String(),
		UserID:    t.UserID,
		Kind:      "trade_settled",
		Message:   msg,
		CreatedAt: now,
	}
	if err := s.store.InsertNotification(ctx, n); err != nil {
		slog.Error("settlement notification failed", "trade", t.ID, "err", err)
	}

	entry := &model.AuditLogEntry{
		ID:        uuid.New().String(),
		Actor:     actor,
		Action:    "trade_settled_" + trigger,
		Subject:   t.ID,
		Detail:    fmt.Sprintf("result=%s settled=%d exit=%s", t.Result, t.SettledAmount, t.ExitPrice),
		CreatedAt: now,
	}
	if err := s.store.InsertAuditLog(ctx, entry); err != nil {
		slog.Error("settlement audit log failed", "trade", t.ID, "err", err)
	}

	slog.Info("trade settled",
		"trade_id", t.ID,
		"user", t.UserID,
		"result", t.Result,
		"settled", t.SettledAmount,
		"trigger", trigger,
	)

	if s.hub != nil {
		s.hub.Broadcast(StreamEvent{Type: EventTradeClose, Trade: t})
	}
}

// publishOpen pushes open-side stream events: the trade itself, a large-stake
// signal, and a burst signal when the user opens trades unusually fast.
func (s *Service) publishOpen(t *model.Trade) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(StreamEvent{Type: EventTradeOpen, Trade: t})

	if s.cfg.LargeStakeThreshold > 0 && t.Stake >= s.cfg.LargeStakeThreshold {
		s.hub.Broadcast(StreamEvent{
			Type:   EventLargeTrade,
			Trade:  t,
			Detail: fmt.Sprintf("stake %d above threshold %d", t.Stake, s.cfg.LargeStakeThreshold),
		})
	}

	if s.burstDetected(t.UserID) {
		s.hub.Broadcast(StreamEvent{
			Type:   EventSuspiciousPattern,
			UserID: t.UserID,
			Detail: fmt.Sprintf("%d trades within %s", s.cfg.BurstCount, s.cfg.BurstWindow),
		})
	}
}

// burstDetected records an open and reports whether the user hit the burst
// threshold within the rolling window.
func (s *Service) burstDetected(userID string) bool {
	if s.cfg.BurstCount <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.cfg.BurstWindow)
	recent := s.opens[userID][:0]
	for _, ts := range s.opens[userID] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	s.opens[userID] = recent
	return len(recent) >= s.cfg.BurstCount
}

// ensureUser loads the caller's account record, provisioning defaults on
// first contact (demo semantics; production seeds users explicitly).
func (s *Service) ensureUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	user = &model.User{
		ID:        userID,
		Tier:      s.cfg.DefaultTier,
		PayoutPct: s.cfg.DefaultPayoutPct,
		Role:      "user",
	}
	if err := s.store.UpsertUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// --- Helpers ---

func validateOpen(req *OpenRequest) string {
	if req.Symbol == "" {
		return "symbol is required"
	}
	if req.Asset == "" {
		return "asset is required"
	}
	if req.Amount <= 0 {
		return "amount must be positive"
	}
	if req.Direction != model.DirectionHigh && req.Direction != model.DirectionLow {
		return "direction must be high or low"
	}
	if _, err := parseDurationToken(req.Duration); err != nil {
		return err.Error()
	}
	return ""
}

// parseDurationToken parses duration tokens like "5m" or "1h". Only minute
// and hour units are supported.
func parseDurationToken(token string) (time.Duration, error) {
	if len(token) < 2 {
		return 0, errors.New("invalid duration")
	}
	unit := token[len(token)-1]
	n, err := strconv.Atoi(strings.TrimSpace(token[:len(token)-1]))
	if err != nil || n <= 0 {
		return 0, errors.New("invalid duration")
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	default:
		return 0, errors.New("duration unit must be m or h")
	}
}

// payoutProfit computes round(stake * pct / 100) with half-up rounding.
func payoutProfit(stake, pct int64) int64 {
	return (stake*pct + 50) / 100
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}
