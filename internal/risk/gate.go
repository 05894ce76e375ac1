// Package risk implements the pre-trade gate: an ordered, short-circuiting
// chain of checks run before any stake is deducted. Counters (open trades,
// market exposure, daily volume/loss) are derived on demand from the trade
// set rather than kept as running totals.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeup/trade-engine/internal/metrics"
	"github.com/tradeup/trade-engine/internal/model"
	"github.com/tradeup/trade-engine/internal/pricing"
	"github.com/tradeup/trade-engine/internal/store"
)

// Rejection messages are machine-checkable: callers match on them.
var (
	ErrAssetDisabled  = errors.New("Asset disabled")
	ErrMaxOpenTrades  = errors.New("Max open trades reached")
	ErrMarketExposure = errors.New("Market exposure limit reached")
	ErrVolatility     = errors.New("Volatility protection active")
	ErrDailyVolume    = errors.New("Daily volume limit reached")
	ErrDailyLoss      = errors.New("Daily loss limit reached")
	ErrTierCeiling    = errors.New("Maximum trade size exceeded")
)

// Limits configures the gate. Monetary values are minor units.
type Limits struct {
	MaxOpenTrades int

	// MarketCeilings caps open exposure per market category; markets not
	// listed get the smallest configured ceiling.
	MarketCeilings map[string]int64

	// TierCeilings caps the single-trade stake per membership tier
	// (boundary inclusive).
	TierCeilings map[string]int64

	// VolatilityMaxMovePct rejects trades when the synthetic reference move
	// exceeds this percentage. Zero disables the guard (development mode).
	VolatilityMaxMovePct int64

	// VolatilityLookback is the window the guard simulates over.
	VolatilityLookback time.Duration

	DailyVolumeCap int64
	DailyLossCap   int64
}

// DefaultLimits returns production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxOpenTrades: 10,
		MarketCeilings: map[string]int64{
			"crypto": 5_000_000,
			"forex":  2_000_000,
			"stocks": 1_000_000,
		},
		TierCeilings: map[string]int64{
			model.TierBronze: 50_000,
			model.TierSilver: 100_000,
			model.TierGold:   500_000,
		},
		VolatilityMaxMovePct: 5,
		VolatilityLookback:   5 * time.Minute,
		DailyVolumeCap:       10_000_000,
		DailyLossCap:         2_000_000,
	}
}

// Gate evaluates the check chain. Safe for concurrent use.
type Gate struct {
	store  store.Store
	limits Limits

	mu       sync.RWMutex
	disabled map[string]bool // administratively disabled symbols

	now func() time.Time
}

// NewGate creates a risk gate over the given store.
func NewGate(st store.Store, limits Limits) *Gate {
	return &Gate{
		store:    st,
		limits:   limits,
		disabled: make(map[string]bool),
		now:      time.Now,
	}
}

// SetAssetEnabled administratively enables or disables trading a symbol.
func (g *Gate) SetAssetEnabled(symbol string, enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if enabled {
		delete(g.disabled, symbol)
	} else {
		g.disabled[symbol] = true
	}
}

// Check runs the chain in order and returns the first rejection, or nil.
// It never mutates state; the atomic stake debit that follows is a second,
// independent safety net against balance races.
func (g *Gate) Check(ctx context.Context, user *model.User, symbol, market string, stake int64) error {
	if err := g.checkAssetEnabled(symbol); err != nil {
		return g.reject("asset_enabled", err)
	}
	if err := g.checkMaxOpenTrades(ctx, user.ID); err != nil {
		return g.reject("max_open_trades", err)
	}
	if err := g.checkMarketExposure(ctx, market, stake); err != nil {
		return g.reject("market_exposure", err)
	}
	if err := g.checkVolatility(symbol); err != nil {
		return g.reject("volatility", err)
	}
	if err := g.checkDailyVolume(ctx, user.ID, stake); err != nil {
		return g.reject("daily_volume", err)
	}
	if err := g.checkDailyLoss(ctx, user.ID); err != nil {
		return g.reject("daily_loss", err)
	}
	if err := g.checkTierCeiling(user.Tier, stake); err != nil {
		return g.reject("tier_ceiling", err)
	}
	return nil
}

func (g *Gate) reject(check string, err error) error {
	metrics.RiskRejections.WithLabelValues(check).Inc()
	return err
}

func (g *Gate) checkAssetEnabled(symbol string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.disabled[symbol] {
		return ErrAssetDisabled
	}
	return nil
}

func (g *Gate) checkMaxOpenTrades(ctx context.Context, userID string) error {
	count, err := g.store.CountOpenTrades(ctx, userID)
	if err != nil {
		return fmt.Errorf("count open trades: %w", err)
	}
	if count >= g.limits.MaxOpenTrades {
		return ErrMaxOpenTrades
	}
	return nil
}

func (g *Gate) checkMarketExposure(ctx context.Context, market string, stake int64) error {
	ceiling := g.marketCeiling(market)
	exposure, err := g.store.OpenExposureByMarket(ctx, market)
	if err != nil {
		return fmt.Errorf("market exposure: %w", err)
	}
	if exposure+stake > ceiling {
		return ErrMarketExposure
	}
	return nil
}

// marketCeiling returns the configured ceiling, or the smallest one for
// unknown markets.
func (g *Gate) marketCeiling(market string) int64 {
	if c, ok := g.limits.MarketCeilings[market]; ok {
		return c
	}
	var smallest int64 = -1
	for _, c := range g.limits.MarketCeilings {
		if smallest < 0 || c < smallest {
			smallest = c
		}
	}
	if smallest < 0 {
		return 0
	}
	return smallest
}

func (g *Gate) checkVolatility(symbol string) error {
	maxMove := g.limits.VolatilityMaxMovePct
	if maxMove <= 0 {
		return nil // disabled in development/test mode
	}
	now := g.now().Unix()
	before := now - int64(g.limits.VolatilityLookback.Seconds())
	move := pricing.MovePct(symbol, before, now)
	if move.GreaterThan(decimal.NewFromInt(maxMove)) {
		return ErrVolatility
	}
	return nil
}

func (g *Gate) checkDailyVolume(ctx context.Context, userID string, stake int64) error {
	since := g.now().Add(-24 * time.Hour)
	volume, err := g.store.UserVolumeSince(ctx, userID, since)
	if err != nil {
		return fmt.Errorf("daily volume: %w", err)
	}
	if volume+stake > g.limits.DailyVolumeCap {
		return ErrDailyVolume
	}
	return nil
}

func (g *Gate) checkDailyLoss(ctx context.Context, userID string) error {
	since := g.now().Add(-24 * time.Hour)
	loss, err := g.store.UserLossSince(ctx, userID, since)
	if err != nil {
		return fmt.Errorf("daily loss: %w", err)
	}
	if loss >= g.limits.DailyLossCap {
		return ErrDailyLoss
	}
	return nil
}

func (g *Gate) checkTierCeiling(tier string, stake int64) error {
	ceiling, ok := g.limits.TierCeilings[tier]
	if !ok {
		ceiling = g.limits.TierCeilings[model.TierBronze]
	}
	if stake > ceiling {
		return ErrTierCeiling
	}
	return nil
}

// IsRejection reports whether err is one of the gate's rejection reasons
// (as opposed to a storage failure).
func IsRejection(err error) bool {
	for _, r := range []error{
		ErrAssetDisabled, ErrMaxOpenTrades, ErrMarketExposure,
		ErrVolatility, ErrDailyVolume, ErrDailyLoss, ErrTierCeiling,
	} {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}
