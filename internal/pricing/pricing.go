// Package pricing provides the deterministic synthetic price source used for
// trade entry/exit marks and the risk gate's volatility guard.
//
// Prices are a pure function of (symbol, seed): the same inputs always yield
// the same price, so tests can assert exact numeric outcomes. The seed is a
// unix timestamp in the live system.
package pricing

import (
	"hash/fnv"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places for quoted prices.
const Scale int32 = 4

// oscillation amplitude in basis points (±2% of base).
const amplitudeBps = 200

// Price returns the synthetic price for symbol at the given seed.
//
// The base level is derived from the symbol alone so each instrument trades
// in its own band; the seed perturbs it within ±2% of base.
func Price(symbol string, seed int64) decimal.Decimal {
	base := basePrice(symbol)

	// Mix symbol and seed into a fraction in [-1, 1).
	h := fnv.New64a()
	h.Write([]byte(symbol))
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(seed >> (8 * i))
	}
	h.Write(buf[:])
	mixed := h.Sum64()

	// frac in [-10000, 10000), scaled to ±amplitude.
	frac := int64(mixed%20000) - 10000
	deltaBps := frac * amplitudeBps / 10000

	// price = base * (1 + deltaBps/10000)
	delta := base.Mul(decimal.NewFromInt(deltaBps)).Div(decimal.NewFromInt(10000))
	return base.Add(delta).Round(Scale)
}

// MovePct returns the absolute percent move between the prices at two seeds,
// rounded to 4 places. Used by the volatility guard.
func MovePct(symbol string, seedBefore, seedAfter int64) decimal.Decimal {
	before := Price(symbol, seedBefore)
	after := Price(symbol, seedAfter)
	if before.IsZero() {
		return decimal.Zero
	}
	return after.Sub(before).Abs().
		Div(before).
		Mul(decimal.NewFromInt(100)).
		Round(Scale)
}

// basePrice maps a symbol to a stable base level in [100, 50100).
func basePrice(symbol string) decimal.Decimal {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	level := int64(h.Sum64()%50000) + 100
	return decimal.NewFromInt(level)
}
