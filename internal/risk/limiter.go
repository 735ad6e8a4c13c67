// Package risk enforces concentration limits on open positions.
//
// An account's exposure is its open quantity per symbol. Option series and
// futures months on the same underlying move together, so besides a cap per
// symbol there is an aggregate cap across every symbol that shares an
// underlying root (SPY 240119C00450000 and SPY 240216P00440000 both count
// against SPY).
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrSymbolLimitExceeded is returned when an order would push a single
	// symbol's open quantity beyond the per-symbol maximum.
	ErrSymbolLimitExceeded = errors.New("risk: per-symbol position limit exceeded")

	// ErrUnderlyingLimitExceeded is returned when an order would push the
	// aggregate open quantity on one underlying beyond its maximum.
	ErrUnderlyingLimitExceeded = errors.New("risk: per-underlying exposure limit exceeded")
)

// Exposure is the open quantity an account holds in one symbol.
type Exposure struct {
	Symbol     string
	Underlying string
	Quantity   decimal.Decimal
}

// ExposureLimiter caps open quantity per symbol and per underlying.
// A zero limit disables that check.
type ExposureLimiter struct {
	MaxPerSymbol     decimal.Decimal
	MaxPerUnderlying decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given caps.
func NewExposureLimiter(maxPerSymbol, maxPerUnderlying decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerSymbol:     maxPerSymbol,
		MaxPerUnderlying: maxPerUnderlying,
	}
}

// Enabled reports whether any cap is set.
func (l *ExposureLimiter) Enabled() bool {
	return l != nil && (l.MaxPerSymbol.IsPositive() || l.MaxPerUnderlying.IsPositive())
}

// CheckLimit validates an order that changes target.Symbol's quantity by
// target.Quantity, given the account's current exposures.
func (l *ExposureLimiter) CheckLimit(target Exposure, existing []Exposure) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-symbol limit.
	current := decimal.Zero
	for _, e := range existing {
		if e.Symbol == target.Symbol {
			current = current.Add(e.Quantity)
		}
	}
	newQty := current.Add(target.Quantity)

	if l.MaxPerSymbol.IsPositive() && newQty.Abs().GreaterThan(l.MaxPerSymbol) {
		return ErrSymbolLimitExceeded
	}

	// 2. Aggregate |quantity| across symbols on the same underlying.
	if !l.MaxPerUnderlying.IsPositive() {
		return nil
	}
	total := newQty.Abs()
	for _, e := range existing {
		if e.Symbol == target.Symbol {
			continue // already counted via newQty above
		}
		if e.Underlying == target.Underlying {
			total = total.Add(e.Quantity.Abs())
		}
	}

	if total.GreaterThan(l.MaxPerUnderlying) {
		return ErrUnderlyingLimitExceeded
	}

	return nil
}
