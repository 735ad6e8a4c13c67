// Package position applies fills to per-account, per-symbol positions.
//
// Only long positions are opened: a BUY opens or adds, a SELL reduces.
// Adds re-average the open price; reductions realize P&L against it.
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
)

var (
	// ErrInvalidFill is returned for non-positive quantities or prices.
	ErrInvalidFill = errors.New("position: invalid fill")
)

// Fill is one execution to apply.
type Fill struct {
	AccountID string
	Symbol    string
	AssetType model.AssetType
	Side      model.Side
	Quantity  decimal.Decimal
	Price     money.Money
	At        time.Time
}

// ApplyFill returns the position after fill. pos may be nil when the account
// has never held the symbol. The input is not modified.
func ApplyFill(pos *model.Position, fill Fill) (model.Position, error) {
	if !fill.Quantity.IsPositive() || fill.Price.IsNegative() {
		return model.Position{}, fmt.Errorf("%w: qty=%s price=%s", ErrInvalidFill, fill.Quantity, fill.Price)
	}

	var next model.Position
	if pos != nil {
		next = *pos
	} else {
		next = model.Position{
			ID:        uuid.New().String(),
			AccountID: fill.AccountID,
			Symbol:    fill.Symbol,
			AssetType: fill.AssetType,
			Side:      model.PositionLong,
			OpenedAt:  fill.At,
		}
	}

	switch fill.Side {
	case model.SideBuy:
		if err := add(&next, fill); err != nil {
			return model.Position{}, err
		}
	case model.SideSell:
		if err := reduce(&next, fill); err != nil {
			return model.Position{}, err
		}
	default:
		return model.Position{}, fmt.Errorf("%w: side %q", ErrInvalidFill, fill.Side)
	}

	next.UpdatedAt = fill.At
	MarkToMarket(&next, fill.Price, fill.At)
	return next, nil
}

func add(p *model.Position, fill Fill) error {
	newQty := p.Quantity.Add(fill.Quantity)
	cost := p.AverageOpenPrice.Mul(p.Quantity).Add(fill.Price.Mul(fill.Quantity))
	avg, err := cost.Div(newQty)
	if err != nil {
		return err
	}
	if p.Quantity.IsZero() {
		// Reopening a closed position starts a fresh holding period.
		p.OpenedAt = fill.At
		p.ClosedAt = nil
	}
	p.Quantity = newQty
	p.AverageOpenPrice = avg.RoundPrice()
	p.TotalOpenCost = cost.RoundCash()
	return nil
}

func reduce(p *model.Position, fill Fill) error {
	if p.Quantity.LessThan(fill.Quantity) {
		return model.Errorf(model.KindInsufficientPosition,
			"sell %s %s exceeds held quantity %s", fill.Quantity, fill.Symbol, p.Quantity)
	}
	realized := fill.Price.Sub(p.AverageOpenPrice).Mul(fill.Quantity)
	p.RealizedPl = p.RealizedPl.Add(realized).RoundCash()
	p.ClosedQuantity = p.ClosedQuantity.Add(fill.Quantity)
	p.Quantity = p.Quantity.Sub(fill.Quantity)
	p.TotalOpenCost = p.AverageOpenPrice.Mul(p.Quantity).RoundCash()
	if p.Quantity.IsZero() {
		at := fill.At
		p.ClosedAt = &at
	}
	return nil
}

// MarkToMarket revalues p at price.
func MarkToMarket(p *model.Position, price money.Money, at time.Time) {
	p.CurrentPrice = price
	p.CurrentValue = price.Mul(p.Quantity).RoundCash()
	p.UnrealizedPl = price.Sub(p.AverageOpenPrice).Mul(p.Quantity).RoundCash()
	p.UnrealizedPlPct = decimal.Zero
	if ratio, err := p.UnrealizedPl.Ratio(p.TotalOpenCost); err == nil {
		p.UnrealizedPlPct = ratio.Mul(decimal.NewFromInt(100)).Round(2)
	}
	p.UpdatedAt = at
}

// TotalValue sums current value across positions.
func TotalValue(positions []model.Position) money.Money {
	total := money.Zero
	for _, p := range positions {
		total = total.Add(p.CurrentValue)
	}
	return total
}
