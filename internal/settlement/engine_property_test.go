package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
	"github.com/redmasterf0x/spad/internal/settlement"
)

// checkBalances asserts the account-level invariants after any operation.
func checkBalances(t *rapid.T, env *testEnv) {
	ctx := context.Background()
	acct := env.account(t)
	if acct.CashBalance.IsNegative() {
		t.Fatalf("cash negative: %s", acct.CashBalance)
	}
	if acct.ReservedBalance.IsNegative() {
		t.Fatalf("reserved negative: %s", acct.ReservedBalance)
	}
	if acct.AvailableBalance().IsNegative() {
		t.Fatalf("reserved %s exceeds cash %s", acct.ReservedBalance, acct.CashBalance)
	}

	open, err := env.eng.OpenOrders(ctx, acctID)
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	held := money.Zero
	for _, o := range open {
		held = held.Add(o.ReservedAmount)
	}
	if !held.Equal(acct.ReservedBalance) {
		t.Fatalf("reserved %s, open orders hold %s", acct.ReservedBalance, held)
	}
}

// Buys filled at or below their limit, cancels and sells never drive cash
// or reserved negative, and the reserved balance always equals the holds of
// the open orders.
func TestProperty_BalancesStayNonNegative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		env := newTestEnv(t, fmt.Sprint(rapid.IntRange(0, 50_000).Draw(t, "cash")), nil)
		ctx := context.Background()
		var open []*model.Order

		steps := rapid.IntRange(1, 25).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch op := rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("op-%d", i)); {
			case op == 0 || len(open) == 0:
				qty := rapid.IntRange(1, 20).Draw(t, fmt.Sprintf("qty-%d", i))
				cents := rapid.Int64Range(100, 50_000).Draw(t, fmt.Sprintf("limit-%d", i))
				price := money.FromCents(cents)
				o, err := env.eng.SubmitOrder(ctx, acctID, settlement.OrderRequest{
					Symbol: "SPY", AssetType: model.AssetOption, Side: model.SideBuy,
					Quantity: decimal.NewFromInt(int64(qty)), OrderType: model.OrderLimit, Price: &price,
				})
				switch {
				case err == nil:
					open = append(open, o)
				case errors.Is(err, model.ErrInsufficientBalance):
				default:
					t.Fatalf("submit: %v", err)
				}

			case op == 1:
				k := rapid.IntRange(0, len(open)-1).Draw(t, fmt.Sprintf("fill-%d", i))
				o := open[k]
				limit := o.Price.Decimal().Shift(2).IntPart()
				fillPrice := money.FromCents(rapid.Int64Range(1, limit).Draw(t, fmt.Sprintf("fill-price-%d", i)))
				res, err := env.eng.FillOrder(ctx, o.ID, o.Quantity, fillPrice, o.PartnerOrderID)
				if err != nil {
					t.Fatalf("fill: %v", err)
				}
				if !res.Fee.GrossFeeAmount.Equal(res.Fee.PartnerCost.Add(res.Fee.OurMargin)) {
					t.Fatalf("fee split broken: %+v", res.Fee)
				}
				open = append(open[:k], open[k+1:]...)

			case op == 2:
				k := rapid.IntRange(0, len(open)-1).Draw(t, fmt.Sprintf("cancel-%d", i))
				if _, err := env.eng.CancelOrder(ctx, open[k].ID); err != nil {
					t.Fatalf("cancel: %v", err)
				}
				open = append(open[:k], open[k+1:]...)

			default:
				pos, err := env.ms.GetPosition(ctx, acctID, "SPY")
				if err != nil || !pos.Quantity.IsPositive() {
					continue
				}
				qty := rapid.Int64Range(1, pos.Quantity.IntPart()).Draw(t, fmt.Sprintf("sell-%d", i))
				o, err := env.eng.SubmitOrder(ctx, acctID, settlement.OrderRequest{
					Symbol: "SPY", AssetType: model.AssetOption, Side: model.SideSell,
					Quantity: decimal.NewFromInt(qty), OrderType: model.OrderMarket,
				})
				if err != nil {
					t.Fatalf("sell: %v", err)
				}
				price := money.FromCents(rapid.Int64Range(1, 50_000).Draw(t, fmt.Sprintf("sell-price-%d", i)))
				if _, err := env.eng.FillOrder(ctx, o.ID, o.Quantity, price, o.PartnerOrderID); err != nil {
					t.Fatalf("sell fill: %v", err)
				}
			}
			checkBalances(t, env)
		}
	})
}

// Cancelling a BUY restores the exact reserved balance seen before it was
// submitted.
func TestProperty_ReservationRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		env := newTestEnv(t, "1000000", nil)
		ctx := context.Background()

		if rapid.Bool().Draw(t, "other-open-order") {
			env.submit(t, limitBuy("QQQ", "3", "17.31"))
		}
		before := env.account(t).ReservedBalance

		qty := rapid.IntRange(1, 100).Draw(t, "qty")
		price := money.FromCents(rapid.Int64Range(1, 100_000).Draw(t, "price"))
		o := env.submit(t, settlement.OrderRequest{
			Symbol: "SPY", AssetType: model.AssetOption, Side: model.SideBuy,
			Quantity: decimal.NewFromInt(int64(qty)), OrderType: model.OrderLimit, Price: &price,
		})
		if !o.ReservedAmount.IsPositive() {
			t.Fatalf("no hold for %s @ %s", o.Quantity, price)
		}
		if _, err := env.eng.CancelOrder(ctx, o.ID); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if after := env.account(t).ReservedBalance; !after.Equal(before) {
			t.Fatalf("reserved %s, want %s", after, before)
		}
	})
}
