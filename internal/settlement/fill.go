package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/redmasterf0x/spad/internal/broker"
	"github.com/redmasterf0x/spad/internal/fee"
	"github.com/redmasterf0x/spad/internal/ledger"
	"github.com/redmasterf0x/spad/internal/metrics"
	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
	"github.com/redmasterf0x/spad/internal/position"
	"github.com/redmasterf0x/spad/internal/store"
)

// FillResult is everything a fill changed.
type FillResult struct {
	Order    model.Order       `json:"order"`
	Fee      model.Fee         `json:"fee"`
	Position model.Position    `json:"position"`
	Entry    model.LedgerEntry `json:"ledger_entry"`
	Account  model.Account     `json:"account"`
}

// FillOrder settles a broker execution of a PENDING order: the order becomes
// FILLED, the fee is finalized, the position updated, an ORDER_EXECUTION
// entry posted and the cash balance moved. All of it commits together.
//
// A BUY debits cost plus platform margin and releases the order's hold; a
// SELL credits cost minus margin. A second fill of the same order fails with
// INVALID_ORDER_STATE and changes nothing.
func (e *Engine) FillOrder(ctx context.Context, orderID string, qty decimal.Decimal, price money.Money, brokerOrderID string) (*FillResult, error) {
	if !qty.IsPositive() {
		return nil, model.Validation("fill quantity must be positive")
	}
	if !price.IsPositive() {
		return nil, model.Validation("fill price must be positive")
	}
	start := time.Now()

	o, err := e.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var res FillResult
	err = e.store.WithAccount(ctx, o.AccountID, func(tx store.Tx) error {
		o, err := txOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if err := requirePending(o); err != nil {
			return err
		}
		if brokerOrderID != "" && o.PartnerOrderID != "" && brokerOrderID != o.PartnerOrderID {
			return model.Errorf(model.KindConflict,
				"fill for broker order %s does not match order %s (%s)", brokerOrderID, o.ID, o.PartnerOrderID)
		}
		if qty.GreaterThan(o.Quantity) {
			return model.Validation("fill quantity %s exceeds order quantity %s", qty, o.Quantity)
		}

		now := e.now()
		totalCost := price.Mul(qty).RoundCash()
		calc := e.fees.Calculate(totalCost)

		o.Status = model.OrderFilled
		o.FilledQuantity = qty
		o.FilledPrice = &price
		o.FilledAt = &now
		o.UpdatedAt = now
		if o.PartnerOrderID == "" {
			o.PartnerOrderID = brokerOrderID
		}

		f, err := e.finalizeFee(ctx, tx, o, calc, now)
		if err != nil {
			return err
		}

		pos, err := e.applyPosition(ctx, tx, o, qty, price, now)
		if err != nil {
			return err
		}

		entry, err := e.ledger.PostTx(ctx, tx, ledger.PostRequest{
			AccountID:   o.AccountID,
			EntryType:   model.EntryOrderExecution,
			Amount:      totalCost,
			Description: fmt.Sprintf("%s %s %s @ %s", o.Side, qty, o.Symbol, price),
			OrderID:     o.ID,
			Metadata: map[string]string{
				"symbol":   o.Symbol,
				"side":     string(o.Side),
				"quantity": qty.String(),
				"price":    price.String(),
				"fee":      calc.GrossFeeAmount.String(),
			},
		})
		if err != nil {
			return err
		}

		acct := tx.Account()
		switch o.Side {
		case model.SideBuy:
			acct.CashBalance = acct.CashBalance.Sub(totalCost.Add(calc.OurMargin))
			acct.ReservedBalance = acct.ReservedBalance.Sub(o.ReservedAmount)
		case model.SideSell:
			acct.CashBalance = acct.CashBalance.Add(totalCost.Sub(calc.OurMargin))
		}
		positions, err := tx.ListPositions(ctx)
		if err != nil {
			return err
		}
		acct.Equity = acct.CashBalance.Add(position.TotalValue(positions))
		acct.UpdatedAt = now
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}

		res = FillResult{Order: *o, Fee: *f, Position: pos, Entry: *entry, Account: *acct}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersFinalized.WithLabelValues(string(model.OrderFilled)).Inc()
	metrics.SettlementLatency.WithLabelValues(string(res.Order.Side)).Observe(time.Since(start).Seconds())
	metrics.FeeMargin.Add(res.Fee.OurMargin.InexactFloat64())
	metrics.LedgerEntries.WithLabelValues(string(model.EntryOrderExecution)).Inc()

	if res.Account.CashBalance.IsNegative() {
		e.logger.Warn("fill overdrew account",
			"order_id", res.Order.ID,
			"account", res.Account.ID,
			"cash", res.Account.CashBalance.String(),
		)
	}
	e.logger.Info("order filled",
		"order_id", res.Order.ID,
		"account", res.Order.AccountID,
		"symbol", res.Order.Symbol,
		"side", res.Order.Side,
		"qty", qty.String(),
		"price", price.String(),
		"gross_fee", res.Fee.GrossFeeAmount.String(),
		"margin", res.Fee.OurMargin.String(),
		"cash", res.Account.CashBalance.String(),
	)
	e.notifyOrder(&res.Order)
	cash := res.Account.CashBalance
	e.notify(Notification{Type: "account_updated", AccountID: res.Account.ID, Cash: &cash})
	return &res, nil
}

func (e *Engine) finalizeFee(ctx context.Context, tx store.Tx, o *model.Order, calc fee.Calculation, now time.Time) (*model.Fee, error) {
	f, err := tx.GetFeeByOrder(ctx, o.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Orders filled before their submission was confirmed have no
		// fee row yet.
		f = &model.Fee{
			ID:        uuid.New().String(),
			AccountID: o.AccountID,
			OrderID:   o.ID,
			Category:  model.FeeTradingCommission,
			CreatedAt: now,
		}
		calc.Apply(f)
		f.UpdatedAt = now
		if err := tx.InsertFee(ctx, f); err != nil {
			return nil, fmt.Errorf("create fee: %w", err)
		}
		return f, nil
	case err != nil:
		return nil, err
	}
	calc.Apply(f)
	f.UpdatedAt = now
	if err := tx.UpdateFee(ctx, f); err != nil {
		return nil, fmt.Errorf("update fee: %w", err)
	}
	return f, nil
}

func (e *Engine) applyPosition(ctx context.Context, tx store.Tx, o *model.Order, qty decimal.Decimal, price money.Money, now time.Time) (model.Position, error) {
	existing, err := tx.GetPosition(ctx, o.Symbol)
	if errors.Is(err, store.ErrNotFound) {
		existing = nil
	} else if err != nil {
		return model.Position{}, err
	}
	next, err := position.ApplyFill(existing, position.Fill{
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		AssetType: o.AssetType,
		Side:      o.Side,
		Quantity:  qty,
		Price:     price,
		At:        now,
	})
	if err != nil {
		if errors.Is(err, position.ErrInvalidFill) {
			return model.Position{}, model.Wrap(model.KindValidation, err, "invalid fill")
		}
		return model.Position{}, err
	}
	if err := tx.SavePosition(ctx, &next); err != nil {
		return model.Position{}, err
	}
	return next, nil
}

// HandleEvent applies an asynchronous broker notification. Redelivered
// events fail with INVALID_ORDER_STATE and change nothing.
func (e *Engine) HandleEvent(ctx context.Context, ev broker.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	switch ev.Type {
	case broker.EventFilled:
		_, err := e.FillOrder(ctx, ev.OrderID, *ev.FilledQuantity, *ev.FilledPrice, ev.BrokerOrderID)
		return err
	case broker.EventPartiallyFilled:
		return e.markPartial(ctx, ev)
	case broker.EventRejected:
		reason := ev.RejectReason
		if reason == "" {
			reason = "rejected by broker"
		}
		_, err := e.RejectOrder(ctx, ev.OrderID, reason)
		return err
	case broker.EventCancelled:
		_, err := e.closeOrder(ctx, ev.OrderID, model.OrderCancelled, "")
		return err
	}
	return model.Validation("unhandled event type %q", ev.Type)
}

// markPartial records a partial execution on the order. Settlement waits
// for the terminal ORDER_FILLED event with cumulative quantity.
func (e *Engine) markPartial(ctx context.Context, ev broker.Event) error {
	o, err := e.Order(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	return e.store.WithAccount(ctx, o.AccountID, func(tx store.Tx) error {
		o, err := txOrder(ctx, tx, ev.OrderID)
		if err != nil {
			return err
		}
		if err := requirePending(o); err != nil {
			return err
		}
		o.PartnerStatus = model.PartnerPartiallyFilled
		if o.PartnerOrderID == "" {
			o.PartnerOrderID = ev.BrokerOrderID
		}
		o.UpdatedAt = e.now()
		e.logger.Info("order partially filled at broker",
			"order_id", o.ID,
			"filled_qty", ev.FilledQuantity.String(),
			"avg_price", ev.FilledPrice.String(),
		)
		return tx.UpdateOrder(ctx, o)
	})
}
