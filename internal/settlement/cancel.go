package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/redmasterf0x/spad/internal/metrics"
	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/store"
)

// CancelOrder cancels a PENDING order. The broker is asked to cancel first;
// a broker failure is logged and does not stop the local cancel. A BUY
// order's hold is released.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := e.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := requirePending(o); err != nil {
		return nil, err
	}
	if o.PartnerOrderID != "" {
		_ = e.cancelAtBroker(ctx, o)
	}
	return e.closeOrder(ctx, orderID, model.OrderCancelled, "")
}

// RejectOrder marks a PENDING order REJECTED with reason and releases its
// hold. It is used for broker-side rejections that arrive after submission.
func (e *Engine) RejectOrder(ctx context.Context, orderID, reason string) (*model.Order, error) {
	if reason == "" {
		return nil, model.Validation("rejection reason is required")
	}
	return e.closeOrder(ctx, orderID, model.OrderRejected, reason)
}

// ExpireOrders expires PENDING DAY orders created before cutoff and returns
// how many were expired. Orders finalized concurrently are skipped.
//
// A routed order is cancelled at the broker first and only expired once the
// broker confirms; otherwise it stays PENDING so a late fill still settles,
// and the next pass retries. UNCONFIRMED orders are left for
// ResubmitUnconfirmed to resolve.
func (e *Engine) ExpireOrders(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := e.store.ListOrders(ctx, store.OrderFilter{
		Status:        model.OrderPending,
		TimeInForce:   model.TIFDay,
		CreatedBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		o := &stale[i]
		if o.PartnerStatus == model.PartnerUnconfirmed {
			continue
		}
		if o.PartnerOrderID != "" {
			if err := e.cancelAtBroker(ctx, o); err != nil {
				continue
			}
		}
		_, err := e.closeOrder(ctx, o.ID, model.OrderExpired, "")
		switch {
		case err == nil:
			expired++
		case errors.Is(err, model.ErrInvalidOrderState):
		default:
			return expired, err
		}
	}
	if expired > 0 {
		e.logger.Info("day orders expired", "count", expired, "cutoff", cutoff)
	}
	return expired, nil
}

// closeOrder moves a PENDING order to a terminal, non-filled status and
// releases its hold in one account transaction.
func (e *Engine) closeOrder(ctx context.Context, orderID string, status model.OrderStatus, reason string) (*model.Order, error) {
	o, err := e.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var out model.Order
	err = e.store.WithAccount(ctx, o.AccountID, func(tx store.Tx) error {
		o, err := txOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if err := requirePending(o); err != nil {
			return err
		}

		now := e.now()
		o.Status = status
		o.UpdatedAt = now
		switch status {
		case model.OrderCancelled:
			o.CancelledAt = &now
		case model.OrderRejected:
			o.RejectionReason = reason
			o.PartnerStatus = model.PartnerRejected
		}

		if o.ReservedAmount.IsPositive() {
			acct := tx.Account()
			acct.ReservedBalance = acct.ReservedBalance.Sub(o.ReservedAmount)
			acct.UpdatedAt = now
			if err := tx.SaveAccount(ctx, acct); err != nil {
				return err
			}
		}
		out = *o
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersFinalized.WithLabelValues(string(status)).Inc()
	e.logger.Info("order closed",
		"order_id", out.ID,
		"account", out.AccountID,
		"status", out.Status,
		"released", out.ReservedAmount.String(),
		"reason", reason,
	)
	e.notifyOrder(&out)
	return &out, nil
}

// cancelAtBroker asks the broker to cancel o. Failures are logged and
// returned; callers decide whether the local transition still proceeds.
func (e *Engine) cancelAtBroker(ctx context.Context, o *model.Order) error {
	bctx, cancel := e.brokerCtx(ctx)
	defer cancel()
	err := e.broker.CancelOrder(bctx, o.PartnerOrderID)
	if err != nil {
		e.logger.Warn("broker cancel failed",
			"order_id", o.ID,
			"partner_order_id", o.PartnerOrderID,
			"error", err,
		)
	}
	return err
}
