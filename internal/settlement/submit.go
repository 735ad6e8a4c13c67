package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/redmasterf0x/spad/internal/broker"
	"github.com/redmasterf0x/spad/internal/contract"
	"github.com/redmasterf0x/spad/internal/metrics"
	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
	"github.com/redmasterf0x/spad/internal/risk"
	"github.com/redmasterf0x/spad/internal/store"
)

// ReasonReservationShortfall is recorded on orders whose funds were taken by
// another order while the broker call was in flight.
const ReasonReservationShortfall = "insufficient balance at reservation"

// OrderRequest is a customer order instruction.
type OrderRequest struct {
	Symbol        string               `json:"symbol"`
	AssetType     model.AssetType      `json:"asset_type"`
	Side          model.Side           `json:"side"`
	Quantity      decimal.Decimal      `json:"quantity"`
	OrderType     model.OrderType      `json:"order_type"`
	TimeInForce   model.TimeInForce    `json:"time_in_force"`
	Price         *money.Money         `json:"price,omitempty"`
	StopPrice     *money.Money         `json:"stop_price,omitempty"`
	OptionDetails *model.OptionDetails `json:"option_details,omitempty"`
	FutureDetails *model.FutureDetails `json:"future_details,omitempty"`
}

func (r *OrderRequest) validate() error {
	if r.Symbol == "" {
		return model.Validation("symbol is required")
	}
	if !r.AssetType.Valid() {
		return model.Validation("invalid asset type %q", r.AssetType)
	}
	if !r.Side.Valid() {
		return model.Validation("side must be BUY or SELL")
	}
	if !r.Quantity.IsPositive() {
		return model.Validation("quantity must be positive")
	}
	if !r.OrderType.Valid() {
		return model.Validation("invalid order type %q", r.OrderType)
	}
	if r.TimeInForce == "" {
		r.TimeInForce = model.TIFDay
	}
	if !r.TimeInForce.Valid() {
		return model.Validation("invalid time in force %q", r.TimeInForce)
	}
	if r.Price != nil && !r.Price.IsPositive() {
		return model.Validation("price must be positive")
	}
	if r.StopPrice != nil && !r.StopPrice.IsPositive() {
		return model.Validation("stop_price must be positive")
	}
	switch r.OrderType {
	case model.OrderLimit:
		if r.Price == nil {
			return model.Validation("LIMIT orders require a price")
		}
	case model.OrderStop:
		if r.StopPrice == nil {
			return model.Validation("STOP orders require a stop_price")
		}
	case model.OrderStopLimit:
		if r.Price == nil || r.StopPrice == nil {
			return model.Validation("STOP_LIMIT orders require price and stop_price")
		}
	}
	if err := contract.Validate(r.AssetType, r.Symbol, r.OptionDetails, r.FutureDetails); err != nil {
		return model.Wrap(model.KindValidation, err, "invalid contract")
	}
	return nil
}

// holdFor is the amount a BUY order holds: the estimated cost plus the gross
// commission on it. The fill charges cost plus margin, never more than this
// when the fill price does not exceed the estimate.
func (e *Engine) holdFor(o *model.Order) money.Money {
	if o.Side != model.SideBuy {
		return money.Zero
	}
	estimate := o.EstimatedPrice().Mul(o.Quantity).RoundCash()
	return estimate.Add(e.fees.Calculate(estimate).GrossFeeAmount)
}

// SubmitOrder validates and records a PENDING order, sends it to the broker
// and reserves BUY funds once the broker accepts it.
//
// A BUY holds its estimated cost plus the gross commission on that estimate,
// and is refused with INSUFFICIENT_BALANCE unless the available balance
// covers both. BUY 10 @ 150 therefore needs 1507.50, not 1500.
//
// A broker rejection marks the order REJECTED and returns a BROKER_ERROR.
// An uncertain broker outcome keeps the order PENDING with partner status
// UNCONFIRMED and its funds reserved; ResubmitUnconfirmed settles it later.
func (e *Engine) SubmitOrder(ctx context.Context, accountID string, req OrderRequest) (*model.Order, error) {
	if accountID == "" {
		return nil, model.Validation("account_id is required")
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := e.now()
	order := &model.Order{
		ID:             uuid.New().String(),
		AccountID:      accountID,
		Symbol:         req.Symbol,
		AssetType:      req.AssetType,
		Side:           req.Side,
		Quantity:       req.Quantity,
		OrderType:      req.OrderType,
		TimeInForce:    req.TimeInForce,
		Price:          req.Price,
		StopPrice:      req.StopPrice,
		OptionDetails:  req.OptionDetails,
		FutureDetails:  req.FutureDetails,
		Status:         model.OrderPending,
		FilledQuantity: decimal.Zero,
		IdempotencyKey: uuid.New().String(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	hold := e.holdFor(order)

	err := e.store.WithAccount(ctx, accountID, func(tx store.Tx) error {
		acct := tx.Account()
		if acct.Status != model.AccountActive {
			return model.Errorf(model.KindAccountNotActive, "account %s is %s", acct.ID, acct.Status)
		}
		switch order.Side {
		case model.SideSell:
			held := decimal.Zero
			pos, err := tx.GetPosition(ctx, order.Symbol)
			if err == nil {
				held = pos.Quantity
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if held.LessThan(order.Quantity) {
				return model.Errorf(model.KindInsufficientPosition,
					"sell %s %s exceeds held quantity %s", order.Quantity, order.Symbol, held)
			}
		case model.SideBuy:
			if acct.AvailableBalance().LessThan(hold) {
				return model.Errorf(model.KindInsufficientBalance,
					"order requires %s, available %s", hold, acct.AvailableBalance())
			}
			if err := e.checkExposure(ctx, tx, order); err != nil {
				return err
			}
		}
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	metrics.OrdersSubmitted.WithLabelValues(string(order.Side), string(order.AssetType)).Inc()

	bctx, cancel := e.brokerCtx(ctx)
	res, berr := e.broker.SubmitOrder(bctx, broker.NewOrderRequest(order))
	cancel()

	// The broker has answered; record the outcome even if the caller left.
	ctx = context.WithoutCancel(ctx)
	switch {
	case berr == nil:
		o, err := e.recordSubmission(ctx, order.ID, res.BrokerOrderID, model.PartnerAccepted)
		if errors.Is(err, model.ErrInvalidOrderState) {
			// A broker event finalized the order before the answer was recorded.
			return e.Order(ctx, order.ID)
		}
		return o, err
	case broker.IsUncertain(berr):
		e.logger.Warn("broker submission outcome unknown",
			"order_id", order.ID,
			"account", accountID,
			"error", berr,
		)
		o, err := e.recordSubmission(ctx, order.ID, "", model.PartnerUnconfirmed)
		if err == nil {
			metrics.UnconfirmedOrders.Inc()
		}
		return o, err
	default:
		return nil, e.rejectSubmission(ctx, order.ID, berr)
	}
}

func (e *Engine) checkExposure(ctx context.Context, tx store.Tx, o *model.Order) error {
	if !e.limiter.Enabled() {
		return nil
	}
	positions, err := tx.ListPositions(ctx)
	if err != nil {
		return err
	}
	existing := make([]risk.Exposure, 0, len(positions))
	for _, p := range positions {
		existing = append(existing, risk.Exposure{
			Symbol:     p.Symbol,
			Underlying: contract.Underlying(p.AssetType, p.Symbol),
			Quantity:   p.Quantity,
		})
	}
	target := risk.Exposure{
		Symbol:     o.Symbol,
		Underlying: contract.Underlying(o.AssetType, o.Symbol),
		Quantity:   o.Quantity,
	}
	if err := e.limiter.CheckLimit(target, existing); err != nil {
		metrics.PositionLimitRejections.Inc()
		return model.Wrap(model.KindPositionLimit, err, "order exceeds exposure limit")
	}
	return nil
}

// recordSubmission applies a broker answer to a PENDING order. BUY funds are
// reserved the first time an answer is recorded; an UNCONFIRMED order already
// holds them. The zero fee record is created alongside the reservation.
func (e *Engine) recordSubmission(ctx context.Context, orderID, brokerOrderID, partnerStatus string) (*model.Order, error) {
	var (
		out       model.Order
		shortfall bool
	)
	err := e.store.WithAccount(ctx, e.accountOf(ctx, orderID), func(tx store.Tx) error {
		o, err := txOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if err := requirePending(o); err != nil {
			return err
		}

		now := e.now()
		firstAnswer := o.PartnerStatus != model.PartnerUnconfirmed
		if brokerOrderID != "" {
			o.PartnerOrderID = brokerOrderID
		}
		if o.SubmittedAt == nil {
			o.SubmittedAt = &now
		}
		o.PartnerStatus = partnerStatus
		o.UpdatedAt = now

		if firstAnswer {
			if o.Side == model.SideBuy {
				acct := tx.Account()
				hold := e.holdFor(o)
				if acct.AvailableBalance().LessThan(hold) {
					shortfall = true
					o.Status = model.OrderRejected
					o.RejectionReason = ReasonReservationShortfall
					out = *o
					return tx.UpdateOrder(ctx, o)
				}
				acct.ReservedBalance = acct.ReservedBalance.Add(hold)
				acct.UpdatedAt = now
				o.ReservedAmount = hold
				if err := tx.SaveAccount(ctx, acct); err != nil {
					return err
				}
			}
			if err := tx.InsertFee(ctx, &model.Fee{
				ID:        uuid.New().String(),
				AccountID: o.AccountID,
				OrderID:   o.ID,
				Category:  model.FeeTradingCommission,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return fmt.Errorf("create fee: %w", err)
			}
		}
		out = *o
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	if shortfall {
		if out.PartnerOrderID != "" {
			_ = e.cancelAtBroker(ctx, &out)
		}
		metrics.OrdersFinalized.WithLabelValues(string(model.OrderRejected)).Inc()
		e.notifyOrder(&out)
		e.logger.Warn("order rejected at reservation", "order_id", out.ID, "account", out.AccountID)
		return nil, model.Errorf(model.KindInsufficientBalance,
			"order %s: %s", out.ID, ReasonReservationShortfall)
	}

	e.notifyOrder(&out)
	e.logger.Info("order submitted",
		"order_id", out.ID,
		"account", out.AccountID,
		"symbol", out.Symbol,
		"side", out.Side,
		"qty", out.Quantity.String(),
		"partner_order_id", out.PartnerOrderID,
		"partner_status", out.PartnerStatus,
		"reserved", out.ReservedAmount.String(),
	)
	return &out, nil
}

// rejectSubmission marks a PENDING order REJECTED after the broker refused
// it and returns the error reported to the caller.
func (e *Engine) rejectSubmission(ctx context.Context, orderID string, berr error) error {
	reason := "Broker API error: " + berr.Error()
	o, err := e.closeOrder(ctx, orderID, model.OrderRejected, reason)
	if err != nil {
		e.logger.Error("failed to record broker rejection", "order_id", orderID, "error", err)
	} else {
		e.logger.Warn("order rejected by broker", "order_id", o.ID, "account", o.AccountID, "reason", reason)
	}
	return model.Wrap(model.KindBroker, berr, fmt.Sprintf("order %s rejected", orderID))
}

// accountOf reads the owning account of an order without locking. Account
// ownership never changes, so the value stays valid under the lock.
func (e *Engine) accountOf(ctx context.Context, orderID string) string {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return ""
	}
	return o.AccountID
}

// ResubmitUnconfirmed re-sends every PENDING order whose submission outcome
// is unknown, with its original idempotency key. It returns the number of
// orders that reached a definite answer.
func (e *Engine) ResubmitUnconfirmed(ctx context.Context) (int, error) {
	pending, err := e.store.ListOrders(ctx, store.OrderFilter{Status: model.OrderPending})
	if err != nil {
		return 0, err
	}

	resolved, remaining := 0, 0
	for i := range pending {
		o := &pending[i]
		if o.PartnerStatus != model.PartnerUnconfirmed {
			continue
		}
		if err := ctx.Err(); err != nil {
			return resolved, err
		}

		bctx, cancel := e.brokerCtx(ctx)
		res, berr := e.broker.SubmitOrder(bctx, broker.NewOrderRequest(o))
		cancel()

		switch {
		case berr == nil:
			if _, err := e.recordSubmission(ctx, o.ID, res.BrokerOrderID, model.PartnerAccepted); err != nil {
				e.logger.Warn("confirm resubmitted order", "order_id", o.ID, "error", err)
				continue
			}
			resolved++
		case broker.IsUncertain(berr):
			remaining++
		default:
			e.rejectSubmission(ctx, o.ID, berr)
			resolved++
		}
	}
	metrics.UnconfirmedOrders.Set(float64(remaining))
	if resolved > 0 || remaining > 0 {
		e.logger.Info("unconfirmed orders resubmitted", "resolved", resolved, "remaining", remaining)
	}
	return resolved, nil
}
