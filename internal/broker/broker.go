// Package broker talks to the partner broker that executes our orders.
//
// A Gateway submits, cancels and queries orders. Executions arrive
// asynchronously as Events, delivered at least once; the settlement engine
// drops duplicates with its PENDING check.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
)

var (
	// ErrRejected means the broker refused the request. It is final.
	ErrRejected = errors.New("broker: rejected")

	// ErrUnavailable means the request may or may not have reached the
	// broker: transport failure, 5xx after retries, or a deadline.
	ErrUnavailable = errors.New("broker: unavailable")

	// ErrUnknownOrder is returned for broker order ids the broker does not know.
	ErrUnknownOrder = errors.New("broker: unknown order")
)

// IsUncertain reports whether err leaves the outcome of a call unknown.
// Such orders must be reconciled, never treated as rejected.
func IsUncertain(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func rejected(msg string) error {
	return fmt.Errorf("%w: %s", ErrRejected, msg)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Submission statuses reported by the broker.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// OrderRequest is what the broker needs to work an order.
type OrderRequest struct {
	OrderID        string               `json:"externalOrderId"`
	Symbol         string               `json:"symbol"`
	AssetType      model.AssetType      `json:"assetType"`
	Side           model.Side           `json:"side"`
	Quantity       decimal.Decimal      `json:"quantity"`
	OrderType      model.OrderType      `json:"orderType"`
	TimeInForce    model.TimeInForce    `json:"timeInForce"`
	Price          *money.Money         `json:"price,omitempty"`
	StopPrice      *money.Money         `json:"stopPrice,omitempty"`
	OptionDetails  *model.OptionDetails `json:"optionDetails,omitempty"`
	FutureDetails  *model.FutureDetails `json:"futureDetails,omitempty"`
	IdempotencyKey string               `json:"-"`
}

// NewOrderRequest builds the broker request for o.
func NewOrderRequest(o *model.Order) OrderRequest {
	return OrderRequest{
		OrderID:        o.ID,
		Symbol:         o.Symbol,
		AssetType:      o.AssetType,
		Side:           o.Side,
		Quantity:       o.Quantity,
		OrderType:      o.OrderType,
		TimeInForce:    o.TimeInForce,
		Price:          o.Price,
		StopPrice:      o.StopPrice,
		OptionDetails:  o.OptionDetails,
		FutureDetails:  o.FutureDetails,
		IdempotencyKey: o.IdempotencyKey,
	}
}

// SubmitResult is the broker's answer to a submission. Gateways return
// ErrRejected instead of a result with StatusRejected.
type SubmitResult struct {
	BrokerOrderID string `json:"orderId"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
}

// StatusSnapshot is the broker's current view of one order.
type StatusSnapshot struct {
	BrokerOrderID  string          `json:"orderId"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	FilledPrice    *money.Money    `json:"filledPrice,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Gateway is the partner broker API.
type Gateway interface {
	Name() string
	SubmitOrder(ctx context.Context, req OrderRequest) (*SubmitResult, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOrderStatus(ctx context.Context, brokerOrderID string) (*StatusSnapshot, error)
}

// EventType identifies an asynchronous broker notification.
type EventType string

const (
	EventFilled          EventType = "ORDER_FILLED"
	EventPartiallyFilled EventType = "ORDER_PARTIALLY_FILLED"
	EventRejected        EventType = "ORDER_REJECTED"
	EventCancelled       EventType = "ORDER_CANCELLED"
)

// Event is a broker notification about one of our orders. FilledQuantity
// and FilledPrice are cumulative and only set on fill events.
type Event struct {
	Type           EventType        `json:"eventType"`
	OrderID        string           `json:"orderId"`
	BrokerOrderID  string           `json:"brokerOrderId"`
	FilledQuantity *decimal.Decimal `json:"filledQuantity,omitempty"`
	FilledPrice    *money.Money     `json:"filledPrice,omitempty"`
	RejectReason   string           `json:"rejectReason,omitempty"`
}

// Validate checks the fields each event type needs.
func (e *Event) Validate() error {
	if e.OrderID == "" {
		return model.Validation("orderId is required")
	}
	switch e.Type {
	case EventFilled, EventPartiallyFilled:
		if e.FilledQuantity == nil || !e.FilledQuantity.IsPositive() {
			return model.Validation("%s requires a positive filledQuantity", e.Type)
		}
		if e.FilledPrice == nil || !e.FilledPrice.IsPositive() {
			return model.Validation("%s requires a positive filledPrice", e.Type)
		}
	case EventRejected, EventCancelled:
	default:
		return model.Validation("unknown event type %q", e.Type)
	}
	return nil
}
