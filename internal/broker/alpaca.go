package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"github.com/redmasterf0x/spad/internal/metrics"
	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
)

// AlpacaConfig holds Alpaca trading API credentials.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string // e.g. https://paper-api.alpaca.markets
}

// alpacaClient is the subset of *alpaca.Client the gateway uses.
type alpacaClient interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	CancelOrder(orderID string) error
}

// AlpacaGateway routes orders through the Alpaca trading API.
type AlpacaGateway struct {
	client alpacaClient
	logger *slog.Logger
}

// NewAlpacaGateway creates a gateway backed by the Alpaca SDK client.
func NewAlpacaGateway(cfg AlpacaConfig, logger *slog.Logger) *AlpacaGateway {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	})
	return newAlpacaGateway(client, logger)
}

func newAlpacaGateway(client alpacaClient, logger *slog.Logger) *AlpacaGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlpacaGateway{client: client, logger: logger}
}

func (g *AlpacaGateway) Name() string { return "alpaca" }

func (g *AlpacaGateway) SubmitOrder(ctx context.Context, req OrderRequest) (res *SubmitResult, err error) {
	defer func(start time.Time) { metrics.ObserveBroker("submit", start, err) }(time.Now())

	if req.AssetType == model.AssetFuture {
		return nil, rejected("futures are not supported by alpaca")
	}
	place, err := toAlpacaRequest(req)
	if err != nil {
		return nil, err
	}

	order, err := call(ctx, func() (*alpaca.Order, error) { return g.client.PlaceOrder(place) })
	if err != nil {
		return nil, alpacaErr(err)
	}
	if order.Status == "rejected" {
		return nil, rejected("alpaca rejected order " + order.ID)
	}
	g.logger.Debug("alpaca order placed", "order_id", req.OrderID, "alpaca_id", order.ID, "status", order.Status)
	return &SubmitResult{BrokerOrderID: order.ID, Status: StatusAccepted, Message: order.Status}, nil
}

func (g *AlpacaGateway) CancelOrder(ctx context.Context, brokerOrderID string) (err error) {
	defer func(start time.Time) { metrics.ObserveBroker("cancel", start, err) }(time.Now())
	_, err = call(ctx, func() (struct{}, error) { return struct{}{}, g.client.CancelOrder(brokerOrderID) })
	if err != nil {
		return alpacaErr(err)
	}
	return nil
}

func (g *AlpacaGateway) GetOrderStatus(ctx context.Context, brokerOrderID string) (snap *StatusSnapshot, err error) {
	defer func(start time.Time) { metrics.ObserveBroker("status", start, err) }(time.Now())
	order, err := call(ctx, func() (*alpaca.Order, error) { return g.client.GetOrder(brokerOrderID) })
	if err != nil {
		return nil, alpacaErr(err)
	}
	snap = &StatusSnapshot{
		BrokerOrderID:  order.ID,
		Status:         order.Status,
		FilledQuantity: order.FilledQty,
		UpdatedAt:      order.UpdatedAt,
	}
	if order.FilledAvgPrice != nil {
		p := money.New(*order.FilledAvgPrice)
		snap.FilledPrice = &p
	}
	return snap, nil
}

func toAlpacaRequest(req OrderRequest) (alpaca.PlaceOrderRequest, error) {
	qty := req.Quantity
	place := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		ClientOrderID: req.IdempotencyKey,
	}

	switch req.Side {
	case model.SideBuy:
		place.Side = alpaca.Buy
	case model.SideSell:
		place.Side = alpaca.Sell
	default:
		return place, rejected(fmt.Sprintf("unsupported side %q", req.Side))
	}

	switch req.OrderType {
	case model.OrderMarket:
		place.Type = alpaca.Market
	case model.OrderLimit:
		place.Type = alpaca.Limit
	case model.OrderStop:
		place.Type = alpaca.Stop
	case model.OrderStopLimit:
		place.Type = alpaca.StopLimit
	default:
		return place, rejected(fmt.Sprintf("unsupported order type %q", req.OrderType))
	}

	switch req.TimeInForce {
	case model.TIFGTC:
		place.TimeInForce = alpaca.GTC
	case model.TIFIOC:
		place.TimeInForce = alpaca.IOC
	case model.TIFFOK:
		place.TimeInForce = alpaca.FOK
	default:
		place.TimeInForce = alpaca.Day
	}

	if req.Price != nil {
		place.LimitPrice = decimalPtr(req.Price.Decimal())
	}
	if req.StopPrice != nil {
		place.StopPrice = decimalPtr(req.StopPrice.Decimal())
	}
	return place, nil
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }

// call runs fn and gives up when ctx is done. The SDK call keeps running in
// the background, so a deadline leaves the outcome unknown.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, unavailable(ctx.Err())
	}
}

// alpacaErr classifies SDK errors: 4xx is a rejection, 404 an unknown
// order, everything else leaves the outcome unknown.
func alpacaErr(err error) error {
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRejected) {
		return err
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrUnknownOrder, apiErr.Message)
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return rejected(apiErr.Message)
		}
	}
	return unavailable(err)
}
