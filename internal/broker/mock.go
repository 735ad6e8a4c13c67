package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/redmasterf0x/spad/internal/money"
)

// MockGateway accepts every order unless told otherwise. It stands in for
// the partner broker in tests and in BROKER_MODE=mock.
type MockGateway struct {
	mu        sync.Mutex
	now       func() time.Time
	latency   time.Duration
	submitErr []error
	cancelErr error
	rejects   map[string]string

	orders    map[string]*StatusSnapshot
	byKey     map[string]string
	submitted []OrderRequest
	cancelled []string
}

// NewMockGateway creates a mock broker.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		now:     time.Now,
		rejects: make(map[string]string),
		orders:  make(map[string]*StatusSnapshot),
		byKey:   make(map[string]string),
	}
}

func (g *MockGateway) Name() string { return "mock" }

// SetLatency delays every call by d, or until the context is done.
func (g *MockGateway) SetLatency(d time.Duration) {
	g.mu.Lock()
	g.latency = d
	g.mu.Unlock()
}

// FailNextSubmit queues err for the next SubmitOrder call. Queued errors
// are consumed in order.
func (g *MockGateway) FailNextSubmit(err error) {
	g.mu.Lock()
	g.submitErr = append(g.submitErr, err)
	g.mu.Unlock()
}

// FailCancels makes every CancelOrder return err. Pass nil to reset.
func (g *MockGateway) FailCancels(err error) {
	g.mu.Lock()
	g.cancelErr = err
	g.mu.Unlock()
}

// RejectSymbol makes submissions for symbol come back rejected.
func (g *MockGateway) RejectSymbol(symbol, reason string) {
	g.mu.Lock()
	g.rejects[symbol] = reason
	g.mu.Unlock()
}

// Submitted returns every request received, in order.
func (g *MockGateway) Submitted() []OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]OrderRequest(nil), g.submitted...)
}

// Cancelled returns the broker ids of every cancel request received.
func (g *MockGateway) Cancelled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}

func (g *MockGateway) wait(ctx context.Context) error {
	g.mu.Lock()
	d := g.latency
	g.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return unavailable(ctx.Err())
	}
}

func (g *MockGateway) SubmitOrder(ctx context.Context, req OrderRequest) (*SubmitResult, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitted = append(g.submitted, req)

	if len(g.submitErr) > 0 {
		err := g.submitErr[0]
		g.submitErr = g.submitErr[1:]
		if err != nil {
			return nil, err
		}
	}
	if reason, ok := g.rejects[req.Symbol]; ok {
		return nil, rejected(reason)
	}
	if id, ok := g.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return &SubmitResult{BrokerOrderID: id, Status: StatusAccepted, Message: "duplicate submission"}, nil
	}

	prefix := req.OrderID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	id := fmt.Sprintf("MOCK_%s_%d", strings.ToUpper(prefix), g.now().UnixMilli())
	g.orders[id] = &StatusSnapshot{BrokerOrderID: id, Status: StatusAccepted, UpdatedAt: g.now()}
	if req.IdempotencyKey != "" {
		g.byKey[req.IdempotencyKey] = id
	}
	return &SubmitResult{BrokerOrderID: id, Status: StatusAccepted, Message: "Order accepted by mock broker"}, nil
}

func (g *MockGateway) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, brokerOrderID)
	if g.cancelErr != nil {
		return g.cancelErr
	}
	if snap, ok := g.orders[brokerOrderID]; ok {
		snap.Status = "cancelled"
		snap.UpdatedAt = g.now()
	}
	return nil
}

func (g *MockGateway) GetOrderStatus(ctx context.Context, brokerOrderID string) (*StatusSnapshot, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	snap, ok := g.orders[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, brokerOrderID)
	}
	cp := *snap
	return &cp, nil
}

// SimulateFill marks the broker order filled and returns the event the
// broker would deliver.
func (g *MockGateway) SimulateFill(orderID, brokerOrderID string, qty decimal.Decimal, price money.Money) Event {
	g.mu.Lock()
	if snap, ok := g.orders[brokerOrderID]; ok {
		snap.Status = "filled"
		snap.FilledQuantity = qty
		snap.FilledPrice = &price
		snap.UpdatedAt = g.now()
	}
	g.mu.Unlock()
	return Event{
		Type:           EventFilled,
		OrderID:        orderID,
		BrokerOrderID:  brokerOrderID,
		FilledQuantity: &qty,
		FilledPrice:    &price,
	}
}

// SimulateRejection marks the broker order rejected and returns the event.
func (g *MockGateway) SimulateRejection(orderID, brokerOrderID, reason string) Event {
	g.mu.Lock()
	if snap, ok := g.orders[brokerOrderID]; ok {
		snap.Status = StatusRejected
		snap.UpdatedAt = g.now()
	}
	g.mu.Unlock()
	return Event{
		Type:          EventRejected,
		OrderID:       orderID,
		BrokerOrderID: brokerOrderID,
		RejectReason:  reason,
	}
}
