// Package settlement coordinates the order lifecycle: validation and
// reservation at submission, dispatch to the partner broker, and
// finalization of fills, cancels, rejections and expiries.
//
// Every balance change runs inside store.WithAccount, so mutations of one
// account are serialized while different accounts proceed in parallel. The
// account lock is never held across a broker round trip.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/redmasterf0x/spad/internal/broker"
	"github.com/redmasterf0x/spad/internal/fee"
	"github.com/redmasterf0x/spad/internal/ledger"
	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
	"github.com/redmasterf0x/spad/internal/risk"
	"github.com/redmasterf0x/spad/internal/store"
)

// DefaultBrokerTimeout bounds one broker call.
const DefaultBrokerTimeout = 10 * time.Second

// DefaultHistoryLimit applies when OrderHistory is called without a limit.
const DefaultHistoryLimit = 50

// Notification tells subscribers that an order or account changed.
type Notification struct {
	Type      string       `json:"type"`
	AccountID string       `json:"account_id"`
	OrderID   string       `json:"order_id,omitempty"`
	Status    string       `json:"status,omitempty"`
	Symbol    string       `json:"symbol,omitempty"`
	Side      string       `json:"side,omitempty"`
	Quantity  string       `json:"quantity,omitempty"`
	Price     string       `json:"price,omitempty"`
	Cash      *money.Money `json:"cash_balance,omitempty"`
	At        time.Time    `json:"at"`
}

// Notifier receives notifications after the change has committed.
// Publish must not block.
type Notifier interface {
	Publish(n Notification)
}

// Options configures an Engine. Zero values pick defaults.
type Options struct {
	Fees          fee.Schedule
	Limiter       *risk.ExposureLimiter
	BrokerTimeout time.Duration
	Notifier      Notifier
	Logger        *slog.Logger
	Now           func() time.Time
}

// Engine is the order settlement engine.
type Engine struct {
	store    store.Store
	broker   broker.Gateway
	ledger   *ledger.Service
	fees     fee.Schedule
	limiter  *risk.ExposureLimiter
	timeout  time.Duration
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an engine. The ledger service must share st.
func New(st store.Store, gw broker.Gateway, led *ledger.Service, opts Options) *Engine {
	e := &Engine{
		store:    st,
		broker:   gw,
		ledger:   led,
		fees:     opts.Fees,
		limiter:  opts.Limiter,
		timeout:  opts.BrokerTimeout,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if e.fees.CustomerRate.IsZero() && e.fees.PartnerRate.IsZero() {
		e.fees = fee.DefaultSchedule
	}
	if e.timeout <= 0 {
		e.timeout = DefaultBrokerTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

func (e *Engine) notify(n Notification) {
	if e.notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = e.now()
	}
	e.notifier.Publish(n)
}

func (e *Engine) notifyOrder(o *model.Order) {
	n := Notification{
		Type:      "order_" + strings.ToLower(string(o.Status)),
		AccountID: o.AccountID,
		OrderID:   o.ID,
		Status:    string(o.Status),
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Quantity:  o.Quantity.String(),
	}
	if o.FilledPrice != nil {
		n.Price = o.FilledPrice.String()
	}
	e.notify(n)
}

// OpenAccountRequest onboards a customer.
type OpenAccountRequest struct {
	UserID          string            `json:"user_id"`
	Email           string            `json:"email"`
	AccountType     model.AccountType `json:"account_type"`
	BrokerAccountID string            `json:"broker_account_id"`
}

// OpenAccount creates an ACTIVE account with zero balances. A user row is
// created when UserID is empty.
func (e *Engine) OpenAccount(ctx context.Context, req OpenAccountRequest) (*model.Account, error) {
	if req.AccountType == "" {
		req.AccountType = model.AccountTrading
	}
	if req.AccountType != model.AccountTrading && req.AccountType != model.AccountDemo {
		return nil, model.Validation("invalid account type %q", req.AccountType)
	}
	now := e.now()
	if req.UserID == "" {
		if req.Email == "" {
			return nil, model.Validation("user_id or email is required")
		}
		u := &model.User{ID: uuid.New().String(), Email: req.Email, CreatedAt: now}
		if err := e.store.CreateUser(ctx, u); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return nil, model.Errorf(model.KindConflict, "user %s already exists", req.Email)
			}
			return nil, err
		}
		req.UserID = u.ID
	}

	a := &model.Account{
		ID:              uuid.New().String(),
		UserID:          req.UserID,
		AccountType:     req.AccountType,
		Status:          model.AccountActive,
		Currency:        model.Currency,
		BrokerAccountID: req.BrokerAccountID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	e.logger.Info("account opened", "account", a.ID, "user", a.UserID, "type", a.AccountType)
	return a, nil
}

// SetAccountStatus changes an account's status. Closing stamps ClosedAt.
func (e *Engine) SetAccountStatus(ctx context.Context, accountID string, status model.AccountStatus, reason string) (*model.Account, error) {
	switch status {
	case model.AccountActive, model.AccountRestricted, model.AccountSuspended, model.AccountClosed:
	default:
		return nil, model.Validation("invalid account status %q", status)
	}
	var out model.Account
	err := e.store.WithAccount(ctx, accountID, func(tx store.Tx) error {
		a := tx.Account()
		if a.Status == model.AccountClosed && status != model.AccountClosed {
			return model.Errorf(model.KindAccountNotActive, "account %s is closed", a.ID)
		}
		now := e.now()
		a.Status = status
		a.StatusReason = reason
		a.UpdatedAt = now
		if status == model.AccountClosed && a.ClosedAt == nil {
			a.ClosedAt = &now
		}
		out = *a
		return tx.SaveAccount(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("account status changed", "account", accountID, "status", status, "reason", reason)
	return &out, nil
}

// Account returns one account.
func (e *Engine) Account(ctx context.Context, accountID string) (*model.Account, error) {
	a, err := e.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrAccountNotFound
	}
	return a, err
}

// Order returns one order.
func (e *Engine) Order(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrOrderNotFound
	}
	return o, err
}

// OrderHistory returns an account's orders, newest first, optionally
// restricted to one status.
func (e *Engine) OrderHistory(ctx context.Context, accountID string, status model.OrderStatus, limit int) ([]model.Order, error) {
	if _, err := e.Account(ctx, accountID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return e.store.ListOrders(ctx, store.OrderFilter{AccountID: accountID, Status: status, Limit: limit})
}

// OpenOrders returns an account's PENDING orders.
func (e *Engine) OpenOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	if _, err := e.Account(ctx, accountID); err != nil {
		return nil, err
	}
	return e.store.ListOrders(ctx, store.OrderFilter{AccountID: accountID, Status: model.OrderPending})
}

// Positions returns an account's positions, closed ones included.
func (e *Engine) Positions(ctx context.Context, accountID string) ([]model.Position, error) {
	if _, err := e.Account(ctx, accountID); err != nil {
		return nil, err
	}
	return e.store.ListPositions(ctx, accountID)
}

// FeeSummary totals an account's fees created within [from, to]. Zero
// bounds are open.
func (e *Engine) FeeSummary(ctx context.Context, accountID string, from, to time.Time) (fee.Summary, error) {
	fees, err := e.accountFees(ctx, accountID, from, to)
	if err != nil {
		return fee.Summary{}, err
	}
	return fee.Summarize(fees), nil
}

// Invoice builds the commission invoice for an account and period.
func (e *Engine) Invoice(ctx context.Context, accountID string, from, to time.Time) (fee.Invoice, error) {
	fees, err := e.accountFees(ctx, accountID, from, to)
	if err != nil {
		return fee.Invoice{}, err
	}
	return fee.NewInvoice(accountID, from, to, fees, e.now()), nil
}

// PlatformRevenue totals fees across every account within [from, to].
func (e *Engine) PlatformRevenue(ctx context.Context, from, to time.Time) (fee.Platform, error) {
	fees, err := e.store.ListFees(ctx, store.FeeFilter{From: from, To: to})
	if err != nil {
		return fee.Platform{}, err
	}
	return fee.PlatformMetrics(fees), nil
}

func (e *Engine) accountFees(ctx context.Context, accountID string, from, to time.Time) ([]model.Fee, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, model.Validation("to must not be before from")
	}
	if _, err := e.Account(ctx, accountID); err != nil {
		return nil, err
	}
	return e.store.ListFees(ctx, store.FeeFilter{AccountID: accountID, From: from, To: to})
}

// brokerCtx bounds one broker call.
func (e *Engine) brokerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

func txOrder(ctx context.Context, tx store.Tx, orderID string) (*model.Order, error) {
	o, err := tx.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.AccountID != tx.Account().ID {
		return nil, model.ErrOrderNotFound
	}
	return o, nil
}

func requirePending(o *model.Order) error {
	if o.Status != model.OrderPending {
		return model.Errorf(model.KindInvalidOrderState, "order %s is %s, expected PENDING", o.ID, o.Status)
	}
	return nil
}
