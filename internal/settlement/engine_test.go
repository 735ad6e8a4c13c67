package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/redmasterf0x/spad/internal/broker"
	"github.com/redmasterf0x/spad/internal/ledger"
	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
	"github.com/redmasterf0x/spad/internal/risk"
	"github.com/redmasterf0x/spad/internal/settlement"
	"github.com/redmasterf0x/spad/internal/store"
)

var t0 = time.Date(2024, 6, 3, 13, 30, 0, 0, time.UTC)

const acctID = "acct-1"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func m(s string) money.Money { return money.MustParse(s) }

func mp(s string) *money.Money {
	v := m(s)
	return &v
}

// clock returns a goroutine-safe time source advancing one second per call.
func clock() func() time.Time {
	var mu sync.Mutex
	next := t0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(time.Second)
		return now
	}
}

// tb is the part of testing.TB that *rapid.T also provides.
type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

type recorder struct {
	mu    sync.Mutex
	notes []settlement.Notification
}

func (r *recorder) Publish(n settlement.Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Type
	}
	return out
}

type testEnv struct {
	eng    *settlement.Engine
	ms     *store.MemoryStore
	gw     *broker.MockGateway
	ledger *ledger.Service
	notes  *recorder
}

func newTestEnv(t tb, cash string, limiter *risk.ExposureLimiter) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	if err := ms.CreateUser(ctx, &model.User{ID: "user-1", Email: "trader@example.com", CreatedAt: t0}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := ms.CreateAccount(ctx, &model.Account{
		ID: acctID, UserID: "user-1", AccountType: model.AccountTrading, Status: model.AccountActive,
		Currency: model.Currency, CashBalance: m(cash), Equity: m(cash), CreatedAt: t0, UpdatedAt: t0,
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	now := clock()
	gw := broker.NewMockGateway()
	led := ledger.NewService(ms, nil).WithClock(now)
	notes := &recorder{}
	eng := settlement.New(ms, gw, led, settlement.Options{
		Limiter:       limiter,
		BrokerTimeout: time.Second,
		Notifier:      notes,
		Now:           now,
	})
	return &testEnv{eng: eng, ms: ms, gw: gw, ledger: led, notes: notes}
}

func (env *testEnv) account(t tb) *model.Account {
	t.Helper()
	a, err := env.eng.Account(context.Background(), acctID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a
}

func limitBuy(symbol, qty, price string) settlement.OrderRequest {
	return settlement.OrderRequest{
		Symbol: symbol, AssetType: model.AssetOption, Side: model.SideBuy,
		Quantity: d(qty), OrderType: model.OrderLimit, Price: mp(price),
	}
}

func marketOrder(side model.Side, symbol, qty string) settlement.OrderRequest {
	return settlement.OrderRequest{
		Symbol: symbol, AssetType: model.AssetOption, Side: side,
		Quantity: d(qty), OrderType: model.OrderMarket,
	}
}

func (env *testEnv) submit(t tb, req settlement.OrderRequest) *model.Order {
	t.Helper()
	o, err := env.eng.SubmitOrder(context.Background(), acctID, req)
	if err != nil {
		t.Fatalf("submit %s %s %s: %v", req.Side, req.Quantity, req.Symbol, err)
	}
	return o
}

func (env *testEnv) fill(t tb, o *model.Order, qty, price string) *settlement.FillResult {
	t.Helper()
	res, err := env.eng.FillOrder(context.Background(), o.ID, d(qty), m(price), o.PartnerOrderID)
	if err != nil {
		t.Fatalf("fill %s: %v", o.ID, err)
	}
	return res
}

// --- Submission ---

func TestEndToEnd_MarketBuyFill(t *testing.T) {
	env := newTestEnv(t, "100000", nil)
	ctx := context.Background()

	o := env.submit(t, marketOrder(model.SideBuy, "SPY", "100"))
	if o.Status != model.OrderPending || o.PartnerStatus != model.PartnerAccepted {
		t.Fatalf("unexpected order state %s/%s", o.Status, o.PartnerStatus)
	}
	if !strings.HasPrefix(o.PartnerOrderID, "MOCK_") {
		t.Errorf("partner order id = %q", o.PartnerOrderID)
	}
	if got := env.account(t).ReservedBalance; !got.IsZero() {
		t.Errorf("reserved = %s, want 0 for MARKET order", got)
	}

	res := env.fill(t, o, "100", "450")

	if !res.Fee.GrossFeeAmount.Equal(m("225")) || !res.Fee.PartnerCost.Equal(m("90")) || !res.Fee.OurMargin.Equal(m("135")) {
		t.Errorf("fee = %s/%s/%s, want 225/90/135", res.Fee.GrossFeeAmount, res.Fee.PartnerCost, res.Fee.OurMargin)
	}
	acct := env.account(t)
	if !acct.CashBalance.Equal(m("54865")) {
		t.Errorf("cash = %s, want 54865", acct.CashBalance)
	}
	if !acct.ReservedBalance.IsZero() {
		t.Errorf("reserved = %s, want 0", acct.ReservedBalance)
	}
	if !acct.Equity.Equal(m("99865")) {
		t.Errorf("equity = %s, want 99865", acct.Equity)
	}
	if !res.Position.Quantity.Equal(d("100")) || !res.Position.AverageOpenPrice.Equal(m("450")) {
		t.Errorf("position = %s @ %s, want 100 @ 450", res.Position.Quantity, res.Position.AverageOpenPrice)
	}

	entries, err := env.ledger.OrderEntries(ctx, o.ID)
	if err != nil {
		t.Fatalf("order entries: %v", err)
	}
	if len(entries) != 1 || entries[0].EntryType != model.EntryOrderExecution || !entries[0].Amount.Equal(m("45000")) {
		t.Fatalf("unexpected ledger entries %+v", entries)
	}
	if entries[0].Metadata["side"] != "BUY" || entries[0].Metadata["fee"] != "225" {
		t.Errorf("metadata = %v", entries[0].Metadata)
	}

	got, err := env.eng.Order(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.OrderFilled || got.FilledAt == nil || !got.FilledQuantity.Equal(d("100")) {
		t.Errorf("unexpected filled order %+v", got)
	}
}

func TestSubmitOrder_InsufficientBalanceCreatesNoOrder(t *testing.T) {
	env := newTestEnv(t, "1000", nil)
	ctx := context.Background()

	_, err := env.eng.SubmitOrder(ctx, acctID, limitBuy("SPY", "10", "500"))
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	orders, err := env.eng.OrderHistory(ctx, acctID, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 0 {
		t.Errorf("orders = %d, want 0", len(orders))
	}
	if len(env.gw.Submitted()) != 0 {
		t.Error("broker must not be called")
	}
}

func TestSubmitOrder_HoldIncludesCommission(t *testing.T) {
	env := newTestEnv(t, "10000", nil)
	o := env.submit(t, limitBuy("SPY", "10", "150"))

	// 1500 notional plus 0.5% gross commission.
	if !o.ReservedAmount.Equal(m("1507.50")) {
		t.Errorf("reserved amount = %s, want 1507.50", o.ReservedAmount)
	}
	if got := env.account(t).ReservedBalance; !got.Equal(m("1507.50")) {
		t.Errorf("account reserved = %s, want 1507.50", got)
	}
}

func TestSubmitOrder_CashMustCoverCommission(t *testing.T) {
	env := newTestEnv(t, "1500", nil)
	_, err := env.eng.SubmitOrder(context.Background(), acctID, limitBuy("SPY", "10", "150"))
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance for 1500 cash against 1507.50, got %v", err)
	}

	env = newTestEnv(t, "1507.50", nil)
	env.submit(t, limitBuy("SPY", "10", "150"))
	if got := env.account(t).AvailableBalance(); !got.IsZero() {
		t.Errorf("available = %s, want 0", got)
	}
}

func TestSubmitOrder_SellRequiresPosition(t *testing.T) {
	env := newTestEnv(t, "10000", nil)
	ctx := context.Background()

	_, err := env.eng.SubmitOrder(ctx, acctID, marketOrder(model.SideSell, "SPY", "5"))
	if !errors.Is(err, model.ErrInsufficientPosition) {
		t.Fatalf("expected ErrInsufficientPosition, got %v", err)
	}

	buy := env.submit(t, marketOrder(model.SideBuy, "SPY", "10"))
	env.fill(t, buy, "10", "100")
	if got := env.account(t).CashBalance; !got.Equal(m("8997")) {
		t.Fatalf("cash after buy = %s, want 8997", got)
	}

	if _, err := env.eng.SubmitOrder(ctx, acctID, marketOrder(model.SideSell, "SPY", "11")); !errors.Is(err, model.ErrInsufficientPosition) {
		t.Errorf("oversell: expected ErrInsufficientPosition, got %v", err)
	}

	sell := env.submit(t, marketOrder(model.SideSell, "SPY", "5"))
	res := env.fill(t, sell, "5", "120")
	// 600 proceeds less 1.80 margin.
	if !res.Account.CashBalance.Equal(m("9595.20")) {
		t.Errorf("cash after sell = %s, want 9595.20", res.Account.CashBalance)
	}
	if !res.Position.Quantity.Equal(d("5")) || !res.Position.RealizedPl.Equal(m("100")) {
		t.Errorf("position = %s realized %s, want 5 realized 100", res.Position.Quantity, res.Position.RealizedPl)
	}
}

func TestSubmitOrder_BrokerRejection(t *testing.T) {
	env := newTestEnv(t, "10000", nil)
	ctx := context.Background()
	env.gw.RejectSymbol("SPY", "symbol halted")

	_, err := env.eng.SubmitOrder(ctx, acctID, limitBuy("SPY", "10", "100"))
	if model.KindOf(err) != model.KindBroker {
		t.Fatalf("kind = %s, want BROKER_ERROR (%v)", model.KindOf(err), err)
	}

	orders, err := env.eng.OrderHistory(ctx, acctID, model.OrderRejected, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 {
		t.Fatalf("rejected orders = %d, want 1", len(orders))
	}
	if !strings.HasPrefix(orders[0].RejectionReason, "Broker API error: ") {
		t.Errorf("reason = %q", orders[0].RejectionReason)
	}
	if got := env.account(t).ReservedBalance; !got.IsZero() {
		t.Errorf("reserved = %s, want 0", got)
	}
	if _, err := env.ms.GetFeeByOrder(ctx, orders[0].ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rejected order must not have a fee record, got %v", err)
	}
}

func TestSubmitOrder_UncertainOutcomeStaysPending(t *testing.T) {
	env := newTestEnv(t, "10000", nil)
	ctx := context.Background()
	env.gw.FailNextSubmit(fmt.Errorf("%w: read timeout", broker.ErrUnavailable))

	o, err := env.eng.SubmitOrder(ctx, acctID, limitBuy("SPY", "10", "100"))
	if err != nil {
		t.Fatalf("uncertain outcome must not fail the call: %v", err)
	}
	if o.Status != model.OrderPending || o.PartnerStatus != model.PartnerUnconfirmed {
		t.Fatalf("state = %s/%s, want PENDING/UNCONFIRMED", o.Status, o.PartnerStatus)
	}
	if got := env.account(t).ReservedBalance; !got.Equal(m("1005")) {
		t.Errorf("reserved = %s, want 1005", got)
	}

	resolved, err := env.eng.ResubmitUnconfirmed(ctx)
	if err != nil || resolved != 1 {
		t.Fatalf("resubmit: resolved=%d err=%v", resolved, err)
	}
	got, _ := env.eng.Order(ctx, o.ID)
	if got.PartnerStatus != model.PartnerAccepted || got.PartnerOrderID == "" {
		t.Errorf("after resubmit: %s/%q", got.PartnerStatus, got.PartnerOrderID)
	}
	if r := env.account(t).ReservedBalance; !r.Equal(m("1005")) {
		t.Errorf("reserved after resubmit = %s, want 1005 (not doubled)", r)
	}
	sent := env.gw.Submitted()
	if len(sent) != 2 || sent[0].IdempotencyKey != sent[1].IdempotencyKey {
		t.Errorf("resubmission must reuse the idempotency key: %+v", sent)
	}
}

func TestSubmitOrder_BrokerTimeoutIsUncertain(t *testing.T) {
	env := newTestEnv(t, "10000", nil)
	env.gw.SetLatency(5 * time.Second)

	start := time.Now()
	o, err := env.eng.SubmitOrder(context.Background(), acctID, limitBuy("SPY", "1", "10"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("broker timeout not applied")
	}
	if o.PartnerStatus != model.PartnerUnconfirmed {
		t.Errorf("partner status = %s, want UNCONFIRMED", o.PartnerStatus)
	}
}

func TestSubmitOrder_AccountChecks(t *testing.T) {
	env := newTestEnv(t, "10000", nil)
	ctx := context.Background()

	if _, err := env.eng.SubmitOrder(ctx, "missing", limitBuy("SPY", "1", "10")); !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := env.eng.SetAccountStatus(ctx, acctID, model.AccountSuspended, "kyc review"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.SubmitOrder(ctx, acctID, limitBuy("SPY", "1", "10")); !errors.Is(err, model.ErrAccountNotActive) {
		t.Errorf("expected ErrAccountNotActive, got %v", err)
	}
}

func TestSubmitOrder_Validation(t *testing.T) {
	env := newTestEnv(t, "10000", nil)
	ctx := context.Background()

	cases := map[string]settlement.OrderRequest{
		"limit without price": {Symbol: "SPY", AssetType: model.AssetOption, Side: model.SideBuy, Quantity: d("1"), OrderType: model.OrderLimit},
		"zero quantity":       {Symbol: "SPY", AssetType: model.AssetOption, Side: model.SideBuy, Quantity: d("0"), OrderType: model.OrderMarket},
		"bad side":            {Symbol: "SPY", AssetType: model.AssetOption, Side: "HOLD", Quantity: d("1"), OrderType: model.OrderMarket},
		"bad symbol":          {Symbol: "not a symbol", AssetType: model.AssetOption, Side: model.SideBuy, Quantity: d("1"), OrderType: model.OrderMarket},
		"stop without stop":   {Symbol: "ES", AssetType: model.AssetFuture, Side: model.SideBuy, Quantity: d("1"), OrderType: model.OrderStop},
	}
	for name, req := range cases {
		if _, err := env.eng.SubmitOrder(ctx, acctID, req); !errors.Is(err, model.ErrValidation) {
			t.Errorf("%s: expected ErrValidation, got %v", name, err)
		}
	}
	if len(env.gw.Submitted()) != 0 {
		t.Error("invalid orders must not reach the broker")
	}
}

func TestSubmitOrder_ExposureLimit(t *testing.T) {
	env := newTestEnv(t, "100000", risk.NewExposureLimiter(d("10"), d("15")))
	ctx := context.Background()

	if _, err := env.eng.SubmitOrder(ctx, acctID, marketOrder(model.SideBuy, "SPY", "11")); !errors.Is(err, model.ErrPositionLimit) {
		t.Fatalf("expected ErrPositionLimit, got %v", err)
	}

	o := env.submit(t, marketOrder(model.SideBuy, "SPY 240119C00450000", "10"))
	env.fill(t, o, "10", "5")

	// Same underlying, different series: 10 + 6 > 15.
	if _, err := env.eng.SubmitOrder(ctx, acctID, marketOrder(model.SideBuy, "SPY 240216P00440000", "6")); !errors.Is(err, model.ErrPositionLimit) {
		t.Errorf("expected underlying limit, got %v", err)
	}
	env.submit(t, marketOrder(model.SideBuy, "SPY 240216P00440000", "5"))
}

// --- Cancel / fill ---

func TestCancelOrder_RestoresReservation(t *testing.T) {
	env := newTestEnv(t, "10000", nil)
	ctx := context.Background()
	before := env.account(t).ReservedBalance

	o := env.submit(t, limitBuy("SPY", "10", "150"))
	cancelled, err := env.eng.CancelOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.OrderCancelled || cancelled.CancelledAt == nil {
		t.Errorf("unexpected cancelled order %+v", cancelled)
	}
	if got := env.account(t).ReservedBalance; !got.Equal(before) {
		t.Errorf("reserved = %s, want %s", got, before)
	}
	if c := env.gw.Cancelled(); len(c) != 1 || c[0] != o.PartnerOrderID {
		t.Errorf("broker cancels = %v", c)
	}

	if _, err := env.eng.CancelOrder(ctx, o.ID); !errors.Is(err, model.ErrInvalidOrderState) {
		t.Errorf("second cancel: expected ErrInvalidOrderState, got %v", err)
	}
	if _, err := env.eng.CancelOrder(ctx, "nope"); !errors.Is(err, model.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCancelOrder_BrokerFailureStillCancels(t *testing.T) {
	env := newTestEnv(t, "10000", nil)
	env.gw.FailCancels(errors.New("connection refused"))

	o := env.submit(t, limitBuy("SPY", "10", "100"))
	got, err := env.eng.CancelOrder(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != model.OrderCancelled {
		t.Errorf("status = %s", got.Status)
	}
	if r := env.account(t).ReservedBalance; !r.IsZero() {
		t.Errorf("reserved = %s, want 0", r)
	}
}

func TestFillOrder_SecondFillRejected(t *testing.T) {
	env := newTestEnv(t, "100000", nil)
	ctx := context.Background()

	o := env.submit(t, limitBuy("SPY", "10", "100"))
	env.fill(t, o, "10", "100")
	after := env.account(t)

	_, err := env.eng.FillOrder(ctx, o.ID, d("10"), m("100"), o.PartnerOrderID)
	if !errors.Is(err, model.ErrInvalidOrderState) {
		t.Fatalf("expected ErrInvalidOrderState, got %v", err)
	}
	again := env.account(t)
	if !again.CashBalance.Equal(after.CashBalance) || !again.ReservedBalance.Equal(after.ReservedBalance) {
		t.Errorf("second fill changed balances: %s/%s -> %s/%s",
			after.CashBalance, after.ReservedBalance, again.CashBalance, again.ReservedBalance)
	}
	entries, _ := env.ledger.OrderEntries(ctx, o.ID)
	if len(entries) != 1 {
		t.Errorf("ledger entries = %d, want 1", len(entries))
	}
	pos, _ := env.ms.GetPosition(ctx, acctID, "SPY")
	if !pos.Quantity.Equal(d("10")) {
		t.Errorf("position = %s, want 10", pos.Quantity)
	}
}

func TestFillOrder_FailureLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t, "100000", nil)
	ctx := context.Background()

	o := env.submit(t, limitBuy("SPY", "10", "100"))
	before := env.account(t)

	if _, err := env.eng.FillOrder(ctx, o.ID, d("11"), m("100"), ""); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("overfill: expected ErrValidation, got %v", err)
	}
	if _, err := env.eng.FillOrder(ctx, o.ID, d("10"), m("100"), "OTHER_BROKER_ID"); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("mismatched broker id: expected ErrConflict, got %v", err)
	}
	if _, err := env.eng.FillOrder(ctx, "nope", d("1"), m("1"), ""); !errors.Is(err, model.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	after := env.account(t)
	if !after.CashBalance.Equal(before.CashBalance) || !after.ReservedBalance.Equal(before.ReservedBalance) {
		t.Errorf("failed fill changed balances")
	}
	got, _ := env.eng.Order(ctx, o.ID)
	if got.Status != model.OrderPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
	if _, err := env.ms.GetPosition(ctx, acctID, "SPY"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("failed fill created a position")
	}
}

func TestFillOrder_PositionAveraging(t *testing.T) {
	env := newTestEnv(t, "100000", nil)

	first := env.submit(t, limitBuy("SPY", "10", "450.25"))
	env.fill(t, first, "10", "450.25")
	second := env.submit(t, limitBuy("SPY", "10", "460.25"))
	res := env.fill(t, second, "10", "460.25")

	if !res.Position.Quantity.Equal(d("20")) {
		t.Errorf("qty = %s, want 20", res.Position.Quantity)
	}
	if !res.Position.AverageOpenPrice.Equal(m("455.25")) {
		t.Errorf("avg = %s, want 455.25", res.Position.AverageOpenPrice)
	}
	if r := res.Account.ReservedBalance; !r.IsZero() {
		t.Errorf("reserved = %s, want 0 after both fills", r)
	}
}

// --- Broker events ---

func TestHandleEvent_FillAndRedelivery(t *testing.T) {
	env := newTestEnv(t, "100000", nil)
	ctx := context.Background()

	o := env.submit(t, limitBuy("SPY", "10", "100"))
	ev := env.gw.SimulateFill(o.ID, o.PartnerOrderID, d("10"), m("99.5"))
	if err := env.eng.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("handle fill: %v", err)
	}
	got, _ := env.eng.Order(ctx, o.ID)
	if got.Status != model.OrderFilled || !got.FilledPrice.Equal(m("99.5")) {
		t.Errorf("unexpected order %+v", got)
	}
	if err := env.eng.HandleEvent(ctx, ev); !errors.Is(err, model.ErrInvalidOrderState) {
		t.Errorf("redelivery: expected ErrInvalidOrderState, got %v", err)
	}
}

func TestHandleEvent_RejectionReleasesHold(t *testing.T) {
	env := newTestEnv(t, "10000", nil)
	ctx := context.Background()

	o := env.submit(t, limitBuy("SPY", "10", "100"))
	ev := env.gw.SimulateRejection(o.ID, o.PartnerOrderID, "exchange closed")
	if err := env.eng.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("handle rejection: %v", err)
	}
	got, _ := env.eng.Order(ctx, o.ID)
	if got.Status != model.OrderRejected || got.RejectionReason != "exchange closed" {
		t.Errorf("unexpected order %+v", got)
	}
	if r := env.account(t).ReservedBalance; !r.IsZero() {
		t.Errorf("reserved = %s, want 0", r)
	}
}

func TestHandleEvent_PartialAndCancel(t *testing.T) {
	env := newTestEnv(t, "10000", nil)
	ctx := context.Background()

	o := env.submit(t, limitBuy("SPY", "10", "100"))
	qty, price := d("4"), m("100")
	partial := broker.Event{
		Type: broker.EventPartiallyFilled, OrderID: o.ID, BrokerOrderID: o.PartnerOrderID,
		FilledQuantity: &qty, FilledPrice: &price,
	}
	if err := env.eng.HandleEvent(ctx, partial); err != nil {
		t.Fatalf("partial: %v", err)
	}
	got, _ := env.eng.Order(ctx, o.ID)
	if got.Status != model.OrderPending || got.PartnerStatus != model.PartnerPartiallyFilled {
		t.Errorf("after partial: %s/%s", got.Status, got.PartnerStatus)
	}
	if c := env.account(t).CashBalance; !c.Equal(m("10000")) {
		t.Errorf("partial fill moved cash: %s", c)
	}

	cancel := broker.Event{Type: broker.EventCancelled, OrderID: o.ID, BrokerOrderID: o.PartnerOrderID}
	if err := env.eng.HandleEvent(ctx, cancel); err != nil {
		t.Fatalf("cancel event: %v", err)
	}
	got, _ = env.eng.Order(ctx, o.ID)
	if got.Status != model.OrderCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}
	if len(env.gw.Cancelled()) != 0 {
		t.Error("broker-initiated cancel must not call the broker back")
	}
}

// --- Expiry, fees, notifications ---

func TestExpireOrders_OnlyStaleDayOrders(t *testing.T) {
	env := newTestEnv(t, "100000", nil)
	ctx := context.Background()

	day := env.submit(t, limitBuy("SPY", "1", "100"))
	gtcReq := limitBuy("QQQ", "1", "100")
	gtcReq.TimeInForce = model.TIFGTC
	gtc := env.submit(t, gtcReq)

	n, err := env.eng.ExpireOrders(ctx, t0.Add(24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expired=%d err=%v, want 1", n, err)
	}
	got, _ := env.eng.Order(ctx, day.ID)
	if got.Status != model.OrderExpired {
		t.Errorf("DAY order status = %s", got.Status)
	}
	got, _ = env.eng.Order(ctx, gtc.ID)
	if got.Status != model.OrderPending {
		t.Errorf("GTC order status = %s", got.Status)
	}
	if r := env.account(t).ReservedBalance; !r.Equal(gtc.ReservedAmount) {
		t.Errorf("reserved = %s, want %s", r, gtc.ReservedAmount)
	}

	if c := env.gw.Cancelled(); len(c) != 1 || c[0] != day.PartnerOrderID {
		t.Errorf("broker cancels = %v, want [%s]", c, day.PartnerOrderID)
	}

	if n, _ := env.eng.ExpireOrders(ctx, t0.Add(24*time.Hour)); n != 0 {
		t.Errorf("second pass expired %d", n)
	}
}

func TestExpireOrders_BrokerCancelFailureKeepsOrderOpen(t *testing.T) {
	env := newTestEnv(t, "100000", nil)
	ctx := context.Background()

	o := env.submit(t, limitBuy("SPY", "10", "100"))
	env.gw.FailCancels(fmt.Errorf("%w: connection reset", broker.ErrUnavailable))

	n, err := env.eng.ExpireOrders(ctx, t0.Add(24*time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("expired=%d err=%v, want 0", n, err)
	}
	got, _ := env.eng.Order(ctx, o.ID)
	if got.Status != model.OrderPending {
		t.Fatalf("status = %s, want PENDING while the broker order may be live", got.Status)
	}

	// The broker filled before it could cancel; the execution must settle.
	ev := env.gw.SimulateFill(o.ID, o.PartnerOrderID, d("10"), m("100"))
	if err := env.eng.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("late fill: %v", err)
	}
	acct := env.account(t)
	if !acct.CashBalance.Equal(m("98997")) || !acct.ReservedBalance.IsZero() {
		t.Errorf("cash=%s reserved=%s, want 98997/0", acct.CashBalance, acct.ReservedBalance)
	}

	env.gw.FailCancels(nil)
	if n, _ := env.eng.ExpireOrders(ctx, t0.Add(24*time.Hour)); n != 0 {
		t.Errorf("filled order expired: %d", n)
	}
}

func TestExpireOrders_SkipsUnconfirmed(t *testing.T) {
	env := newTestEnv(t, "10000", nil)
	ctx := context.Background()
	env.gw.FailNextSubmit(fmt.Errorf("%w: read timeout", broker.ErrUnavailable))

	o, err := env.eng.SubmitOrder(ctx, acctID, limitBuy("SPY", "10", "100"))
	if err != nil {
		t.Fatal(err)
	}
	if n, err := env.eng.ExpireOrders(ctx, t0.Add(24*time.Hour)); err != nil || n != 0 {
		t.Fatalf("expired=%d err=%v, want 0", n, err)
	}
	got, _ := env.eng.Order(ctx, o.ID)
	if got.Status != model.OrderPending || got.PartnerStatus != model.PartnerUnconfirmed {
		t.Errorf("state = %s/%s, want PENDING/UNCONFIRMED", got.Status, got.PartnerStatus)
	}
	if r := env.account(t).ReservedBalance; !r.Equal(m("1005")) {
		t.Errorf("reserved = %s, want 1005", r)
	}

	if _, err := env.eng.ResubmitUnconfirmed(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := env.eng.ExpireOrders(ctx, t0.Add(24*time.Hour)); n != 1 {
		t.Errorf("expired after resubmit = %d, want 1", n)
	}
}

func TestFeeSummaryAndInvoice(t *testing.T) {
	env := newTestEnv(t, "100000", nil)
	ctx := context.Background()

	a := env.submit(t, marketOrder(model.SideBuy, "SPY", "100"))
	env.fill(t, a, "100", "450")
	env.submit(t, limitBuy("QQQ", "1", "10")) // open, zero fee

	sum, err := env.eng.FeeSummary(ctx, acctID, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Count != 2 || !sum.TotalGrossFees.Equal(m("225")) || !sum.TotalMargin.Equal(m("135")) {
		t.Errorf("unexpected summary %+v", sum)
	}

	inv, err := env.eng.Invoice(ctx, acctID, t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(inv.Lines) != 1 || !inv.Total.Equal(m("225")) {
		t.Errorf("unexpected invoice %+v", inv)
	}

	if _, err := env.eng.FeeSummary(ctx, acctID, t0.Add(time.Hour), t0); !errors.Is(err, model.ErrValidation) {
		t.Errorf("inverted window: expected ErrValidation, got %v", err)
	}
}

func TestNotifications(t *testing.T) {
	env := newTestEnv(t, "100000", nil)
	o := env.submit(t, marketOrder(model.SideBuy, "SPY", "1"))
	env.fill(t, o, "1", "10")

	got := strings.Join(env.notes.types(), ",")
	want := "order_pending,order_filled,account_updated"
	if got != want {
		t.Errorf("notifications = %s, want %s", got, want)
	}
}

func TestOpenAccount(t *testing.T) {
	env := newTestEnv(t, "0", nil)
	ctx := context.Background()

	a, err := env.eng.OpenAccount(ctx, settlement.OpenAccountRequest{Email: "new@example.com"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if a.Status != model.AccountActive || a.AccountType != model.AccountTrading || !a.CashBalance.IsZero() {
		t.Errorf("unexpected account %+v", a)
	}
	if _, err := env.eng.OpenAccount(ctx, settlement.OpenAccountRequest{}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

// --- Concurrency ---

func TestSubmitOrder_ConcurrentBuysNeverOverReserve(t *testing.T) {
	env := newTestEnv(t, "1000", nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each order holds 100.50.
			if _, err := env.eng.SubmitOrder(ctx, acctID, limitBuy("SPY", "1", "100")); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else if !errors.Is(err, model.ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 9 {
		t.Errorf("accepted = %d, want 9", accepted)
	}
	acct := env.account(t)
	if acct.AvailableBalance().IsNegative() {
		t.Errorf("available balance negative: cash %s reserved %s", acct.CashBalance, acct.ReservedBalance)
	}
}

func TestSubmitOrder_ReservationRaceRejectsLoser(t *testing.T) {
	env := newTestEnv(t, "1000", nil)
	env.gw.SetLatency(100 * time.Millisecond)
	ctx := context.Background()

	// Both pass the first check (502.50 each against 1000 available) while
	// the broker is slow; only one can reserve.
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := env.eng.SubmitOrder(ctx, acctID, limitBuy("SPY", "5", "100"))
			errs <- err
		}()
	}
	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) != 1 || !errors.Is(failures[0], model.ErrInsufficientBalance) {
		t.Fatalf("failures = %v, want one InsufficientBalance", failures)
	}

	rejected, _ := env.eng.OrderHistory(ctx, acctID, model.OrderRejected, 0)
	if len(rejected) != 1 || rejected[0].RejectionReason != settlement.ReasonReservationShortfall {
		t.Fatalf("rejected = %+v", rejected)
	}
	if len(env.gw.Cancelled()) != 1 {
		t.Errorf("loser must be cancelled at the broker, got %v", env.gw.Cancelled())
	}
	if r := env.account(t).ReservedBalance; !r.Equal(m("502.50")) {
		t.Errorf("reserved = %s, want 502.50", r)
	}
}

func TestEngine_AccountsProceedIndependently(t *testing.T) {
	env := newTestEnv(t, "100000", nil)
	ctx := context.Background()
	if err := env.ms.CreateAccount(ctx, &model.Account{
		ID: "acct-2", UserID: "user-1", AccountType: model.AccountTrading, Status: model.AccountActive,
		Currency: model.Currency, CashBalance: m("5000"), Equity: m("5000"), CreatedAt: t0, UpdatedAt: t0,
	}); err != nil {
		t.Fatal(err)
	}

	o1 := env.submit(t, limitBuy("SPY", "1", "100"))
	o2, err := env.eng.SubmitOrder(ctx, "acct-2", limitBuy("SPY", "1", "100"))
	if err != nil {
		t.Fatal(err)
	}
	env.fill(t, o1, "1", "100")

	a2, _ := env.eng.Account(ctx, "acct-2")
	if !a2.CashBalance.Equal(m("5000")) || !a2.ReservedBalance.Equal(o2.ReservedAmount) {
		t.Errorf("fill on acct-1 touched acct-2: %+v", a2)
	}
}
