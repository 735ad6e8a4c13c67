package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/redmasterf0x/spad/internal/api"
	"github.com/redmasterf0x/spad/internal/broker"
	"github.com/redmasterf0x/spad/internal/ledger"
	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
	"github.com/redmasterf0x/spad/internal/settlement"
	"github.com/redmasterf0x/spad/internal/store"
)

const webhookSecret = "whsec_test"

var t0 = time.Date(2024, 6, 3, 13, 30, 0, 0, time.UTC)

type testEnv struct {
	router chi.Router
	ms     *store.MemoryStore
	gw     *broker.MockGateway
	engine *settlement.Engine
	hub    *api.WSHub
}

// newTestEnv wires a router over an in-memory store with one funded account.
func newTestEnv(t *testing.T, cash string) *testEnv {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	if err := ms.CreateUser(ctx, &model.User{ID: "user-1", Email: "trader@example.com", CreatedAt: t0}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	c := money.MustParse(cash)
	if err := ms.CreateAccount(ctx, &model.Account{
		ID: "acct-1", UserID: "user-1", AccountType: model.AccountTrading, Status: model.AccountActive,
		Currency: model.Currency, CashBalance: c, Equity: c, CreatedAt: t0, UpdatedAt: t0,
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	gw := broker.NewMockGateway()
	led := ledger.NewService(ms, nil)
	hub := api.NewWSHub(nil)
	eng := settlement.New(ms, gw, led, settlement.Options{Notifier: hub, BrokerTimeout: time.Second})
	h := api.NewHandler(eng, led, hub, webhookSecret, nil)
	return &testEnv{router: api.NewRouter(h), ms: ms, gw: gw, engine: eng, hub: hub}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d: %s", w.Code, status, w.Body.String())
	}
	if e := decode[apiError](t, w); e.Error != code {
		t.Errorf("error = %q, want %q (%s)", e.Error, code, e.Message)
	}
}

func limitBuy(qty, price string) map[string]any {
	return map[string]any{
		"symbol":     "spy",
		"asset_type": "OPTION",
		"side":       "BUY",
		"quantity":   qty,
		"order_type": "LIMIT",
		"price":      price,
	}
}

func (env *testEnv) submit(t *testing.T, body map[string]any) model.Order {
	t.Helper()
	w := env.do(t, "POST", "/api/v1/accounts/acct-1/orders", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	return decode[model.Order](t, w)
}

func signedEvent(t *testing.T, ev broker.Event) *http.Request {
	t.Helper()
	body, _ := json.Marshal(ev)
	req := httptest.NewRequest("POST", "/api/v1/webhooks/broker", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(broker.SignatureHeader, broker.Sign(body, webhookSecret))
	return req
}

// --- Orders ---

func TestSubmitOrder_Created(t *testing.T) {
	env := newTestEnv(t, "10000")

	o := env.submit(t, limitBuy("10", "150"))
	if o.Status != model.OrderPending || o.Symbol != "SPY" {
		t.Errorf("unexpected order %+v", o)
	}
	if !o.ReservedAmount.Equal(money.MustParse("1507.50")) {
		t.Errorf("reserved = %s", o.ReservedAmount)
	}

	w := env.do(t, "GET", "/api/v1/accounts/acct-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get account: %d", w.Code)
	}
	var acct struct {
		CashBalance      money.Money `json:"cash_balance"`
		ReservedBalance  money.Money `json:"reserved_balance"`
		AvailableBalance money.Money `json:"available_balance"`
	}
	json.Unmarshal(w.Body.Bytes(), &acct)
	if !acct.AvailableBalance.Equal(money.MustParse("8492.50")) {
		t.Errorf("available = %s, want 8492.50", acct.AvailableBalance)
	}
}

func TestSubmitOrder_Errors(t *testing.T) {
	env := newTestEnv(t, "1000")

	w := env.do(t, "POST", "/api/v1/accounts/acct-1/orders", limitBuy("10", "500"))
	expectError(t, w, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE")

	w = env.do(t, "POST", "/api/v1/accounts/acct-1/orders", map[string]any{"symbol": "SPY", "side": "BUY"})
	expectError(t, w, http.StatusBadRequest, "VALIDATION_ERROR")

	w = env.do(t, "POST", "/api/v1/accounts/nope/orders", limitBuy("1", "1"))
	expectError(t, w, http.StatusNotFound, "ACCOUNT_NOT_FOUND")

	w = env.do(t, "POST", "/api/v1/accounts/acct-1/orders", map[string]any{"symbol": "SPY", "bogus": true})
	expectError(t, w, http.StatusBadRequest, "VALIDATION_ERROR")

	env.gw.RejectSymbol("SPY", "halted")
	w = env.do(t, "POST", "/api/v1/accounts/acct-1/orders", limitBuy("1", "1"))
	expectError(t, w, http.StatusBadGateway, "BROKER_ERROR")
}

func TestSubmitOrder_RequiresJSON(t *testing.T) {
	env := newTestEnv(t, "1000")
	req := httptest.NewRequest("POST", "/api/v1/accounts/acct-1/orders", strings.NewReader("symbol=SPY"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	expectError(t, w, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t, "10000")
	o := env.submit(t, limitBuy("10", "150"))

	w := env.do(t, "DELETE", "/api/v1/orders/"+o.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}
	if got := decode[model.Order](t, w); got.Status != model.OrderCancelled {
		t.Errorf("status = %s", got.Status)
	}

	w = env.do(t, "DELETE", "/api/v1/orders/"+o.ID, nil)
	expectError(t, w, http.StatusConflict, "INVALID_ORDER_STATE")

	w = env.do(t, "GET", "/api/v1/orders/missing", nil)
	expectError(t, w, http.StatusNotFound, "ORDER_NOT_FOUND")
}

func TestFillOrder_AndHistory(t *testing.T) {
	env := newTestEnv(t, "100000")
	o := env.submit(t, map[string]any{
		"symbol": "SPY", "asset_type": "OPTION", "side": "BUY", "quantity": "100", "order_type": "MARKET",
	})

	w := env.do(t, "POST", "/api/v1/orders/"+o.ID+"/fill", map[string]any{"quantity": "100", "price": "450"})
	if w.Code != http.StatusOK {
		t.Fatalf("fill: %d %s", w.Code, w.Body.String())
	}
	res := decode[settlement.FillResult](t, w)
	if !res.Account.CashBalance.Equal(money.MustParse("54865")) {
		t.Errorf("cash = %s, want 54865", res.Account.CashBalance)
	}

	w = env.do(t, "GET", "/api/v1/accounts/acct-1/orders?status=filled", nil)
	if orders := decode[[]model.Order](t, w); len(orders) != 1 || orders[0].ID != o.ID {
		t.Errorf("filled orders = %+v", orders)
	}

	w = env.do(t, "GET", "/api/v1/accounts/acct-1/positions?open=true", nil)
	positions := decode[[]model.Position](t, w)
	if len(positions) != 1 || !positions[0].Quantity.Equal(decimal.NewFromInt(100)) {
		t.Errorf("positions = %+v", positions)
	}

	w = env.do(t, "GET", "/api/v1/orders/"+o.ID+"/ledger", nil)
	if entries := decode[[]model.LedgerEntry](t, w); len(entries) != 1 {
		t.Errorf("order ledger = %+v", entries)
	}

	w = env.do(t, "GET", "/api/v1/accounts/acct-1/fees", nil)
	var sum struct {
		TotalMargin money.Money `json:"total_margin"`
	}
	json.Unmarshal(w.Body.Bytes(), &sum)
	if !sum.TotalMargin.Equal(money.FromInt(135)) {
		t.Errorf("margin = %s, want 135", sum.TotalMargin)
	}
}

// --- Webhook ---

func TestBrokerWebhook_FillThenDuplicate(t *testing.T) {
	env := newTestEnv(t, "10000")
	o := env.submit(t, limitBuy("10", "100"))
	ev := env.gw.SimulateFill(o.ID, o.PartnerOrderID, decimal.NewFromInt(10), money.FromInt(100))

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, signedEvent(t, ev))
	if w.Code != http.StatusOK || decode[map[string]string](t, w)["status"] != "processed" {
		t.Fatalf("first delivery: %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, signedEvent(t, ev))
	if w.Code != http.StatusOK || decode[map[string]string](t, w)["status"] != "duplicate" {
		t.Fatalf("redelivery: %d %s", w.Code, w.Body.String())
	}

	got, _ := env.engine.Order(context.Background(), o.ID)
	if got.Status != model.OrderFilled {
		t.Errorf("status = %s", got.Status)
	}
}

func TestBrokerWebhook_BadSignature(t *testing.T) {
	env := newTestEnv(t, "10000")
	o := env.submit(t, limitBuy("1", "100"))
	req := signedEvent(t, env.gw.SimulateRejection(o.ID, o.PartnerOrderID, "halted"))
	req.Header.Set(broker.SignatureHeader, broker.Sign([]byte("other"), webhookSecret))

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	expectError(t, w, http.StatusUnauthorized, "INVALID_SIGNATURE")

	got, _ := env.engine.Order(context.Background(), o.ID)
	if got.Status != model.OrderPending {
		t.Errorf("unsigned event changed the order: %s", got.Status)
	}
}

func TestBrokerWebhook_UnknownOrder(t *testing.T) {
	env := newTestEnv(t, "10000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, signedEvent(t, broker.Event{Type: broker.EventCancelled, OrderID: "missing"}))
	expectError(t, w, http.StatusNotFound, "ORDER_NOT_FOUND")
}

// --- Ledger and transfers ---

func TestTransfer_DepositFlow(t *testing.T) {
	env := newTestEnv(t, "0")

	w := env.do(t, "POST", "/api/v1/transfers", map[string]any{
		"account_id": "acct-1", "transfer_type": "ACH_IN", "amount": "2500", "idempotency_key": "dep-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("request transfer: %d %s", w.Code, w.Body.String())
	}
	tr := decode[model.Transfer](t, w)

	w = env.do(t, "POST", "/api/v1/transfers/"+tr.ID+"/complete", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/accounts/acct-1/ledger?entry_type=deposit", nil)
	page := decode[struct {
		Entries []model.LedgerEntry `json:"entries"`
		Total   int                 `json:"total"`
	}](t, w)
	if page.Total != 1 || page.Entries[0].TransferID != tr.ID {
		t.Errorf("ledger page = %+v", page)
	}

	w = env.do(t, "POST", "/api/v1/transfers/"+tr.ID+"/complete", nil)
	expectError(t, w, http.StatusConflict, "INVALID_TRANSFER_STATE")

	w = env.do(t, "GET", "/api/v1/accounts/acct-1/trial-balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("trial balance: %d", w.Code)
	}
}

func TestPostEntry_WithdrawalOverdraft(t *testing.T) {
	env := newTestEnv(t, "100")
	w := env.do(t, "POST", "/api/v1/accounts/acct-1/ledger", map[string]any{
		"entry_type": "WITHDRAWAL", "amount": "150", "description": "manual withdrawal",
	})
	expectError(t, w, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE")
}

func TestStatement_RequiresWindow(t *testing.T) {
	env := newTestEnv(t, "100")
	w := env.do(t, "GET", "/api/v1/accounts/acct-1/statement?from=2024-06-01", nil)
	expectError(t, w, http.StatusBadRequest, "VALIDATION_ERROR")

	w = env.do(t, "GET", "/api/v1/accounts/acct-1/statement?from=2024-06-01&to=yesterday", nil)
	expectError(t, w, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestExportLedger_Parquet(t *testing.T) {
	env := newTestEnv(t, "100")
	w := env.do(t, "POST", "/api/v1/accounts/acct-1/ledger", map[string]any{
		"entry_type": "DEPOSIT", "amount": "50", "description": "promo credit",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("post: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/accounts/acct-1/ledger/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export: %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Row-Count") != "1" {
		t.Errorf("row count = %q", w.Header().Get("X-Row-Count"))
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("PAR1")) {
		t.Error("body is not a parquet file")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, "0")
	if w := env.do(t, "GET", "/healthz", nil); w.Code != http.StatusOK {
		t.Errorf("healthz = %d", w.Code)
	}
	w := env.do(t, "GET", "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "spad_http_requests_total") {
		t.Errorf("metrics = %d", w.Code)
	}
}

// --- WebSocket ---

func TestWSHub_StreamsAccountNotifications(t *testing.T) {
	env := newTestEnv(t, "10000")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?account_id=acct-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	env.submit(t, limitBuy("1", "100"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var n settlement.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatal(err)
	}
	if n.Type != "order_pending" || n.AccountID != "acct-1" || n.Symbol != "SPY" {
		t.Errorf("notification = %+v", n)
	}
}
