package ledger_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/redmasterf0x/spad/internal/ledger"
	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
	"github.com/redmasterf0x/spad/internal/store"
)

var t0 = time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC)

func m(s string) money.Money { return money.MustParse(s) }

// clock returns a time source advancing one minute per call from t0.
func clock() func() time.Time {
	next := t0
	return func() time.Time {
		now := next
		next = next.Add(time.Minute)
		return now
	}
}

func newTestEnv(t *testing.T, cash string) (*ledger.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	if err := ms.CreateUser(ctx, &model.User{ID: "user-1", Email: "u@example.com", CreatedAt: t0}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := ms.CreateAccount(ctx, &model.Account{
		ID: "acct-1", UserID: "user-1", AccountType: model.AccountTrading, Status: model.AccountActive,
		Currency: model.Currency, CashBalance: m(cash), Equity: m(cash), CreatedAt: t0, UpdatedAt: t0,
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return ledger.NewService(ms, nil).WithClock(clock()), ms
}

func post(t *testing.T, svc *ledger.Service, typ model.EntryType, amount string, meta map[string]string) *model.LedgerEntry {
	t.Helper()
	e, err := svc.Post(context.Background(), ledger.PostRequest{
		AccountID:   "acct-1",
		EntryType:   typ,
		Amount:      m(amount),
		Description: string(typ) + " " + amount,
		Metadata:    meta,
	})
	if err != nil {
		t.Fatalf("post %s %s: %v", typ, amount, err)
	}
	return e
}

func cashOf(t *testing.T, ms *store.MemoryStore) money.Money {
	t.Helper()
	a, err := ms.GetAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a.CashBalance
}

func TestPost_DepositAndWithdrawalMoveCash(t *testing.T) {
	svc, ms := newTestEnv(t, "1000")

	post(t, svc, model.EntryDeposit, "250.50", nil)
	post(t, svc, model.EntryWithdrawal, "100", nil)

	if got := cashOf(t, ms); !got.Equal(m("1150.50")) {
		t.Errorf("cash = %s, want 1150.50", got)
	}
}

func TestPost_AuditOnlyTypesLeaveCash(t *testing.T) {
	svc, ms := newTestEnv(t, "1000")

	post(t, svc, model.EntryFee, "12", nil)
	post(t, svc, model.EntryDividend, "5", nil)
	post(t, svc, model.EntryOrderExecution, "450", map[string]string{"side": "BUY"})

	if got := cashOf(t, ms); !got.Equal(m("1000")) {
		t.Errorf("cash = %s, want unchanged 1000", got)
	}
}

func TestPost_UnknownAccount(t *testing.T) {
	svc, _ := newTestEnv(t, "0")

	_, err := svc.Post(context.Background(), ledger.PostRequest{
		AccountID: "nope", EntryType: model.EntryDeposit, Amount: m("10"), Description: "x",
	})
	if !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestPost_WithdrawalOverAvailable(t *testing.T) {
	svc, ms := newTestEnv(t, "100")

	_, err := svc.Post(context.Background(), ledger.PostRequest{
		AccountID: "acct-1", EntryType: model.EntryWithdrawal, Amount: m("100.01"), Description: "too much",
	})
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := cashOf(t, ms); !got.Equal(m("100")) {
		t.Errorf("cash = %s, want 100", got)
	}
	entries, total, _ := svc.Entries(context.Background(), "acct-1", ledger.Page{})
	if total != 0 || len(entries) != 0 {
		t.Errorf("expected no entries, got %d", total)
	}
}

func TestPost_Validation(t *testing.T) {
	svc, _ := newTestEnv(t, "100")
	ctx := context.Background()

	cases := []ledger.PostRequest{
		{AccountID: "acct-1", EntryType: "BOGUS", Amount: m("1"), Description: "x"},
		{AccountID: "acct-1", EntryType: model.EntryDeposit, Amount: m("-1"), Description: "x"},
		{AccountID: "acct-1", EntryType: model.EntryDeposit, Amount: m("0"), Description: "x"},
		{AccountID: "acct-1", EntryType: model.EntryDeposit, Amount: m("1")},
	}
	for _, req := range cases {
		if _, err := svc.Post(ctx, req); model.KindOf(err) != model.KindValidation {
			t.Errorf("%+v: expected validation error, got %v", req, err)
		}
	}
}

func TestBalanceAt_ReplaysClassification(t *testing.T) {
	svc, _ := newTestEnv(t, "0")
	ctx := context.Background()

	post(t, svc, model.EntryDeposit, "10000", nil)                                     // t0
	post(t, svc, model.EntryOrderExecution, "4500", map[string]string{"side": "BUY"})  // t0+1m
	post(t, svc, model.EntryFee, "22.50", nil)                                         // t0+2m
	post(t, svc, model.EntryOrderExecution, "2300", map[string]string{"side": "SELL"}) // t0+3m
	post(t, svc, model.EntryWithdrawal, "1000", nil)                                   // t0+4m

	bal, err := svc.BalanceAt(ctx, "acct-1", t0.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.TotalCredits.Equal(m("12300")) {
		t.Errorf("credits = %s, want 12300", bal.TotalCredits)
	}
	if !bal.TotalDebits.Equal(m("4522.50")) {
		t.Errorf("debits = %s, want 4522.50", bal.TotalDebits)
	}
	if !bal.NetBalance.Equal(m("7777.50")) {
		t.Errorf("net = %s, want 7777.50", bal.NetBalance)
	}

	early, _ := svc.BalanceAt(ctx, "acct-1", t0.Add(-time.Second))
	if !early.NetBalance.IsZero() {
		t.Errorf("balance before first entry = %s, want 0", early.NetBalance)
	}
}

func TestTrialBalance_SingleSidedRule(t *testing.T) {
	svc, _ := newTestEnv(t, "0")
	ctx := context.Background()

	post(t, svc, model.EntryDeposit, "500", nil)
	tb, err := svc.TrialBalance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("trial balance: %v", err)
	}
	if !tb.IsBalanced || tb.Rule != ledger.RuleSingleSided {
		t.Errorf("credits only should be balanced: %+v", tb)
	}

	post(t, svc, model.EntryWithdrawal, "200", nil)
	tb, _ = svc.TrialBalance(ctx, "acct-1")
	if tb.IsBalanced {
		t.Errorf("500 credits vs 200 debits should not balance: %+v", tb)
	}

	post(t, svc, model.EntryFee, "300", nil)
	tb, _ = svc.TrialBalance(ctx, "acct-1")
	if !tb.IsBalanced {
		t.Errorf("equal sides should balance: %+v", tb)
	}
}

func TestReconcile_SkipsUnknownAndMarksRest(t *testing.T) {
	svc, _ := newTestEnv(t, "0")
	ctx := context.Background()

	e1 := post(t, svc, model.EntryDeposit, "100", nil)
	post(t, svc, model.EntryDeposit, "200", nil)

	n, err := svc.Reconcile(ctx, []string{e1.ID, "missing"}, "bank-stmt-42")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Errorf("marked %d, want 1", n)
	}

	open, err := svc.Unreconciled(ctx, "acct-1")
	if err != nil {
		t.Fatalf("unreconciled: %v", err)
	}
	if len(open) != 1 || !open[0].Amount.Equal(m("200")) {
		t.Errorf("unexpected unreconciled entries: %+v", open)
	}

	if _, err := svc.Reconcile(ctx, nil, "x"); model.KindOf(err) != model.KindValidation {
		t.Errorf("expected validation error for empty ids, got %v", err)
	}
}

func TestStatement_OpeningBalanceFromPriorEntries(t *testing.T) {
	svc, _ := newTestEnv(t, "0")
	ctx := context.Background()

	post(t, svc, model.EntryDeposit, "1000", nil)   // t0
	post(t, svc, model.EntryWithdrawal, "100", nil) // t0+1m
	post(t, svc, model.EntryDeposit, "50", nil)     // t0+2m
	post(t, svc, model.EntryFee, "5", nil)          // t0+3m
	post(t, svc, model.EntryDeposit, "999", nil)    // t0+4m, after the window

	st, err := svc.Statement(ctx, "acct-1", t0.Add(2*time.Minute), t0.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("statement: %v", err)
	}
	if !st.OpeningBalance.Equal(m("900")) {
		t.Errorf("opening = %s, want 900", st.OpeningBalance)
	}
	if !st.TotalInflows.Equal(m("50")) || !st.TotalOutflows.Equal(m("5")) {
		t.Errorf("inflows/outflows = %s/%s, want 50/5", st.TotalInflows, st.TotalOutflows)
	}
	if !st.ClosingBalance.Equal(m("945")) {
		t.Errorf("closing = %s, want 945", st.ClosingBalance)
	}
	if len(st.Entries) != 2 {
		t.Errorf("expected 2 entries in window, got %d", len(st.Entries))
	}

	if _, err := svc.Statement(ctx, "acct-1", t0.Add(time.Hour), t0); model.KindOf(err) != model.KindValidation {
		t.Errorf("expected validation error for inverted window, got %v", err)
	}
}

func TestEntries_PagingNewestFirst(t *testing.T) {
	svc, _ := newTestEnv(t, "0")
	ctx := context.Background()

	for _, amt := range []string{"1", "2", "3", "4", "5"} {
		post(t, svc, model.EntryDeposit, amt, nil)
	}
	post(t, svc, model.EntryFee, "1", nil)

	page, total, err := svc.Entries(ctx, "acct-1", ledger.Page{Limit: 2, Offset: 1, EntryType: model.EntryDeposit})
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 || !page[0].Amount.Equal(m("4")) || !page[1].Amount.Equal(m("3")) {
		t.Errorf("unexpected page: %+v", page)
	}

	if _, _, err := svc.Entries(ctx, "nope", ledger.Page{}); !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestOrderEntries_AuditTrail(t *testing.T) {
	svc, _ := newTestEnv(t, "0")
	ctx := context.Background()

	_, err := svc.Post(ctx, ledger.PostRequest{
		AccountID: "acct-1", EntryType: model.EntryOrderExecution, Amount: m("45000"),
		Description: "BUY 100 SPY @ 450", OrderID: "ord-1",
		Metadata: map[string]string{"side": "BUY"},
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	post(t, svc, model.EntryDeposit, "1", nil)

	entries, err := svc.OrderEntries(ctx, "ord-1")
	if err != nil {
		t.Fatalf("order entries: %v", err)
	}
	if len(entries) != 1 || entries[0].OrderID != "ord-1" {
		t.Errorf("unexpected audit trail: %+v", entries)
	}
}

func TestExportFile_RoundTripsThroughParquet(t *testing.T) {
	svc, _ := newTestEnv(t, "0")
	ctx := context.Background()

	post(t, svc, model.EntryDeposit, "1000", nil)
	post(t, svc, model.EntryOrderExecution, "450.5", map[string]string{"side": "BUY"})

	path := filepath.Join(t.TempDir(), "exports", "acct-1.parquet")
	n, err := svc.ExportFile(ctx, "acct-1", path)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 2 {
		t.Fatalf("wrote %d rows, want 2", n)
	}

	rows, err := parquet.ReadFile[ledger.ExportRecord](path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("read %d rows, want 2", len(rows))
	}
	if rows[0].EntryType != "DEPOSIT" || rows[0].Amount != "1000.00" {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[1].Side != "BUY" || rows[1].Amount != "450.50" {
		t.Errorf("row 1 = %+v", rows[1])
	}
	if rows[0].CreatedAt != t0.UnixMilli() {
		t.Errorf("created_at = %d, want %d", rows[0].CreatedAt, t0.UnixMilli())
	}
}
