package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
)

func TestColumnParser_KeepsFirstError(t *testing.T) {
	var cols columnParser
	if got := cols.money("1507.50"); !got.Equal(money.MustParse("1507.5")) || cols.err != nil {
		t.Fatalf("money = %s err = %v", got, cols.err)
	}
	if p := cols.moneyPtr(nil); p != nil {
		t.Errorf("nil column parsed to %s", p)
	}

	cols.money("12,00")
	first := cols.err
	cols.decimal("ten")
	if first == nil || cols.err != first {
		t.Errorf("err = %v, want the first failure %v", cols.err, first)
	}
}

func TestSQLiteStore_CorruptMoneyFailsRead(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "spad.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	now := time.Date(2024, 6, 3, 13, 30, 0, 0, time.UTC)
	if err := s.CreateUser(ctx, &model.User{ID: "user-1", Email: "trader@example.com", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAccount(ctx, &model.Account{
		ID: "acct-1", UserID: "user-1", AccountType: model.AccountTrading, Status: model.AccountActive,
		Currency: model.Currency, CashBalance: money.FromInt(1000), Equity: money.FromInt(1000),
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE accounts SET cash_balance = 'n/a' WHERE id = ?`, "acct-1"); err != nil {
		t.Fatal(err)
	}
	if a, err := s.GetAccount(ctx, "acct-1"); err == nil {
		t.Fatalf("corrupt cash balance read as %s", a.CashBalance)
	}
}
