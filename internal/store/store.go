// Package store defines the persistence interface for the settlement
// back-office. Implementations include PostgreSQL (source of truth), SQLite
// (single-node deployments), Redis (read-through cache) and in-memory (for
// testing).
//
// Every balance-affecting change goes through WithAccount, which locks one
// account row and commits all writes made by the callback atomically.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redmasterf0x/spad/internal/model"
)

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*CachedStore)(nil)
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("store: duplicate key")
)

// OrderFilter selects orders. Empty fields match everything.
type OrderFilter struct {
	AccountID     string
	Status        model.OrderStatus
	TimeInForce   model.TimeInForce
	CreatedBefore time.Time
	Limit         int
}

// FeeFilter selects fee records by account and creation time.
// A zero bound is open.
type FeeFilter struct {
	AccountID string
	From      time.Time
	To        time.Time
}

// LedgerFilter selects ledger entries. Since and Until are inclusive; a
// zero bound is open. Results are newest first unless Ascending is set.
type LedgerFilter struct {
	AccountID    string
	OrderID      string
	EntryType    model.EntryType
	Since        time.Time
	Until        time.Time
	Unreconciled bool
	Ascending    bool
	Limit        int
	Offset       int
}

// Reader is the read side shared by all implementations.
type Reader interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrders returns matching orders, newest first.
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)

	GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error)
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	GetFeeByOrder(ctx context.Context, orderID string) (*model.Fee, error)
	ListFees(ctx context.Context, f FeeFilter) ([]model.Fee, error)

	// ListLedgerEntries returns one page of matching entries and the total
	// number of matches before paging.
	ListLedgerEntries(ctx context.Context, f LedgerFilter) ([]model.LedgerEntry, int, error)

	GetTransfer(ctx context.Context, id string) (*model.Transfer, error)
	GetTransferByIdempotencyKey(ctx context.Context, key string) (*model.Transfer, error)
}

// Tx is a unit of work scoped to one locked account. Reads observe the
// unit's own uncommitted writes.
type Tx interface {
	// Account returns the locked account row. Mutate it and call
	// SaveAccount to persist.
	Account() *model.Account
	SaveAccount(ctx context.Context, a *model.Account) error

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	InsertOrder(ctx context.Context, o *model.Order) error
	UpdateOrder(ctx context.Context, o *model.Order) error

	GetPosition(ctx context.Context, symbol string) (*model.Position, error)
	ListPositions(ctx context.Context) ([]model.Position, error)
	SavePosition(ctx context.Context, p *model.Position) error

	GetFeeByOrder(ctx context.Context, orderID string) (*model.Fee, error)
	InsertFee(ctx context.Context, f *model.Fee) error
	UpdateFee(ctx context.Context, f *model.Fee) error

	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error

	GetTransfer(ctx context.Context, id string) (*model.Transfer, error)
	InsertTransfer(ctx context.Context, t *model.Transfer) error
	UpdateTransfer(ctx context.Context, t *model.Transfer) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	CreateUser(ctx context.Context, u *model.User) error
	CreateAccount(ctx context.Context, a *model.Account) error

	// WithAccount locks accountID and runs fn. Writes made through tx are
	// committed together when fn returns nil and discarded otherwise.
	// Returns model.ErrAccountNotFound when the account does not exist.
	WithAccount(ctx context.Context, accountID string, fn func(tx Tx) error) error

	// MarkReconciled sets the reconciliation fields of one ledger entry.
	// It is the only update ever applied to a ledger entry.
	MarkReconciled(ctx context.Context, entryID, reconciliationID string, at time.Time) error
}

// --- helpers shared by the implementations ---

func (f LedgerFilter) match(e *model.LedgerEntry) bool {
	if f.AccountID != "" && e.AccountID != f.AccountID {
		return false
	}
	if f.OrderID != "" && e.OrderID != f.OrderID {
		return false
	}
	if f.EntryType != "" && e.EntryType != f.EntryType {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
		return false
	}
	if f.Unreconciled && e.IsReconciled {
		return false
	}
	return true
}

func (f OrderFilter) match(o *model.Order) bool {
	if f.AccountID != "" && o.AccountID != f.AccountID {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.TimeInForce != "" && o.TimeInForce != f.TimeInForce {
		return false
	}
	if !f.CreatedBefore.IsZero() && !o.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

func (f FeeFilter) match(fee *model.Fee) bool {
	if f.AccountID != "" && fee.AccountID != f.AccountID {
		return false
	}
	if !f.From.IsZero() && fee.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && fee.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// page applies offset and limit to a slice already in result order.
func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func sortOrdersNewestFirst(orders []model.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
