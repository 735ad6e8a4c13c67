package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/redmasterf0x/spad/internal/model"
)

// ledgerKey orders the ledger index by account, then creation time, then
// insertion sequence.
type ledgerKey struct {
	accountID string
	createdAt time.Time
	seq       uint64
	id        string
}

func ledgerLess(a, b ledgerKey) bool {
	if a.accountID != b.accountID {
		return a.accountID < b.accountID
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.seq < b.seq
}

type positionKey struct {
	accountID string
	symbol    string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]*model.User
	accounts     map[string]*model.Account
	orders       map[string]*model.Order
	orderKeys    map[string]string
	positions    map[positionKey]*model.Position
	fees         map[string]*model.Fee // by order ID
	entries      map[string]*model.LedgerEntry
	ledger       *btree.BTreeG[ledgerKey]
	transfers    map[string]*model.Transfer
	transferKeys map[string]string
	seq          uint64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]*model.User),
		accounts:     make(map[string]*model.Account),
		orders:       make(map[string]*model.Order),
		orderKeys:    make(map[string]string),
		positions:    make(map[positionKey]*model.Position),
		fees:         make(map[string]*model.Fee),
		entries:      make(map[string]*model.LedgerEntry),
		ledger:       btree.NewG[ledgerKey](32, ledgerLess),
		transfers:    make(map[string]*model.Transfer),
		transferKeys: make(map[string]string),
		locks:        make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, ErrDuplicate)
	}
	if _, ok := s.users[a.UserID]; !ok && a.UserID != "" {
		return fmt.Errorf("user %s: %w", a.UserID, ErrNotFound)
	}
	copy := *a
	s.accounts[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := []model.Order{}
	for _, o := range s.orders {
		if f.match(o) {
			orders = append(orders, *o)
		}
	}
	sortOrdersNewestFirst(orders)
	return page(orders, 0, f.Limit), nil
}

func (s *MemoryStore) GetPosition(_ context.Context, accountID, symbol string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{accountID, symbol}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", accountID, symbol, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.positionsOf(accountID), nil
}

func (s *MemoryStore) positionsOf(accountID string) []model.Position {
	positions := []model.Position{}
	for k, p := range s.positions {
		if k.accountID == accountID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions
}

func (s *MemoryStore) GetFeeByOrder(_ context.Context, orderID string) (*model.Fee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.fees[orderID]
	if !ok {
		return nil, fmt.Errorf("fee for order %s: %w", orderID, ErrNotFound)
	}
	copy := *f
	return &copy, nil
}

func (s *MemoryStore) ListFees(_ context.Context, f FeeFilter) ([]model.Fee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fees := []model.Fee{}
	for _, fee := range s.fees {
		if f.match(fee) {
			fees = append(fees, *fee)
		}
	}
	sort.Slice(fees, func(i, j int) bool { return fees[i].CreatedAt.Before(fees[j].CreatedAt) })
	return fees, nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, f LedgerFilter) ([]model.LedgerEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := []model.LedgerEntry{}
	collect := func(k ledgerKey) bool {
		e := s.entries[k.id]
		if f.match(e) {
			copy := *e
			copy.Metadata = copyMetadata(e.Metadata)
			entries = append(entries, copy)
		}
		return true
	}

	if f.AccountID != "" {
		// Walk only this account's slice of the index.
		s.ledger.AscendGreaterOrEqual(ledgerKey{accountID: f.AccountID, createdAt: f.Since}, func(k ledgerKey) bool {
			if k.accountID != f.AccountID {
				return false
			}
			if !f.Until.IsZero() && k.createdAt.After(f.Until) {
				return false
			}
			return collect(k)
		})
	} else {
		s.ledger.Ascend(collect)
	}

	if !f.Ascending {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	return page(entries, f.Offset, f.Limit), len(entries), nil
}

func (s *MemoryStore) GetTransfer(_ context.Context, id string) (*model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transfers[id]
	if !ok {
		return nil, fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) GetTransferByIdempotencyKey(ctx context.Context, key string) (*model.Transfer, error) {
	s.mu.RLock()
	id, ok := s.transferKeys[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transfer key %s: %w", key, ErrNotFound)
	}
	return s.GetTransfer(ctx, id)
}

func (s *MemoryStore) MarkReconciled(_ context.Context, entryID, reconciliationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return fmt.Errorf("ledger entry %s: %w", entryID, ErrNotFound)
	}
	e.IsReconciled = true
	e.ReconciliationID = reconciliationID
	e.ReconciledAt = &at
	return nil
}

func (s *MemoryStore) accountLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// WithAccount serializes callers per account with a dedicated mutex and
// stages all writes, applying them under the store lock only when fn
// succeeds.
func (s *MemoryStore) WithAccount(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	l := s.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return model.ErrAccountNotFound
	}

	tx := &memTx{
		s:         s,
		account:   acct,
		orders:    make(map[string]*model.Order),
		positions: make(map[string]*model.Position),
		fees:      make(map[string]*model.Fee),
		transfers: make(map[string]*model.Transfer),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.accountDirty {
		a := *tx.account
		s.accounts[a.ID] = &a
	}
	for _, o := range tx.orders {
		s.orders[o.ID] = o
		s.orderKeys[o.IdempotencyKey] = o.ID
	}
	for _, p := range tx.positions {
		s.positions[positionKey{p.AccountID, p.Symbol}] = p
	}
	for _, f := range tx.fees {
		s.fees[f.OrderID] = f
	}
	for _, t := range tx.transfers {
		s.transfers[t.ID] = t
		s.transferKeys[t.IdempotencyKey] = t.ID
	}
	for _, e := range tx.entries {
		s.seq++
		s.entries[e.ID] = e
		s.ledger.ReplaceOrInsert(ledgerKey{accountID: e.AccountID, createdAt: e.CreatedAt, seq: s.seq, id: e.ID})
	}
}

// memTx overlays staged writes on the committed maps.
type memTx struct {
	s            *MemoryStore
	account      *model.Account
	accountDirty bool
	orders       map[string]*model.Order
	positions    map[string]*model.Position // by symbol
	fees         map[string]*model.Fee      // by order ID
	entries      []*model.LedgerEntry
	transfers    map[string]*model.Transfer
}

func (t *memTx) Account() *model.Account { return t.account }

func (t *memTx) SaveAccount(_ context.Context, a *model.Account) error {
	if a.ID != t.account.ID {
		return fmt.Errorf("account %s is not locked by this transaction", a.ID)
	}
	copy := *a
	t.account = &copy
	t.accountDirty = true
	return nil
}

func (t *memTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	if o, ok := t.orders[id]; ok {
		copy := *o
		return &copy, nil
	}
	return t.s.GetOrder(ctx, id)
}

func (t *memTx) InsertOrder(ctx context.Context, o *model.Order) error {
	if _, err := t.GetOrder(ctx, o.ID); err == nil {
		return fmt.Errorf("order %s: %w", o.ID, ErrDuplicate)
	}
	t.s.mu.RLock()
	_, taken := t.s.orderKeys[o.IdempotencyKey]
	t.s.mu.RUnlock()
	for _, staged := range t.orders {
		taken = taken || staged.IdempotencyKey == o.IdempotencyKey
	}
	if taken {
		return fmt.Errorf("order idempotency key %s: %w", o.IdempotencyKey, ErrDuplicate)
	}
	copy := *o
	t.orders[o.ID] = &copy
	return nil
}

func (t *memTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	if _, err := t.GetOrder(ctx, o.ID); err != nil {
		return err
	}
	copy := *o
	t.orders[o.ID] = &copy
	return nil
}

func (t *memTx) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	if p, ok := t.positions[symbol]; ok {
		copy := *p
		return &copy, nil
	}
	return t.s.GetPosition(ctx, t.account.ID, symbol)
}

func (t *memTx) ListPositions(_ context.Context) ([]model.Position, error) {
	t.s.mu.RLock()
	committed := t.s.positionsOf(t.account.ID)
	t.s.mu.RUnlock()

	positions := make([]model.Position, 0, len(committed)+len(t.positions))
	for _, p := range committed {
		if _, staged := t.positions[p.Symbol]; !staged {
			positions = append(positions, p)
		}
	}
	for _, p := range t.positions {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

func (t *memTx) SavePosition(_ context.Context, p *model.Position) error {
	if p.AccountID != t.account.ID {
		return fmt.Errorf("position %s belongs to account %s", p.ID, p.AccountID)
	}
	copy := *p
	t.positions[p.Symbol] = &copy
	return nil
}

func (t *memTx) GetFeeByOrder(ctx context.Context, orderID string) (*model.Fee, error) {
	if f, ok := t.fees[orderID]; ok {
		copy := *f
		return &copy, nil
	}
	return t.s.GetFeeByOrder(ctx, orderID)
}

func (t *memTx) InsertFee(ctx context.Context, f *model.Fee) error {
	if _, err := t.GetFeeByOrder(ctx, f.OrderID); err == nil {
		return fmt.Errorf("fee for order %s: %w", f.OrderID, ErrDuplicate)
	}
	copy := *f
	t.fees[f.OrderID] = &copy
	return nil
}

func (t *memTx) UpdateFee(ctx context.Context, f *model.Fee) error {
	if _, err := t.GetFeeByOrder(ctx, f.OrderID); err != nil {
		return err
	}
	copy := *f
	t.fees[f.OrderID] = &copy
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	copy := *e
	copy.Metadata = copyMetadata(e.Metadata)
	t.entries = append(t.entries, &copy)
	return nil
}

func (t *memTx) GetTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	if tr, ok := t.transfers[id]; ok {
		copy := *tr
		return &copy, nil
	}
	return t.s.GetTransfer(ctx, id)
}

func (t *memTx) InsertTransfer(ctx context.Context, tr *model.Transfer) error {
	if _, err := t.s.GetTransferByIdempotencyKey(ctx, tr.IdempotencyKey); err == nil {
		return fmt.Errorf("transfer idempotency key %s: %w", tr.IdempotencyKey, ErrDuplicate)
	}
	copy := *tr
	t.transfers[tr.ID] = &copy
	return nil
}

func (t *memTx) UpdateTransfer(ctx context.Context, tr *model.Transfer) error {
	if _, err := t.GetTransfer(ctx, tr.ID); err != nil {
		return err
	}
	copy := *tr
	t.transfers[tr.ID] = &copy
	return nil
}
