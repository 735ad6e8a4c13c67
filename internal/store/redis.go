package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redmasterf0x/spad/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// account snapshots and position lists. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Balance decisions never read from the cache: WithAccount always
// loads the locked row from the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.cacheAccount(ctx, a)
	return nil
}

func (s *CachedStore) WithAccount(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	if err := s.primary.WithAccount(ctx, accountID, fn); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, accountKey(accountID), positionsKey(accountID))
	return nil
}

func (s *CachedStore) MarkReconciled(ctx context.Context, entryID, reconciliationID string, at time.Time) error {
	return s.primary.MarkReconciled(ctx, entryID, reconciliationID, at)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(id)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(accountID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(accountID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, f)
}

func (s *CachedStore) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, accountID, symbol)
}

func (s *CachedStore) GetFeeByOrder(ctx context.Context, orderID string) (*model.Fee, error) {
	return s.primary.GetFeeByOrder(ctx, orderID)
}

func (s *CachedStore) ListFees(ctx context.Context, f FeeFilter) ([]model.Fee, error) {
	return s.primary.ListFees(ctx, f)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, f LedgerFilter) ([]model.LedgerEntry, int, error) {
	return s.primary.ListLedgerEntries(ctx, f)
}

func (s *CachedStore) GetTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	return s.primary.GetTransfer(ctx, id)
}

func (s *CachedStore) GetTransferByIdempotencyKey(ctx context.Context, key string) (*model.Transfer, error) {
	return s.primary.GetTransferByIdempotencyKey(ctx, key)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAccount(ctx context.Context, a *model.Account) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(a.ID), data, s.ttl)
	}
}

func accountKey(id string) string   { return fmt.Sprintf("account:%s", id) }
func positionsKey(id string) string { return fmt.Sprintf("positions:%s", id) }
