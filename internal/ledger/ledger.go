// Package ledger records the append-only, single-sided account ledger.
//
// Every entry is written from the customer account's perspective. Only
// DEPOSIT and WITHDRAWAL postings move the cash balance here; fills are
// settled by the settlement engine, which posts ORDER_EXECUTION entries as
// the audit record of a balance change it already applied.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/redmasterf0x/spad/internal/metrics"
	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
	"github.com/redmasterf0x/spad/internal/store"
)

// DefaultPageSize applies when a Page has no limit.
const DefaultPageSize = 50

// RuleSingleSided names the trial balance rule: debits equal credits, or
// one side is empty.
const RuleSingleSided = "single-sided"

// PostRequest describes one ledger posting.
type PostRequest struct {
	AccountID   string
	EntryType   model.EntryType
	Amount      money.Money
	Description string
	OrderID     string
	TransferID  string
	Metadata    map[string]string
}

// Page selects a slice of an account's entries, newest first.
type Page struct {
	Limit     int
	Offset    int
	EntryType model.EntryType
}

// Balance is the replayed ledger position of an account at a point in time.
type Balance struct {
	AccountID    string      `json:"account_id"`
	TotalDebits  money.Money `json:"total_debits"`
	TotalCredits money.Money `json:"total_credits"`
	NetBalance   money.Money `json:"net_balance"`
	AsOf         time.Time   `json:"as_of"`
}

// TrialBalance totals every entry of an account.
type TrialBalance struct {
	AccountID    string      `json:"account_id"`
	TotalDebits  money.Money `json:"total_debits"`
	TotalCredits money.Money `json:"total_credits"`
	IsBalanced   bool        `json:"is_balanced"`
	Rule         string      `json:"rule"`
}

// Statement summarizes an account's entries within [From, To].
type Statement struct {
	AccountID      string              `json:"account_id"`
	From           time.Time           `json:"from"`
	To             time.Time           `json:"to"`
	Entries        []model.LedgerEntry `json:"entries"`
	OpeningBalance money.Money         `json:"opening_balance"`
	ClosingBalance money.Money         `json:"closing_balance"`
	TotalInflows   money.Money         `json:"total_inflows"`
	TotalOutflows  money.Money         `json:"total_outflows"`
}

// Service posts and queries ledger entries.
type Service struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a ledger service. logger may be nil.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used for new entries.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Post appends one entry in its own account transaction.
func (s *Service) Post(ctx context.Context, req PostRequest) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := s.store.WithAccount(ctx, req.AccountID, func(tx store.Tx) error {
		var err error
		entry, err = s.PostTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerEntries.WithLabelValues(string(entry.EntryType)).Inc()
	s.logger.Info("ledger entry posted",
		"entry_id", entry.ID,
		"account", entry.AccountID,
		"type", entry.EntryType,
		"amount", entry.Amount.String(),
	)
	return entry, nil
}

// PostTx appends one entry inside an existing account transaction. DEPOSIT
// credits and WITHDRAWAL debits the locked account's cash; a withdrawal
// larger than the available balance fails with InsufficientBalance.
func (s *Service) PostTx(ctx context.Context, tx store.Tx, req PostRequest) (*model.LedgerEntry, error) {
	if err := validatePost(req); err != nil {
		return nil, err
	}
	acct := tx.Account()
	if acct.ID != req.AccountID {
		return nil, model.Validation("entry account %s does not match locked account %s", req.AccountID, acct.ID)
	}

	amount := req.Amount.RoundCash()
	now := s.now()

	switch req.EntryType {
	case model.EntryDeposit:
		acct.CashBalance = acct.CashBalance.Add(amount)
		acct.Equity = acct.Equity.Add(amount)
	case model.EntryWithdrawal:
		if acct.AvailableBalance().LessThan(amount) {
			return nil, model.Errorf(model.KindInsufficientBalance,
				"withdrawal %s exceeds available balance %s", amount, acct.AvailableBalance())
		}
		acct.CashBalance = acct.CashBalance.Sub(amount)
		acct.Equity = acct.Equity.Sub(amount)
	}
	if req.EntryType == model.EntryDeposit || req.EntryType == model.EntryWithdrawal {
		acct.UpdatedAt = now
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return nil, err
		}
	}

	entry := &model.LedgerEntry{
		ID:          uuid.New().String(),
		AccountID:   req.AccountID,
		EntryType:   req.EntryType,
		Amount:      amount,
		Currency:    model.Currency,
		Description: req.Description,
		OrderID:     req.OrderID,
		TransferID:  req.TransferID,
		Metadata:    req.Metadata,
		CreatedAt:   now,
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	return entry, nil
}

func validatePost(req PostRequest) error {
	if req.AccountID == "" {
		return model.Validation("account_id is required")
	}
	if !req.EntryType.Valid() {
		return model.Validation("invalid entry type %q", req.EntryType)
	}
	if req.Amount.IsNegative() {
		return model.Validation("amount must not be negative")
	}
	if (req.EntryType == model.EntryDeposit || req.EntryType == model.EntryWithdrawal) && !req.Amount.IsPositive() {
		return model.Validation("%s amount must be positive", req.EntryType)
	}
	if req.Description == "" {
		return model.Validation("description is required")
	}
	return nil
}

// Entries returns one page of an account's entries and the total count.
func (s *Service) Entries(ctx context.Context, accountID string, p Page) ([]model.LedgerEntry, int, error) {
	if err := s.requireAccount(ctx, accountID); err != nil {
		return nil, 0, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return s.store.ListLedgerEntries(ctx, store.LedgerFilter{
		AccountID: accountID,
		EntryType: p.EntryType,
		Limit:     limit,
		Offset:    p.Offset,
	})
}

// isDebit classifies an entry for balance replay: WITHDRAWAL and FEE are
// debits, ORDER_EXECUTION is a debit for BUY fills, everything else credits.
func isDebit(e *model.LedgerEntry) bool {
	switch e.EntryType {
	case model.EntryWithdrawal, model.EntryFee:
		return true
	case model.EntryOrderExecution:
		return e.Metadata["side"] == string(model.SideBuy)
	}
	return false
}

func totals(entries []model.LedgerEntry) (debits, credits money.Money) {
	for i := range entries {
		if isDebit(&entries[i]) {
			debits = debits.Add(entries[i].Amount)
		} else {
			credits = credits.Add(entries[i].Amount)
		}
	}
	return debits, credits
}

// BalanceAt replays every entry created at or before asOf.
func (s *Service) BalanceAt(ctx context.Context, accountID string, asOf time.Time) (*Balance, error) {
	if err := s.requireAccount(ctx, accountID); err != nil {
		return nil, err
	}
	entries, _, err := s.store.ListLedgerEntries(ctx, store.LedgerFilter{
		AccountID: accountID,
		Until:     asOf,
		Ascending: true,
	})
	if err != nil {
		return nil, err
	}
	debits, credits := totals(entries)
	return &Balance{
		AccountID:    accountID,
		TotalDebits:  debits,
		TotalCredits: credits,
		NetBalance:   credits.Sub(debits),
		AsOf:         asOf,
	}, nil
}

// TrialBalance totals all entries of an account. An account is balanced
// when debits equal credits or either side is zero.
func (s *Service) TrialBalance(ctx context.Context, accountID string) (*TrialBalance, error) {
	if err := s.requireAccount(ctx, accountID); err != nil {
		return nil, err
	}
	entries, _, err := s.store.ListLedgerEntries(ctx, store.LedgerFilter{AccountID: accountID, Ascending: true})
	if err != nil {
		return nil, err
	}
	debits, credits := totals(entries)
	return &TrialBalance{
		AccountID:    accountID,
		TotalDebits:  debits,
		TotalCredits: credits,
		IsBalanced:   debits.Equal(credits) || debits.IsZero() || credits.IsZero(),
		Rule:         RuleSingleSided,
	}, nil
}

// Reconcile marks each entry as matched against reconciliationID. Entries
// are updated one at a time; unknown ids are skipped. It returns how many
// entries were marked before any error.
func (s *Service) Reconcile(ctx context.Context, entryIDs []string, reconciliationID string) (int, error) {
	if len(entryIDs) == 0 {
		return 0, model.Validation("entry_ids is required")
	}
	if reconciliationID == "" {
		return 0, model.Validation("reconciliation_id is required")
	}

	now := s.now()
	marked := 0
	for _, id := range entryIDs {
		err := s.store.MarkReconciled(ctx, id, reconciliationID, now)
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("reconcile: unknown ledger entry", "entry_id", id, "reconciliation_id", reconciliationID)
			continue
		}
		if err != nil {
			return marked, fmt.Errorf("reconcile entry %s: %w", id, err)
		}
		marked++
	}
	s.logger.Info("ledger entries reconciled", "reconciliation_id", reconciliationID, "count", marked)
	return marked, nil
}

// Unreconciled returns an account's unreconciled entries, oldest first.
func (s *Service) Unreconciled(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	entries, _, err := s.store.ListLedgerEntries(ctx, store.LedgerFilter{
		AccountID:    accountID,
		Unreconciled: true,
		Ascending:    true,
	})
	return entries, err
}

// OrderEntries returns the audit trail of one order, oldest first.
func (s *Service) OrderEntries(ctx context.Context, orderID string) ([]model.LedgerEntry, error) {
	entries, _, err := s.store.ListLedgerEntries(ctx, store.LedgerFilter{OrderID: orderID, Ascending: true})
	return entries, err
}

// Statement builds an account statement for [from, to]. The opening balance
// replays every entry before from.
func (s *Service) Statement(ctx context.Context, accountID string, from, to time.Time) (*Statement, error) {
	if to.Before(from) {
		return nil, model.Validation("statement end %s is before start %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	if err := s.requireAccount(ctx, accountID); err != nil {
		return nil, err
	}

	opening := money.Zero
	if !from.IsZero() {
		prior, _, err := s.store.ListLedgerEntries(ctx, store.LedgerFilter{
			AccountID: accountID,
			Until:     from.Add(-time.Nanosecond),
			Ascending: true,
		})
		if err != nil {
			return nil, err
		}
		debits, credits := totals(prior)
		opening = credits.Sub(debits)
	}

	entries, _, err := s.store.ListLedgerEntries(ctx, store.LedgerFilter{
		AccountID: accountID,
		Since:     from,
		Until:     to,
		Ascending: true,
	})
	if err != nil {
		return nil, err
	}
	outflows, inflows := totals(entries)

	return &Statement{
		AccountID:      accountID,
		From:           from,
		To:             to,
		Entries:        entries,
		OpeningBalance: opening,
		ClosingBalance: opening.Add(inflows).Sub(outflows),
		TotalInflows:   inflows,
		TotalOutflows:  outflows,
	}, nil
}

func (s *Service) requireAccount(ctx context.Context, accountID string) error {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.ErrAccountNotFound
		}
		return err
	}
	return nil
}
