package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redmasterf0x/spad/internal/model"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// sqliteTimeLayout is fixed-width so TEXT comparison orders like time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on a single SQLite file for single-node
// deployments. The pool holds one connection, so every transaction is
// serialized and WithAccount needs no row locks.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and creates
// missing tables.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}
	return s, nil
}

// Migrate creates missing tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteErr(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func sqlTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func sqlTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqlTime(*t)
}

func parseSQLTime(s string) time.Time {
	t, _ := time.Parse(sqliteTimeLayout, s)
	return t
}

func parseSQLTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseSQLTime(s.String)
	return &t
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

// --- users & accounts ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)`,
		u.ID, u.Email, sqlTime(u.CreatedAt))
	if err != nil {
		return sqliteErr(err, "create user "+u.ID)
	}
	return nil
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, user_id, account_type, status, currency,
		                       cash_balance, reserved_balance, equity,
		                       broker_account_id, status_reason, created_at, updated_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.AccountType, a.Status, a.Currency,
		a.CashBalance.String(), a.ReservedBalance.String(), a.Equity.String(),
		a.BrokerAccountID, a.StatusReason, sqlTime(a.CreatedAt), sqlTime(a.UpdatedAt), sqlTimePtr(a.ClosedAt))
	if err != nil {
		return sqliteErr(err, "create account "+a.ID)
	}
	return nil
}

const sqliteAccountColumns = `id, user_id, account_type, status, currency,
	cash_balance, reserved_balance, equity,
	broker_account_id, status_reason, created_at, updated_at, closed_at`

func scanSQLiteAccount(row rowScanner) (*model.Account, error) {
	var cols columnParser
	var a model.Account
	var cash, reserved, equity, created, updated string
	var closed sql.NullString
	if err := row.Scan(&a.ID, &a.UserID, &a.AccountType, &a.Status, &a.Currency,
		&cash, &reserved, &equity,
		&a.BrokerAccountID, &a.StatusReason, &created, &updated, &closed); err != nil {
		return nil, err
	}
	a.CashBalance = cols.money(cash)
	a.ReservedBalance = cols.money(reserved)
	a.Equity = cols.money(equity)
	a.CreatedAt = parseSQLTime(created)
	a.UpdatedAt = parseSQLTime(updated)
	a.ClosedAt = parseSQLTimePtr(closed)
	if cols.err != nil {
		return nil, cols.err
	}
	return &a, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return sqliteGetAccount(ctx, s.db, id)
}

func sqliteGetAccount(ctx context.Context, q sqlQuerier, id string) (*model.Account, error) {
	a, err := scanSQLiteAccount(q.QueryRowContext(ctx,
		`SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteErr(err, "get account "+id)
	}
	return a, nil
}

// --- orders ---

const sqliteOrderColumns = `id, account_id, symbol, asset_type, side, quantity,
	order_type, time_in_force, price, stop_price, option_details, future_details, status,
	filled_quantity, filled_price, reserved_amount,
	partner_order_id, partner_status, rejection_reason, idempotency_key,
	created_at, updated_at, submitted_at, filled_at, cancelled_at`

func scanSQLiteOrder(row rowScanner) (*model.Order, error) {
	var cols columnParser
	var o model.Order
	var qty, filledQty, reserved, created, updated string
	var price, stop, filledPrice, optDetails, futDetails sql.NullString
	var submitted, filled, cancelled sql.NullString
	if err := row.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.AssetType, &o.Side, &qty,
		&o.OrderType, &o.TimeInForce, &price, &stop, &optDetails, &futDetails, &o.Status,
		&filledQty, &filledPrice, &reserved,
		&o.PartnerOrderID, &o.PartnerStatus, &o.RejectionReason, &o.IdempotencyKey,
		&created, &updated, &submitted, &filled, &cancelled); err != nil {
		return nil, err
	}
	o.Quantity = cols.decimal(qty)
	o.FilledQuantity = cols.decimal(filledQty)
	o.ReservedAmount = cols.money(reserved)
	o.Price = cols.moneyPtr(nullStringPtr(price))
	o.StopPrice = cols.moneyPtr(nullStringPtr(stop))
	o.FilledPrice = cols.moneyPtr(nullStringPtr(filledPrice))
	o.CreatedAt = parseSQLTime(created)
	o.UpdatedAt = parseSQLTime(updated)
	o.SubmittedAt = parseSQLTimePtr(submitted)
	o.FilledAt = parseSQLTimePtr(filled)
	o.CancelledAt = parseSQLTimePtr(cancelled)
	if err := decodeDetails(nullStringPtr(optDetails), nullStringPtr(futDetails), &o); err != nil {
		return nil, err
	}
	if cols.err != nil {
		return nil, cols.err
	}
	return &o, nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return sqliteGetOrder(ctx, s.db, id)
}

func sqliteGetOrder(ctx context.Context, q sqlQuerier, id string) (*model.Order, error) {
	o, err := scanSQLiteOrder(q.QueryRowContext(ctx,
		`SELECT `+sqliteOrderColumns+` FROM orders WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteErr(err, "get order "+id)
	}
	return o, nil
}

func (s *SQLiteStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	var where []string
	var args []any
	if f.AccountID != "" {
		where, args = append(where, "account_id = ?"), append(args, f.AccountID)
	}
	if f.Status != "" {
		where, args = append(where, "status = ?"), append(args, f.Status)
	}
	if f.TimeInForce != "" {
		where, args = append(where, "time_in_force = ?"), append(args, f.TimeInForce)
	}
	if !f.CreatedBefore.IsZero() {
		where, args = append(where, "created_at < ?"), append(args, sqlTime(f.CreatedBefore))
	}

	query := `SELECT ` + sqliteOrderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []model.Order{}
	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func sqliteInsertOrder(ctx context.Context, q sqlQuerier, o *model.Order) error {
	opt, fut, err := encodeDetails(o)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO orders (id, account_id, symbol, asset_type, side, quantity, order_type, time_in_force,
		                     price, stop_price, option_details, future_details, status,
		                     filled_quantity, filled_price, reserved_amount,
		                     partner_order_id, partner_status, rejection_reason, idempotency_key,
		                     created_at, updated_at, submitted_at, filled_at, cancelled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.AccountID, o.Symbol, o.AssetType, o.Side, o.Quantity.String(), o.OrderType, o.TimeInForce,
		moneyPtrArg(o.Price), moneyPtrArg(o.StopPrice), opt, fut, o.Status,
		o.FilledQuantity.String(), moneyPtrArg(o.FilledPrice), o.ReservedAmount.String(),
		o.PartnerOrderID, o.PartnerStatus, o.RejectionReason, o.IdempotencyKey,
		sqlTime(o.CreatedAt), sqlTime(o.UpdatedAt),
		sqlTimePtr(o.SubmittedAt), sqlTimePtr(o.FilledAt), sqlTimePtr(o.CancelledAt))
	if err != nil {
		return sqliteErr(err, "insert order "+o.ID)
	}
	return nil
}

func sqliteUpdateOrder(ctx context.Context, q sqlQuerier, o *model.Order) error {
	res, err := q.ExecContext(ctx,
		`UPDATE orders
		 SET status = ?, filled_quantity = ?, filled_price = ?, reserved_amount = ?,
		     partner_order_id = ?, partner_status = ?, rejection_reason = ?, updated_at = ?,
		     submitted_at = ?, filled_at = ?, cancelled_at = ?
		 WHERE id = ?`,
		o.Status, o.FilledQuantity.String(), moneyPtrArg(o.FilledPrice), o.ReservedAmount.String(),
		o.PartnerOrderID, o.PartnerStatus, o.RejectionReason, sqlTime(o.UpdatedAt),
		sqlTimePtr(o.SubmittedAt), sqlTimePtr(o.FilledAt), sqlTimePtr(o.CancelledAt),
		o.ID)
	if err != nil {
		return sqliteErr(err, "update order "+o.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

// --- positions ---

const sqlitePositionColumns = `id, account_id, symbol, asset_type, side, quantity,
	average_open_price, total_open_cost, current_price, current_value,
	unrealized_pl, unrealized_pl_pct, realized_pl, closed_quantity,
	opened_at, updated_at, closed_at`

func scanSQLitePosition(row rowScanner) (*model.Position, error) {
	var cols columnParser
	var p model.Position
	var qty, avg, openCost, curPrice, curValue, upl, uplPct, rpl, closedQty, opened, updated string
	var closed sql.NullString
	if err := row.Scan(&p.ID, &p.AccountID, &p.Symbol, &p.AssetType, &p.Side, &qty,
		&avg, &openCost, &curPrice, &curValue,
		&upl, &uplPct, &rpl, &closedQty,
		&opened, &updated, &closed); err != nil {
		return nil, err
	}
	p.Quantity = cols.decimal(qty)
	p.AverageOpenPrice = cols.money(avg)
	p.TotalOpenCost = cols.money(openCost)
	p.CurrentPrice = cols.money(curPrice)
	p.CurrentValue = cols.money(curValue)
	p.UnrealizedPl = cols.money(upl)
	p.UnrealizedPlPct = cols.decimal(uplPct)
	p.RealizedPl = cols.money(rpl)
	p.ClosedQuantity = cols.decimal(closedQty)
	p.OpenedAt = parseSQLTime(opened)
	p.UpdatedAt = parseSQLTime(updated)
	p.ClosedAt = parseSQLTimePtr(closed)
	if cols.err != nil {
		return nil, cols.err
	}
	return &p, nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	return sqliteGetPosition(ctx, s.db, accountID, symbol)
}

func sqliteGetPosition(ctx context.Context, q sqlQuerier, accountID, symbol string) (*model.Position, error) {
	p, err := scanSQLitePosition(q.QueryRowContext(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions WHERE account_id = ? AND symbol = ?`,
		accountID, symbol))
	if err != nil {
		return nil, sqliteErr(err, "get position "+accountID+"/"+symbol)
	}
	return p, nil
}

func (s *SQLiteStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return sqliteListPositions(ctx, s.db, accountID)
}

func sqliteListPositions(ctx context.Context, q sqlQuerier, accountID string) ([]model.Position, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions WHERE account_id = ? ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func sqliteSavePosition(ctx context.Context, q sqlQuerier, p *model.Position) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO positions (id, account_id, symbol, asset_type, side, quantity,
		                        average_open_price, total_open_cost, current_price, current_value,
		                        unrealized_pl, unrealized_pl_pct, realized_pl, closed_quantity,
		                        opened_at, updated_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, symbol) DO UPDATE
		 SET side = excluded.side, quantity = excluded.quantity,
		     average_open_price = excluded.average_open_price, total_open_cost = excluded.total_open_cost,
		     current_price = excluded.current_price, current_value = excluded.current_value,
		     unrealized_pl = excluded.unrealized_pl, unrealized_pl_pct = excluded.unrealized_pl_pct,
		     realized_pl = excluded.realized_pl, closed_quantity = excluded.closed_quantity,
		     opened_at = excluded.opened_at, updated_at = excluded.updated_at, closed_at = excluded.closed_at`,
		p.ID, p.AccountID, p.Symbol, p.AssetType, p.Side, p.Quantity.String(),
		p.AverageOpenPrice.String(), p.TotalOpenCost.String(), p.CurrentPrice.String(), p.CurrentValue.String(),
		p.UnrealizedPl.String(), p.UnrealizedPlPct.String(), p.RealizedPl.String(), p.ClosedQuantity.String(),
		sqlTime(p.OpenedAt), sqlTime(p.UpdatedAt), sqlTimePtr(p.ClosedAt))
	if err != nil {
		return sqliteErr(err, "save position "+p.Symbol)
	}
	return nil
}

// --- fees ---

const sqliteFeeColumns = `id, account_id, order_id, category, notional_value,
	customer_rate, partner_rate, gross_fee_amount, partner_cost, our_margin,
	created_at, updated_at`

func scanSQLiteFee(row rowScanner) (*model.Fee, error) {
	var cols columnParser
	var f model.Fee
	var notional, custRate, partRate, gross, partner, margin, created, updated string
	if err := row.Scan(&f.ID, &f.AccountID, &f.OrderID, &f.Category, &notional,
		&custRate, &partRate, &gross, &partner, &margin, &created, &updated); err != nil {
		return nil, err
	}
	f.NotionalValue = cols.money(notional)
	f.CustomerRate = cols.decimal(custRate)
	f.PartnerRate = cols.decimal(partRate)
	f.GrossFeeAmount = cols.money(gross)
	f.PartnerCost = cols.money(partner)
	f.OurMargin = cols.money(margin)
	f.CreatedAt = parseSQLTime(created)
	f.UpdatedAt = parseSQLTime(updated)
	if cols.err != nil {
		return nil, cols.err
	}
	return &f, nil
}

func (s *SQLiteStore) GetFeeByOrder(ctx context.Context, orderID string) (*model.Fee, error) {
	return sqliteGetFeeByOrder(ctx, s.db, orderID)
}

func sqliteGetFeeByOrder(ctx context.Context, q sqlQuerier, orderID string) (*model.Fee, error) {
	f, err := scanSQLiteFee(q.QueryRowContext(ctx,
		`SELECT `+sqliteFeeColumns+` FROM fees WHERE order_id = ?`, orderID))
	if err != nil {
		return nil, sqliteErr(err, "get fee for order "+orderID)
	}
	return f, nil
}

func (s *SQLiteStore) ListFees(ctx context.Context, f FeeFilter) ([]model.Fee, error) {
	var where []string
	var args []any
	if f.AccountID != "" {
		where, args = append(where, "account_id = ?"), append(args, f.AccountID)
	}
	if !f.From.IsZero() {
		where, args = append(where, "created_at >= ?"), append(args, sqlTime(f.From))
	}
	if !f.To.IsZero() {
		where, args = append(where, "created_at <= ?"), append(args, sqlTime(f.To))
	}
	query := `SELECT ` + sqliteFeeColumns + ` FROM fees`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fees := []model.Fee{}
	for rows.Next() {
		fee, err := scanSQLiteFee(rows)
		if err != nil {
			return nil, err
		}
		fees = append(fees, *fee)
	}
	return fees, rows.Err()
}

func sqliteInsertFee(ctx context.Context, q sqlQuerier, f *model.Fee) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO fees (id, account_id, order_id, category, notional_value, customer_rate, partner_rate,
		                   gross_fee_amount, partner_cost, our_margin, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.AccountID, f.OrderID, f.Category, f.NotionalValue.String(),
		f.CustomerRate.String(), f.PartnerRate.String(),
		f.GrossFeeAmount.String(), f.PartnerCost.String(), f.OurMargin.String(),
		sqlTime(f.CreatedAt), sqlTime(f.UpdatedAt))
	if err != nil {
		return sqliteErr(err, "insert fee for order "+f.OrderID)
	}
	return nil
}

func sqliteUpdateFee(ctx context.Context, q sqlQuerier, f *model.Fee) error {
	_, err := q.ExecContext(ctx,
		`UPDATE fees
		 SET notional_value = ?, customer_rate = ?, partner_rate = ?,
		     gross_fee_amount = ?, partner_cost = ?, our_margin = ?, updated_at = ?
		 WHERE order_id = ?`,
		f.NotionalValue.String(), f.CustomerRate.String(), f.PartnerRate.String(),
		f.GrossFeeAmount.String(), f.PartnerCost.String(), f.OurMargin.String(), sqlTime(f.UpdatedAt),
		f.OrderID)
	if err != nil {
		return sqliteErr(err, "update fee for order "+f.OrderID)
	}
	return nil
}

// --- ledger ---

const sqliteLedgerColumns = `id, account_id, entry_type, amount, currency, description,
	order_id, transfer_id, metadata, is_reconciled, reconciliation_id, reconciled_at, created_at`

func scanSQLiteLedgerEntry(row rowScanner) (*model.LedgerEntry, error) {
	var cols columnParser
	var e model.LedgerEntry
	var amount, created string
	var metadata, reconciledAt sql.NullString
	if err := row.Scan(&e.ID, &e.AccountID, &e.EntryType, &amount, &e.Currency, &e.Description,
		&e.OrderID, &e.TransferID, &metadata, &e.IsReconciled, &e.ReconciliationID,
		&reconciledAt, &created); err != nil {
		return nil, err
	}
	e.Amount = cols.money(amount)
	e.ReconciledAt = parseSQLTimePtr(reconciledAt)
	e.CreatedAt = parseSQLTime(created)
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of entry %s: %w", e.ID, err)
		}
	}
	if cols.err != nil {
		return nil, cols.err
	}
	return &e, nil
}

func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, f LedgerFilter) ([]model.LedgerEntry, int, error) {
	var where []string
	var args []any
	if f.AccountID != "" {
		where, args = append(where, "account_id = ?"), append(args, f.AccountID)
	}
	if f.OrderID != "" {
		where, args = append(where, "order_id = ?"), append(args, f.OrderID)
	}
	if f.EntryType != "" {
		where, args = append(where, "entry_type = ?"), append(args, f.EntryType)
	}
	if !f.Since.IsZero() {
		where, args = append(where, "created_at >= ?"), append(args, sqlTime(f.Since))
	}
	if !f.Until.IsZero() {
		where, args = append(where, "created_at <= ?"), append(args, sqlTime(f.Until))
	}
	if f.Unreconciled {
		where = append(where, "is_reconciled = 0")
	}
	cond := ""
	if len(where) > 0 {
		cond = ` WHERE ` + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dir := "DESC"
	if f.Ascending {
		dir = "ASC"
	}
	query := `SELECT ` + sqliteLedgerColumns + ` FROM ledger_entries` + cond +
		fmt.Sprintf(` ORDER BY created_at %s, seq %s`, dir, dir)
	switch {
	case f.Limit > 0:
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, f.Limit, f.Offset)
	case f.Offset > 0:
		query += fmt.Sprintf(` LIMIT -1 OFFSET %d`, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := []model.LedgerEntry{}
	for rows.Next() {
		e, err := scanSQLiteLedgerEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, *e)
	}
	return entries, total, rows.Err()
}

func sqliteInsertLedgerEntry(ctx context.Context, q sqlQuerier, e *model.LedgerEntry) error {
	var metadata any
	if e.Metadata != nil {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		metadata = string(data)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, account_id, entry_type, amount, currency, description,
		                             order_id, transfer_id, metadata, is_reconciled, reconciliation_id,
		                             reconciled_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.EntryType, e.Amount.String(), e.Currency, e.Description,
		e.OrderID, e.TransferID, metadata, e.IsReconciled, e.ReconciliationID,
		sqlTimePtr(e.ReconciledAt), sqlTime(e.CreatedAt))
	if err != nil {
		return sqliteErr(err, "insert ledger entry "+e.ID)
	}
	return nil
}

func (s *SQLiteStore) MarkReconciled(ctx context.Context, entryID, reconciliationID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_entries SET is_reconciled = 1, reconciliation_id = ?, reconciled_at = ? WHERE id = ?`,
		reconciliationID, sqlTime(at), entryID)
	if err != nil {
		return sqliteErr(err, "reconcile entry "+entryID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reconcile entry %s: %w", entryID, ErrNotFound)
	}
	return nil
}

// --- transfers ---

const sqliteTransferColumns = `id, account_id, transfer_type, status, amount,
	idempotency_key, failure_reason, created_at, updated_at, completed_at`

func scanSQLiteTransfer(row rowScanner) (*model.Transfer, error) {
	var cols columnParser
	var t model.Transfer
	var amount, created, updated string
	var completed sql.NullString
	if err := row.Scan(&t.ID, &t.AccountID, &t.TransferType, &t.Status, &amount,
		&t.IdempotencyKey, &t.FailureReason, &created, &updated, &completed); err != nil {
		return nil, err
	}
	t.Amount = cols.money(amount)
	t.CreatedAt = parseSQLTime(created)
	t.UpdatedAt = parseSQLTime(updated)
	t.CompletedAt = parseSQLTimePtr(completed)
	if cols.err != nil {
		return nil, cols.err
	}
	return &t, nil
}

func (s *SQLiteStore) GetTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	return sqliteGetTransfer(ctx, s.db, id)
}

func sqliteGetTransfer(ctx context.Context, q sqlQuerier, id string) (*model.Transfer, error) {
	t, err := scanSQLiteTransfer(q.QueryRowContext(ctx,
		`SELECT `+sqliteTransferColumns+` FROM transfers WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteErr(err, "get transfer "+id)
	}
	return t, nil
}

func (s *SQLiteStore) GetTransferByIdempotencyKey(ctx context.Context, key string) (*model.Transfer, error) {
	t, err := scanSQLiteTransfer(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTransferColumns+` FROM transfers WHERE idempotency_key = ?`, key))
	if err != nil {
		return nil, sqliteErr(err, "get transfer by key "+key)
	}
	return t, nil
}

func sqliteInsertTransfer(ctx context.Context, q sqlQuerier, t *model.Transfer) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO transfers (id, account_id, transfer_type, status, amount, idempotency_key,
		                        failure_reason, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AccountID, t.TransferType, t.Status, t.Amount.String(), t.IdempotencyKey,
		t.FailureReason, sqlTime(t.CreatedAt), sqlTime(t.UpdatedAt), sqlTimePtr(t.CompletedAt))
	if err != nil {
		return sqliteErr(err, "insert transfer "+t.ID)
	}
	return nil
}

func sqliteUpdateTransfer(ctx context.Context, q sqlQuerier, t *model.Transfer) error {
	_, err := q.ExecContext(ctx,
		`UPDATE transfers SET status = ?, failure_reason = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		t.Status, t.FailureReason, sqlTime(t.UpdatedAt), sqlTimePtr(t.CompletedAt), t.ID)
	if err != nil {
		return sqliteErr(err, "update transfer "+t.ID)
	}
	return nil
}

// --- account transaction ---

// WithAccount runs fn inside one SQLite transaction. fn must only use tx:
// the store's own methods would wait for the single connection held here.
func (s *SQLiteStore) WithAccount(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	acct, err := scanSQLiteAccount(tx.QueryRowContext(ctx,
		`SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("load account %s: %w", accountID, err)
	}

	if err := fn(&sqliteTx{tx: tx, account: acct}); err != nil {
		return err
	}
	return tx.Commit()
}

type sqliteTx struct {
	tx      *sql.Tx
	account *model.Account
}

func (t *sqliteTx) Account() *model.Account { return t.account }

func (t *sqliteTx) SaveAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE accounts
		 SET status = ?, cash_balance = ?, reserved_balance = ?, equity = ?,
		     status_reason = ?, updated_at = ?, closed_at = ?
		 WHERE id = ?`,
		a.Status, a.CashBalance.String(), a.ReservedBalance.String(), a.Equity.String(),
		a.StatusReason, sqlTime(a.UpdatedAt), sqlTimePtr(a.ClosedAt), a.ID)
	if err != nil {
		return sqliteErr(err, "save account "+a.ID)
	}
	t.account = a
	return nil
}

func (t *sqliteTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return sqliteGetOrder(ctx, t.tx, id)
}

func (t *sqliteTx) InsertOrder(ctx context.Context, o *model.Order) error {
	return sqliteInsertOrder(ctx, t.tx, o)
}

func (t *sqliteTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	return sqliteUpdateOrder(ctx, t.tx, o)
}

func (t *sqliteTx) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	return sqliteGetPosition(ctx, t.tx, t.account.ID, symbol)
}

func (t *sqliteTx) ListPositions(ctx context.Context) ([]model.Position, error) {
	return sqliteListPositions(ctx, t.tx, t.account.ID)
}

func (t *sqliteTx) SavePosition(ctx context.Context, p *model.Position) error {
	return sqliteSavePosition(ctx, t.tx, p)
}

func (t *sqliteTx) GetFeeByOrder(ctx context.Context, orderID string) (*model.Fee, error) {
	return sqliteGetFeeByOrder(ctx, t.tx, orderID)
}

func (t *sqliteTx) InsertFee(ctx context.Context, f *model.Fee) error {
	return sqliteInsertFee(ctx, t.tx, f)
}

func (t *sqliteTx) UpdateFee(ctx context.Context, f *model.Fee) error {
	return sqliteUpdateFee(ctx, t.tx, f)
}

func (t *sqliteTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	return sqliteInsertLedgerEntry(ctx, t.tx, e)
}

func (t *sqliteTx) GetTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	return sqliteGetTransfer(ctx, t.tx, id)
}

func (t *sqliteTx) InsertTransfer(ctx context.Context, tr *model.Transfer) error {
	return sqliteInsertTransfer(ctx, t.tx, tr)
}

func (t *sqliteTx) UpdateTransfer(ctx context.Context, tr *model.Transfer) error {
	return sqliteUpdateTransfer(ctx, t.tx, tr)
}
