package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates missing tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func pgErr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == "23505" {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- users & accounts ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, created_at) VALUES ($1, $2, $3)`,
		u.ID, u.Email, u.CreatedAt)
	if err != nil {
		return pgErr(err, "create user "+u.ID)
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, user_id, account_type, status, currency,
		                       cash_balance, reserved_balance, equity,
		                       broker_account_id, status_reason, created_at, updated_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13)`,
		a.ID, a.UserID, a.AccountType, a.Status, a.Currency,
		a.CashBalance.String(), a.ReservedBalance.String(), a.Equity.String(),
		a.BrokerAccountID, a.StatusReason, a.CreatedAt, a.UpdatedAt, a.ClosedAt)
	if err != nil {
		return pgErr(err, "create account "+a.ID)
	}
	return nil
}

const pgAccountColumns = `id::TEXT, user_id::TEXT, account_type, status, currency,
	cash_balance::TEXT, reserved_balance::TEXT, equity::TEXT,
	broker_account_id, status_reason, created_at, updated_at, closed_at`

func scanPgAccount(row rowScanner) (*model.Account, error) {
	var cols columnParser
	var a model.Account
	var cash, reserved, equity string
	if err := row.Scan(&a.ID, &a.UserID, &a.AccountType, &a.Status, &a.Currency,
		&cash, &reserved, &equity,
		&a.BrokerAccountID, &a.StatusReason, &a.CreatedAt, &a.UpdatedAt, &a.ClosedAt); err != nil {
		return nil, err
	}
	a.CashBalance = cols.money(cash)
	a.ReservedBalance = cols.money(reserved)
	a.Equity = cols.money(equity)
	if cols.err != nil {
		return nil, cols.err
	}
	return &a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanPgAccount(s.pool.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr(err, "get account "+id)
	}
	return a, nil
}

func pgSaveAccount(ctx context.Context, q pgQuerier, a *model.Account) error {
	_, err := q.Exec(ctx,
		`UPDATE accounts
		 SET status = $2, cash_balance = $3::NUMERIC, reserved_balance = $4::NUMERIC,
		     equity = $5::NUMERIC, status_reason = $6, updated_at = $7, closed_at = $8
		 WHERE id = $1`,
		a.ID, a.Status, a.CashBalance.String(), a.ReservedBalance.String(),
		a.Equity.String(), a.StatusReason, a.UpdatedAt, a.ClosedAt)
	if err != nil {
		return pgErr(err, "save account "+a.ID)
	}
	return nil
}

// --- orders ---

const pgOrderColumns = `id::TEXT, account_id::TEXT, symbol, asset_type, side, quantity::TEXT,
	order_type, time_in_force, price::TEXT, stop_price::TEXT,
	option_details::TEXT, future_details::TEXT, status,
	filled_quantity::TEXT, filled_price::TEXT, reserved_amount::TEXT,
	partner_order_id, partner_status, rejection_reason, idempotency_key,
	created_at, updated_at, submitted_at, filled_at, cancelled_at`

func scanPgOrder(row rowScanner) (*model.Order, error) {
	var cols columnParser
	var o model.Order
	var qty, filledQty, reserved string
	var price, stop, filledPrice, optDetails, futDetails *string
	if err := row.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.AssetType, &o.Side, &qty,
		&o.OrderType, &o.TimeInForce, &price, &stop,
		&optDetails, &futDetails, &o.Status,
		&filledQty, &filledPrice, &reserved,
		&o.PartnerOrderID, &o.PartnerStatus, &o.RejectionReason, &o.IdempotencyKey,
		&o.CreatedAt, &o.UpdatedAt, &o.SubmittedAt, &o.FilledAt, &o.CancelledAt); err != nil {
		return nil, err
	}
	o.Quantity = cols.decimal(qty)
	o.FilledQuantity = cols.decimal(filledQty)
	o.ReservedAmount = cols.money(reserved)
	o.Price = cols.moneyPtr(price)
	o.StopPrice = cols.moneyPtr(stop)
	o.FilledPrice = cols.moneyPtr(filledPrice)
	if err := decodeDetails(optDetails, futDetails, &o); err != nil {
		return nil, err
	}
	if cols.err != nil {
		return nil, cols.err
	}
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return pgGetOrder(ctx, s.pool, id, false)
}

func pgGetOrder(ctx context.Context, q pgQuerier, id string, forUpdate bool) (*model.Order, error) {
	sql := `SELECT ` + pgOrderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	o, err := scanPgOrder(q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, pgErr(err, "get order "+id)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.TimeInForce != "" {
		add("time_in_force = $%d", f.TimeInForce)
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < $%d", f.CreatedBefore)
	}

	sql := `SELECT ` + pgOrderColumns + ` FROM orders`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []model.Order{}
	for rows.Next() {
		o, err := scanPgOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func pgInsertOrder(ctx context.Context, q pgQuerier, o *model.Order) error {
	opt, fut, err := encodeDetails(o)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		`INSERT INTO orders (id, account_id, symbol, asset_type, side, quantity, order_type, time_in_force,
		                     price, stop_price, option_details, future_details, status,
		                     filled_quantity, filled_price, reserved_amount,
		                     partner_order_id, partner_status, rejection_reason, idempotency_key,
		                     created_at, updated_at, submitted_at, filled_at, cancelled_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8,
		         $9::NUMERIC, $10::NUMERIC, $11::JSONB, $12::JSONB, $13,
		         $14::NUMERIC, $15::NUMERIC, $16::NUMERIC,
		         $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		o.ID, o.AccountID, o.Symbol, o.AssetType, o.Side, o.Quantity.String(), o.OrderType, o.TimeInForce,
		moneyPtrArg(o.Price), moneyPtrArg(o.StopPrice), opt, fut, o.Status,
		o.FilledQuantity.String(), moneyPtrArg(o.FilledPrice), o.ReservedAmount.String(),
		o.PartnerOrderID, o.PartnerStatus, o.RejectionReason, o.IdempotencyKey,
		o.CreatedAt, o.UpdatedAt, o.SubmittedAt, o.FilledAt, o.CancelledAt)
	if err != nil {
		return pgErr(err, "insert order "+o.ID)
	}
	return nil
}

func pgUpdateOrder(ctx context.Context, q pgQuerier, o *model.Order) error {
	tag, err := q.Exec(ctx,
		`UPDATE orders
		 SET status = $2, filled_quantity = $3::NUMERIC, filled_price = $4::NUMERIC,
		     reserved_amount = $5::NUMERIC, partner_order_id = $6, partner_status = $7,
		     rejection_reason = $8, updated_at = $9, submitted_at = $10,
		     filled_at = $11, cancelled_at = $12
		 WHERE id = $1`,
		o.ID, o.Status, o.FilledQuantity.String(), moneyPtrArg(o.FilledPrice),
		o.ReservedAmount.String(), o.PartnerOrderID, o.PartnerStatus,
		o.RejectionReason, o.UpdatedAt, o.SubmittedAt, o.FilledAt, o.CancelledAt)
	if err != nil {
		return pgErr(err, "update order "+o.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

// --- positions ---

const pgPositionColumns = `id::TEXT, account_id::TEXT, symbol, asset_type, side, quantity::TEXT,
	average_open_price::TEXT, total_open_cost::TEXT, current_price::TEXT, current_value::TEXT,
	unrealized_pl::TEXT, unrealized_pl_pct::TEXT, realized_pl::TEXT, closed_quantity::TEXT,
	opened_at, updated_at, closed_at`

func scanPgPosition(row rowScanner) (*model.Position, error) {
	var cols columnParser
	var p model.Position
	var qty, avg, openCost, curPrice, curValue, upl, uplPct, rpl, closedQty string
	if err := row.Scan(&p.ID, &p.AccountID, &p.Symbol, &p.AssetType, &p.Side, &qty,
		&avg, &openCost, &curPrice, &curValue,
		&upl, &uplPct, &rpl, &closedQty,
		&p.OpenedAt, &p.UpdatedAt, &p.ClosedAt); err != nil {
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
	if cols.err != nil {
		return nil, cols.err
	}
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	p, err := scanPgPosition(s.pool.QueryRow(ctx,
		`SELECT `+pgPositionColumns+` FROM positions WHERE account_id = $1 AND symbol = $2`,
		accountID, symbol))
	if err != nil {
		return nil, pgErr(err, "get position "+accountID+"/"+symbol)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return pgListPositions(ctx, s.pool, accountID)
}

func pgListPositions(ctx context.Context, q pgQuerier, accountID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT `+pgPositionColumns+` FROM positions WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		p, err := scanPgPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func pgSavePosition(ctx context.Context, q pgQuerier, p *model.Position) error {
	_, err := q.Exec(ctx,
		`INSERT INTO positions (id, account_id, symbol, asset_type, side, quantity,
		                        average_open_price, total_open_cost, current_price, current_value,
		                        unrealized_pl, unrealized_pl_pct, realized_pl, closed_quantity,
		                        opened_at, updated_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15, $16, $17)
		 ON CONFLICT (account_id, symbol) DO UPDATE
		 SET side = EXCLUDED.side, quantity = EXCLUDED.quantity,
		     average_open_price = EXCLUDED.average_open_price, total_open_cost = EXCLUDED.total_open_cost,
		     current_price = EXCLUDED.current_price, current_value = EXCLUDED.current_value,
		     unrealized_pl = EXCLUDED.unrealized_pl, unrealized_pl_pct = EXCLUDED.unrealized_pl_pct,
		     realized_pl = EXCLUDED.realized_pl, closed_quantity = EXCLUDED.closed_quantity,
		     opened_at = EXCLUDED.opened_at, updated_at = EXCLUDED.updated_at, closed_at = EXCLUDED.closed_at`,
		p.ID, p.AccountID, p.Symbol, p.AssetType, p.Side, p.Quantity.String(),
		p.AverageOpenPrice.String(), p.TotalOpenCost.String(), p.CurrentPrice.String(), p.CurrentValue.String(),
		p.UnrealizedPl.String(), p.UnrealizedPlPct.String(), p.RealizedPl.String(), p.ClosedQuantity.String(),
		p.OpenedAt, p.UpdatedAt, p.ClosedAt)
	if err != nil {
		return pgErr(err, "save position "+p.Symbol)
	}
	return nil
}

// --- fees ---

const pgFeeColumns = `id::TEXT, account_id::TEXT, order_id::TEXT, category, notional_value::TEXT,
	customer_rate::TEXT, partner_rate::TEXT, gross_fee_amount::TEXT, partner_cost::TEXT,
	our_margin::TEXT, created_at, updated_at`

func scanPgFee(row rowScanner) (*model.Fee, error) {
	var cols columnParser
	var f model.Fee
	var notional, custRate, partRate, gross, partner, margin string
	if err := row.Scan(&f.ID, &f.AccountID, &f.OrderID, &f.Category, &notional,
		&custRate, &partRate, &gross, &partner, &margin, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.NotionalValue = cols.money(notional)
	f.CustomerRate = cols.decimal(custRate)
	f.PartnerRate = cols.decimal(partRate)
	f.GrossFeeAmount = cols.money(gross)
	f.PartnerCost = cols.money(partner)
	f.OurMargin = cols.money(margin)
	if cols.err != nil {
		return nil, cols.err
	}
	return &f, nil
}

func (s *PostgresStore) GetFeeByOrder(ctx context.Context, orderID string) (*model.Fee, error) {
	return pgGetFeeByOrder(ctx, s.pool, orderID)
}

func pgGetFeeByOrder(ctx context.Context, q pgQuerier, orderID string) (*model.Fee, error) {
	f, err := scanPgFee(q.QueryRow(ctx, `SELECT `+pgFeeColumns+` FROM fees WHERE order_id = $1`, orderID))
	if err != nil {
		return nil, pgErr(err, "get fee for order "+orderID)
	}
	return f, nil
}

func (s *PostgresStore) ListFees(ctx context.Context, f FeeFilter) ([]model.Fee, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	sql := `SELECT ` + pgFeeColumns + ` FROM fees`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fees := []model.Fee{}
	for rows.Next() {
		fee, err := scanPgFee(rows)
		if err != nil {
			return nil, err
		}
		fees = append(fees, *fee)
	}
	return fees, rows.Err()
}

func pgInsertFee(ctx context.Context, q pgQuerier, f *model.Fee) error {
	_, err := q.Exec(ctx,
		`INSERT INTO fees (id, account_id, order_id, category, notional_value, customer_rate, partner_rate,
		                   gross_fee_amount, partner_cost, our_margin, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)`,
		f.ID, f.AccountID, f.OrderID, f.Category, f.NotionalValue.String(),
		f.CustomerRate.String(), f.PartnerRate.String(),
		f.GrossFeeAmount.String(), f.PartnerCost.String(), f.OurMargin.String(),
		f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return pgErr(err, "insert fee for order "+f.OrderID)
	}
	return nil
}

func pgUpdateFee(ctx context.Context, q pgQuerier, f *model.Fee) error {
	_, err := q.Exec(ctx,
		`UPDATE fees
		 SET notional_value = $2::NUMERIC, customer_rate = $3::NUMERIC, partner_rate = $4::NUMERIC,
		     gross_fee_amount = $5::NUMERIC, partner_cost = $6::NUMERIC, our_margin = $7::NUMERIC,
		     updated_at = $8
		 WHERE order_id = $1`,
		f.OrderID, f.NotionalValue.String(), f.CustomerRate.String(), f.PartnerRate.String(),
		f.GrossFeeAmount.String(), f.PartnerCost.String(), f.OurMargin.String(), f.UpdatedAt)
	if err != nil {
		return pgErr(err, "update fee for order "+f.OrderID)
	}
	return nil
}

// --- ledger ---

const pgLedgerColumns = `id::TEXT, account_id::TEXT, entry_type, amount::TEXT, currency, description,
	order_id::TEXT, transfer_id::TEXT, metadata::TEXT, is_reconciled, reconciliation_id,
	reconciled_at, created_at`

func scanPgLedgerEntry(row rowScanner) (*model.LedgerEntry, error) {
	var cols columnParser
	var e model.LedgerEntry
	var amount string
	var orderID, transferID, metadata *string
	if err := row.Scan(&e.ID, &e.AccountID, &e.EntryType, &amount, &e.Currency, &e.Description,
		&orderID, &transferID, &metadata, &e.IsReconciled, &e.ReconciliationID,
		&e.ReconciledAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Amount = cols.money(amount)
	e.OrderID = deref(orderID)
	e.TransferID = deref(transferID)
	if metadata != nil {
		if err := json.Unmarshal([]byte(*metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of entry %s: %w", e.ID, err)
		}
	}
	if cols.err != nil {
		return nil, cols.err
	}
	return &e, nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, f LedgerFilter) ([]model.LedgerEntry, int, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.OrderID != "" {
		add("order_id = $%d", f.OrderID)
	}
	if f.EntryType != "" {
		add("entry_type = $%d", f.EntryType)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}
	if f.Unreconciled {
		where = append(where, "NOT is_reconciled")
	}
	cond := ""
	if len(where) > 0 {
		cond = ` WHERE ` + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dir := "DESC"
	if f.Ascending {
		dir = "ASC"
	}
	sql := `SELECT ` + pgLedgerColumns + ` FROM ledger_entries` + cond +
		fmt.Sprintf(` ORDER BY created_at %s, seq %s`, dir, dir)
	if f.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	if f.Offset > 0 {
		sql += fmt.Sprintf(` OFFSET %d`, f.Offset)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := []model.LedgerEntry{}
	for rows.Next() {
		e, err := scanPgLedgerEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, *e)
	}
	return entries, total, rows.Err()
}

func pgInsertLedgerEntry(ctx context.Context, q pgQuerier, e *model.LedgerEntry) error {
	var metadata *string
	if e.Metadata != nil {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		m := string(data)
		metadata = &m
	}
	_, err := q.Exec(ctx,
		`INSERT INTO ledger_entries (id, account_id, entry_type, amount, currency, description,
		                             order_id, transfer_id, metadata, is_reconciled, reconciliation_id,
		                             reconciled_at, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9::JSONB, $10, $11, $12, $13)`,
		e.ID, e.AccountID, e.EntryType, e.Amount.String(), e.Currency, e.Description,
		nullIfEmpty(e.OrderID), nullIfEmpty(e.TransferID), metadata, e.IsReconciled, e.ReconciliationID,
		e.ReconciledAt, e.CreatedAt)
	if err != nil {
		return pgErr(err, "insert ledger entry "+e.ID)
	}
	return nil
}

func (s *PostgresStore) MarkReconciled(ctx context.Context, entryID, reconciliationID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ledger_entries
		 SET is_reconciled = TRUE, reconciliation_id = $2, reconciled_at = $3
		 WHERE id = $1`,
		entryID, reconciliationID, at)
	if err != nil {
		return pgErr(err, "reconcile entry "+entryID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reconcile entry %s: %w", entryID, ErrNotFound)
	}
	return nil
}

// --- transfers ---

const pgTransferColumns = `id::TEXT, account_id::TEXT, transfer_type, status, amount::TEXT,
	idempotency_key, failure_reason, created_at, updated_at, completed_at`

func scanPgTransfer(row rowScanner) (*model.Transfer, error) {
	var cols columnParser
	var t model.Transfer
	var amount string
	if err := row.Scan(&t.ID, &t.AccountID, &t.TransferType, &t.Status, &amount,
		&t.IdempotencyKey, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	t.Amount = cols.money(amount)
	if cols.err != nil {
		return nil, cols.err
	}
	return &t, nil
}

func (s *PostgresStore) GetTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	return pgGetTransfer(ctx, s.pool, id)
}

func pgGetTransfer(ctx context.Context, q pgQuerier, id string) (*model.Transfer, error) {
	t, err := scanPgTransfer(q.QueryRow(ctx, `SELECT `+pgTransferColumns+` FROM transfers WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr(err, "get transfer "+id)
	}
	return t, nil
}

func (s *PostgresStore) GetTransferByIdempotencyKey(ctx context.Context, key string) (*model.Transfer, error) {
	t, err := scanPgTransfer(s.pool.QueryRow(ctx,
		`SELECT `+pgTransferColumns+` FROM transfers WHERE idempotency_key = $1`, key))
	if err != nil {
		return nil, pgErr(err, "get transfer by key "+key)
	}
	return t, nil
}

func pgInsertTransfer(ctx context.Context, q pgQuerier, t *model.Transfer) error {
	_, err := q.Exec(ctx,
		`INSERT INTO transfers (id, account_id, transfer_type, status, amount, idempotency_key,
		                        failure_reason, created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10)`,
		t.ID, t.AccountID, t.TransferType, t.Status, t.Amount.String(), t.IdempotencyKey,
		t.FailureReason, t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return pgErr(err, "insert transfer "+t.ID)
	}
	return nil
}

func pgUpdateTransfer(ctx context.Context, q pgQuerier, t *model.Transfer) error {
	_, err := q.Exec(ctx,
		`UPDATE transfers SET status = $2, failure_reason = $3, updated_at = $4, completed_at = $5
		 WHERE id = $1`,
		t.ID, t.Status, t.FailureReason, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return pgErr(err, "update transfer "+t.ID)
	}
	return nil
}

// --- account transaction ---

// WithAccount opens a transaction and takes a row lock on the account with
// SELECT ... FOR UPDATE. Concurrent callers for the same account block on
// the lock until this transaction commits or rolls back.
func (s *PostgresStore) WithAccount(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	acct, err := scanPgAccount(tx.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("lock account %s: %w", accountID, err)
	}

	if err := fn(&pgTx{tx: tx, account: acct}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	tx      pgx.Tx
	account *model.Account
}

func (t *pgTx) Account() *model.Account { return t.account }

func (t *pgTx) SaveAccount(ctx context.Context, a *model.Account) error {
	if err := pgSaveAccount(ctx, t.tx, a); err != nil {
		return err
	}
	t.account = a
	return nil
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return pgGetOrder(ctx, t.tx, id, true)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	return pgInsertOrder(ctx, t.tx, o)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	return pgUpdateOrder(ctx, t.tx, o)
}

func (t *pgTx) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	p, err := scanPgPosition(t.tx.QueryRow(ctx,
		`SELECT `+pgPositionColumns+` FROM positions WHERE account_id = $1 AND symbol = $2 FOR UPDATE`,
		t.account.ID, symbol))
	if err != nil {
		return nil, pgErr(err, "get position "+symbol)
	}
	return p, nil
}

func (t *pgTx) ListPositions(ctx context.Context) ([]model.Position, error) {
	return pgListPositions(ctx, t.tx, t.account.ID)
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	return pgSavePosition(ctx, t.tx, p)
}

func (t *pgTx) GetFeeByOrder(ctx context.Context, orderID string) (*model.Fee, error) {
	return pgGetFeeByOrder(ctx, t.tx, orderID)
}

func (t *pgTx) InsertFee(ctx context.Context, f *model.Fee) error {
	return pgInsertFee(ctx, t.tx, f)
}

func (t *pgTx) UpdateFee(ctx context.Context, f *model.Fee) error {
	return pgUpdateFee(ctx, t.tx, f)
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	return pgInsertLedgerEntry(ctx, t.tx, e)
}

func (t *pgTx) GetTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	return pgGetTransfer(ctx, t.tx, id)
}

func (t *pgTx) InsertTransfer(ctx context.Context, tr *model.Transfer) error {
	return pgInsertTransfer(ctx, t.tx, tr)
}

func (t *pgTx) UpdateTransfer(ctx context.Context, tr *model.Transfer) error {
	return pgUpdateTransfer(ctx, t.tx, tr)
}

// --- conversion helpers shared with the SQLite store ---

// columnParser converts NUMERIC columns read as text and keeps the first
// failure, so a corrupt value fails the read instead of becoming zero.
type columnParser struct {
	err error
}

func (c *columnParser) money(s string) money.Money {
	m, err := money.Parse(s)
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("parse monetary column %q: %w", s, err)
	}
	return m
}

func (c *columnParser) moneyPtr(s *string) *money.Money {
	if s == nil {
		return nil
	}
	m := c.money(*s)
	return &m
}

func (c *columnParser) decimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("parse numeric column %q: %w", s, err)
	}
	return d
}

func moneyPtrArg(m *money.Money) *string {
	if m == nil {
		return nil
	}
	s := m.String()
	return &s
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func encodeDetails(o *model.Order) (opt, fut *string, err error) {
	if o.OptionDetails != nil {
		data, err := json.Marshal(o.OptionDetails)
		if err != nil {
			return nil, nil, err
		}
		s := string(data)
		opt = &s
	}
	if o.FutureDetails != nil {
		data, err := json.Marshal(o.FutureDetails)
		if err != nil {
			return nil, nil, err
		}
		s := string(data)
		fut = &s
	}
	return opt, fut, nil
}

func decodeDetails(opt, fut *string, o *model.Order) error {
	if opt != nil {
		o.OptionDetails = &model.OptionDetails{}
		if err := json.Unmarshal([]byte(*opt), o.OptionDetails); err != nil {
			return fmt.Errorf("decode option details of order %s: %w", o.ID, err)
		}
	}
	if fut != nil {
		o.FutureDetails = &model.FutureDetails{}
		if err := json.Unmarshal([]byte(*fut), o.FutureDetails); err != nil {
			return fmt.Errorf("decode future details of order %s: %w", o.ID, err)
		}
	}
	return nil
}
