package store

// postgresSchema creates the logical tables. Money is NUMERIC so the
// database never rounds through binary floating point.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id          UUID PRIMARY KEY,
	email       TEXT NOT NULL UNIQUE,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id                 UUID PRIMARY KEY,
	user_id            UUID NOT NULL REFERENCES users(id),
	account_type       TEXT NOT NULL DEFAULT 'TRADING',
	status             TEXT NOT NULL,
	currency           TEXT NOT NULL DEFAULT 'USD',
	cash_balance       NUMERIC(18,2) NOT NULL DEFAULT 0,
	reserved_balance   NUMERIC(18,2) NOT NULL DEFAULT 0,
	equity             NUMERIC(18,2) NOT NULL DEFAULT 0,
	broker_account_id  TEXT NOT NULL DEFAULT '',
	status_reason      TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	closed_at          TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS orders (
	id                UUID PRIMARY KEY,
	account_id        UUID NOT NULL REFERENCES accounts(id),
	symbol            TEXT NOT NULL,
	asset_type        TEXT NOT NULL,
	side              TEXT NOT NULL,
	quantity          NUMERIC(12,2) NOT NULL,
	order_type        TEXT NOT NULL,
	time_in_force     TEXT NOT NULL,
	price             NUMERIC(14,4),
	stop_price        NUMERIC(14,4),
	option_details    JSONB,
	future_details    JSONB,
	status            TEXT NOT NULL,
	filled_quantity   NUMERIC(12,2) NOT NULL DEFAULT 0,
	filled_price      NUMERIC(14,4),
	reserved_amount   NUMERIC(18,2) NOT NULL DEFAULT 0,
	partner_order_id  TEXT NOT NULL DEFAULT '',
	partner_status    TEXT NOT NULL DEFAULT '',
	rejection_reason  TEXT NOT NULL DEFAULT '',
	idempotency_key   TEXT NOT NULL UNIQUE,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	submitted_at      TIMESTAMPTZ,
	filled_at         TIMESTAMPTZ,
	cancelled_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS orders_account_created ON orders (account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS orders_status ON orders (status);

CREATE TABLE IF NOT EXISTS positions (
	id                  UUID PRIMARY KEY,
	account_id          UUID NOT NULL REFERENCES accounts(id),
	symbol              TEXT NOT NULL,
	asset_type          TEXT NOT NULL,
	side                TEXT NOT NULL,
	quantity            NUMERIC(12,2) NOT NULL,
	average_open_price  NUMERIC(14,4) NOT NULL,
	total_open_cost     NUMERIC(18,2) NOT NULL,
	current_price       NUMERIC(14,4) NOT NULL,
	current_value       NUMERIC(18,2) NOT NULL,
	unrealized_pl       NUMERIC(18,2) NOT NULL,
	unrealized_pl_pct   NUMERIC(10,2) NOT NULL,
	realized_pl         NUMERIC(18,2) NOT NULL,
	closed_quantity     NUMERIC(12,2) NOT NULL,
	opened_at           TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	closed_at           TIMESTAMPTZ,
	UNIQUE (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS fees (
	id                UUID PRIMARY KEY,
	account_id        UUID NOT NULL REFERENCES accounts(id),
	order_id          UUID NOT NULL UNIQUE REFERENCES orders(id),
	category          TEXT NOT NULL,
	notional_value    NUMERIC(18,2) NOT NULL,
	customer_rate     NUMERIC(8,6) NOT NULL,
	partner_rate      NUMERIC(8,6) NOT NULL,
	gross_fee_amount  NUMERIC(18,2) NOT NULL,
	partner_cost      NUMERIC(18,2) NOT NULL,
	our_margin        NUMERIC(18,2) NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transfers (
	id               UUID PRIMARY KEY,
	account_id       UUID NOT NULL REFERENCES accounts(id),
	transfer_type    TEXT NOT NULL,
	status           TEXT NOT NULL,
	amount           NUMERIC(18,2) NOT NULL,
	idempotency_key  TEXT NOT NULL UNIQUE,
	failure_reason   TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id                 UUID PRIMARY KEY,
	seq                BIGSERIAL,
	account_id         UUID NOT NULL REFERENCES accounts(id),
	entry_type         TEXT NOT NULL,
	amount             NUMERIC(18,2) NOT NULL,
	currency           TEXT NOT NULL DEFAULT 'USD',
	description        TEXT NOT NULL,
	order_id           UUID REFERENCES orders(id),
	transfer_id        UUID REFERENCES transfers(id),
	metadata           JSONB,
	is_reconciled      BOOLEAN NOT NULL DEFAULT FALSE,
	reconciliation_id  TEXT NOT NULL DEFAULT '',
	reconciled_at      TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_account_created ON ledger_entries (account_id, created_at, seq);
CREATE INDEX IF NOT EXISTS ledger_order ON ledger_entries (order_id);
`

// sqliteSchema mirrors postgresSchema. Money and quantities are TEXT:
// SQLite's NUMERIC affinity would coerce them to REAL.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	email       TEXT NOT NULL UNIQUE,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL REFERENCES users(id),
	account_type       TEXT NOT NULL,
	status             TEXT NOT NULL,
	currency           TEXT NOT NULL,
	cash_balance       TEXT NOT NULL,
	reserved_balance   TEXT NOT NULL,
	equity             TEXT NOT NULL,
	broker_account_id  TEXT NOT NULL DEFAULT '',
	status_reason      TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	closed_at          TEXT
);

CREATE TABLE IF NOT EXISTS orders (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL REFERENCES accounts(id),
	symbol            TEXT NOT NULL,
	asset_type        TEXT NOT NULL,
	side              TEXT NOT NULL,
	quantity          TEXT NOT NULL,
	order_type        TEXT NOT NULL,
	time_in_force     TEXT NOT NULL,
	price             TEXT,
	stop_price        TEXT,
	option_details    TEXT,
	future_details    TEXT,
	status            TEXT NOT NULL,
	filled_quantity   TEXT NOT NULL,
	filled_price      TEXT,
	reserved_amount   TEXT NOT NULL,
	partner_order_id  TEXT NOT NULL DEFAULT '',
	partner_status    TEXT NOT NULL DEFAULT '',
	rejection_reason  TEXT NOT NULL DEFAULT '',
	idempotency_key   TEXT NOT NULL UNIQUE,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	submitted_at      TEXT,
	filled_at         TEXT,
	cancelled_at      TEXT
);
CREATE INDEX IF NOT EXISTS orders_account_created ON orders (account_id, created_at);

CREATE TABLE IF NOT EXISTS positions (
	id                  TEXT PRIMARY KEY,
	account_id          TEXT NOT NULL REFERENCES accounts(id),
	symbol              TEXT NOT NULL,
	asset_type          TEXT NOT NULL,
	side                TEXT NOT NULL,
	quantity            TEXT NOT NULL,
	average_open_price  TEXT NOT NULL,
	total_open_cost     TEXT NOT NULL,
	current_price       TEXT NOT NULL,
	current_value       TEXT NOT NULL,
	unrealized_pl       TEXT NOT NULL,
	unrealized_pl_pct   TEXT NOT NULL,
	realized_pl         TEXT NOT NULL,
	closed_quantity     TEXT NOT NULL,
	opened_at           TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	closed_at           TEXT,
	UNIQUE (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS fees (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL REFERENCES accounts(id),
	order_id          TEXT NOT NULL UNIQUE REFERENCES orders(id),
	category          TEXT NOT NULL,
	notional_value    TEXT NOT NULL,
	customer_rate     TEXT NOT NULL,
	partner_rate      TEXT NOT NULL,
	gross_fee_amount  TEXT NOT NULL,
	partner_cost      TEXT NOT NULL,
	our_margin        TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transfers (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL REFERENCES accounts(id),
	transfer_type    TEXT NOT NULL,
	status           TEXT NOT NULL,
	amount           TEXT NOT NULL,
	idempotency_key  TEXT NOT NULL UNIQUE,
	failure_reason   TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	completed_at     TEXT
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	seq                INTEGER PRIMARY KEY AUTOINCREMENT,
	id                 TEXT NOT NULL UNIQUE,
	account_id         TEXT NOT NULL REFERENCES accounts(id),
	entry_type         TEXT NOT NULL,
	amount             TEXT NOT NULL,
	currency           TEXT NOT NULL,
	description        TEXT NOT NULL,
	order_id           TEXT NOT NULL DEFAULT '',
	transfer_id        TEXT NOT NULL DEFAULT '',
	metadata           TEXT,
	is_reconciled      INTEGER NOT NULL DEFAULT 0,
	reconciliation_id  TEXT NOT NULL DEFAULT '',
	reconciled_at      TEXT,
	created_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_account_created ON ledger_entries (account_id, created_at, seq);
CREATE INDEX IF NOT EXISTS ledger_order ON ledger_entries (order_id);
`
