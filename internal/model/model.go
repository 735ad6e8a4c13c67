// Package model defines the core data types for the settlement back-office.
// All monetary values use money.Money and all quantities use
// shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/redmasterf0x/spad/internal/money"
)

// Currency is the only ledger currency.
const Currency = "USD"

type AccountStatus string

const (
	AccountActive     AccountStatus = "ACTIVE"
	AccountClosed     AccountStatus = "CLOSED"
	AccountRestricted AccountStatus = "RESTRICTED"
	AccountSuspended  AccountStatus = "SUSPENDED"
)

type AccountType string

const (
	AccountTrading AccountType = "TRADING"
	AccountDemo    AccountType = "DEMO"
)

type AssetType string

const (
	AssetOption AssetType = "OPTION"
	AssetFuture AssetType = "FUTURE"
)

func (a AssetType) Valid() bool { return a == AssetOption || a == AssetFuture }

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

type OrderType string

const (
	OrderMarket    OrderType = "MARKET"
	OrderLimit     OrderType = "LIMIT"
	OrderStop      OrderType = "STOP"
	OrderStopLimit OrderType = "STOP_LIMIT"
)

func (t OrderType) Valid() bool {
	switch t {
	case OrderMarket, OrderLimit, OrderStop, OrderStopLimit:
		return true
	}
	return false
}

type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

func (t TimeInForce) Valid() bool {
	switch t {
	case TIFDay, TIFGTC, TIFIOC, TIFFOK:
		return true
	}
	return false
}

type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderAccepted        OrderStatus = "ACCEPTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// Broker-side status markers kept on Order.PartnerStatus.
const (
	PartnerAccepted        = "ACCEPTED"
	PartnerUnconfirmed     = "UNCONFIRMED"
	PartnerPartiallyFilled = "PARTIALLY_FILLED"
	PartnerRejected        = "REJECTED"
)

type EntryType string

const (
	EntryDeposit        EntryType = "DEPOSIT"
	EntryWithdrawal     EntryType = "WITHDRAWAL"
	EntryOrderExecution EntryType = "ORDER_EXECUTION"
	EntryFee            EntryType = "FEE"
	EntryDividend       EntryType = "DIVIDEND"
	EntryInterest       EntryType = "INTEREST"
	EntryAdjustment     EntryType = "ADJUSTMENT"
	EntryTransfer       EntryType = "TRANSFER"
	EntryCorrection     EntryType = "CORRECTION"
)

func (e EntryType) Valid() bool {
	switch e {
	case EntryDeposit, EntryWithdrawal, EntryOrderExecution, EntryFee, EntryDividend,
		EntryInterest, EntryAdjustment, EntryTransfer, EntryCorrection:
		return true
	}
	return false
}

type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

type FeeCategory string

const (
	FeeTradingCommission FeeCategory = "TRADING_COMMISSION"
)

type TransferType string

const (
	TransferACHIn   TransferType = "ACH_IN"
	TransferACHOut  TransferType = "ACH_OUT"
	TransferWireIn  TransferType = "WIRE_IN"
	TransferWireOut TransferType = "WIRE_OUT"
)

// Inbound reports whether the transfer credits the account.
func (t TransferType) Inbound() bool { return t == TransferACHIn || t == TransferWireIn }

func (t TransferType) Valid() bool {
	switch t {
	case TransferACHIn, TransferACHOut, TransferWireIn, TransferWireOut:
		return true
	}
	return false
}

type TransferStatus string

const (
	TransferRequested  TransferStatus = "REQUESTED"
	TransferProcessing TransferStatus = "PROCESSING"
	TransferCompleted  TransferStatus = "COMPLETED"
	TransferFailed     TransferStatus = "FAILED"
	TransferCancelled  TransferStatus = "CANCELLED"
)

// User owns one or more accounts.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Account is a customer trading account. Accounts are never deleted.
type Account struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	AccountType     AccountType   `json:"account_type"`
	Status          AccountStatus `json:"status"`
	Currency        string        `json:"currency"`
	CashBalance     money.Money   `json:"cash_balance"`
	ReservedBalance money.Money   `json:"reserved_balance"`
	Equity          money.Money   `json:"equity"`
	BrokerAccountID string        `json:"broker_account_id,omitempty"`
	StatusReason    string        `json:"status_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	ClosedAt        *time.Time    `json:"closed_at,omitempty"`
}

// AvailableBalance is cash not held against open BUY orders.
func (a *Account) AvailableBalance() money.Money {
	return a.CashBalance.Sub(a.ReservedBalance)
}

// OptionDetails describes an option contract.
type OptionDetails struct {
	ExpiryDate   time.Time       `json:"expiry_date"`
	StrikePrice  money.Money     `json:"strike_price"`
	ContractType string          `json:"contract_type"` // CALL or PUT
	Multiplier   decimal.Decimal `json:"multiplier"`
}

// FutureDetails describes a futures contract.
type FutureDetails struct {
	ExpiryDate   time.Time `json:"expiry_date"`
	ContractCode string    `json:"contract_code"` // e.g. ESZ23
}

// Order is a customer instruction forwarded to the partner broker.
type Order struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	Symbol          string          `json:"symbol"`
	AssetType       AssetType       `json:"asset_type"`
	Side            Side            `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	OrderType       OrderType       `json:"order_type"`
	TimeInForce     TimeInForce     `json:"time_in_force"`
	Price           *money.Money    `json:"price,omitempty"`
	StopPrice       *money.Money    `json:"stop_price,omitempty"`
	OptionDetails   *OptionDetails  `json:"option_details,omitempty"`
	FutureDetails   *FutureDetails  `json:"future_details,omitempty"`
	Status          OrderStatus     `json:"status"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	FilledPrice     *money.Money    `json:"filled_price,omitempty"`
	ReservedAmount  money.Money     `json:"reserved_amount"`
	PartnerOrderID  string          `json:"partner_order_id,omitempty"`
	PartnerStatus   string          `json:"partner_status,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	SubmittedAt     *time.Time      `json:"submitted_at,omitempty"`
	FilledAt        *time.Time      `json:"filled_at,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
}

// EstimatedPrice is the price used for the reservation estimate: the limit
// price, else the stop price, else zero for MARKET orders.
func (o *Order) EstimatedPrice() money.Money {
	if o.Price != nil {
		return *o.Price
	}
	if o.StopPrice != nil {
		return *o.StopPrice
	}
	return money.Zero
}

// Position is the running holding of one symbol in one account.
// Positions are never deleted; a closed position has zero quantity.
type Position struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"account_id"`
	Symbol           string          `json:"symbol"`
	AssetType        AssetType       `json:"asset_type"`
	Side             PositionSide    `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	AverageOpenPrice money.Money     `json:"average_open_price"`
	TotalOpenCost    money.Money     `json:"total_open_cost"`
	CurrentPrice     money.Money     `json:"current_price"`
	CurrentValue     money.Money     `json:"current_value"`
	UnrealizedPl     money.Money     `json:"unrealized_pl"`
	UnrealizedPlPct  decimal.Decimal `json:"unrealized_pl_pct"`
	RealizedPl       money.Money     `json:"realized_pl"`
	ClosedQuantity   decimal.Decimal `json:"closed_quantity"`
	OpenedAt         time.Time       `json:"opened_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
}

// Fee is the commission record of one order. It is created with zero
// amounts at submission and finalized when the order fills.
type Fee struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	OrderID        string          `json:"order_id"`
	Category       FeeCategory     `json:"category"`
	NotionalValue  money.Money     `json:"notional_value"`
	CustomerRate   decimal.Decimal `json:"customer_rate"`
	PartnerRate    decimal.Decimal `json:"partner_rate"`
	GrossFeeAmount money.Money     `json:"gross_fee_amount"`
	PartnerCost    money.Money     `json:"partner_cost"`
	OurMargin      money.Money     `json:"our_margin"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// LedgerEntry is an append-only record of a balance-affecting event.
// Only the reconciliation fields are ever updated.
type LedgerEntry struct {
	ID               string            `json:"id"`
	AccountID        string            `json:"account_id"`
	EntryType        EntryType         `json:"entry_type"`
	Amount           money.Money       `json:"amount"`
	Currency         string            `json:"currency"`
	Description      string            `json:"description"`
	OrderID          string            `json:"order_id,omitempty"`
	TransferID       string            `json:"transfer_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	IsReconciled     bool              `json:"is_reconciled"`
	ReconciliationID string            `json:"reconciliation_id,omitempty"`
	ReconciledAt     *time.Time        `json:"reconciled_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Transfer is a cash movement into or out of an account.
type Transfer struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"account_id"`
	TransferType   TransferType   `json:"transfer_type"`
	Status         TransferStatus `json:"status"`
	Amount         money.Money    `json:"amount"`
	IdempotencyKey string         `json:"idempotency_key"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}
