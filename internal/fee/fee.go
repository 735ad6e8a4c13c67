// Package fee computes trading commissions.
//
// The customer pays CustomerRate of notional; the partner broker charges the
// platform PartnerRate; the platform keeps the difference. With the default
// schedule that is 0.5% gross, 0.2% partner cost and a 0.3% margin.
//
// Calculate is a pure function of the notional and the schedule.
package fee

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
)

// Schedule is a static commission rate table.
type Schedule struct {
	CustomerRate decimal.Decimal
	PartnerRate  decimal.Decimal
}

// DefaultSchedule is the platform's published rate table.
var DefaultSchedule = Schedule{
	CustomerRate: decimal.RequireFromString("0.005"),
	PartnerRate:  decimal.RequireFromString("0.002"),
}

// MarginRate is the platform's share of notional.
func (s Schedule) MarginRate() decimal.Decimal {
	return s.CustomerRate.Sub(s.PartnerRate)
}

// Validate rejects schedules where the platform would lose money.
func (s Schedule) Validate() error {
	if s.CustomerRate.IsNegative() || s.PartnerRate.IsNegative() {
		return fmt.Errorf("fee: rates must be non-negative")
	}
	if s.PartnerRate.GreaterThan(s.CustomerRate) {
		return fmt.Errorf("fee: partner rate %s exceeds customer rate %s", s.PartnerRate, s.CustomerRate)
	}
	return nil
}

// Calculation is the fee breakdown for one notional.
type Calculation struct {
	Notional       money.Money     `json:"notional"`
	CustomerRate   decimal.Decimal `json:"customer_rate"`
	PartnerRate    decimal.Decimal `json:"partner_rate"`
	GrossFeeAmount money.Money     `json:"gross_fee_amount"`
	PartnerCost    money.Money     `json:"partner_cost"`
	OurMargin      money.Money     `json:"our_margin"`
}

// Calculate splits the commission on notional. Gross and partner amounts
// are rounded to cents; the margin is their difference, so
// GrossFeeAmount == PartnerCost + OurMargin holds exactly.
func (s Schedule) Calculate(notional money.Money) Calculation {
	gross := notional.Mul(s.CustomerRate).RoundCash()
	partner := notional.Mul(s.PartnerRate).RoundCash()
	return Calculation{
		Notional:       notional,
		CustomerRate:   s.CustomerRate,
		PartnerRate:    s.PartnerRate,
		GrossFeeAmount: gross,
		PartnerCost:    partner,
		OurMargin:      gross.Sub(partner),
	}
}

// Calculate uses the default schedule.
func Calculate(notional money.Money) Calculation {
	return DefaultSchedule.Calculate(notional)
}

// Apply copies a calculation onto a fee record.
func (c Calculation) Apply(f *model.Fee) {
	f.NotionalValue = c.Notional
	f.CustomerRate = c.CustomerRate
	f.PartnerRate = c.PartnerRate
	f.GrossFeeAmount = c.GrossFeeAmount
	f.PartnerCost = c.PartnerCost
	f.OurMargin = c.OurMargin
}

// Summary totals a set of fee records.
type Summary struct {
	Count            int         `json:"count"`
	TotalNotional    money.Money `json:"total_notional"`
	TotalGrossFees   money.Money `json:"total_gross_fees"`
	TotalPartnerCost money.Money `json:"total_partner_cost"`
	TotalMargin      money.Money `json:"total_margin"`
}

// Summarize totals fees.
func Summarize(fees []model.Fee) Summary {
	var s Summary
	for _, f := range fees {
		s.Count++
		s.TotalNotional = s.TotalNotional.Add(f.NotionalValue)
		s.TotalGrossFees = s.TotalGrossFees.Add(f.GrossFeeAmount)
		s.TotalPartnerCost = s.TotalPartnerCost.Add(f.PartnerCost)
		s.TotalMargin = s.TotalMargin.Add(f.OurMargin)
	}
	return s
}

// Platform is the revenue view across all accounts.
type Platform struct {
	Summary
	RevenuePer1MNotional money.Money `json:"revenue_per_1m_notional"`
}

var oneMillion = decimal.NewFromInt(1_000_000)

// PlatformMetrics totals fees and normalizes revenue per $1M traded.
func PlatformMetrics(fees []model.Fee) Platform {
	p := Platform{Summary: Summarize(fees)}
	if ratio, err := p.TotalMargin.Ratio(p.TotalNotional); err == nil {
		p.RevenuePer1MNotional = money.New(ratio.Mul(oneMillion)).RoundCash()
	}
	return p
}

// Invoice is a customer commission statement for a period.
type Invoice struct {
	Number    string      `json:"invoice_number"`
	AccountID string      `json:"account_id"`
	From      time.Time   `json:"from"`
	To        time.Time   `json:"to"`
	Lines     []model.Fee `json:"lines"`
	Total     money.Money `json:"total"`
	IssuedAt  time.Time   `json:"issued_at"`
}

// NewInvoice builds an invoice over fees already filtered to the period.
// Unfilled orders carry zero fees and are left off.
func NewInvoice(accountID string, from, to time.Time, fees []model.Fee, now time.Time) Invoice {
	inv := Invoice{
		Number:    fmt.Sprintf("INV_%s_%d", accountID, now.UnixMilli()),
		AccountID: accountID,
		From:      from,
		To:        to,
		Lines:     []model.Fee{},
		IssuedAt:  now,
	}
	for _, f := range fees {
		if f.GrossFeeAmount.IsZero() {
			continue
		}
		inv.Lines = append(inv.Lines, f)
		inv.Total = inv.Total.Add(f.GrossFeeAmount)
	}
	return inv
}
