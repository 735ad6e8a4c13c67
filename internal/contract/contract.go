// Package contract parses and validates the symbols of tradable
// derivatives: OCC option symbols and exchange futures codes.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
)

// Option contract types.
const (
	TypeCall = "CALL"
	TypePut  = "PUT"
)

// occRegex matches OCC option symbols: root (1-6 chars, optionally space
// padded), YYMMDD expiry, C or P, strike × 1000 as 8 digits.
// Example: SPY   240119C00450000
var occRegex = regexp.MustCompile(`^([A-Z][A-Z0-9.]{0,5}) *(\d{6})([CP])(\d{8})$`)

// futureRegex matches futures codes: root, CME month code, 1-2 digit year.
// Example: ESZ23
var futureRegex = regexp.MustCompile(`^([A-Z][A-Z0-9]{0,2})([FGHJKMNQUVXZ])(\d{1,2})$`)

// rootRegex matches bare underlying symbols such as SPY or BRK.B.
var rootRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,5}$`)

var monthCodes = map[byte]time.Month{
	'F': time.January, 'G': time.February, 'H': time.March, 'J': time.April,
	'K': time.May, 'M': time.June, 'N': time.July, 'Q': time.August,
	'U': time.September, 'V': time.October, 'X': time.November, 'Z': time.December,
}

var (
	ErrInvalidSymbol  = errors.New("contract: invalid symbol")
	ErrInvalidDetails = errors.New("contract: invalid contract details")
)

// Option is a parsed option symbol.
type Option struct {
	Symbol       string      `json:"symbol"`
	Underlying   string      `json:"underlying"`
	ExpiryDate   time.Time   `json:"expiry_date"`
	ContractType string      `json:"contract_type"`
	Strike       money.Money `json:"strike"`
}

// Future is a parsed futures code.
type Future struct {
	Symbol string     `json:"symbol"`
	Root   string     `json:"root"`
	Month  time.Month `json:"month"`
	Year   int        `json:"year"`
}

// ParseOption parses an OCC option symbol.
func ParseOption(symbol string) (*Option, error) {
	matches := occRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected ROOT YYMMDD C|P STRIKE)", ErrInvalidSymbol, symbol)
	}

	expiry, err := time.Parse("060102", matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid expiry %s", ErrInvalidSymbol, matches[2])
	}

	thousandths, err := decimal.NewFromString(matches[4])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid strike %s", ErrInvalidSymbol, matches[4])
	}

	kind := TypeCall
	if matches[3] == "P" {
		kind = TypePut
	}

	return &Option{
		Symbol:       symbol,
		Underlying:   matches[1],
		ExpiryDate:   expiry,
		ContractType: kind,
		Strike:       money.New(thousandths.Shift(-3)),
	}, nil
}

// ParseFuture parses a futures contract code. Two-digit years are taken as
// 20YY; one-digit years resolve to the next matching year on or after now.
func ParseFuture(symbol string, now time.Time) (*Future, error) {
	matches := futureRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected ROOT + month code + year)", ErrInvalidSymbol, symbol)
	}

	year, _ := strconv.Atoi(matches[3])
	if len(matches[3]) == 2 {
		year += 2000
	} else {
		decade := now.Year() - now.Year()%10
		year += decade
		if year < now.Year() {
			year += 10
		}
	}

	return &Future{
		Symbol: symbol,
		Root:   matches[1],
		Month:  monthCodes[matches[2][0]],
		Year:   year,
	}, nil
}

// Underlying returns the root used for concentration limits. Unparseable
// symbols are their own underlying.
func Underlying(assetType model.AssetType, symbol string) string {
	switch assetType {
	case model.AssetOption:
		if o, err := ParseOption(symbol); err == nil {
			return o.Underlying
		}
	case model.AssetFuture:
		if m := futureRegex.FindStringSubmatch(symbol); m != nil {
			return m[1]
		}
	}
	return symbol
}

// Validate checks an order's symbol and attached details for its asset
// type. Bare underlying symbols are accepted for both asset types; any
// details supplied must be complete.
func Validate(assetType model.AssetType, symbol string, opt *model.OptionDetails, fut *model.FutureDetails) error {
	switch assetType {
	case model.AssetOption:
		if _, err := ParseOption(symbol); err != nil && !rootRegex.MatchString(symbol) {
			return fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
		}
		return validateOptionDetails(opt)

	case model.AssetFuture:
		if fut != nil && fut.ContractCode != "" {
			if _, err := ParseFuture(fut.ContractCode, time.Now()); err != nil {
				return err
			}
			if !strings.HasPrefix(fut.ContractCode, Underlying(model.AssetFuture, symbol)) {
				return fmt.Errorf("%w: contract code %s does not match %s", ErrInvalidDetails, fut.ContractCode, symbol)
			}
			return nil
		}
		if _, err := ParseFuture(symbol, time.Now()); err != nil && !rootRegex.MatchString(symbol) {
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: asset type %q", ErrInvalidDetails, assetType)
}

func validateOptionDetails(opt *model.OptionDetails) error {
	if opt == nil {
		return nil
	}
	if opt.ContractType != TypeCall && opt.ContractType != TypePut {
		return fmt.Errorf("%w: contract type must be CALL or PUT", ErrInvalidDetails)
	}
	if !opt.StrikePrice.IsPositive() {
		return fmt.Errorf("%w: strike price must be positive", ErrInvalidDetails)
	}
	if opt.ExpiryDate.IsZero() {
		return fmt.Errorf("%w: expiry date required", ErrInvalidDetails)
	}
	if opt.Multiplier.IsNegative() {
		return fmt.Errorf("%w: multiplier must be positive", ErrInvalidDetails)
	}
	return nil
}
