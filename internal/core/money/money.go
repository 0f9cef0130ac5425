// Package money converts between decimal amounts and ISO 4217 minor units.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownCurrency   = errors.New("unknown currency")
	ErrNonPositiveAmount = errors.New("amount must be greater than zero")
	ErrExcessPrecision   = errors.New("amount has more decimal places than the currency allows")
	ErrAmountTooLarge    = errors.New("amount exceeds the largest representable value")
)

// minorUnits maps currency code to the number of decimal places of its minor unit.
var minorUnits = map[string]int32{
	"BHD": 3,
	"EUR": 2,
	"GBP": 2,
	"GHS": 2,
	"JPY": 0,
	"KES": 2,
	"KWD": 3,
	"MWK": 2,
	"NGN": 2,
	"RWF": 0,
	"TZS": 2,
	"UGX": 0,
	"USD": 2,
	"XAF": 0,
	"XOF": 0,
	"ZAR": 2,
	"ZMW": 2,
}

// Normalize returns the canonical upper-case form of a currency code.
func Normalize(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// MinorUnits returns the exponent of the currency's minor unit.
func MinorUnits(currency string) (int32, error) {
	places, ok := minorUnits[Normalize(currency)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}
	return places, nil
}

// Validate checks that amount is a positive value expressible in the currency's minor unit.
// Sub-minor precision is rejected rather than rounded.
func Validate(amount decimal.Decimal, currency string) error {
	places, err := MinorUnits(currency)
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if !amount.Equal(amount.Truncate(places)) {
		return fmt.Errorf("%w: %s %s", ErrExcessPrecision, amount.String(), Normalize(currency))
	}
	if !fitsMinor(amount, places) {
		return fmt.Errorf("%w: %s %s", ErrAmountTooLarge, amount.String(), Normalize(currency))
	}
	return nil
}

// fitsMinor reports whether amount in minor units fits an int64.
func fitsMinor(amount decimal.Decimal, places int32) bool {
	return amount.Shift(places).BigInt().IsInt64()
}

// Parse reads a decimal string and validates it for currency.
func Parse(value, currency string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	if err := Validate(amount, currency); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// ToMinor converts amount to an integer count of minor units. The amount must
// already be exact at minor-unit precision.
func ToMinor(amount decimal.Decimal, currency string) (int64, error) {
	places, err := MinorUnits(currency)
	if err != nil {
		return 0, err
	}
	if !amount.Equal(amount.Truncate(places)) {
		return 0, ErrExcessPrecision
	}
	if !fitsMinor(amount, places) {
		return 0, ErrAmountTooLarge
	}
	return amount.Shift(places).IntPart(), nil
}

// FromMinor converts a count of minor units back to a decimal amount.
// Unknown currencies are treated as having two decimal places.
func FromMinor(minor int64, currency string) decimal.Decimal {
	places, err := MinorUnits(currency)
	if err != nil {
		places = 2
	}
	return decimal.New(minor, -places)
}

// Round rounds half away from zero to the currency's minor unit.
func Round(amount decimal.Decimal, currency string) decimal.Decimal {
	places, err := MinorUnits(currency)
	if err != nil {
		places = 2
	}
	return amount.Round(places)
}

// Format renders amount with exactly the currency's number of decimal places.
func Format(amount decimal.Decimal, currency string) string {
	places, err := MinorUnits(currency)
	if err != nil {
		places = 2
	}
	return amount.StringFixed(places)
}
