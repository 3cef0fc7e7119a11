// Package money holds the fixed-point amount type used by the ledger and reconciliation.
// Amounts are integer minor units (cents, kobo, ...); decimal math goes through
// shopspring/decimal so nothing is ever computed in floating point.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a quantity of money in the currency's minor unit.
type Amount int64

const Zero Amount = 0

// minorUnits is the ISO 4217 exponent for the currencies the platform settles in.
var minorUnits = map[string]int32{
	"KES": 2,
	"NGN": 2,
	"GHS": 2,
	"TZS": 2,
	"ZAR": 2,
	"USD": 2,
	"EUR": 2,
	"UGX": 0,
	"RWF": 0,
	"XOF": 0,
	"XAF": 0,
}

// Exponent returns the minor-unit exponent for currency (2 when unknown).
func Exponent(currency string) int32 {
	if e, ok := minorUnits[strings.ToUpper(currency)]; ok {
		return e
	}
	return 2
}

// FromMajor converts a major-unit decimal ("150.25 KES") to minor units, rounding half away from zero.
func FromMajor(d decimal.Decimal, currency string) Amount {
	return Amount(d.Shift(Exponent(currency)).Round(0).IntPart())
}

// ParseMajor parses a major-unit string such as "1500.50".
func ParseMajor(s, currency string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromMajor(d, currency), nil
}

// Major renders the amount as a major-unit decimal.
func (a Amount) Major(currency string) decimal.Decimal {
	return decimal.New(int64(a), -Exponent(currency))
}

// Decimal returns the amount as a decimal in minor units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(a))
}

// Percent returns a × rate rounded to the nearest minor unit. rate is a fraction (0.02 = 2%).
func (a Amount) Percent(rate decimal.Decimal) Amount {
	return Amount(a.Decimal().Mul(rate).Round(0).IntPart())
}

func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

func (a Amount) IsPositive() bool { return a > 0 }

func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}

func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// String renders minor units, e.g. "150025".
func (a Amount) String() string {
	return fmt.Sprintf("%d", int64(a))
}
