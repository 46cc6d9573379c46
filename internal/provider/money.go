package provider

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// MinorUnits converts a major-unit amount into the smallest unit of the currency,
// using the ISO 4217 scale (2 for USD, 0 for JPY, 3 for KWD). Amounts finer than the minor
// unit are rejected rather than rounded.
func MinorUnits(amount decimal.Decimal, code string) (int64, error) {
	scale, err := currencyScale(code)
	if err != nil {
		return 0, err
	}
	minor := amount.Shift(int32(scale))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places for %s", amount.String(), scale, code)
	}
	return minor.IntPart(), nil
}

func FromMinorUnits(minor int64, code string) (decimal.Decimal, error) {
	scale, err := currencyScale(code)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(minor, -int32(scale)), nil
}

func currencyScale(code string) (int, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 0, fmt.Errorf("currency %q: %w", code, err)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale, nil
}

// FormatMajor renders an amount with exactly the currency's number of decimals, e.g. "20.00".
func FormatMajor(amount decimal.Decimal, code string) (string, error) {
	scale, err := currencyScale(code)
	if err != nil {
		return "", err
	}
	return amount.StringFixed(int32(scale)), nil
}
