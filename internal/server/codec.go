package server

import (
	"fmt"

	"github.com/shopspring/decimal"

	"MarginLedger/internal/fixed"
)

// The HTTP surface speaks decimal strings ("95.00", "0.000125") while the
// ledger works in scaled int64 units. Conversion is exact: a value with more
// precision than the config allows is rejected, never silently rounded.

// ParseAmount converts a decimal string into scaled fixed-point units.
func ParseAmount(s string, cfg fixed.DecimalConfig) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q: %w", s, err)
	}

	scaled := d.Mul(decimal.New(cfg.Scale, 0))
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("amount %q exceeds %d decimal places", s, cfg.DecimalPrecision)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	return scaled.IntPart(), nil
}

// FormatAmount renders scaled fixed-point units as a decimal string.
func FormatAmount(v int64, cfg fixed.DecimalConfig) string {
	return decimal.New(v, -int32(cfg.DecimalPrecision)).StringFixed(int32(cfg.DecimalPrecision))
}

// ParsePrice parses a price string (2 decimal places).
func ParsePrice(s string) (int64, error) {
	return ParseAmount(s, fixed.PriceConfig)
}

// ParseOptionalPrice parses a price that may be absent or "0" (meaning none).
func ParseOptionalPrice(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return ParsePrice(s)
}

// ParseQuote parses a quote-unit amount string (6 decimal places).
func ParseQuote(s string) (int64, error) {
	return ParseAmount(s, fixed.QuoteConfig)
}

// ParseSize parses an asset-size string (6 decimal places).
func ParseSize(s string) (int64, error) {
	return ParseAmount(s, fixed.SizeConfig)
}

// FormatPrice renders a scaled price.
func FormatPrice(v int64) string {
	return FormatAmount(v, fixed.PriceConfig)
}

// FormatQuote renders a scaled quote amount.
func FormatQuote(v int64) string {
	return FormatAmount(v, fixed.QuoteConfig)
}

// FormatSize renders a scaled asset size.
func FormatSize(v int64) string {
	return FormatAmount(v, fixed.SizeConfig)
}
