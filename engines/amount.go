package engines

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var dropsPerXRP = decimal.NewFromInt(1_000_000)

// parsePositive parses a strictly positive decimal amount
func parsePositive(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s %q is not a number", field, value)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return d, nil
}

// xrpToDrops converts an XRP amount to a whole drops string. Invalid input
// is passed through unchanged; callers validate beforehand.
func xrpToDrops(value string) string {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return value
	}
	return d.Mul(dropsPerXRP).Truncate(0).String()
}
