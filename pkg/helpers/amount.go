package helpers

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// FormatUnits formats an amount in smallest units as a decimal string.
// For example, FormatUnits(big.NewInt(1500000000000000000), 18) returns "1.5".
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// ParseUnits parses a decimal string into smallest units. Digits beyond
// the asset's precision are rejected rather than silently truncated.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q exceeds %d decimals", s, decimals)
	}
	return scaled.BigInt(), nil
}
