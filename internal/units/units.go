// Package units converts between human token amounts and base units.
package units

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the decimals of ETH and of most ERC20 tokens.
const EtherDecimals = 18

// ParseUnits converts a decimal string such as "35000" or "0.01" into base
// units of a token with the given decimals. Fractions finer than one base unit
// are rejected.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", amount)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimals", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FormatUnits renders base units as a decimal string without trailing zeros.
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).String()
}

// ParseEther is ParseUnits with 18 decimals.
func ParseEther(amount string) (*big.Int, error) {
	return ParseUnits(amount, EtherDecimals)
}

// MustParseEther is ParseEther for constants; it panics on malformed input.
func MustParseEther(amount string) *big.Int {
	v, err := ParseEther(amount)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatEther is FormatUnits with 18 decimals.
func FormatEther(value *big.Int) string {
	return FormatUnits(value, EtherDecimals)
}
