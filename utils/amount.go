// utils/amount.go
package utils

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Human-unit <-> minor-unit conversion at a fixed per-chain scale. Balances
// and fees are always exact integers internally; decimals exist only at the
// presentation edge.

// AmountToString renders a minor-unit amount as a human decimal string
// (e.g. 150000000 sats at scale 8 -> "1.5").
func AmountToString(v *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(v, -decimals).String()
}

// StringToAmount parses a human decimal string into a minor-unit amount.
// Fails on values with more fractional digits than the chain's scale rather
// than rounding money silently.
func StringToAmount(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	shifted := d.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", s, decimals)
	}
	return shifted.BigInt(), nil
}

// FiatToString renders cents as "#0.00".
func FiatToString(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// StringToFiat parses a "#0.00" style string into cents.
func StringToFiat(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid fiat amount %q: %w", s, err)
	}
	shifted := d.Shift(2)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("fiat amount %q has sub-cent precision", s)
	}
	return shifted.IntPart(), nil
}
