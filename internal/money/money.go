// Package money provides shared atomic-unit parsing and formatting for the
// value asset the clearinghouse clears payments in.
//
// Amounts are stored as big.Int in the smallest unit of the asset. The
// number of decimals is fixed at process start from the asset's on-chain
// decimals (config.AssetDecimals) and defaults to 6, matching the USDC-class
// stablecoins the reference deployment runs against.
package money

import (
	"math/big"
	"strings"
	"sync/atomic"
)

var decimals atomic.Int32

func init() {
	decimals.Store(6)
}

// SetDecimals configures the asset's decimal precision. Call once at
// start-up before any Parse/Format call.
func SetDecimals(d int) {
	decimals.Store(int32(d))
}

// Decimals returns the configured decimal precision.
func Decimals() int {
	return int(decimals.Load())
}

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to the configured precision
func Parse(s string) (*big.Int, bool) {
	d := Decimals()
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if len(frac) > d {
		frac = frac[:d]
	}
	for len(frac) < d {
		frac += "0"
	}

	combined := whole + frac
	if combined == "" {
		return nil, false
	}
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly the configured number of decimal places.
func Format(amount *big.Int) string {
	d := Decimals()
	if amount == nil {
		return zeroString(d)
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < d+1 {
		s = "0" + s
	}
	result := s
	if d > 0 {
		point := len(s) - d
		result = s[:point] + "." + s[point:]
	}
	if neg {
		result = "-" + result
	}
	return result
}

func zeroString(d int) string {
	if d == 0 {
		return "0"
	}
	return "0." + strings.Repeat("0", d)
}

// Atomic is a convenience wrapper for passing amounts already known to be
// valid atomic-unit integers (e.g. parsed from chain logs).
func Atomic(v int64) *big.Int {
	return big.NewInt(v)
}
