package fixed

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	PriceConfig = DecimalConfig{DecimalPrecision: 2, Scale: 100}       // 0.01
	SizeConfig  = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 asset units
	QuoteConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 quote units
)

// MinPrice is the floor applied to computed liquidation prices so that very
// high leverage can never produce a zero or negative trigger price.
const MinPrice int64 = 1

// A position is liquidated when remaining margin falls to 20% of initial
// margin, so the tolerated adverse price move is 80%/leverage, expressed in
// basis points over liqDenomBps.
const (
	liqToleratedBps = 8_000
	liqDenomBps     = 10_000
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.QuoRem(numerator, denom, remainder)

	result := quotient.Int64()
	remSign := remainder.Sign()

	switch roundingMode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		absRem := getInt128()
		absRem.Abs(remainder)
		cmp := absRem.Cmp(half)
		putInt128(absRem)

		if cmp > 0 {
			if remSign >= 0 {
				result++
			} else {
				result--
			}
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				if remSign >= 0 {
					result++
				} else {
					result--
				}
			}
		}

	case RoundUp:
		if remSign > 0 {
			result++
		} else if remSign < 0 {
			result--
		}

	case RoundDown:
		// Truncation toward zero — QuoRem already did it
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

// MulDiv computes a * b / denominator in 128-bit intermediate precision.
func MulDiv(a, b, denominator int64, mode RoundingMode) int64 {
	num := MultiplyInt128(a, b)
	result := DivideInt128(num, denominator, mode)
	putInt128(num)
	return result
}

// LiquidationMove returns the tolerated adverse price move for a position
// opened at openPrice with the given leverage. The move is rounded DOWN so
// the trigger never grants more headroom than the 20%-maintenance rule allows.
func LiquidationMove(openPrice, leverage int64) int64 {
	return MulDiv(openPrice, liqToleratedBps, liqDenomBps*leverage, RoundDown)
}

// LiquidationPrice computes the write-once liquidation trigger price.
// Long positions liquidate below the open price, shorts above it. The result
// is floored at MinPrice so extreme leverage cannot degenerate to zero.
func LiquidationPrice(openPrice, leverage int64, isLong bool) int64 {
	move := LiquidationMove(openPrice, leverage)

	var price int64
	if isLong {
		price = openPrice - move
	} else {
		price = openPrice + move
	}

	if price < MinPrice {
		price = MinPrice
	}
	return price
}

// Notional converts a size at a price into quote units.
func Notional(size, price int64) int64 {
	num := MultiplyInt128(size, price)
	num.Mul(num, big.NewInt(QuoteConfig.Scale))
	result := DivideInt128(num, PriceConfig.Scale*SizeConfig.Scale, RoundHalfEven)
	putInt128(num)
	return result
}
