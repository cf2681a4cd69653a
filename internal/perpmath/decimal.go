// Package perpmath implements the fixed-point arithmetic used by the
// perpetuals exchange program: custody valuation, swap and liquidity fees,
// price impact, borrow/funding rates, PnL and liquidation prices.
//
// Every function is pure and operates on snapshot structs with *big.Int
// amounts. Rounding direction matters everywhere: fees and debt round up
// (in the protocol's favor) via DivCeil, conversions truncate toward zero.
// The results must match the on-chain integer arithmetic exactly.
package perpmath

import (
	"errors"
	"math/big"
)

const (
	UsdcDecimals      = 6
	PoolTokenDecimals = 6
	RateDecimals      = 9
	HoursInYear       = 24 * 365

	OracleExponentScale = -9
)

var (
	BpsPower  = big.NewInt(10_000)
	DbpsPower = big.NewInt(100_000)

	RatePower           = pow10(RateDecimals)
	DebtPower           = RatePower
	BorrowSizePrecision = RatePower
	OraclePriceScale    = pow10(-OracleExponentScale)
)

var (
	// ErrDivisionByZero is returned when a scaled division receives a zero
	// divisor. There is no recoverable default for this input.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrDegenerateRateConfig is returned when the jump-rate curve has a
	// zero denominator, e.g. target utilization equal to the rate scale.
	ErrDegenerateRateConfig = errors.New("degenerate rate configuration")
)

var (
	bigOne = big.NewInt(1)
	bigTen = big.NewInt(10)
)

func pow10(n int64) *big.Int {
	if n < 0 {
		n = -n
	}
	return new(big.Int).Exp(bigTen, big.NewInt(n), nil)
}

// ceilQuo divides a by b rounding away from zero on a nonzero remainder.
// The divisor must be nonzero; use DivCeil when it is caller-supplied.
func ceilQuo(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() == 0 {
		return q
	}
	if q.Sign() < 0 {
		return q.Sub(q, bigOne)
	}
	return q.Add(q, bigOne)
}

// DivCeil is the ceiling division used wherever fees or debt are computed.
// quotient = truncated a/b; a nonzero remainder moves the quotient one away
// from zero (a negative quotient down, any other quotient up).
func DivCeil(a, b *big.Int) (*big.Int, error) {
	if b.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	return ceilQuo(a, b), nil
}

// CheckedDecimalMul multiplies two scaled values c1×10^e1 and c2×10^e2 and
// returns the coefficient of the product at 10^targetExponent. The residual
// power of ten is applied after the coefficient multiply; a negative residual
// truncates toward zero.
func CheckedDecimalMul(c1 *big.Int, e1 int32, c2 *big.Int, e2 int32, targetExponent int32) *big.Int {
	if c1.Sign() == 0 || c2.Sign() == 0 {
		return new(big.Int)
	}

	targetPower := int64(e1) + int64(e2) - int64(targetExponent)
	out := new(big.Int).Mul(c1, c2)
	if targetPower >= 0 {
		return out.Mul(out, pow10(targetPower))
	}
	return out.Quo(out, pow10(-targetPower))
}

// CheckedDecimalDiv divides c1×10^e1 by c2×10^e2 and returns the coefficient
// of the quotient at 10^targetExponent. The numerator is pre-scaled so the
// division happens at full precision before the single truncation.
func CheckedDecimalDiv(c1 *big.Int, e1 int32, c2 *big.Int, e2 int32, targetExponent int32) (*big.Int, error) {
	if c2.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	if c1.Sign() == 0 {
		return new(big.Int), nil
	}

	scaleFactor := int64(0)
	targetPower := int64(e1) - int64(e2) - int64(targetExponent)
	if e1 > 0 {
		scaleFactor += int64(e1)
		targetPower -= int64(e1)
	}
	if e2 < 0 {
		scaleFactor -= int64(e2)
		targetPower += int64(e2)
	}
	if targetExponent < 0 {
		scaleFactor -= int64(targetExponent)
		targetPower += int64(targetExponent)
	}

	num := new(big.Int).Set(c1)
	if scaleFactor > 0 {
		num.Mul(num, pow10(scaleFactor))
	}
	den := new(big.Int).Set(c2)
	if targetPower >= 0 {
		num.Mul(num, pow10(targetPower))
	} else {
		den.Mul(den, pow10(-targetPower))
	}
	return num.Quo(num, den), nil
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func clampZero(a *big.Int) *big.Int {
	if a.Sign() < 0 {
		return new(big.Int)
	}
	return a
}
