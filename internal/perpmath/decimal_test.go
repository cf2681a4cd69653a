package perpmath

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func TestDivCeil(t *testing.T) {
	tests := []struct {
		name string
		a, b int64
		want int64
	}{
		{"exact", 10, 5, 2},
		{"rounds up", 11, 5, 3},
		{"rounds up from zero quotient", 1, 2, 1},
		{"negative numerator", -11, 5, -3},
		{"negative below one", -1, 2, 1},
		{"zero numerator", 0, 7, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DivCeil(bi(tt.a), bi(tt.b))
			require.NoError(t, err)
			assert.Equal(t, bi(tt.want), got)
		})
	}
}

func TestDivCeilZeroDivisor(t *testing.T) {
	_, err := DivCeil(bi(10), bi(0))
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestDivCeilBounds(t *testing.T) {
	// For positive a, b: divCeil(a,b)*b >= a and divCeil(a,b)-1 < a/b.
	for _, pair := range [][2]int64{{1, 2}, {7, 3}, {100, 7}, {1000, 1}, {999, 1000}} {
		a, b := bi(pair[0]), bi(pair[1])
		q, err := DivCeil(a, b)
		require.NoError(t, err)
		assert.True(t, new(big.Int).Mul(q, b).Cmp(a) >= 0, "divCeil(%v,%v)*%v < %v", a, b, b, a)
		lower := new(big.Int).Sub(q, bigOne)
		assert.True(t, new(big.Int).Mul(lower, b).Cmp(a) < 0, "divCeil(%v,%v)-1 not below quotient", a, b)
	}
}

func TestCheckedDecimalMul(t *testing.T) {
	// 2 SOL at $50: (2e9 × 10^-9) × (5e7 × 10^-6) at 10^-6 = $100.
	got := CheckedDecimalMul(bi(2_000_000_000), -9, bi(50_000_000), -6, -6)
	assert.Equal(t, bi(100_000_000), got)

	// Positive residual multiplies instead of dividing.
	got = CheckedDecimalMul(bi(3), -2, bi(4), -2, -6)
	assert.Equal(t, bi(1200), got)

	// Negative residual truncates toward zero.
	got = CheckedDecimalMul(bi(999), -6, bi(999), -6, -6)
	assert.Equal(t, 0, bi(0).Cmp(got))
}

func TestCheckedDecimalMulZeroShortCircuit(t *testing.T) {
	assert.Equal(t, bi(0), CheckedDecimalMul(bi(0), -6, bi(123), -6, -6))
	assert.Equal(t, bi(0), CheckedDecimalMul(bi(123), -6, bi(0), -6, -6))
}

func TestCheckedDecimalMulCommutative(t *testing.T) {
	cases := [][4]int64{
		{123456789, -9, 987654321, -6},
		{5, 2, 7, -3},
		{-42, -6, 42, -6},
	}
	for _, c := range cases {
		left := CheckedDecimalMul(bi(c[0]), int32(c[1]), bi(c[2]), int32(c[3]), -6)
		right := CheckedDecimalMul(bi(c[2]), int32(c[3]), bi(c[0]), int32(c[1]), -6)
		assert.Equal(t, left, right)
	}
}

func TestCheckedDecimalDiv(t *testing.T) {
	// (5 × 10^-6) / (2 × 10^-6) = 2.5 at 10^-6.
	got, err := CheckedDecimalDiv(bi(5), -6, bi(2), -6, -6)
	require.NoError(t, err)
	assert.Equal(t, bi(2_500_000), got)

	// $100 at $50/token with 9 token decimals = 2 tokens.
	got, err = CheckedDecimalDiv(bi(100_000_000), -6, bi(50_000_000), -6, -9)
	require.NoError(t, err)
	assert.Equal(t, bi(2_000_000_000), got)
}

func TestCheckedDecimalDivZeroDivisor(t *testing.T) {
	_, err := CheckedDecimalDiv(bi(1), -6, bi(0), -6, -6)
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestCheckedDecimalDivZeroNumerator(t *testing.T) {
	got, err := CheckedDecimalDiv(bi(0), -6, bi(7), -6, -6)
	require.NoError(t, err)
	assert.Equal(t, bi(0), got)
}

func TestCheckedDecimalMulDivRoundTrip(t *testing.T) {
	// amount × price then / price recovers the amount when the product
	// carries enough precision.
	amount := bi(2_000_000_000)
	price := bi(50_000_000)

	usd := CheckedDecimalMul(amount, -9, price, -6, -6)
	back, err := CheckedDecimalDiv(usd, -6, price, -6, -9)
	require.NoError(t, err)
	assert.Equal(t, amount, back)
}
