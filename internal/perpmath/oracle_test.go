package perpmath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOraclePriceScaled(t *testing.T) {
	p := OraclePrice{Price: bi(123_456_789), Exponent: -9}

	same := p.Scaled(-9)
	assert.Equal(t, p.Price, same.Price)
	assert.Equal(t, int32(-9), same.Exponent)

	coarser := p.Scaled(-6)
	assert.Equal(t, bi(123_456), coarser.Price)
	assert.Equal(t, int32(-6), coarser.Exponent)

	finer := p.Scaled(-12)
	assert.Equal(t, bi(123_456_789_000), finer.Price)
}

func TestOraclePriceScaledRoundTrip(t *testing.T) {
	// Going finer then back coarser loses nothing.
	p := OraclePrice{Price: bi(123_456), Exponent: -6}
	back := p.Scaled(-9).Scaled(-6)
	assert.Equal(t, p.Price, back.Price)

	// Going coarser first truncates.
	p = OraclePrice{Price: bi(123_456_789), Exponent: -9}
	lossy := p.Scaled(-6).Scaled(-9)
	assert.Equal(t, bi(123_456_000), lossy.Price)
}

func TestStableAdjusted(t *testing.T) {
	depegged := OraclePrice{Price: bi(980_000), Exponent: -6}
	floored := depegged.StableAdjusted()
	assert.Equal(t, bi(1_000_000), floored.Price)

	above := OraclePrice{Price: bi(1_002_000), Exponent: -6}
	assert.Equal(t, bi(1_002_000), above.StableAdjusted().Price)
}

func TestStableAdjustedIdempotent(t *testing.T) {
	p := OraclePrice{Price: bi(980_000), Exponent: -6}
	once := p.StableAdjusted()
	twice := once.StableAdjusted()
	assert.Equal(t, once.Price, twice.Price)
	assert.Equal(t, once.Exponent, twice.Exponent)
}

func TestAssetAmountUsd(t *testing.T) {
	price := OraclePrice{Price: bi(50_000_000), Exponent: -6}

	// 2 tokens with 9 decimals at $50 = $100.
	got := AssetAmountUsd(price, bi(2_000_000_000), 9)
	assert.Equal(t, bi(100_000_000), got)

	assert.Equal(t, bi(0), AssetAmountUsd(price, bi(0), 9))
	assert.Equal(t, bi(0), AssetAmountUsd(OraclePrice{Price: bi(0), Exponent: -6}, bi(1), 9))
}

func TestTokenAmountRoundTrip(t *testing.T) {
	price := OraclePrice{Price: bi(50_000_000), Exponent: -6}
	amount := bi(2_000_000_000)

	usd := AssetAmountUsd(price, amount, 9)
	back, err := TokenAmount(price, usd, 9)
	require.NoError(t, err)
	assert.Equal(t, amount, back)
}

func TestTokenAmountZeroPrice(t *testing.T) {
	_, err := TokenAmount(OraclePrice{Price: bi(0), Exponent: -6}, bi(100), 9)
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestSwapPrice(t *testing.T) {
	in := OraclePrice{Price: bi(100_000_000), Exponent: -6}  // $100
	out := OraclePrice{Price: bi(50_000_000), Exponent: -6}  // $50

	p, err := SwapPrice(in, out)
	require.NoError(t, err)
	assert.Equal(t, bi(2_000_000_000), p.Price)
	assert.Equal(t, int32(-9), p.Exponent)

	_, err = SwapPrice(in, OraclePrice{Price: bi(0), Exponent: -6})
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestSwapAmount(t *testing.T) {
	in := OraclePrice{Price: bi(100_000_000), Exponent: -6}
	out := OraclePrice{Price: bi(50_000_000), Exponent: -6}

	// 1.5 tokens (9 decimals) of a $100 asset buys 3 tokens (6 decimals)
	// of a $50 asset.
	got, err := SwapAmount(in, out, 9, 6, bi(1_500_000_000))
	require.NoError(t, err)
	assert.Equal(t, bi(3_000_000), got)
}
