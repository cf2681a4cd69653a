package perpmath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImpactBufferFirstUpdate(t *testing.T) {
	buf := NewImpactBuffer()

	next, imbalance := buf.Update(100, bi(1000), true)
	assert.Equal(t, bi(1000), imbalance)
	assert.Equal(t, int64(100), next.LastUpdated)
	assert.Equal(t, bi(1000), next.OpenInterest[100%60])
}

func TestImpactBufferSameSecondAccumulates(t *testing.T) {
	buf := NewImpactBuffer()
	buf, _ = buf.Update(100, bi(1000), true)

	next, imbalance := buf.Update(100, bi(500), true)
	assert.Equal(t, bi(1500), imbalance)
	assert.Equal(t, bi(1500), next.OpenInterest[40])
}

func TestImpactBufferDecreaseIsNegative(t *testing.T) {
	buf := NewImpactBuffer()
	buf, _ = buf.Update(100, bi(1500), true)

	next, imbalance := buf.Update(110, bi(200), false)
	assert.Equal(t, bi(1300), imbalance)
	assert.Equal(t, bi(-200), next.OpenInterest[50])
	// The slot from the earlier second survives within the window.
	assert.Equal(t, bi(1500), next.OpenInterest[40])
}

func TestImpactBufferWrapZeroesStaleSlots(t *testing.T) {
	buf := NewImpactBuffer()
	buf, _ = buf.Update(100, bi(1500), true) // idx 40
	buf, _ = buf.Update(110, bi(200), false) // idx 50

	// idx 5 < idx 50: slots 51..59 and 0..4 are zeroed, 40 and 50 survive.
	next, imbalance := buf.Update(125, bi(100), true)
	assert.Equal(t, bi(1400), imbalance)
	assert.Equal(t, bi(100), next.OpenInterest[5])
	assert.Equal(t, bi(1500), next.OpenInterest[40])
}

func TestImpactBufferStaleCollapses(t *testing.T) {
	buf := NewImpactBuffer()
	buf, _ = buf.Update(100, bi(1500), true)

	// 60 or more seconds elapsed: the window holds only the new amount.
	next, imbalance := buf.Update(160, bi(300), true)
	assert.Equal(t, bi(300), imbalance)
	for i, v := range next.OpenInterest {
		if i == 160%60 {
			assert.Equal(t, bi(300), v)
		} else {
			assert.Equal(t, bi(0), v)
		}
	}
}

func TestLinearPriceImpactFeeBps(t *testing.T) {
	assert.Equal(t, bi(0), LinearPriceImpactFeeBps(bi(1_000_000), bi(0)))
	// ceil(1e6 * 1e4 / 1e9) = ceil(10) = 10.
	assert.Equal(t, bi(10), LinearPriceImpactFeeBps(bi(1_000_000), bi(1_000_000_000)))
	// ceil(1.5) rounds up.
	assert.Equal(t, bi(2), LinearPriceImpactFeeBps(bi(150), bi(1_000_000)))
}

func TestPositionFeeZeroAmount(t *testing.T) {
	c := newCustody()
	buf := NewImpactBuffer()

	res, next, err := PositionFee(c, buf, bi(10), bi(0), true, 100)
	require.NoError(t, err)
	assert.Equal(t, bi(0), res.PositionFeeUsd)
	assert.Equal(t, bi(0), res.PriceImpactFeeUsd)
	assert.Equal(t, int64(0), next.LastUpdated)
}

func TestPositionFeeLinearOnlyWhenNoFeeFactor(t *testing.T) {
	c := newCustody()
	c.TradeImpactFeeScalar = bi(1_000_000_000)
	buf := NewImpactBuffer()

	// linearImpactBps = ceil(2000*1e4/1e9) = 1, total base = 11.
	res, next, err := PositionFee(c, buf, bi(10), bi(2000), true, 100)
	require.NoError(t, err)
	assert.Equal(t, bi(3), res.PositionFeeUsd)    // ceil(2000*11/1e4)
	assert.Equal(t, bi(1), res.PriceImpactFeeUsd) // ceil(2000*1/1e4)
	// Buffer untouched when the buffered model is disabled.
	assert.Equal(t, int64(0), next.LastUpdated)
}

func TestPositionFeeUnderThreshold(t *testing.T) {
	c := newCustody()
	c.Impact.FeeFactor = bi(10)
	c.Impact.MaxFeeBps = bi(200)
	c.Impact.Exponent = 2
	c.Impact.DeltaImbalanceThreshold = bi(10_000)
	buf := NewImpactBuffer()

	res, next, err := PositionFee(c, buf, bi(10), bi(2000), true, 100)
	require.NoError(t, err)
	// No linear scalar and imbalance under threshold: base fee only.
	assert.Equal(t, bi(2), res.PositionFeeUsd)
	assert.Equal(t, bi(0), res.PriceImpactFeeUsd)
	assert.Equal(t, int64(100), next.LastUpdated)
}

func TestPositionFeeAboveThreshold(t *testing.T) {
	c := newCustody()
	c.Impact.FeeFactor = bi(10)
	c.Impact.MaxFeeBps = bi(200)
	c.Impact.Exponent = 2
	c.Impact.DeltaImbalanceThreshold = bi(1000)
	buf := NewImpactBuffer()

	// imbalance 2000 > 1000: excess = ceil((2000/1000)^2) = 4,
	// impactBps = ceil(4/10) = 1, total = 10+1 = 11 under the cap.
	res, next, err := PositionFee(c, buf, bi(10), bi(2000), true, 100)
	require.NoError(t, err)
	assert.Equal(t, bi(3), res.PositionFeeUsd)    // ceil(2000*11/1e4)
	assert.Equal(t, bi(1), res.PriceImpactFeeUsd) // 3 - trunc(2000*10/1e4)
	assert.Equal(t, bi(2000), next.OpenInterest[40])
}

func TestPositionFeeCappedAtMax(t *testing.T) {
	c := newCustody()
	c.Impact.FeeFactor = bi(1)
	c.Impact.MaxFeeBps = bi(50)
	c.Impact.Exponent = 3
	c.Impact.DeltaImbalanceThreshold = bi(10)
	buf := NewImpactBuffer()

	// excess = (2000/10)^3 is enormous; the total fee caps at 50 bps.
	res, _, err := PositionFee(c, buf, bi(10), bi(2000), true, 100)
	require.NoError(t, err)
	assert.Equal(t, bi(10), res.PositionFeeUsd)   // ceil(2000*50/1e4)
	assert.Equal(t, bi(8), res.PriceImpactFeeUsd) // 10 - trunc(2000*10/1e4)
}
