package perpmath

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newPool() *PoolSnapshot {
	zero := func() *big.Int { return new(big.Int) }
	return &PoolSnapshot{
		AumUsd: zero(),
		Fees: PoolFees{
			IncreasePositionBps:   zero(),
			DecreasePositionBps:   zero(),
			AddRemoveLiquidityBps: zero(),
			SwapBps:               zero(),
			TaxBps:                zero(),
			StableSwapBps:         zero(),
			StableSwapTaxBps:      zero(),
			SwapMultiplier:        bi(1),
			StableSwapMultiplier:  bi(1),
			ProtocolShareBps:      zero(),
		},
	}
}

// rebateCustody is a stable custody holding $90 against a $100 target share
// of a $1000 pool.
func rebateCustody() (*CustodySnapshot, *PoolSnapshot, OraclePrice) {
	c := newCustody()
	c.IsStable = true
	c.Decimals = 6
	c.Owned = bi(90_000_000)
	c.TargetRatioBps = bi(1000)

	p := newPool()
	p.AumUsd = bi(1_000_000_000)

	price := OraclePrice{Price: bi(1_000_000), Exponent: -6}
	return c, p, price
}

func TestFeeBpsRebatePath(t *testing.T) {
	c, p, price := rebateCustody()

	// Moving $90 toward the $100 target: rebateBps = 10*10/100 = 1.
	fee := FeeBps(c, p, price, bi(5_000_000), bi(20), bi(10), bi(1), true)
	assert.Equal(t, bi(19), fee)
}

func TestFeeBpsTaxPath(t *testing.T) {
	c, p, price := rebateCustody()

	// Decreasing moves away from target: avgDiff = (10+15)/2 = 12.5,
	// taxBps = 10*12.5/100 truncated to 1 on top of the base fee.
	fee := FeeBps(c, p, price, bi(5_000_000), bi(20), bi(10), bi(1), false)
	assert.Equal(t, bi(21), fee)
}

func TestFeeBpsZeroTarget(t *testing.T) {
	c, p, price := rebateCustody()
	c.TargetRatioBps = bi(0)

	fee := FeeBps(c, p, price, bi(5_000_000), bi(20), bi(10), bi(1), true)
	assert.Equal(t, bi(0), fee)
}

func TestFeeBpsRebateNeverNegative(t *testing.T) {
	c, p, price := rebateCustody()

	// A huge tax rate makes the rebate exceed the base fee; it floors at 0.
	fee := FeeBps(c, p, price, bi(5_000_000), bi(20), bi(10_000), bi(1), true)
	assert.Equal(t, bi(0), fee)
}

func TestSwapFeeBpsTakesWorseSide(t *testing.T) {
	cIn, p, price := rebateCustody()
	cIn.IsStable = false

	cOut := newCustody()
	cOut.Decimals = 6
	cOut.Owned = bi(110_000_000)
	cOut.TargetRatioBps = bi(1000)

	p.Fees.SwapBps = bi(20)
	p.Fees.TaxBps = bi(10)

	// Input side rebates (90 -> 95 toward 100), output side rebates too
	// (110 -> 105 toward 100); both use the non-stable parameter set since
	// only one side is stable.
	fee := SwapFeeBps(p, cIn, cOut, price, price, bi(5_000_000))
	assert.Equal(t, bi(19), fee)
}

func TestSwapFeeBpsStablePair(t *testing.T) {
	cIn, p, price := rebateCustody()
	cOut := newCustody()
	cOut.IsStable = true
	cOut.Decimals = 6
	cOut.Owned = bi(110_000_000)
	cOut.TargetRatioBps = bi(1000)

	p.Fees.SwapBps = bi(20)
	p.Fees.TaxBps = bi(10)
	p.Fees.StableSwapBps = bi(5)
	p.Fees.StableSwapTaxBps = bi(2)

	fee := SwapFeeBps(p, cIn, cOut, price, price, bi(5_000_000))
	// Both sides rebate from the stable base fee of 5.
	assert.Equal(t, bi(5), fee)
}

func TestAddRemoveLiquidityFeeBps(t *testing.T) {
	c, p, price := rebateCustody()
	p.Fees.AddRemoveLiquidityBps = bi(20)
	p.Fees.TaxBps = bi(10)

	assert.Equal(t, bi(19), AddLiquidityFeeBps(p, c, price, bi(5_000_000)))
	assert.Equal(t, bi(21), RemoveLiquidityFeeBps(p, c, price, bi(5_000_000)))
}

func TestCollectFee(t *testing.T) {
	assert.Equal(t, bi(1_000_000), CollectFee(bi(1_000_000), bi(0)))
	assert.Equal(t, 0, bi(0).Cmp(CollectFee(bi(1_000_000), bi(10_000))))
	// 25 bps on 1 token.
	assert.Equal(t, bi(997_500), CollectFee(bi(1_000_000), bi(25)))
}

func TestBaseFeeUsd(t *testing.T) {
	assert.Equal(t, bi(0), BaseFeeUsd(bi(50), bi(0)))
	assert.Equal(t, bi(500), BaseFeeUsd(bi(50), bi(100_000)))
}
