package perpmath

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateMechanismSelection(t *testing.T) {
	c := newCustody()
	assert.Equal(t, RateMechanismJump, c.RateMechanism())

	c.FundingRate.HourlyFundingDbps = bi(80)
	assert.Equal(t, RateMechanismLinear, c.RateMechanism())
}

func TestHourlyBorrowRateLinear(t *testing.T) {
	c := newCustody()
	c.Owned = bi(1000)
	c.Locked = bi(500)
	c.FundingRate.HourlyFundingDbps = bi(100)

	// hourlyFundingRate = 100 * 1e9 / 1e5 = 1e6;
	// rate = ceil(500 * 1e6 / 1000) = 5e5.
	rate, err := HourlyBorrowRate(c, false)
	require.NoError(t, err)
	assert.Equal(t, bi(500_000), rate)
}

func TestHourlyBorrowRateLinearIdle(t *testing.T) {
	c := newCustody()
	c.Owned = bi(1000)
	c.FundingRate.HourlyFundingDbps = bi(100)

	rate, err := HourlyBorrowRate(c, false)
	require.NoError(t, err)
	assert.Equal(t, bi(0), rate)
}

func TestHourlyBorrowRateLinearBorrowCurve(t *testing.T) {
	c := newCustody()
	c.Owned = bi(1000)
	c.Locked = bi(500)
	c.FundingRate.HourlyFundingDbps = bi(100)
	c.BorrowsFundingRate.HourlyFundingDbps = bi(200)

	rate, err := HourlyBorrowRate(c, true)
	require.NoError(t, err)
	assert.Equal(t, bi(1_000_000), rate)
}

func TestHourlyBorrowRateJumpBelowTarget(t *testing.T) {
	c := newCustody()
	c.Owned = bi(1000)
	c.Locked = bi(400)
	c.JumpRate.MinRateBps = bi(0)
	c.JumpRate.MaxRateBps = bi(1000)
	c.JumpRate.TargetRateBps = bi(100)
	c.JumpRate.TargetUtilizationRate = bi(800_000_000)

	// utilization = 40% -> yearly 50 bps -> 5e6 at rate scale -> /8760.
	rate, err := HourlyBorrowRate(c, false)
	require.NoError(t, err)
	assert.Equal(t, bi(570), rate)
}

func TestHourlyBorrowRateJumpAboveTarget(t *testing.T) {
	c := newCustody()
	c.Owned = bi(1000)
	c.Locked = bi(900)
	c.JumpRate.MinRateBps = bi(0)
	c.JumpRate.MaxRateBps = bi(1000)
	c.JumpRate.TargetRateBps = bi(100)
	c.JumpRate.TargetUtilizationRate = bi(800_000_000)

	// utilization = 90%: yearly = ceil(900*1e8/2e8) + 100 = 550 bps,
	// 5.5e7 at rate scale, /8760 truncates to 6278.
	rate, err := HourlyBorrowRate(c, false)
	require.NoError(t, err)
	assert.Equal(t, bi(6278), rate)
}

func TestHourlyBorrowRateJumpDegenerate(t *testing.T) {
	c := newCustody()
	c.Owned = bi(1000)
	c.Locked = bi(2000)
	c.JumpRate.TargetUtilizationRate = new(big.Int).Set(RatePower)

	// Fully utilized target: the upper curve segment has a zero denominator.
	_, err := HourlyBorrowRate(c, false)
	require.ErrorIs(t, err, ErrDegenerateRateConfig)
}

func TestCurrentFundingRate(t *testing.T) {
	c := newCustody()
	c.Owned = bi(1000)
	c.Locked = bi(500)
	c.FundingRate.HourlyFundingDbps = bi(100)
	c.FundingRate.LastUpdate = 1000

	// A full hour accrues exactly the hourly rate.
	rate, err := CurrentFundingRate(c, 1000+3600)
	require.NoError(t, err)
	assert.Equal(t, bi(500_000), rate)

	// Half an hour rounds the accrual up.
	rate, err = CurrentFundingRate(c, 1000+1800)
	require.NoError(t, err)
	assert.Equal(t, bi(250_000), rate)
}

func TestCurrentFundingRateZeroOwned(t *testing.T) {
	c := newCustody()
	rate, err := CurrentFundingRate(c, 5000)
	require.NoError(t, err)
	assert.Equal(t, bi(0), rate)
}

func TestCumulativeInterest(t *testing.T) {
	c := newCustody()
	c.Owned = bi(1000)
	c.Locked = bi(500)
	c.FundingRate.HourlyFundingDbps = bi(100)
	c.FundingRate.LastUpdate = 1000
	c.FundingRate.CumulativeInterestRate = bi(7_000_000)

	// No time elapsed: stored value unchanged.
	cum, err := CumulativeInterest(c, 1000)
	require.NoError(t, err)
	assert.Equal(t, bi(7_000_000), cum)

	cum, err = CumulativeInterest(c, 1000+3600)
	require.NoError(t, err)
	assert.Equal(t, bi(7_500_000), cum)
}

func TestPositionBorrowFeeUsd(t *testing.T) {
	assert.Equal(t, bi(0), PositionBorrowFeeUsd(bi(2_000_000_000), bi(1_000_000_000), bi(0)))

	// 100% accrued interest on a $1000 position.
	got := PositionBorrowFeeUsd(bi(2_000_000_000), bi(1_000_000_000), bi(1_000_000_000))
	assert.Equal(t, bi(1_000_000_000), got)

	// A tiny accrual still rounds up to one unit.
	got = PositionBorrowFeeUsd(bi(1_000_000_001), bi(1_000_000_000), bi(1_000))
	assert.Equal(t, bi(1), got)
}

func TestCompoundedBorrowInterest(t *testing.T) {
	c := newCustody()
	c.BorrowsFundingRate.CumulativeInterestRate = bi(1_100_000_000)

	pos := &BorrowPositionSnapshot{
		BorrowSize:                           bi(1_000_000_000_000),
		LockedCollateral:                     bi(0),
		CumulativeCompoundedInterestSnapshot: bi(1_000_000_000),
	}

	// Index grew 10% over the snapshot: interest is 10% of the size.
	assert.Equal(t, bi(100_000_000_000), CompoundedBorrowInterest(c, pos))
}

func TestCompoundedBorrowInterestFreshPosition(t *testing.T) {
	c := newCustody()
	c.BorrowsFundingRate.CumulativeInterestRate = bi(1_100_000_000)

	pos := &BorrowPositionSnapshot{
		BorrowSize:                           bi(0),
		LockedCollateral:                     bi(0),
		CumulativeCompoundedInterestSnapshot: bi(0),
	}
	assert.Equal(t, bi(0), CompoundedBorrowInterest(c, pos))

	pos.BorrowSize = bi(500)
	assert.Equal(t, bi(0), CompoundedBorrowInterest(c, pos))
}

func TestBorrowTokenAmount(t *testing.T) {
	assert.Equal(t, bi(2), BorrowTokenAmount(bi(1_500_000_000)))
	assert.Equal(t, bi(1), BorrowTokenAmount(bi(1_000_000_000)))
}

func TestBorrowAPRPercent(t *testing.T) {
	c := newCustody()
	c.Owned = bi(1000)
	c.Locked = bi(500)
	c.FundingRate.HourlyFundingDbps = bi(100)
	c.BorrowsFundingRate.HourlyFundingDbps = bi(100)

	apr, err := BorrowAPRPercent(c)
	require.NoError(t, err)
	// 5e5/1e9 per hour * 8760 h * 100 = 43.8%.
	assert.InDelta(t, 43.8, apr, 1e-9)
}
