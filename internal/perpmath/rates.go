package perpmath

import "math/big"

// RateMechanism selects how a custody accrues borrow/funding interest.
type RateMechanism int

const (
	RateMechanismLinear RateMechanism = iota
	RateMechanismJump
)

// RateMechanism is Linear when the custody has a nonzero hourly funding rate
// configured, Jump otherwise. The two are mutually exclusive per custody.
func (c *CustodySnapshot) RateMechanism() RateMechanism {
	if c.FundingRate.HourlyFundingDbps.Sign() != 0 {
		return RateMechanismLinear
	}
	return RateMechanismJump
}

// HourlyBorrowRate returns the custody's current hourly rate scaled by
// RatePower. borrowCurve selects the borrow-lend accumulator's linear
// parameters instead of the funding ones.
func HourlyBorrowRate(c *CustodySnapshot, borrowCurve bool) (*big.Int, error) {
	owned := c.TrueOwned()
	locked := c.TrueLocked()

	if c.RateMechanism() == RateMechanismLinear {
		state := c.FundingRate
		if borrowCurve {
			state = c.BorrowsFundingRate
		}
		hourlyRate := new(big.Int).Mul(state.HourlyFundingDbps, RatePower)
		hourlyRate.Quo(hourlyRate, DbpsPower)

		if owned.Sign() <= 0 || locked.Sign() <= 0 {
			return new(big.Int), nil
		}
		return ceilQuo(locked.Mul(locked, hourlyRate), owned), nil
	}

	jump := c.JumpRate

	utilization := new(big.Int)
	if owned.Sign() > 0 && locked.Sign() > 0 {
		utilization.Mul(locked, RatePower)
		utilization.Quo(utilization, owned)
	}

	var yearlyRate *big.Int
	if utilization.Cmp(jump.TargetUtilizationRate) <= 0 {
		if jump.TargetUtilizationRate.Sign() == 0 {
			return nil, ErrDegenerateRateConfig
		}
		slope := new(big.Int).Sub(jump.TargetRateBps, jump.MinRateBps)
		slope.Mul(slope, utilization)
		yearlyRate = ceilQuo(slope, jump.TargetUtilizationRate)
		yearlyRate.Add(yearlyRate, jump.MinRateBps)
	} else {
		rateDiff := clampZero(new(big.Int).Sub(jump.MaxRateBps, jump.TargetRateBps))
		utilDiff := clampZero(new(big.Int).Sub(utilization, jump.TargetUtilizationRate))
		denom := clampZero(new(big.Int).Sub(RatePower, jump.TargetUtilizationRate))
		if denom.Sign() == 0 {
			return nil, ErrDegenerateRateConfig
		}
		yearlyRate = ceilQuo(rateDiff.Mul(rateDiff, utilDiff), denom)
		yearlyRate.Add(yearlyRate, jump.TargetRateBps)
	}
	yearlyRate.Mul(yearlyRate, RatePower)
	yearlyRate.Quo(yearlyRate, BpsPower)

	return yearlyRate.Quo(yearlyRate, big.NewInt(HoursInYear)), nil
}

// CurrentFundingRate is the interest accrued between the custody's last
// update and now, scaled by RatePower. Zero when the custody owns nothing.
func CurrentFundingRate(c *CustodySnapshot, now int64) (*big.Int, error) {
	if c.Owned.Sign() == 0 {
		return new(big.Int), nil
	}
	hourlyRate, err := HourlyBorrowRate(c, false)
	if err != nil {
		return nil, err
	}
	interval := big.NewInt(now - c.FundingRate.LastUpdate)
	return ceilQuo(hourlyRate.Mul(hourlyRate, interval), big.NewInt(3600)), nil
}

// CumulativeInterest extends the custody's stored cumulative rate to now.
func CumulativeInterest(c *CustodySnapshot, now int64) (*big.Int, error) {
	if now > c.FundingRate.LastUpdate {
		fundingRate, err := CurrentFundingRate(c, now)
		if err != nil {
			return nil, err
		}
		return fundingRate.Add(c.FundingRate.CumulativeInterestRate, fundingRate), nil
	}
	return new(big.Int).Set(c.FundingRate.CumulativeInterestRate), nil
}

// PositionBorrowFeeUsd is the interest a position owes since its snapshot
// of the cumulative rate. Rounds up; zero for an empty position.
func PositionBorrowFeeUsd(cumulativeInterestRate, positionSnapshot, sizeUsd *big.Int) *big.Int {
	if sizeUsd.Sign() == 0 {
		return new(big.Int)
	}
	owed := new(big.Int).Sub(cumulativeInterestRate, positionSnapshot)
	owed.Mul(owed, sizeUsd)
	return ceilQuo(owed, RatePower)
}

// CompoundedBorrowInterest is the interest accumulated on a borrow position
// since its snapshot of the compounded borrow index. The divisor is the
// position's own prior snapshot, making this a compounding-ratio update.
// Zero for a fresh position.
func CompoundedBorrowInterest(c *CustodySnapshot, position *BorrowPositionSnapshot) *big.Int {
	if position.BorrowSize.Sign() == 0 || position.CumulativeCompoundedInterestSnapshot.Sign() == 0 {
		return new(big.Int)
	}
	interest := new(big.Int).Sub(
		c.BorrowsFundingRate.CumulativeInterestRate,
		position.CumulativeCompoundedInterestSnapshot,
	)
	interest.Mul(interest, position.BorrowSize)
	return ceilQuo(interest, position.CumulativeCompoundedInterestSnapshot)
}

// BorrowTokenAmount converts a borrow size at BorrowSizePrecision to token
// units, rounding up.
func BorrowTokenAmount(borrowSize *big.Int) *big.Int {
	return ceilQuo(borrowSize, BorrowSizePrecision)
}

// BorrowAPRPercent is the yearly borrow rate as a display percentage.
// Float conversion belongs to presentation only.
func BorrowAPRPercent(c *CustodySnapshot) (float64, error) {
	hourlyRate, err := HourlyBorrowRate(c, true)
	if err != nil {
		return 0, err
	}
	rate, _ := new(big.Float).Quo(
		new(big.Float).SetInt(hourlyRate),
		new(big.Float).SetInt(RatePower),
	).Float64()
	return rate * HoursInYear * 100, nil
}
