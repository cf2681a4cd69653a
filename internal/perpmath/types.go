package perpmath

import (
	"fmt"
	"math/big"
)

// FundingState is one interest accumulator of a custody. The cumulative rate
// is scaled by RatePower; a nonzero HourlyFundingDbps selects the linear
// rate mechanism for the whole custody.
type FundingState struct {
	CumulativeInterestRate *big.Int
	LastUpdate             int64
	HourlyFundingDbps      *big.Int
}

// JumpRateConfig parameterizes the utilization jump curve. All rates are in
// bps; TargetUtilizationRate is scaled by RatePower.
type JumpRateConfig struct {
	MinRateBps            *big.Int
	MaxRateBps            *big.Int
	TargetRateBps         *big.Int
	TargetUtilizationRate *big.Int
}

// ImpactConfig is the buffered price-impact fee configuration of a custody.
// A zero FeeFactor disables the buffered model entirely.
type ImpactConfig struct {
	FeeFactor               *big.Int
	MaxFeeBps               *big.Int
	Exponent                uint32
	DeltaImbalanceThreshold *big.Int
}

// CustodySnapshot is an immutable per-asset view of the exchange state.
// Owned and Locked exclude currently-borrowed tokens; TrueOwned and
// TrueLocked add the outstanding debt back.
type CustodySnapshot struct {
	Decimals uint8
	IsStable bool

	Owned                    *big.Int
	Locked                   *big.Int
	GuaranteedUsd            *big.Int
	GlobalShortSizes         *big.Int
	GlobalShortAveragePrices *big.Int

	Debt                       *big.Int
	BorrowLendInterestsAccrued *big.Int

	TargetRatioBps       *big.Int
	IncreasePositionBps  *big.Int
	DecreasePositionBps  *big.Int
	TradeImpactFeeScalar *big.Int
	MaxLeverage          *big.Int

	FundingRate        FundingState
	BorrowsFundingRate FundingState
	JumpRate           JumpRateConfig
	Impact             ImpactConfig
}

// Validate rejects snapshots with missing amounts or an impact configuration
// that would make the buffered fee meaningless (a zero exponent collapses
// every excess to one regardless of imbalance).
func (c *CustodySnapshot) Validate() error {
	for name, v := range map[string]*big.Int{
		"owned":                         c.Owned,
		"locked":                        c.Locked,
		"guaranteedUsd":                 c.GuaranteedUsd,
		"globalShortSizes":              c.GlobalShortSizes,
		"globalShortAveragePrices":      c.GlobalShortAveragePrices,
		"debt":                          c.Debt,
		"borrowLendInterestsAccrued":    c.BorrowLendInterestsAccrued,
		"targetRatioBps":                c.TargetRatioBps,
		"increasePositionBps":           c.IncreasePositionBps,
		"decreasePositionBps":           c.DecreasePositionBps,
		"tradeImpactFeeScalar":          c.TradeImpactFeeScalar,
		"maxLeverage":                   c.MaxLeverage,
		"fundingRate.cumulative":        c.FundingRate.CumulativeInterestRate,
		"fundingRate.hourlyDbps":        c.FundingRate.HourlyFundingDbps,
		"borrowsFundingRate.cumulative": c.BorrowsFundingRate.CumulativeInterestRate,
		"borrowsFundingRate.hourlyDbps": c.BorrowsFundingRate.HourlyFundingDbps,
		"jumpRate.minRateBps":           c.JumpRate.MinRateBps,
		"jumpRate.maxRateBps":           c.JumpRate.MaxRateBps,
		"jumpRate.targetRateBps":        c.JumpRate.TargetRateBps,
		"jumpRate.targetUtilization":    c.JumpRate.TargetUtilizationRate,
		"impact.feeFactor":              c.Impact.FeeFactor,
		"impact.maxFeeBps":              c.Impact.MaxFeeBps,
		"impact.threshold":              c.Impact.DeltaImbalanceThreshold,
	} {
		if v == nil {
			return fmt.Errorf("custody snapshot: %s is nil", name)
		}
	}
	if c.Impact.FeeFactor.Sign() != 0 && c.Impact.Exponent == 0 {
		return fmt.Errorf("custody snapshot: impact exponent is zero with a nonzero fee factor")
	}
	return nil
}

// PoolFees is the pool-level base fee configuration in bps plus the virtual
// trade-size multipliers of the tax/rebate model.
type PoolFees struct {
	IncreasePositionBps   *big.Int
	DecreasePositionBps   *big.Int
	AddRemoveLiquidityBps *big.Int
	SwapBps               *big.Int
	TaxBps                *big.Int
	StableSwapBps         *big.Int
	StableSwapTaxBps      *big.Int
	SwapMultiplier        *big.Int
	StableSwapMultiplier  *big.Int
	ProtocolShareBps      *big.Int
}

type PoolSnapshot struct {
	AumUsd *big.Int
	Fees   PoolFees
}

func (p *PoolSnapshot) Validate() error {
	for name, v := range map[string]*big.Int{
		"aumUsd":                     p.AumUsd,
		"fees.increasePositionBps":   p.Fees.IncreasePositionBps,
		"fees.decreasePositionBps":   p.Fees.DecreasePositionBps,
		"fees.addRemoveLiquidityBps": p.Fees.AddRemoveLiquidityBps,
		"fees.swapBps":               p.Fees.SwapBps,
		"fees.taxBps":                p.Fees.TaxBps,
		"fees.stableSwapBps":         p.Fees.StableSwapBps,
		"fees.stableSwapTaxBps":      p.Fees.StableSwapTaxBps,
		"fees.swapMultiplier":        p.Fees.SwapMultiplier,
		"fees.stableSwapMultiplier":  p.Fees.StableSwapMultiplier,
	} {
		if v == nil {
			return fmt.Errorf("pool snapshot: %s is nil", name)
		}
	}
	return nil
}

// PositionSnapshot carries the position fields the calculators need. Price is
// the entry price scaled to UsdcDecimals; the interest snapshot is the
// collateral custody's cumulative rate at last position touch.
type PositionSnapshot struct {
	Long                       bool
	SizeUsd                    *big.Int
	CollateralUsd              *big.Int
	Price                      *big.Int
	CumulativeInterestSnapshot *big.Int
}

// BorrowPositionSnapshot is a borrower's open loan. BorrowSize is in token
// units at BorrowSizePrecision; the snapshot is the custody's compounded
// borrow index when the position was last touched.
type BorrowPositionSnapshot struct {
	BorrowSize                           *big.Int
	LockedCollateral                     *big.Int
	CumulativeCompoundedInterestSnapshot *big.Int
}
