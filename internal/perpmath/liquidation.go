package perpmath

import "math/big"

// PositionPnl is the position's unrealized PnL before fees at the given mark
// price, signed: positive when the position is in profit.
func PositionPnl(position *PositionSnapshot, markPrice *big.Int) (*big.Int, error) {
	if position.Price.Sign() == 0 {
		return nil, ErrDivisionByZero
	}

	hasProfit := markPrice.Cmp(position.Price) > 0
	if !position.Long {
		hasProfit = position.Price.Cmp(markPrice) > 0
	}

	priceDelta := new(big.Int).Sub(markPrice, position.Price)
	priceDelta.Abs(priceDelta)

	pnl := new(big.Int).Mul(position.SizeUsd, priceDelta)
	pnl.Quo(pnl, position.Price)
	if !hasProfit {
		pnl.Neg(pnl)
	}
	return pnl, nil
}

// LiquidationPrice is the mark price at which the position's maximum
// tolerated loss (leverage allowance plus close and borrow fees) crosses its
// posted collateral. The direction the price moves relative to entry depends
// on whether the position is already under-margined: when the maximum loss
// exceeds the collateral the liquidation price sits beyond the entry in the
// position's favor. That branch structure mirrors the program's margin
// check and must not be "corrected".
func LiquidationPrice(
	position *PositionSnapshot,
	custody *CustodySnapshot,
	collateralCustody *CustodySnapshot,
	now int64,
) (*big.Int, error) {
	if position.SizeUsd.Sign() == 0 {
		return nil, ErrDivisionByZero
	}

	priceImpactFeeBps := LinearPriceImpactFeeBps(position.SizeUsd, custody.TradeImpactFeeScalar)
	totalFeeBps := new(big.Int).Add(custody.DecreasePositionBps, priceImpactFeeBps)

	closeFeeUsd := new(big.Int).Mul(position.SizeUsd, totalFeeBps)
	closeFeeUsd.Quo(closeFeeUsd, BpsPower)

	cumulativeInterest, err := CumulativeInterest(collateralCustody, now)
	if err != nil {
		return nil, err
	}
	borrowFeeUsd := PositionBorrowFeeUsd(cumulativeInterest, position.CumulativeInterestSnapshot, position.SizeUsd)

	totalFeeUsd := closeFeeUsd.Add(closeFeeUsd, borrowFeeUsd)

	if custody.MaxLeverage.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	maxLossUsd := new(big.Int).Mul(position.SizeUsd, BpsPower)
	maxLossUsd.Quo(maxLossUsd, custody.MaxLeverage)
	maxLossUsd.Add(maxLossUsd, totalFeeUsd)

	maxPriceDiff := new(big.Int).Sub(maxLossUsd, position.CollateralUsd)
	maxPriceDiff.Abs(maxPriceDiff)
	maxPriceDiff.Mul(maxPriceDiff, position.Price)
	maxPriceDiff.Quo(maxPriceDiff, position.SizeUsd)

	underMargined := maxLossUsd.Cmp(position.CollateralUsd) > 0
	liquidationPrice := new(big.Int).Set(position.Price)
	if position.Long {
		if underMargined {
			liquidationPrice.Add(liquidationPrice, maxPriceDiff)
		} else {
			liquidationPrice.Sub(liquidationPrice, maxPriceDiff)
		}
	} else {
		if underMargined {
			liquidationPrice.Sub(liquidationPrice, maxPriceDiff)
		} else {
			liquidationPrice.Add(liquidationPrice, maxPriceDiff)
		}
	}
	return liquidationPrice, nil
}
