package perpmath

import "math/big"

// DebtAmount is the custody's outstanding borrowed amount in token units,
// net of interests already accrued back. Rounds up.
func (c *CustodySnapshot) DebtAmount() *big.Int {
	net := new(big.Int).Sub(c.Debt, c.BorrowLendInterestsAccrued)
	return ceilQuo(clampZero(net), DebtPower)
}

// TrueOwned adds the outstanding debt back to the stored owned amount, since
// borrowed tokens are not held in custody.Owned.
func (c *CustodySnapshot) TrueOwned() *big.Int {
	return new(big.Int).Add(c.Owned, c.DebtAmount())
}

// TrueLocked adds the outstanding debt back to the stored locked amount.
func (c *CustodySnapshot) TrueLocked() *big.Int {
	return new(big.Int).Add(c.Locked, c.DebtAmount())
}

// NetAmount is the token amount the pool can freely value: everything owned
// for stables, owned minus the stored locked amount otherwise.
func (c *CustodySnapshot) NetAmount() *big.Int {
	owned := c.TrueOwned()
	if c.IsStable {
		return owned
	}
	return clampZero(owned.Sub(owned, c.Locked))
}

// GlobalShortPnl computes the aggregate unrealized PnL of all shorts against
// this custody at the given reference price (scaled to UsdcDecimals).
// Traders profit iff the average short entry is above the reference price.
func GlobalShortPnl(c *CustodySnapshot, price *big.Int) (pnlDelta *big.Int, tradersHaveProfit bool, err error) {
	average := c.GlobalShortAveragePrices
	if average.Sign() == 0 {
		return nil, false, ErrDivisionByZero
	}
	priceDelta := new(big.Int).Sub(average, price)
	priceDelta.Abs(priceDelta)

	delta := new(big.Int).Mul(c.GlobalShortSizes, priceDelta)
	delta.Quo(delta, average)
	return delta, average.Cmp(price) > 0, nil
}

// AssetsUnderManagementUsd is the custody's USD contribution to the pool
// AUM. Stable custodies are valued at the floored price over the full owned
// amount; non-stable custodies value the unreserved amount plus the
// guaranteed USD, adjusted by the traders' global short PnL.
func AssetsUnderManagementUsd(c *CustodySnapshot, price OraclePrice) (*big.Int, error) {
	owned := c.TrueOwned()

	if c.IsStable {
		return AssetAmountUsd(price.StableAdjusted(), owned, c.Decimals), nil
	}

	aumUsd := new(big.Int).Set(c.GuaranteedUsd)
	netAssets := clampZero(new(big.Int).Sub(owned, c.Locked))
	aumUsd.Add(aumUsd, AssetAmountUsd(price, netAssets, c.Decimals))

	if c.GlobalShortSizes.Sign() > 0 {
		reference := price.Scaled(-UsdcDecimals)
		pnlDelta, tradersHaveProfit, err := GlobalShortPnl(c, reference.Price)
		if err != nil {
			return nil, err
		}
		if tradersHaveProfit {
			aumUsd = clampZero(aumUsd.Sub(aumUsd, pnlDelta))
		} else {
			aumUsd.Add(aumUsd, pnlDelta)
		}
	}
	return aumUsd, nil
}
