package perpmath

import "math/big"

// FeeBps computes the dynamic fee of the target-ratio tax/rebate model.
// A trade that moves the custody's USD exposure toward its target share of
// the pool AUM earns a rebate off the base fee; a trade that moves it away
// pays a tax on top, proportional to the average distance from target.
func FeeBps(
	custody *CustodySnapshot,
	pool *PoolSnapshot,
	tokenPrice OraclePrice,
	sizeUsdDelta *big.Int,
	baseFeeBps, taxFeeBps, multiplier *big.Int,
	increment bool,
) *big.Int {
	var initialUsd *big.Int
	if custody.IsStable {
		initialUsd = AssetAmountUsd(tokenPrice, custody.TrueOwned(), custody.Decimals)
	} else {
		current := new(big.Int).Sub(custody.TrueOwned(), custody.TrueLocked())
		initialUsd = AssetAmountUsd(tokenPrice, current, custody.Decimals)
		initialUsd.Add(initialUsd, custody.GuaranteedUsd)
	}

	targetUsd := new(big.Int).Mul(pool.AumUsd, custody.TargetRatioBps)
	targetUsd.Quo(targetUsd, BpsPower)
	if targetUsd.Sign() == 0 {
		return new(big.Int)
	}

	initialDiffUsd := new(big.Int).Sub(initialUsd, targetUsd)
	initialDiffUsd.Abs(initialDiffUsd)

	vTradeSize := new(big.Int).Mul(multiplier, sizeUsdDelta)
	nextUsd := new(big.Int)
	if increment {
		nextUsd.Add(initialUsd, vTradeSize)
	} else {
		nextUsd = clampZero(nextUsd.Sub(initialUsd, vTradeSize))
	}

	nextDiffUsd := new(big.Int).Sub(nextUsd, targetUsd)
	nextDiffUsd.Abs(nextDiffUsd)

	if nextDiffUsd.Cmp(initialDiffUsd) < 0 {
		rebateBps := new(big.Int).Mul(taxFeeBps, initialDiffUsd)
		rebateBps.Quo(rebateBps, targetUsd)
		return clampZero(rebateBps.Sub(baseFeeBps, rebateBps))
	}

	avgDiffUsd := new(big.Int).Add(initialDiffUsd, nextDiffUsd)
	avgDiffUsd.Quo(avgDiffUsd, big.NewInt(2))
	taxBps := new(big.Int).Mul(taxFeeBps, minBig(avgDiffUsd, targetUsd))
	taxBps.Quo(taxBps, targetUsd)
	return taxBps.Add(baseFeeBps, taxBps)
}

// SwapFeeBps combines the input-side increment fee and the output-side
// decrement fee and takes the worse of the two. A swap between two stable
// custodies uses the stable-swap parameter set.
func SwapFeeBps(
	pool *PoolSnapshot,
	custodyIn, custodyOut *CustodySnapshot,
	tokenPriceIn, tokenPriceOut OraclePrice,
	swapUsdAmount *big.Int,
) *big.Int {
	var baseFeeBps, taxFeeBps, multiplier *big.Int
	if custodyIn.IsStable && custodyOut.IsStable {
		baseFeeBps = pool.Fees.StableSwapBps
		taxFeeBps = pool.Fees.StableSwapTaxBps
		multiplier = pool.Fees.StableSwapMultiplier
	} else {
		baseFeeBps = pool.Fees.SwapBps
		taxFeeBps = pool.Fees.TaxBps
		multiplier = pool.Fees.SwapMultiplier
	}

	inputFeeBps := FeeBps(custodyIn, pool, tokenPriceIn, swapUsdAmount, baseFeeBps, taxFeeBps, multiplier, true)
	outputFeeBps := FeeBps(custodyOut, pool, tokenPriceOut, swapUsdAmount, baseFeeBps, taxFeeBps, multiplier, false)
	return maxBig(inputFeeBps, outputFeeBps)
}

// AddLiquidityFeeBps is the fee for minting pool tokens against a custody.
func AddLiquidityFeeBps(pool *PoolSnapshot, custody *CustodySnapshot, tokenPrice OraclePrice, usdDelta *big.Int) *big.Int {
	return FeeBps(custody, pool, tokenPrice, usdDelta,
		pool.Fees.AddRemoveLiquidityBps, pool.Fees.TaxBps, pool.Fees.SwapMultiplier, true)
}

// RemoveLiquidityFeeBps is the fee for burning pool tokens against a custody.
func RemoveLiquidityFeeBps(pool *PoolSnapshot, custody *CustodySnapshot, tokenPrice OraclePrice, usdDelta *big.Int) *big.Int {
	return FeeBps(custody, pool, tokenPrice, usdDelta,
		pool.Fees.AddRemoveLiquidityBps, pool.Fees.TaxBps, pool.Fees.SwapMultiplier, false)
}

// CollectFee returns the token amount left after deducting feeBps, used
// uniformly by the mint/burn/swap/close flows.
func CollectFee(tokenAmount, feeBps *big.Int) *big.Int {
	fee := new(big.Int).Mul(tokenAmount, feeBps)
	fee.Quo(fee, BpsPower)
	return clampZero(fee.Sub(tokenAmount, fee))
}

// BaseFeeUsd is the flat bps fee on a USD amount, truncated.
func BaseFeeUsd(baseFeeBps, amount *big.Int) *big.Int {
	if amount.Sign() == 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(amount, baseFeeBps)
	return fee.Quo(fee, BpsPower)
}
