package perpmath

import (
	"math"
	"math/big"
)

// PoolTokenMintAmount is the amount of pool tokens minted for a USD deposit
// (after fees) against the current AUM and supply.
func PoolTokenMintAmount(depositUsd, poolTokenSupply, aumUsd *big.Int) (*big.Int, error) {
	if aumUsd.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	out := new(big.Int).Mul(depositUsd, poolTokenSupply)
	return out.Quo(out, aumUsd), nil
}

// PoolTokenRedeemUsd is the USD value released by burning pool tokens,
// before the remove-liquidity fee.
func PoolTokenRedeemUsd(aumUsd, burnAmount, poolTokenSupply *big.Int) (*big.Int, error) {
	if poolTokenSupply.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	out := new(big.Int).Mul(aumUsd, burnAmount)
	return out.Quo(out, poolTokenSupply), nil
}

// PoolTokenVirtualPrice is the USD value of one pool token, scaled to
// PoolTokenDecimals for quotient precision.
func PoolTokenVirtualPrice(totalAumUsd, poolTokenSupply *big.Int) (*big.Int, error) {
	if poolTokenSupply.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	out := new(big.Int).Mul(totalAumUsd, pow10(PoolTokenDecimals))
	return out.Quo(out, poolTokenSupply), nil
}

// LockedCollateralUsd values a borrow position's locked pool-token
// collateral at the current AUM per token.
func LockedCollateralUsd(aumUsd, lockedCollateral, poolTokenSupply *big.Int) (*big.Int, error) {
	if poolTokenSupply.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	out := new(big.Int).Mul(aumUsd, lockedCollateral)
	return out.Quo(out, poolTokenSupply), nil
}

// PoolAPRPercent converts the stored fee APR in bps to a display percentage.
func PoolAPRPercent(feeAprBps uint64) float64 {
	return float64(feeAprBps) / 100
}

// CompoundToAPY compounds a yearly percentage rate daily. Display only.
func CompoundToAPY(aprPercent float64) float64 {
	const frequency = 365
	return (math.Pow(aprPercent/100/frequency+1, frequency) - 1) * 100
}
