package perpmath

import "math/big"

// OraclePrice is a USD price as coefficient × 10^Exponent.
type OraclePrice struct {
	Price    *big.Int
	Exponent int32
}

// Scaled rescales the price to a target exponent. Moving to a coarser
// exponent truncates; moving to a finer one is exact.
func (p OraclePrice) Scaled(targetExponent int32) OraclePrice {
	if targetExponent == p.Exponent {
		return OraclePrice{Price: new(big.Int).Set(p.Price), Exponent: p.Exponent}
	}
	delta := int64(targetExponent) - int64(p.Exponent)
	if delta > 0 {
		return OraclePrice{
			Price:    new(big.Int).Quo(p.Price, pow10(delta)),
			Exponent: targetExponent,
		}
	}
	return OraclePrice{
		Price:    new(big.Int).Mul(p.Price, pow10(-delta)),
		Exponent: targetExponent,
	}
}

// StableAdjusted floors the price at exactly $1.00 in its own exponent. The
// program uses this as a depeg safety for stablecoin custody valuation; it
// must not be applied to swap or liquidation pricing.
func (p OraclePrice) StableAdjusted() OraclePrice {
	oneUsd := pow10(int64(p.Exponent))
	return OraclePrice{
		Price:    new(big.Int).Set(maxBig(oneUsd, p.Price)),
		Exponent: p.Exponent,
	}
}

// AssetAmountUsd values a token amount in USD scaled to UsdcDecimals.
func AssetAmountUsd(oracle OraclePrice, tokenAmount *big.Int, tokenDecimals uint8) *big.Int {
	if tokenAmount.Sign() == 0 || oracle.Price.Sign() == 0 {
		return new(big.Int)
	}
	return CheckedDecimalMul(
		tokenAmount, -int32(tokenDecimals),
		oracle.Price, oracle.Exponent,
		-UsdcDecimals,
	)
}

// TokenAmount is the inverse of AssetAmountUsd: it converts a USD amount at
// UsdcDecimals back into token units at the token's own decimals.
func TokenAmount(oracle OraclePrice, assetAmountUsd *big.Int, tokenDecimals uint8) (*big.Int, error) {
	if oracle.Price.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	if assetAmountUsd.Sign() == 0 {
		return new(big.Int), nil
	}
	return CheckedDecimalDiv(
		assetAmountUsd, -UsdcDecimals,
		oracle.Price, oracle.Exponent,
		-int32(tokenDecimals),
	)
}

// SwapPrice is the in/out price ratio carried at the oracle's own scale.
func SwapPrice(tokenInPrice, tokenOutPrice OraclePrice) (OraclePrice, error) {
	if tokenOutPrice.Price.Sign() == 0 {
		return OraclePrice{}, ErrDivisionByZero
	}
	price := new(big.Int).Mul(tokenInPrice.Price, OraclePriceScale)
	price.Quo(price, tokenOutPrice.Price)
	return OraclePrice{
		Price:    price,
		Exponent: tokenInPrice.Exponent + OracleExponentScale - tokenOutPrice.Exponent,
	}, nil
}

// SwapAmount converts an input token amount to the output token amount at
// oracle prices, before fees.
func SwapAmount(tokenInPrice, tokenOutPrice OraclePrice, decimalsIn, decimalsOut uint8, amountIn *big.Int) (*big.Int, error) {
	swapPrice, err := SwapPrice(tokenInPrice, tokenOutPrice)
	if err != nil {
		return nil, err
	}
	return CheckedDecimalMul(
		amountIn, -int32(decimalsIn),
		swapPrice.Price, swapPrice.Exponent,
		-int32(decimalsOut),
	), nil
}
