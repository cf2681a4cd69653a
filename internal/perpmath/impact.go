package perpmath

import "math/big"

const impactBufferSlots = 60

// ImpactBuffer is the rolling window of signed open-interest deltas for one
// custody, keyed by unix-second mod 60. The engine treats it as an explicit
// input/output value; the caller owns persistence and serialization of
// concurrent updates for the same custody.
type ImpactBuffer struct {
	OpenInterest [impactBufferSlots]*big.Int
	LastUpdated  int64
}

// NewImpactBuffer returns an empty buffer with every slot at zero.
func NewImpactBuffer() ImpactBuffer {
	var b ImpactBuffer
	for i := range b.OpenInterest {
		b.OpenInterest[i] = new(big.Int)
	}
	return b
}

func (b ImpactBuffer) clone() ImpactBuffer {
	next := ImpactBuffer{LastUpdated: b.LastUpdated}
	for i, v := range b.OpenInterest {
		if v == nil {
			next.OpenInterest[i] = new(big.Int)
		} else {
			next.OpenInterest[i] = new(big.Int).Set(v)
		}
	}
	return next
}

// Update folds a new open-interest delta into the buffer and returns the
// updated buffer plus the signed net imbalance over the window. Slots between
// the last update and now are zeroed; if the buffer is empty or more than a
// minute old the window collapses to just the new amount.
func (b ImpactBuffer) Update(now int64, openInterestDelta *big.Int, increase bool) (ImpactBuffer, *big.Int) {
	amount := new(big.Int).Set(openInterestDelta)
	if !increase {
		amount.Neg(amount)
	}

	currentIdx := int(now % impactBufferSlots)

	if b.LastUpdated <= 0 || now-b.LastUpdated >= impactBufferSlots {
		next := NewImpactBuffer()
		next.OpenInterest[currentIdx].Set(amount)
		next.LastUpdated = now
		return next, amount
	}

	lastIdx := int(b.LastUpdated % impactBufferSlots)
	next := b.clone()
	if lastIdx == currentIdx {
		next.OpenInterest[currentIdx].Add(next.OpenInterest[currentIdx], amount)
	} else {
		next.OpenInterest[currentIdx].Set(amount)
	}

	if currentIdx > lastIdx {
		for i := lastIdx + 1; i < currentIdx; i++ {
			next.OpenInterest[i].SetInt64(0)
		}
	} else if currentIdx < lastIdx {
		for i := lastIdx + 1; i < impactBufferSlots; i++ {
			next.OpenInterest[i].SetInt64(0)
		}
		for i := 0; i < currentIdx; i++ {
			next.OpenInterest[i].SetInt64(0)
		}
	}
	next.LastUpdated = now

	imbalance := new(big.Int)
	for _, v := range next.OpenInterest {
		imbalance.Add(imbalance, v)
	}
	return next, imbalance
}

// LinearPriceImpactFeeBps is the size-proportional impact fee. Zero when the
// custody has no impact scalar configured.
func LinearPriceImpactFeeBps(tradeSizeUsd, tradeImpactFeeScalar *big.Int) *big.Int {
	if tradeImpactFeeScalar.Sign() == 0 {
		return new(big.Int)
	}
	scaled := new(big.Int).Mul(tradeSizeUsd, BpsPower)
	return ceilQuo(scaled, tradeImpactFeeScalar)
}

// PositionFeeResult splits a position fee into the capped total and the
// price-impact component isolated from the base fee.
type PositionFeeResult struct {
	PositionFeeUsd    *big.Int
	PriceImpactFeeUsd *big.Int
}

// PositionFee computes the full position fee for a trade of sizeUsd against
// the custody, folding the trade into the impact buffer. Under the imbalance
// threshold only the linear impact applies; above it the excess imbalance is
// raised to the configured exponent, converted to bps through the fee factor
// and capped at the custody's max fee. The returned buffer replaces the one
// passed in.
func PositionFee(
	custody *CustodySnapshot,
	buffer ImpactBuffer,
	baseFeeBps *big.Int,
	sizeUsd *big.Int,
	increase bool,
	now int64,
) (PositionFeeResult, ImpactBuffer, error) {
	if sizeUsd.Sign() == 0 {
		return PositionFeeResult{
			PositionFeeUsd:    new(big.Int),
			PriceImpactFeeUsd: new(big.Int),
		}, buffer, nil
	}

	linearImpactBps := LinearPriceImpactFeeBps(sizeUsd, custody.TradeImpactFeeScalar)
	totalBaseFeeBps := new(big.Int).Add(linearImpactBps, baseFeeBps)
	linearImpactUsd := ceilQuo(new(big.Int).Mul(sizeUsd, linearImpactBps), BpsPower)
	positionFeeUsd := ceilQuo(new(big.Int).Mul(sizeUsd, totalBaseFeeBps), BpsPower)

	if custody.Impact.FeeFactor.Sign() == 0 {
		return PositionFeeResult{
			PositionFeeUsd:    positionFeeUsd,
			PriceImpactFeeUsd: linearImpactUsd,
		}, buffer, nil
	}

	next, imbalance := buffer.Update(now, sizeUsd, increase)
	imbalance.Abs(imbalance)

	if imbalance.Cmp(custody.Impact.DeltaImbalanceThreshold) <= 0 {
		return PositionFeeResult{
			PositionFeeUsd:    positionFeeUsd,
			PriceImpactFeeUsd: linearImpactUsd,
		}, next, nil
	}

	// ceil((imbalance/threshold)^n) == divCeil(imbalance^n, threshold^n)
	exponent := big.NewInt(int64(custody.Impact.Exponent))
	excessNum := new(big.Int).Exp(imbalance, exponent, nil)
	excessDen := new(big.Int).Exp(custody.Impact.DeltaImbalanceThreshold, exponent, nil)
	excess, err := DivCeil(excessNum, excessDen)
	if err != nil {
		return PositionFeeResult{}, buffer, err
	}

	priceImpactFeeBps := ceilQuo(excess, custody.Impact.FeeFactor)
	totalFeeBps := new(big.Int).Add(totalBaseFeeBps, priceImpactFeeBps)
	cappedTotalFeeBps := minBig(totalFeeBps, custody.Impact.MaxFeeBps)

	positionFeeUsd = ceilQuo(new(big.Int).Mul(sizeUsd, cappedTotalFeeBps), BpsPower)
	priceImpactFeeUsd := new(big.Int).Sub(positionFeeUsd, BaseFeeUsd(baseFeeBps, sizeUsd))

	return PositionFeeResult{
		PositionFeeUsd:    positionFeeUsd,
		PriceImpactFeeUsd: priceImpactFeeUsd,
	}, next, nil
}
