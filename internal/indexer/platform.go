package indexer

import (
	"encoding/json"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"

	"github.com/coldbell/perps/backend/internal/anchor/doves"
	"github.com/coldbell/perps/backend/internal/anchor/perpetuals"
	"github.com/coldbell/perps/backend/internal/perpmath"
)

// This file bridges the on-chain account layouts to the math engine's
// snapshot types. Everything crosses as *big.Int so u64 amounts survive
// arithmetic that overflows int64.

func uint128ToBig(v bin.Uint128) *big.Int {
	return v.BigInt()
}

func u64Big(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

func fundingStateFromAccount(state perpetuals.FundingRateState) perpmath.FundingState {
	return perpmath.FundingState{
		CumulativeInterestRate: uint128ToBig(state.CumulativeInterestRate),
		LastUpdate:             state.LastUpdate,
		HourlyFundingDbps:      u64Big(state.HourlyFundingDbps),
	}
}

// CustodySnapshotFromAccount converts a decoded custody account into the
// snapshot the calculators consume.
func CustodySnapshotFromAccount(custody *perpetuals.Custody) *perpmath.CustodySnapshot {
	return &perpmath.CustodySnapshot{
		Decimals: custody.Decimals,
		IsStable: custody.IsStable,

		Owned:                    u64Big(custody.Assets.Owned),
		Locked:                   u64Big(custody.Assets.Locked),
		GuaranteedUsd:            u64Big(custody.Assets.GuaranteedUsd),
		GlobalShortSizes:         u64Big(custody.Assets.GlobalShortSizes),
		GlobalShortAveragePrices: u64Big(custody.Assets.GlobalShortAveragePrices),

		Debt:                       uint128ToBig(custody.Debt),
		BorrowLendInterestsAccrued: uint128ToBig(custody.BorrowLendInterestsAccrued),

		TargetRatioBps:       u64Big(custody.TargetRatioBps),
		IncreasePositionBps:  u64Big(custody.IncreasePositionBps),
		DecreasePositionBps:  u64Big(custody.DecreasePositionBps),
		TradeImpactFeeScalar: u64Big(custody.Pricing.TradeImpactFeeScalar),
		MaxLeverage:          u64Big(custody.Pricing.MaxLeverage),

		FundingRate:        fundingStateFromAccount(custody.FundingRateState),
		BorrowsFundingRate: fundingStateFromAccount(custody.BorrowsFundingRateState),
		JumpRate: perpmath.JumpRateConfig{
			MinRateBps:            u64Big(custody.JumpRateState.MinRateBps),
			MaxRateBps:            u64Big(custody.JumpRateState.MaxRateBps),
			TargetRateBps:         u64Big(custody.JumpRateState.TargetRateBps),
			TargetUtilizationRate: u64Big(custody.JumpRateState.TargetUtilizationRate),
		},
		Impact: perpmath.ImpactConfig{
			FeeFactor:               u64Big(custody.PriceImpactBuffer.FeeFactor),
			MaxFeeBps:               u64Big(custody.PriceImpactBuffer.MaxFeeBps),
			Exponent:                custody.PriceImpactBuffer.Exponent,
			DeltaImbalanceThreshold: u64Big(custody.PriceImpactBuffer.DeltaImbalanceThreshold),
		},
	}
}

// ImpactBufferFromAccount copies the custody's open-interest ring into the
// engine's value-type buffer.
func ImpactBufferFromAccount(buffer perpetuals.PriceImpactBuffer) perpmath.ImpactBuffer {
	out := perpmath.NewImpactBuffer()
	for i, v := range buffer.OpenInterest {
		out.OpenInterest[i].SetInt64(v)
	}
	out.LastUpdated = buffer.LastUpdated
	return out
}

func PoolSnapshotFromAccount(pool *perpetuals.Pool) *perpmath.PoolSnapshot {
	return &perpmath.PoolSnapshot{
		AumUsd: uint128ToBig(pool.AumUsd),
		Fees: perpmath.PoolFees{
			IncreasePositionBps:   u64Big(pool.Fees.IncreasePositionBps),
			DecreasePositionBps:   u64Big(pool.Fees.DecreasePositionBps),
			AddRemoveLiquidityBps: u64Big(pool.Fees.AddRemoveLiquidityBps),
			SwapBps:               u64Big(pool.Fees.SwapBps),
			TaxBps:                u64Big(pool.Fees.TaxBps),
			StableSwapBps:         u64Big(pool.Fees.StableSwapBps),
			StableSwapTaxBps:      u64Big(pool.Fees.StableSwapTaxBps),
			SwapMultiplier:        u64Big(pool.Fees.SwapMultiplier),
			StableSwapMultiplier:  u64Big(pool.Fees.StableSwapMultiplier),
			ProtocolShareBps:      u64Big(pool.Fees.ProtocolShareBps),
		},
	}
}

func PositionSnapshotFromAccount(position *perpetuals.Position) *perpmath.PositionSnapshot {
	return &perpmath.PositionSnapshot{
		Long:                       position.Side == perpetuals.SideLong,
		SizeUsd:                    u64Big(position.SizeUsd),
		CollateralUsd:              u64Big(position.CollateralUsd),
		Price:                      u64Big(position.Price),
		CumulativeInterestSnapshot: uint128ToBig(position.CumulativeInterestSnapshot),
	}
}

func BorrowPositionSnapshotFromAccount(position *perpetuals.BorrowPosition) *perpmath.BorrowPositionSnapshot {
	return &perpmath.BorrowPositionSnapshot{
		BorrowSize:                           uint128ToBig(position.BorrowSize),
		LockedCollateral:                     u64Big(position.LockedCollateral),
		CumulativeCompoundedInterestSnapshot: uint128ToBig(position.CumulativeCompoundedInterestSnapshot),
	}
}

// OraclePriceFromFeed converts an aggregated feed account. The feed exponent
// is stored as a signed byte, negative for all known pairs.
func OraclePriceFromFeed(feed *doves.PriceFeed) perpmath.OraclePrice {
	return perpmath.OraclePrice{
		Price:    u64Big(feed.Price),
		Exponent: int32(feed.Expo),
	}
}

func OraclePriceFromTick(tick OracleTickRecord) perpmath.OraclePrice {
	return perpmath.OraclePrice{
		Price:    u64Big(tick.Price),
		Exponent: int32(tick.Expo),
	}
}

// CustodyFromRecord restores the decoded account carried in a stored row.
func CustodyFromRecord(record CustodyRecord) (*perpetuals.Custody, error) {
	out := new(perpetuals.Custody)
	if err := json.Unmarshal([]byte(record.RawJSON), out); err != nil {
		return nil, fmt.Errorf("decode custody %s: %w", record.Pubkey, err)
	}
	return out, nil
}

func PoolFromRecord(record PoolRecord) (*perpetuals.Pool, error) {
	out := new(perpetuals.Pool)
	if err := json.Unmarshal([]byte(record.RawJSON), out); err != nil {
		return nil, fmt.Errorf("decode pool %s: %w", record.Pubkey, err)
	}
	return out, nil
}

func PositionFromRecord(record PositionRecord) (*perpetuals.Position, error) {
	out := new(perpetuals.Position)
	if err := json.Unmarshal([]byte(record.RawJSON), out); err != nil {
		return nil, fmt.Errorf("decode position %s: %w", record.Pubkey, err)
	}
	return out, nil
}

func BorrowPositionFromRecord(record BorrowPositionRecord) (*perpetuals.BorrowPosition, error) {
	out := new(perpetuals.BorrowPosition)
	if err := json.Unmarshal([]byte(record.RawJSON), out); err != nil {
		return nil, fmt.Errorf("decode borrow position %s: %w", record.Pubkey, err)
	}
	return out, nil
}
