package perpetuals

import (
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Fees carries the pool-level base fee configuration in basis points,
// plus the virtual-size multipliers used by the tax/rebate fee curve.
type Fees struct {
	IncreasePositionBps   uint64
	DecreasePositionBps   uint64
	AddRemoveLiquidityBps uint64
	SwapBps               uint64
	TaxBps                uint64
	StableSwapBps         uint64
	StableSwapTaxBps      uint64
	SwapMultiplier        uint64
	StableSwapMultiplier  uint64
	ProtocolShareBps      uint64
}

// PoolApr is refreshed on-chain roughly once a week from realized fees.
type PoolApr struct {
	LastUpdated    int64
	FeeAprBps      uint64
	RealizedFeeUsd uint64
}

type Pool struct {
	Name         string
	Custodies    []solana.PublicKey
	AumUsd       bin.Uint128
	Fees         Fees
	PoolApr      PoolApr
	LpTokenMint  solana.PublicKey
	InceptionTime int64
	Bump         uint8
	LpTokenBump  uint8
}

// Assets tracks a custody's balance sheet. Owned and Locked exclude tokens
// currently lent out; the outstanding debt has to be added back to get the
// amounts the pool is actually entitled to.
type Assets struct {
	FeesReserves             uint64
	Owned                    uint64
	Locked                   uint64
	GuaranteedUsd            uint64
	GlobalShortSizes         uint64
	GlobalShortAveragePrices uint64
}

type PricingParams struct {
	TradeImpactFeeScalar uint64
	MaxLeverage          uint64
	MaxGlobalLongSizes   uint64
	MaxGlobalShortSizes  uint64
}

// FundingRateState accrues interest into a cumulative index scaled by 1e9.
// A nonzero HourlyFundingDbps selects the linear rate mechanism.
type FundingRateState struct {
	CumulativeInterestRate bin.Uint128
	LastUpdate             int64
	HourlyFundingDbps      uint64
}

// JumpRateState parameterizes the utilization-curve rate mechanism.
type JumpRateState struct {
	MinRateBps            uint64
	MaxRateBps            uint64
	TargetRateBps         uint64
	TargetUtilizationRate uint64
}

// PriceImpactBuffer is a 60-slot ring of signed open-interest deltas keyed by
// unix-second mod 60, used for the imbalance-threshold price impact fee.
type PriceImpactBuffer struct {
	OpenInterest            [60]int64
	LastUpdated             int64
	FeeFactor               uint64
	MaxFeeBps               uint64
	Exponent                uint32
	DeltaImbalanceThreshold uint64
}

type Custody struct {
	Pool                       solana.PublicKey
	Mint                       solana.PublicKey
	TokenAccount               solana.PublicKey
	Decimals                   uint8
	IsStable                   bool
	DovesOracle                solana.PublicKey
	DovesAgOracle              solana.PublicKey
	Pricing                    PricingParams
	Assets                     Assets
	FundingRateState           FundingRateState
	BorrowsFundingRateState    FundingRateState
	JumpRateState              JumpRateState
	PriceImpactBuffer          PriceImpactBuffer
	TargetRatioBps             uint64
	IncreasePositionBps        uint64
	DecreasePositionBps        uint64
	Debt                       bin.Uint128
	BorrowLendInterestsAccrued bin.Uint128
	Bump                       uint8
}

type Side uint8

const (
	SideNone Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "none"
	}
}

// Position accounts are never closed on-chain; a position is open iff
// SizeUsd is nonzero.
type Position struct {
	Owner                      solana.PublicKey
	Pool                       solana.PublicKey
	Custody                    solana.PublicKey
	CollateralCustody          solana.PublicKey
	OpenTime                   int64
	UpdateTime                 int64
	Side                       Side
	Price                      uint64
	SizeUsd                    uint64
	CollateralUsd              uint64
	RealisedPnlUsd             int64
	CumulativeInterestSnapshot bin.Uint128
	LockedAmount               uint64
	Bump                       uint8
}

func (p *Position) IsOpen() bool {
	return p.SizeUsd > 0
}

type BorrowPosition struct {
	Owner                                solana.PublicKey
	Pool                                 solana.PublicKey
	Custody                              solana.PublicKey
	BorrowSize                           bin.Uint128
	LockedCollateral                     uint64
	CumulativeCompoundedInterestSnapshot bin.Uint128
	OpenTime                             int64
	UpdateTime                           int64
	Bump                                 uint8
}
