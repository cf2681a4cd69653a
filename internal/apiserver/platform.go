package apiserver

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/coldbell/perps/backend/internal/indexer"
	"github.com/coldbell/perps/backend/internal/perpmath"
)

type poolResponse struct {
	Pubkey         string  `json:"pubkey"`
	Name           string  `json:"name"`
	LpTokenMint    string  `json:"lp_token_mint"`
	LpSupply       string  `json:"lp_supply"`
	AumUsd         string  `json:"aum_usd"`
	AumUsdDisplay  string  `json:"aum_usd_display"`
	VirtualPrice   string  `json:"virtual_price,omitempty"`
	FeeAprPct      float64 `json:"fee_apr_pct"`
	FeeApyPct      float64 `json:"fee_apy_pct"`
	RealizedFeeUsd string  `json:"realized_fee_usd"`
	AprLastUpdated int64   `json:"apr_last_updated"`
	InceptionTime  int64   `json:"inception_time"`
	Slot           uint64  `json:"slot"`
	UpdatedAt      int64   `json:"updated_at"`
}

type custodyView struct {
	Symbol           string  `json:"symbol"`
	Pubkey           string  `json:"pubkey"`
	Pool             string  `json:"pool"`
	Mint             string  `json:"mint"`
	Decimals         uint8   `json:"decimals"`
	IsStable         bool    `json:"is_stable"`
	Price            string  `json:"price,omitempty"`
	Owned            string  `json:"owned"`
	Locked           string  `json:"locked"`
	DebtAmount       string  `json:"debt_amount"`
	NetAmount        string  `json:"net_amount"`
	GuaranteedUsd    string  `json:"guaranteed_usd"`
	GlobalShortSizes string  `json:"global_short_sizes"`
	AumUsd           string  `json:"aum_usd,omitempty"`
	UtilizationPct   float64 `json:"utilization_pct"`
	BorrowAprPct     float64 `json:"borrow_apr_pct"`
	TargetRatioPct   float64 `json:"target_ratio_pct"`
	Slot             uint64  `json:"slot"`
	UpdatedAt        int64   `json:"updated_at"`
}

type positionView struct {
	indexer.PositionRecord
	MarkPrice        string  `json:"mark_price,omitempty"`
	UnrealizedPnlUsd string  `json:"unrealized_pnl_usd,omitempty"`
	BorrowFeeUsd     string  `json:"borrow_fee_usd,omitempty"`
	NetValueUsd      string  `json:"net_value_usd,omitempty"`
	LiquidationPrice string  `json:"liquidation_price,omitempty"`
	LeverageX        float64 `json:"leverage_x,omitempty"`
}

type borrowPositionView struct {
	indexer.BorrowPositionRecord
	AccruedInterest     string `json:"accrued_interest,omitempty"`
	BorrowTokenAmount   string `json:"borrow_token_amount,omitempty"`
	LockedCollateralUsd string `json:"locked_collateral_usd,omitempty"`
}

type custodyRatesResponse struct {
	Symbol                        string  `json:"symbol"`
	Pubkey                        string  `json:"pubkey"`
	Mechanism                     string  `json:"mechanism"`
	UtilizationPct                float64 `json:"utilization_pct"`
	HourlyBorrowRatePct           float64 `json:"hourly_borrow_rate_pct"`
	BorrowAprPct                  float64 `json:"borrow_apr_pct"`
	CumulativeInterestRate        string  `json:"cumulative_interest_rate"`
	BorrowsCumulativeInterestRate string  `json:"borrows_cumulative_interest_rate"`
	LastUpdate                    int64   `json:"last_update"`
}

type swapQuoteResponse struct {
	In                 string `json:"in"`
	Out                string `json:"out"`
	AmountIn           string `json:"amount_in"`
	AmountInUsd        string `json:"amount_in_usd"`
	FeeBps             string `json:"fee_bps"`
	AmountOut          string `json:"amount_out"`
	AmountOutAfterFees string `json:"amount_out_after_fees"`
	FeeAmount          string `json:"fee_amount"`
	PriceIn            string `json:"price_in"`
	PriceOut           string `json:"price_out"`
}

type liquidityQuoteResponse struct {
	Action             string `json:"action"`
	Symbol             string `json:"symbol"`
	FeeBps             string `json:"fee_bps"`
	AmountIn           string `json:"amount_in,omitempty"`
	DepositUsd         string `json:"deposit_usd,omitempty"`
	LpTokensOut        string `json:"lp_tokens_out,omitempty"`
	LpTokensIn         string `json:"lp_tokens_in,omitempty"`
	RedeemUsd          string `json:"redeem_usd,omitempty"`
	AmountOut          string `json:"amount_out,omitempty"`
	AmountOutAfterFees string `json:"amount_out_after_fees,omitempty"`
}

type positionFeeQuoteResponse struct {
	Symbol            string `json:"symbol"`
	Action            string `json:"action"`
	SizeUsd           string `json:"size_usd"`
	BaseFeeBps        string `json:"base_fee_bps"`
	PositionFeeUsd    string `json:"position_fee_usd"`
	PriceImpactFeeUsd string `json:"price_impact_fee_usd"`
}

type oraclePriceView struct {
	Symbol      string `json:"symbol"`
	Feed        string `json:"feed"`
	Price       string `json:"price"`
	RawPrice    uint64 `json:"raw_price"`
	Expo        int8   `json:"expo"`
	Slot        uint64 `json:"slot"`
	PublishTime int64  `json:"publish_time"`
	ReceivedAt  int64  `json:"received_at"`
}

// custodyState bundles everything a request needs to price one custody: the
// stored row, the decoded account, the math snapshot, and the latest oracle
// tick. The tick is nil until the indexer has seen a price for the symbol.
type custodyState struct {
	record   indexer.CustodyRecord
	snapshot *perpmath.CustodySnapshot
	tick     *indexer.OracleTickRecord
	price    perpmath.OraclePrice
}

func (s *Service) loadCustodyState(ctx context.Context, key string) (*custodyState, error) {
	record, err := s.store.GetCustody(ctx, key)
	if err != nil {
		return nil, err
	}
	account, err := indexer.CustodyFromRecord(record)
	if err != nil {
		return nil, err
	}

	state := &custodyState{
		record:   record,
		snapshot: indexer.CustodySnapshotFromAccount(account),
	}

	tick, err := s.store.GetLatestOracleTick(ctx, record.Symbol)
	if err != nil {
		if !errors.Is(err, indexer.ErrNotFound) {
			return nil, err
		}
		return state, nil
	}
	state.tick = &tick
	state.price = indexer.OraclePriceFromTick(tick)
	return state, nil
}

func (s *Service) custodyStateCached(ctx context.Context, cache map[string]*custodyState, key string) (*custodyState, error) {
	if state, ok := cache[key]; ok {
		return state, nil
	}
	state, err := s.loadCustodyState(ctx, key)
	if err != nil {
		return nil, err
	}
	cache[key] = state
	if state.record.Pubkey != key {
		cache[state.record.Pubkey] = state
	}
	return state, nil
}

type poolState struct {
	record   indexer.PoolRecord
	snapshot *perpmath.PoolSnapshot
	lpSupply *big.Int
}

func (s *Service) loadPoolState(ctx context.Context) (*poolState, error) {
	record, err := s.store.GetLatestPool(ctx)
	if err != nil {
		return nil, err
	}
	account, err := indexer.PoolFromRecord(record)
	if err != nil {
		return nil, err
	}
	lpSupply, err := parseBigInt(record.LpSupply)
	if err != nil {
		return nil, fmt.Errorf("parse lp supply: %w", err)
	}
	return &poolState{
		record:   record,
		snapshot: indexer.PoolSnapshotFromAccount(account),
		lpSupply: lpSupply,
	}, nil
}

func (s *Service) handlePool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	response, err := s.buildPoolResponse(r.Context())
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "pool not indexed yet")
			return
		}
		s.logger.Error("get pool failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load pool")
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Service) buildPoolResponse(ctx context.Context) (poolResponse, error) {
	state, err := s.loadPoolState(ctx)
	if err != nil {
		return poolResponse{}, err
	}

	realizedFeeUsd, err := parseBigInt(state.record.RealizedFeeUsd)
	if err != nil {
		return poolResponse{}, fmt.Errorf("parse realized fee: %w", err)
	}

	aprPct := perpmath.PoolAPRPercent(uint64(state.record.FeeAprBps))
	response := poolResponse{
		Pubkey:         state.record.Pubkey,
		Name:           state.record.Name,
		LpTokenMint:    state.record.LpTokenMint,
		LpSupply:       state.record.LpSupply,
		AumUsd:         state.record.AumUsd,
		AumUsdDisplay:  usdDisplay(state.snapshot.AumUsd),
		FeeAprPct:      aprPct,
		FeeApyPct:      perpmath.CompoundToAPY(aprPct),
		RealizedFeeUsd: usdDisplay(realizedFeeUsd),
		AprLastUpdated: state.record.AprLastUpdated,
		InceptionTime:  state.record.InceptionTime,
		Slot:           state.record.Slot,
		UpdatedAt:      state.record.UpdatedAt,
	}

	if state.lpSupply.Sign() > 0 {
		virtualPrice, err := perpmath.PoolTokenVirtualPrice(state.snapshot.AumUsd, state.lpSupply)
		if err != nil {
			return poolResponse{}, err
		}
		response.VirtualPrice = scaledDisplay(virtualPrice, perpmath.PoolTokenDecimals)
	}
	return response, nil
}

func (s *Service) handleCustodies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	records, err := s.store.ListCustodies(r.Context())
	if err != nil {
		s.logger.Error("list custodies failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list custodies")
		return
	}

	views := make([]custodyView, 0, len(records))
	for _, record := range records {
		state, err := s.loadCustodyState(r.Context(), record.Pubkey)
		if err != nil {
			s.logger.Error("load custody failed", "pubkey", record.Pubkey, "err", err)
			s.respondError(w, http.StatusInternalServerError, "failed to load custodies")
			return
		}
		views = append(views, s.buildCustodyView(state))
	}

	s.respondJSON(w, http.StatusOK, listResponse[custodyView]{
		Items:  views,
		Limit:  len(views),
		Offset: 0,
	})
}

func (s *Service) handleCustody(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	key := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/custodies/"), "/")
	if key == "" {
		s.respondError(w, http.StatusBadRequest, "custody symbol or pubkey is required")
		return
	}

	state, err := s.loadCustodyState(r.Context(), key)
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "custody not found")
			return
		}
		s.logger.Error("load custody failed", "key", key, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load custody")
		return
	}
	s.respondJSON(w, http.StatusOK, s.buildCustodyView(state))
}

func (s *Service) buildCustodyView(state *custodyState) custodyView {
	snapshot := state.snapshot
	view := custodyView{
		Symbol:           state.record.Symbol,
		Pubkey:           state.record.Pubkey,
		Pool:             state.record.Pool,
		Mint:             state.record.Mint,
		Decimals:         state.record.Decimals,
		IsStable:         state.record.IsStable,
		Owned:            state.record.Owned,
		Locked:           state.record.Locked,
		DebtAmount:       snapshot.DebtAmount().String(),
		NetAmount:        snapshot.NetAmount().String(),
		GuaranteedUsd:    usdDisplay(snapshot.GuaranteedUsd),
		GlobalShortSizes: usdDisplay(snapshot.GlobalShortSizes),
		UtilizationPct:   utilizationPct(snapshot),
		TargetRatioPct:   float64(state.record.TargetRatioBps) / 100,
		Slot:             state.record.Slot,
		UpdatedAt:        state.record.UpdatedAt,
	}

	if aprPct, err := perpmath.BorrowAPRPercent(snapshot); err == nil {
		view.BorrowAprPct = aprPct
	}

	if state.tick != nil {
		view.Price = tickPriceDisplay(*state.tick)
		if aumUsd, err := perpmath.AssetsUnderManagementUsd(snapshot, state.price); err == nil {
			view.AumUsd = usdDisplay(aumUsd)
		}
	}
	return view
}

func (s *Service) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	openOnly, err := parseOptionalBool(r, "open", false)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	cache := map[string]*custodyState{}
	custodyKey := strings.TrimSpace(r.URL.Query().Get("custody"))
	if custodyKey != "" {
		// The filter column stores the account pubkey; resolve symbols first.
		state, err := s.custodyStateCached(r.Context(), cache, custodyKey)
		if err != nil {
			if errors.Is(err, indexer.ErrNotFound) {
				s.respondError(w, http.StatusNotFound, "custody not found")
				return
			}
			s.logger.Error("resolve custody failed", "key", custodyKey, "err", err)
			s.respondError(w, http.StatusInternalServerError, "failed to resolve custody")
			return
		}
		custodyKey = state.record.Pubkey
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListPositions(r.Context(), indexer.PositionFilter{
		Owner:    strings.TrimSpace(r.URL.Query().Get("owner")),
		Custody:  custodyKey,
		OpenOnly: openOnly,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error("list positions failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	views := make([]positionView, 0, len(items))
	for _, item := range items {
		views = append(views, s.enrichPosition(r.Context(), cache, item))
	}

	s.respondJSON(w, http.StatusOK, listResponse[positionView]{
		Items:  views,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

// enrichPosition augments a stored position with mark-price dependent fields.
// Enrichment is best effort: when the custody state or oracle price is not
// available yet the bare record is returned.
func (s *Service) enrichPosition(ctx context.Context, cache map[string]*custodyState, record indexer.PositionRecord) positionView {
	view := positionView{PositionRecord: record}

	account, err := indexer.PositionFromRecord(record)
	if err != nil {
		s.logger.Warn("decode position failed", "pubkey", record.Pubkey, "err", err)
		return view
	}
	snapshot := indexer.PositionSnapshotFromAccount(account)
	if snapshot.SizeUsd.Sign() == 0 {
		return view
	}

	custody, err := s.custodyStateCached(ctx, cache, record.Custody)
	if err != nil {
		s.logger.Warn("load position custody failed", "pubkey", record.Custody, "err", err)
		return view
	}
	collateral, err := s.custodyStateCached(ctx, cache, record.CollateralCustody)
	if err != nil {
		s.logger.Warn("load collateral custody failed", "pubkey", record.CollateralCustody, "err", err)
		return view
	}
	if custody.tick == nil {
		return view
	}

	now := time.Now().Unix()
	markPrice := custody.price.Scaled(-perpmath.UsdcDecimals).Price
	view.MarkPrice = usdDisplay(markPrice)

	if pnl, err := perpmath.PositionPnl(snapshot, markPrice); err == nil {
		view.UnrealizedPnlUsd = usdDisplay(pnl)

		cumulativeInterest, err := perpmath.CumulativeInterest(collateral.snapshot, now)
		if err == nil {
			borrowFee := perpmath.PositionBorrowFeeUsd(cumulativeInterest, snapshot.CumulativeInterestSnapshot, snapshot.SizeUsd)
			view.BorrowFeeUsd = usdDisplay(borrowFee)

			netValue := new(big.Int).Add(snapshot.CollateralUsd, pnl)
			netValue.Sub(netValue, borrowFee)
			view.NetValueUsd = usdDisplay(netValue)
		}
	}

	if liquidationPrice, err := perpmath.LiquidationPrice(snapshot, custody.snapshot, collateral.snapshot, now); err == nil {
		view.LiquidationPrice = usdDisplay(liquidationPrice)
	}

	if snapshot.CollateralUsd.Sign() > 0 {
		leverage, _ := new(big.Float).Quo(
			new(big.Float).SetInt(snapshot.SizeUsd),
			new(big.Float).SetInt(snapshot.CollateralUsd),
		).Float64()
		view.LeverageX = leverage
	}
	return view
}

func (s *Service) handleBorrowPositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListBorrowPositions(
		r.Context(),
		strings.TrimSpace(r.URL.Query().Get("owner")),
		limit,
		offset,
	)
	if err != nil {
		s.logger.Error("list borrow positions failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list borrow positions")
		return
	}

	pool, err := s.loadPoolState(r.Context())
	if err != nil && !errors.Is(err, indexer.ErrNotFound) {
		s.logger.Error("load pool failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load pool")
		return
	}

	cache := map[string]*custodyState{}
	views := make([]borrowPositionView, 0, len(items))
	for _, item := range items {
		views = append(views, s.enrichBorrowPosition(r.Context(), cache, pool, item))
	}

	s.respondJSON(w, http.StatusOK, listResponse[borrowPositionView]{
		Items:  views,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) enrichBorrowPosition(ctx context.Context, cache map[string]*custodyState, pool *poolState, record indexer.BorrowPositionRecord) borrowPositionView {
	view := borrowPositionView{BorrowPositionRecord: record}

	account, err := indexer.BorrowPositionFromRecord(record)
	if err != nil {
		s.logger.Warn("decode borrow position failed", "pubkey", record.Pubkey, "err", err)
		return view
	}
	snapshot := indexer.BorrowPositionSnapshotFromAccount(account)

	custody, err := s.custodyStateCached(ctx, cache, record.Custody)
	if err != nil {
		s.logger.Warn("load borrow custody failed", "pubkey", record.Custody, "err", err)
		return view
	}

	interest := perpmath.CompoundedBorrowInterest(custody.snapshot, snapshot)
	owed := new(big.Int).Add(snapshot.BorrowSize, interest)
	view.AccruedInterest = perpmath.BorrowTokenAmount(interest).String()
	view.BorrowTokenAmount = perpmath.BorrowTokenAmount(owed).String()

	if pool != nil && pool.lpSupply.Sign() > 0 {
		lockedUsd, err := perpmath.LockedCollateralUsd(pool.snapshot.AumUsd, snapshot.LockedCollateral, pool.lpSupply)
		if err == nil {
			view.LockedCollateralUsd = usdDisplay(lockedUsd)
		}
	}
	return view
}

func (s *Service) handleRates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	key := strings.TrimSpace(r.URL.Query().Get("custody"))
	if key == "" {
		s.respondError(w, http.StatusBadRequest, "custody is required")
		return
	}

	state, err := s.loadCustodyState(r.Context(), key)
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "custody not found")
			return
		}
		s.logger.Error("load custody failed", "key", key, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load custody")
		return
	}

	snapshot := state.snapshot
	mechanism := "jump"
	if snapshot.RateMechanism() == perpmath.RateMechanismLinear {
		mechanism = "linear"
	}

	response := custodyRatesResponse{
		Symbol:                        state.record.Symbol,
		Pubkey:                        state.record.Pubkey,
		Mechanism:                     mechanism,
		UtilizationPct:                utilizationPct(snapshot),
		CumulativeInterestRate:        snapshot.FundingRate.CumulativeInterestRate.String(),
		BorrowsCumulativeInterestRate: snapshot.BorrowsFundingRate.CumulativeInterestRate.String(),
		LastUpdate:                    snapshot.FundingRate.LastUpdate,
	}

	hourlyRate, err := perpmath.HourlyBorrowRate(snapshot, false)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "custody rate configuration is degenerate")
		return
	}
	response.HourlyBorrowRatePct = ratePct(hourlyRate)

	if aprPct, err := perpmath.BorrowAPRPercent(snapshot); err == nil {
		response.BorrowAprPct = aprPct
	}

	s.respondJSON(w, http.StatusOK, response)
}

func (s *Service) handleSwapQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	inKey := strings.TrimSpace(r.URL.Query().Get("in"))
	outKey := strings.TrimSpace(r.URL.Query().Get("out"))
	if inKey == "" || outKey == "" {
		s.respondError(w, http.StatusBadRequest, "in and out are required")
		return
	}

	amountIn, err := parsePositiveBigInt(r.URL.Query().Get("amount"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid amount: "+err.Error())
		return
	}

	pool, err := s.loadPoolState(r.Context())
	if err != nil {
		s.respondQuoteDependencyError(w, "pool", err)
		return
	}
	custodyIn, err := s.loadPricedCustody(r.Context(), inKey)
	if err != nil {
		s.respondQuoteDependencyError(w, "input custody", err)
		return
	}
	custodyOut, err := s.loadPricedCustody(r.Context(), outKey)
	if err != nil {
		s.respondQuoteDependencyError(w, "output custody", err)
		return
	}
	if custodyIn.record.Pubkey == custodyOut.record.Pubkey {
		s.respondError(w, http.StatusBadRequest, "in and out must differ")
		return
	}

	swapUsd := perpmath.AssetAmountUsd(custodyIn.price, amountIn, custodyIn.record.Decimals)
	feeBps := perpmath.SwapFeeBps(pool.snapshot, custodyIn.snapshot, custodyOut.snapshot, custodyIn.price, custodyOut.price, swapUsd)

	amountOut, err := perpmath.SwapAmount(
		custodyIn.price, custodyOut.price,
		custodyIn.record.Decimals, custodyOut.record.Decimals,
		amountIn,
	)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "output price is zero")
		return
	}
	afterFees := perpmath.CollectFee(amountOut, feeBps)

	s.respondJSON(w, http.StatusOK, swapQuoteResponse{
		In:                 custodyIn.record.Symbol,
		Out:                custodyOut.record.Symbol,
		AmountIn:           amountIn.String(),
		AmountInUsd:        usdDisplay(swapUsd),
		FeeBps:             feeBps.String(),
		AmountOut:          amountOut.String(),
		AmountOutAfterFees: afterFees.String(),
		FeeAmount:          new(big.Int).Sub(amountOut, afterFees).String(),
		PriceIn:            tickPriceDisplay(*custodyIn.tick),
		PriceOut:           tickPriceDisplay(*custodyOut.tick),
	})
}

func (s *Service) handleLiquidityQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	key := strings.TrimSpace(r.URL.Query().Get("custody"))
	if key == "" {
		s.respondError(w, http.StatusBadRequest, "custody is required")
		return
	}
	action := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("action")))
	if action != "add" && action != "remove" {
		s.respondError(w, http.StatusBadRequest, "action must be add or remove")
		return
	}

	amount, err := parsePositiveBigInt(r.URL.Query().Get("amount"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid amount: "+err.Error())
		return
	}

	pool, err := s.loadPoolState(r.Context())
	if err != nil {
		s.respondQuoteDependencyError(w, "pool", err)
		return
	}
	custody, err := s.loadPricedCustody(r.Context(), key)
	if err != nil {
		s.respondQuoteDependencyError(w, "custody", err)
		return
	}
	if pool.lpSupply.Sign() == 0 || pool.snapshot.AumUsd.Sign() == 0 {
		s.respondError(w, http.StatusServiceUnavailable, "pool supply not indexed yet")
		return
	}

	response := liquidityQuoteResponse{
		Action: action,
		Symbol: custody.record.Symbol,
	}

	if action == "add" {
		depositUsd := perpmath.AssetAmountUsd(custody.price, amount, custody.record.Decimals)
		feeBps := perpmath.AddLiquidityFeeBps(pool.snapshot, custody.snapshot, custody.price, depositUsd)
		afterFees := perpmath.CollectFee(amount, feeBps)
		netDepositUsd := perpmath.AssetAmountUsd(custody.price, afterFees, custody.record.Decimals)

		lpTokensOut, err := perpmath.PoolTokenMintAmount(netDepositUsd, pool.lpSupply, pool.snapshot.AumUsd)
		if err != nil {
			s.respondError(w, http.StatusUnprocessableEntity, "pool aum is zero")
			return
		}

		response.FeeBps = feeBps.String()
		response.AmountIn = amount.String()
		response.DepositUsd = usdDisplay(netDepositUsd)
		response.LpTokensOut = lpTokensOut.String()
		s.respondJSON(w, http.StatusOK, response)
		return
	}

	redeemUsd, err := perpmath.PoolTokenRedeemUsd(pool.snapshot.AumUsd, amount, pool.lpSupply)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "pool supply is zero")
		return
	}
	feeBps := perpmath.RemoveLiquidityFeeBps(pool.snapshot, custody.snapshot, custody.price, redeemUsd)
	amountOut, err := perpmath.TokenAmount(custody.price, redeemUsd, custody.record.Decimals)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "custody price is zero")
		return
	}
	afterFees := perpmath.CollectFee(amountOut, feeBps)

	response.FeeBps = feeBps.String()
	response.LpTokensIn = amount.String()
	response.RedeemUsd = usdDisplay(redeemUsd)
	response.AmountOut = amountOut.String()
	response.AmountOutAfterFees = afterFees.String()
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Service) handlePositionFeeQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	key := strings.TrimSpace(r.URL.Query().Get("custody"))
	if key == "" {
		s.respondError(w, http.StatusBadRequest, "custody is required")
		return
	}
	action := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("action")))
	if action != "increase" && action != "decrease" {
		s.respondError(w, http.StatusBadRequest, "action must be increase or decrease")
		return
	}

	sizeUsd, err := parsePositiveBigInt(r.URL.Query().Get("size_usd"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid size_usd: "+err.Error())
		return
	}

	record, err := s.store.GetCustody(r.Context(), key)
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "custody not found")
			return
		}
		s.logger.Error("load custody failed", "key", key, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load custody")
		return
	}
	account, err := indexer.CustodyFromRecord(record)
	if err != nil {
		s.logger.Error("decode custody failed", "key", key, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to decode custody")
		return
	}
	snapshot := indexer.CustodySnapshotFromAccount(account)

	baseFeeBps := snapshot.IncreasePositionBps
	increase := action == "increase"
	if !increase {
		baseFeeBps = snapshot.DecreasePositionBps
	}

	// The quote folds the trade into a copy of the on-chain impact window
	// without persisting it; only the program mutates the real buffer.
	buffer := indexer.ImpactBufferFromAccount(account.PriceImpactBuffer)
	result, _, err := perpmath.PositionFee(snapshot, buffer, baseFeeBps, sizeUsd, increase, time.Now().Unix())
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "impact configuration is degenerate")
		return
	}

	s.respondJSON(w, http.StatusOK, positionFeeQuoteResponse{
		Symbol:            record.Symbol,
		Action:            action,
		SizeUsd:           sizeUsd.String(),
		BaseFeeBps:        baseFeeBps.String(),
		PositionFeeUsd:    usdDisplay(result.PositionFeeUsd),
		PriceImpactFeeUsd: usdDisplay(result.PriceImpactFeeUsd),
	})
}

func (s *Service) handleLiquidationPrice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	pubkey := strings.TrimSpace(r.URL.Query().Get("position"))
	if pubkey == "" {
		s.respondError(w, http.StatusBadRequest, "position is required")
		return
	}

	record, err := s.store.GetPosition(r.Context(), pubkey)
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "position not found")
			return
		}
		s.logger.Error("get position failed", "pubkey", pubkey, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load position")
		return
	}

	cache := map[string]*custodyState{}
	view := s.enrichPosition(r.Context(), cache, record)
	if view.LiquidationPrice == "" {
		s.respondError(w, http.StatusServiceUnavailable, "liquidation price not computable yet")
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Service) handleOraclePrices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol != "" {
		tick, err := s.store.GetLatestOracleTick(r.Context(), symbol)
		if err != nil {
			if errors.Is(err, indexer.ErrNotFound) {
				s.respondError(w, http.StatusNotFound, "no price for symbol")
				return
			}
			s.logger.Error("get oracle price failed", "symbol", symbol, "err", err)
			s.respondError(w, http.StatusInternalServerError, "failed to load price")
			return
		}
		s.respondJSON(w, http.StatusOK, oraclePriceViewFromTick(tick))
		return
	}

	records, err := s.store.ListCustodies(r.Context())
	if err != nil {
		s.logger.Error("list custodies failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list prices")
		return
	}

	views := make([]oraclePriceView, 0, len(records))
	for _, record := range records {
		tick, err := s.store.GetLatestOracleTick(r.Context(), record.Symbol)
		if err != nil {
			if errors.Is(err, indexer.ErrNotFound) {
				continue
			}
			s.logger.Error("get oracle price failed", "symbol", record.Symbol, "err", err)
			s.respondError(w, http.StatusInternalServerError, "failed to list prices")
			return
		}
		views = append(views, oraclePriceViewFromTick(tick))
	}

	s.respondJSON(w, http.StatusOK, listResponse[oraclePriceView]{
		Items:  views,
		Limit:  len(views),
		Offset: 0,
	})
}

func (s *Service) handleOracleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol == "" {
		s.respondError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	from, err := parseOptionalInt64(r, "from", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseOptionalInt64(r, "to", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if from != 0 && to != 0 && from > to {
		s.respondError(w, http.StatusBadRequest, "from must be <= to")
		return
	}
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ticks, err := s.store.ListOracleTicks(r.Context(), symbol, from, to, limit)
	if err != nil {
		s.logger.Error("list oracle ticks failed", "symbol", symbol, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list price history")
		return
	}

	views := make([]oraclePriceView, 0, len(ticks))
	for _, tick := range ticks {
		views = append(views, oraclePriceViewFromTick(tick))
	}

	s.respondJSON(w, http.StatusOK, listResponse[oraclePriceView]{
		Items:  views,
		Limit:  len(views),
		Offset: 0,
	})
}

func (s *Service) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	status, err := s.store.GetSyncStatus(r.Context(), time.Now().Unix())
	if err != nil {
		s.logger.Error("get sync status failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get sync status")
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

// loadPricedCustody is loadCustodyState plus the requirement that an oracle
// tick exists, which every quote path needs.
func (s *Service) loadPricedCustody(ctx context.Context, key string) (*custodyState, error) {
	state, err := s.loadCustodyState(ctx, key)
	if err != nil {
		return nil, err
	}
	if state.tick == nil {
		return nil, errNoOraclePrice
	}
	return state, nil
}

var errNoOraclePrice = errors.New("no oracle price yet")

func (s *Service) respondQuoteDependencyError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, indexer.ErrNotFound):
		s.respondError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, errNoOraclePrice):
		s.respondError(w, http.StatusServiceUnavailable, what+" has no oracle price yet")
	default:
		s.logger.Error("quote dependency failed", "what", what, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load "+what)
	}
}

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		return s.isOriginAllowed(origin)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newSubscriptionSet()
	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, subs, readErrCh)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case <-ticker.C:
			channels := subs.List()
			for _, channel := range channels {
				payload, err := s.getWebsocketPayload(ctx, channel)
				if err != nil {
					_ = writeWebsocketJSON(conn, websocketEnvelope{Type: "error", Channel: channel, Error: "failed to fetch channel data", TS: time.Now().Unix()})
					continue
				}
				if payload == nil {
					continue
				}
				if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "event", Channel: channel, Data: payload, TS: time.Now().Unix()}); err != nil {
					return
				}
			}
		}
	}
}

func (s *Service) websocketReadLoop(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, readErrCh chan<- error) {
	conn.SetReadLimit(1024 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		if message.Channel == "" {
			continue
		}
		switch message.Type {
		case "subscribe":
			subs.Add(message.Channel)
		case "unsubscribe":
			subs.Remove(message.Channel)
		}
	}
}

func (s *Service) getWebsocketPayload(ctx context.Context, channel string) (any, error) {
	switch {
	case strings.HasPrefix(channel, "price."):
		symbol := strings.TrimSpace(strings.TrimPrefix(channel, "price."))
		tick, err := s.store.GetLatestOracleTick(ctx, symbol)
		if err != nil {
			if errors.Is(err, indexer.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return oraclePriceViewFromTick(tick), nil
	case channel == "pool.stats":
		response, err := s.buildPoolResponse(ctx)
		if err != nil {
			if errors.Is(err, indexer.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return response, nil
	case strings.HasPrefix(channel, "custody."):
		key := strings.TrimSpace(strings.TrimPrefix(channel, "custody."))
		state, err := s.loadCustodyState(ctx, key)
		if err != nil {
			if errors.Is(err, indexer.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return s.buildCustodyView(state), nil
	default:
		return nil, nil
	}
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

func (s *subscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[channel] = struct{}{}
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

func (s *subscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for channel := range s.items {
		out = append(out, channel)
	}
	return out
}

func oraclePriceViewFromTick(tick indexer.OracleTickRecord) oraclePriceView {
	return oraclePriceView{
		Symbol:      tick.Symbol,
		Feed:        tick.Feed,
		Price:       tickPriceDisplay(tick),
		RawPrice:    tick.Price,
		Expo:        tick.Expo,
		Slot:        tick.Slot,
		PublishTime: tick.PublishTime,
		ReceivedAt:  tick.ReceivedAt,
	}
}

func utilizationPct(c *perpmath.CustodySnapshot) float64 {
	owned := c.TrueOwned()
	if owned.Sign() <= 0 {
		return 0
	}
	ratio, _ := new(big.Float).Quo(
		new(big.Float).SetInt(c.TrueLocked()),
		new(big.Float).SetInt(owned),
	).Float64()
	return ratio * 100
}

// ratePct renders a RatePower-scaled rate as a percentage.
func ratePct(rate *big.Int) float64 {
	value, _ := new(big.Float).Quo(
		new(big.Float).SetInt(rate),
		new(big.Float).SetInt(perpmath.RatePower),
	).Float64()
	return value * 100
}

func usdDisplay(v *big.Int) string {
	return decimal.NewFromBigInt(v, -perpmath.UsdcDecimals).StringFixed(2)
}

func scaledDisplay(v *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(v, -decimals).String()
}

func tickPriceDisplay(tick indexer.OracleTickRecord) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(tick.Price), int32(tick.Expo)).String()
}

func parseBigInt(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("not a base-10 integer: %q", trimmed)
	}
	return value, nil
}

func parsePositiveBigInt(raw string) (*big.Int, error) {
	value, err := parseBigInt(raw)
	if err != nil {
		return nil, err
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("must be a positive integer")
	}
	return value, nil
}
