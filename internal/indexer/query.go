package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

var ErrNotFound = errors.New("not found")

type PoolRecord struct {
	Pubkey         string `json:"pubkey"`
	Name           string `json:"name"`
	LpTokenMint    string `json:"lp_token_mint"`
	LpSupply       string `json:"lp_supply"`
	AumUsd         string `json:"aum_usd"`
	FeeAprBps      int64  `json:"fee_apr_bps"`
	RealizedFeeUsd string `json:"realized_fee_usd"`
	AprLastUpdated int64  `json:"apr_last_updated"`
	InceptionTime  int64  `json:"inception_time"`
	RawJSON        string `json:"-"`
	Slot           uint64 `json:"slot"`
	UpdatedAt      int64  `json:"updated_at"`
}

type CustodyRecord struct {
	Pubkey                     string `json:"pubkey"`
	Symbol                     string `json:"symbol"`
	Pool                       string `json:"pool"`
	Mint                       string `json:"mint"`
	Decimals                   uint8  `json:"decimals"`
	IsStable                   bool   `json:"is_stable"`
	Owned                      string `json:"owned"`
	Locked                     string `json:"locked"`
	GuaranteedUsd              string `json:"guaranteed_usd"`
	GlobalShortSizes           string `json:"global_short_sizes"`
	GlobalShortAveragePrices   string `json:"global_short_average_prices"`
	Debt                       string `json:"debt"`
	BorrowLendInterestsAccrued string `json:"borrow_lend_interests_accrued"`
	TargetRatioBps             int64  `json:"target_ratio_bps"`
	RawJSON                    string `json:"-"`
	Slot                       uint64 `json:"slot"`
	UpdatedAt                  int64  `json:"updated_at"`
}

type PositionFilter struct {
	Owner    string
	Custody  string
	OpenOnly bool
	Limit    int
	Offset   int
}

type PositionRecord struct {
	Pubkey                     string `json:"pubkey"`
	Owner                      string `json:"owner"`
	Pool                       string `json:"pool"`
	Custody                    string `json:"custody"`
	CollateralCustody          string `json:"collateral_custody"`
	Side                       string `json:"side"`
	IsOpen                     bool   `json:"is_open"`
	Price                      string `json:"price"`
	SizeUsd                    string `json:"size_usd"`
	CollateralUsd              string `json:"collateral_usd"`
	RealisedPnlUsd             string `json:"realised_pnl_usd"`
	CumulativeInterestSnapshot string `json:"cumulative_interest_snapshot"`
	LockedAmount               string `json:"locked_amount"`
	OpenTime                   int64  `json:"open_time"`
	UpdateTime                 int64  `json:"update_time"`
	RawJSON                    string `json:"-"`
	Slot                       uint64 `json:"slot"`
	UpdatedAt                  int64  `json:"updated_at"`
}

type BorrowPositionRecord struct {
	Pubkey                               string `json:"pubkey"`
	Owner                                string `json:"owner"`
	Pool                                 string `json:"pool"`
	Custody                              string `json:"custody"`
	BorrowSize                           string `json:"borrow_size"`
	LockedCollateral                     string `json:"locked_collateral"`
	CumulativeCompoundedInterestSnapshot string `json:"cumulative_compounded_interest_snapshot"`
	OpenTime                             int64  `json:"open_time"`
	UpdateTime                           int64  `json:"update_time"`
	RawJSON                              string `json:"-"`
	Slot                                 uint64 `json:"slot"`
	UpdatedAt                            int64  `json:"updated_at"`
}

type OracleTickRecord struct {
	Symbol      string `json:"symbol"`
	Feed        string `json:"feed"`
	Slot        uint64 `json:"slot"`
	Price       uint64 `json:"price"`
	Expo        int8   `json:"expo"`
	PublishTime int64  `json:"publish_time"`
	ReceivedAt  int64  `json:"received_at"`
}

type SyncStatusRecord struct {
	LastIndexedSlot uint64 `json:"last_indexed_slot"`
	IndexerLagSec   int64  `json:"indexer_lag_sec"`
	UpdatedAt       int64  `json:"updated_at"`
}

func (s *Store) GetPool(ctx context.Context, pubkey string) (PoolRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pubkey, name, lp_token_mint, lp_supply, aum_usd, fee_apr_bps, realized_fee_usd,
		       apr_last_updated, inception_time, raw_json, slot, updated_at
		FROM pool_snapshots
		WHERE pubkey = ?
	`, pubkey)

	return scanPool(row)
}

// GetLatestPool returns the most recently refreshed pool snapshot. The
// indexer tracks a single pool, so this is the pool the API serves.
func (s *Store) GetLatestPool(ctx context.Context) (PoolRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pubkey, name, lp_token_mint, lp_supply, aum_usd, fee_apr_bps, realized_fee_usd,
		       apr_last_updated, inception_time, raw_json, slot, updated_at
		FROM pool_snapshots
		ORDER BY updated_at DESC, slot DESC
		LIMIT 1
	`)

	return scanPool(row)
}

func scanPool(row rowScanner) (PoolRecord, error) {
	var item PoolRecord
	var slot int64
	if err := row.Scan(
		&item.Pubkey,
		&item.Name,
		&item.LpTokenMint,
		&item.LpSupply,
		&item.AumUsd,
		&item.FeeAprBps,
		&item.RealizedFeeUsd,
		&item.AprLastUpdated,
		&item.InceptionTime,
		&item.RawJSON,
		&slot,
		&item.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PoolRecord{}, ErrNotFound
		}
		return PoolRecord{}, err
	}
	item.Slot = uint64(slot)
	return item, nil
}

func (s *Store) ListCustodies(ctx context.Context) ([]CustodyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pubkey, symbol, pool, mint, decimals, is_stable, owned, locked,
		       guaranteed_usd, global_short_sizes, global_short_average_prices,
		       debt, borrow_lend_interests_accrued, target_ratio_bps,
		       raw_json, slot, updated_at
		FROM custody_snapshots
		ORDER BY symbol ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]CustodyRecord, 0, 8)
	for rows.Next() {
		item, err := scanCustody(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// GetCustody resolves by symbol first and falls back to the account pubkey.
func (s *Store) GetCustody(ctx context.Context, key string) (CustodyRecord, error) {
	symbol := strings.ToUpper(strings.TrimSpace(key))
	rows, err := s.db.QueryContext(ctx, `
		SELECT pubkey, symbol, pool, mint, decimals, is_stable, owned, locked,
		       guaranteed_usd, global_short_sizes, global_short_average_prices,
		       debt, borrow_lend_interests_accrued, target_ratio_bps,
		       raw_json, slot, updated_at
		FROM custody_snapshots
		WHERE symbol = ? OR pubkey = ?
		LIMIT 1
	`, symbol, strings.TrimSpace(key))
	if err != nil {
		return CustodyRecord{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return CustodyRecord{}, err
		}
		return CustodyRecord{}, ErrNotFound
	}
	return scanCustody(rows)
}

func scanCustody(rows *sql.Rows) (CustodyRecord, error) {
	var item CustodyRecord
	var decimals int64
	var isStable int
	var slot int64
	if err := rows.Scan(
		&item.Pubkey,
		&item.Symbol,
		&item.Pool,
		&item.Mint,
		&decimals,
		&isStable,
		&item.Owned,
		&item.Locked,
		&item.GuaranteedUsd,
		&item.GlobalShortSizes,
		&item.GlobalShortAveragePrices,
		&item.Debt,
		&item.BorrowLendInterestsAccrued,
		&item.TargetRatioBps,
		&item.RawJSON,
		&slot,
		&item.UpdatedAt,
	); err != nil {
		return CustodyRecord{}, err
	}
	item.Decimals = uint8(decimals)
	item.IsStable = isStable != 0
	item.Slot = uint64(slot)
	return item, nil
}

func (s *Store) ListPositions(ctx context.Context, filter PositionFilter) ([]PositionRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 4)

	if filter.Owner != "" {
		clauses = append(clauses, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.Custody != "" {
		clauses = append(clauses, "custody = ?")
		args = append(args, filter.Custody)
	}
	if filter.OpenOnly {
		clauses = append(clauses, "is_open = 1")
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey, owner, pool, custody, collateral_custody, side, is_open,
			price, size_usd, collateral_usd, realised_pnl_usd,
			cumulative_interest_snapshot, locked_amount,
			open_time, update_time, raw_json, slot, updated_at
		FROM positions
		WHERE %s
		ORDER BY update_time DESC, pubkey ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]PositionRecord, 0, limit)
	for rows.Next() {
		var item PositionRecord
		var isOpen int
		var slot int64
		if err := rows.Scan(
			&item.Pubkey,
			&item.Owner,
			&item.Pool,
			&item.Custody,
			&item.CollateralCustody,
			&item.Side,
			&isOpen,
			&item.Price,
			&item.SizeUsd,
			&item.CollateralUsd,
			&item.RealisedPnlUsd,
			&item.CumulativeInterestSnapshot,
			&item.LockedAmount,
			&item.OpenTime,
			&item.UpdateTime,
			&item.RawJSON,
			&slot,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.IsOpen = isOpen != 0
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) GetPosition(ctx context.Context, pubkey string) (PositionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			pubkey, owner, pool, custody, collateral_custody, side, is_open,
			price, size_usd, collateral_usd, realised_pnl_usd,
			cumulative_interest_snapshot, locked_amount,
			open_time, update_time, raw_json, slot, updated_at
		FROM positions
		WHERE pubkey = ?
		LIMIT 1
	`, strings.TrimSpace(pubkey))
	if err != nil {
		return PositionRecord{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return PositionRecord{}, err
		}
		return PositionRecord{}, ErrNotFound
	}

	var item PositionRecord
	var isOpen int
	var slot int64
	if err := rows.Scan(
		&item.Pubkey,
		&item.Owner,
		&item.Pool,
		&item.Custody,
		&item.CollateralCustody,
		&item.Side,
		&isOpen,
		&item.Price,
		&item.SizeUsd,
		&item.CollateralUsd,
		&item.RealisedPnlUsd,
		&item.CumulativeInterestSnapshot,
		&item.LockedAmount,
		&item.OpenTime,
		&item.UpdateTime,
		&item.RawJSON,
		&slot,
		&item.UpdatedAt,
	); err != nil {
		return PositionRecord{}, err
	}
	item.IsOpen = isOpen != 0
	item.Slot = uint64(slot)
	return item, nil
}

func (s *Store) ListBorrowPositions(ctx context.Context, owner string, limit, offset int) ([]BorrowPositionRecord, int, int, error) {
	limit, offset = normalizePagination(limit, offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 3)

	if owner != "" {
		clauses = append(clauses, "owner = ?")
		args = append(args, owner)
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey, owner, pool, custody, borrow_size, locked_collateral,
			cumulative_compounded_interest_snapshot,
			open_time, update_time, raw_json, slot, updated_at
		FROM borrow_positions
		WHERE %s
		ORDER BY update_time DESC, pubkey ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]BorrowPositionRecord, 0, limit)
	for rows.Next() {
		var item BorrowPositionRecord
		var slot int64
		if err := rows.Scan(
			&item.Pubkey,
			&item.Owner,
			&item.Pool,
			&item.Custody,
			&item.BorrowSize,
			&item.LockedCollateral,
			&item.CumulativeCompoundedInterestSnapshot,
			&item.OpenTime,
			&item.UpdateTime,
			&item.RawJSON,
			&slot,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) GetLatestOracleTick(ctx context.Context, symbol string) (OracleTickRecord, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, feed, slot, price, expo, publish_time, received_at
		FROM oracle_ticks
		WHERE symbol = ?
		ORDER BY publish_time DESC, slot DESC, id DESC
		LIMIT 1
	`, normalized)

	return scanOracleTick(row)
}

func (s *Store) ListOracleTicks(ctx context.Context, symbol string, fromUnix, toUnix int64, limit int) ([]OracleTickRecord, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	clauses := []string{"symbol = ?"}
	args := []any{normalized}
	if fromUnix > 0 {
		clauses = append(clauses, "publish_time >= ?")
		args = append(args, fromUnix)
	}
	if toUnix > 0 {
		clauses = append(clauses, "publish_time <= ?")
		args = append(args, toUnix)
	}

	query := fmt.Sprintf(`
		SELECT symbol, feed, slot, price, expo, publish_time, received_at
		FROM oracle_ticks
		WHERE %s
		ORDER BY publish_time DESC, slot DESC, id DESC
		LIMIT ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]OracleTickRecord, 0, limit)
	for rows.Next() {
		var item OracleTickRecord
		var slot int64
		var price int64
		var expo int64
		if err := rows.Scan(
			&item.Symbol,
			&item.Feed,
			&slot,
			&price,
			&expo,
			&item.PublishTime,
			&item.ReceivedAt,
		); err != nil {
			return nil, err
		}
		item.Slot = uint64(slot)
		item.Price = uint64(price)
		item.Expo = int8(expo)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOracleTick(row rowScanner) (OracleTickRecord, error) {
	var item OracleTickRecord
	var slot int64
	var price int64
	var expo int64
	if err := row.Scan(
		&item.Symbol,
		&item.Feed,
		&slot,
		&price,
		&expo,
		&item.PublishTime,
		&item.ReceivedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OracleTickRecord{}, ErrNotFound
		}
		return OracleTickRecord{}, err
	}
	item.Slot = uint64(slot)
	item.Price = uint64(price)
	item.Expo = int8(expo)
	return item, nil
}

func (s *Store) GetSyncStatus(ctx context.Context, now int64) (SyncStatusRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_slot, updated_at FROM sync_state WHERE id = 1`)

	var lastSlot int64
	var updatedAt int64
	if err := row.Scan(&lastSlot, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SyncStatusRecord{}, nil
		}
		return SyncStatusRecord{}, err
	}

	lag := now - updatedAt
	if lag < 0 {
		lag = 0
	}
	return SyncStatusRecord{
		LastIndexedSlot: uint64(lastSlot),
		IndexerLagSec:   lag,
		UpdatedAt:       updatedAt,
	}, nil
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
