package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/perps/backend/internal/anchor/perpetuals"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			last_slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pool_snapshots (
			pubkey TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			lp_token_mint TEXT NOT NULL,
			lp_supply TEXT NOT NULL,
			aum_usd TEXT NOT NULL,
			fee_apr_bps BIGINT NOT NULL,
			realized_fee_usd TEXT NOT NULL,
			apr_last_updated BIGINT NOT NULL,
			inception_time BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS custody_snapshots (
			pubkey TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			pool TEXT NOT NULL,
			mint TEXT NOT NULL,
			decimals INTEGER NOT NULL,
			is_stable INTEGER NOT NULL,
			owned TEXT NOT NULL,
			locked TEXT NOT NULL,
			guaranteed_usd TEXT NOT NULL,
			global_short_sizes TEXT NOT NULL,
			global_short_average_prices TEXT NOT NULL,
			debt TEXT NOT NULL,
			borrow_lend_interests_accrued TEXT NOT NULL,
			target_ratio_bps BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_custody_snapshots_symbol ON custody_snapshots(symbol);`,
		`CREATE TABLE IF NOT EXISTS positions (
			pubkey TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			pool TEXT NOT NULL,
			custody TEXT NOT NULL,
			collateral_custody TEXT NOT NULL,
			side TEXT NOT NULL,
			is_open INTEGER NOT NULL,
			price TEXT NOT NULL,
			size_usd TEXT NOT NULL,
			collateral_usd TEXT NOT NULL,
			realised_pnl_usd TEXT NOT NULL,
			cumulative_interest_snapshot TEXT NOT NULL,
			locked_amount TEXT NOT NULL,
			open_time BIGINT NOT NULL,
			update_time BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_owner ON positions(owner, is_open);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_custody ON positions(custody, is_open);`,
		`CREATE TABLE IF NOT EXISTS borrow_positions (
			pubkey TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			pool TEXT NOT NULL,
			custody TEXT NOT NULL,
			borrow_size TEXT NOT NULL,
			locked_collateral TEXT NOT NULL,
			cumulative_compounded_interest_snapshot TEXT NOT NULL,
			open_time BIGINT NOT NULL,
			update_time BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_borrow_positions_owner ON borrow_positions(owner);`,
		`CREATE TABLE IF NOT EXISTS oracle_ticks (
			id BIGSERIAL PRIMARY KEY,
			symbol TEXT NOT NULL,
			feed TEXT NOT NULL,
			slot BIGINT NOT NULL,
			price BIGINT NOT NULL,
			expo INTEGER NOT NULL,
			publish_time BIGINT NOT NULL,
			received_at BIGINT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_oracle_ticks_dedupe ON oracle_ticks(feed, publish_time, slot);`,
		`CREATE INDEX IF NOT EXISTS idx_oracle_ticks_symbol_time ON oracle_ticks(symbol, publish_time DESC, slot DESC, id DESC);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

func (s *Store) UpsertSyncStateTx(ctx context.Context, tx *Tx, slot uint64) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_slot, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_slot = excluded.last_slot,
			updated_at = excluded.updated_at
	`, int64(slot), now)
	return err
}

func (s *Store) UpsertPoolTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, slot uint64, pool *perpetuals.Pool, lpSupply uint64) error {
	raw, err := json.Marshal(pool)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pool_snapshots (
			pubkey, name, lp_token_mint, lp_supply, aum_usd, fee_apr_bps, realized_fee_usd,
			apr_last_updated, inception_time, raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			name = excluded.name,
			lp_token_mint = excluded.lp_token_mint,
			lp_supply = excluded.lp_supply,
			aum_usd = excluded.aum_usd,
			fee_apr_bps = excluded.fee_apr_bps,
			realized_fee_usd = excluded.realized_fee_usd,
			apr_last_updated = excluded.apr_last_updated,
			inception_time = excluded.inception_time,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkey.String(),
		pool.Name,
		pool.LpTokenMint.String(),
		strconv.FormatUint(lpSupply, 10),
		pool.AumUsd.BigInt().String(),
		int64(pool.PoolApr.FeeAprBps),
		strconv.FormatUint(pool.PoolApr.RealizedFeeUsd, 10),
		pool.PoolApr.LastUpdated,
		pool.InceptionTime,
		string(raw),
		int64(slot),
		now,
	)
	return err
}

func (s *Store) UpsertCustodyTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, symbol string, slot uint64, custody *perpetuals.Custody) error {
	raw, err := json.Marshal(custody)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO custody_snapshots (
			pubkey, symbol, pool, mint, decimals, is_stable, owned, locked,
			guaranteed_usd, global_short_sizes, global_short_average_prices,
			debt, borrow_lend_interests_accrued, target_ratio_bps,
			raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			symbol = excluded.symbol,
			pool = excluded.pool,
			mint = excluded.mint,
			decimals = excluded.decimals,
			is_stable = excluded.is_stable,
			owned = excluded.owned,
			locked = excluded.locked,
			guaranteed_usd = excluded.guaranteed_usd,
			global_short_sizes = excluded.global_short_sizes,
			global_short_average_prices = excluded.global_short_average_prices,
			debt = excluded.debt,
			borrow_lend_interests_accrued = excluded.borrow_lend_interests_accrued,
			target_ratio_bps = excluded.target_ratio_bps,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkey.String(),
		symbol,
		custody.Pool.String(),
		custody.Mint.String(),
		int64(custody.Decimals),
		boolToInt(custody.IsStable),
		strconv.FormatUint(custody.Assets.Owned, 10),
		strconv.FormatUint(custody.Assets.Locked, 10),
		strconv.FormatUint(custody.Assets.GuaranteedUsd, 10),
		strconv.FormatUint(custody.Assets.GlobalShortSizes, 10),
		strconv.FormatUint(custody.Assets.GlobalShortAveragePrices, 10),
		custody.Debt.BigInt().String(),
		custody.BorrowLendInterestsAccrued.BigInt().String(),
		int64(custody.TargetRatioBps),
		string(raw),
		int64(slot),
		now,
	)
	return err
}

func (s *Store) UpsertPositionTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, slot uint64, position *perpetuals.Position) error {
	raw, err := json.Marshal(position)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (
			pubkey, owner, pool, custody, collateral_custody, side, is_open,
			price, size_usd, collateral_usd, realised_pnl_usd,
			cumulative_interest_snapshot, locked_amount,
			open_time, update_time, raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			owner = excluded.owner,
			pool = excluded.pool,
			custody = excluded.custody,
			collateral_custody = excluded.collateral_custody,
			side = excluded.side,
			is_open = excluded.is_open,
			price = excluded.price,
			size_usd = excluded.size_usd,
			collateral_usd = excluded.collateral_usd,
			realised_pnl_usd = excluded.realised_pnl_usd,
			cumulative_interest_snapshot = excluded.cumulative_interest_snapshot,
			locked_amount = excluded.locked_amount,
			open_time = excluded.open_time,
			update_time = excluded.update_time,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkey.String(),
		position.Owner.String(),
		position.Pool.String(),
		position.Custody.String(),
		position.CollateralCustody.String(),
		position.Side.String(),
		boolToInt(position.IsOpen()),
		strconv.FormatUint(position.Price, 10),
		strconv.FormatUint(position.SizeUsd, 10),
		strconv.FormatUint(position.CollateralUsd, 10),
		strconv.FormatInt(position.RealisedPnlUsd, 10),
		position.CumulativeInterestSnapshot.BigInt().String(),
		strconv.FormatUint(position.LockedAmount, 10),
		position.OpenTime,
		position.UpdateTime,
		string(raw),
		int64(slot),
		now,
	)
	return err
}

func (s *Store) UpsertBorrowPositionTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, slot uint64, position *perpetuals.BorrowPosition) error {
	raw, err := json.Marshal(position)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO borrow_positions (
			pubkey, owner, pool, custody, borrow_size, locked_collateral,
			cumulative_compounded_interest_snapshot,
			open_time, update_time, raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			owner = excluded.owner,
			pool = excluded.pool,
			custody = excluded.custody,
			borrow_size = excluded.borrow_size,
			locked_collateral = excluded.locked_collateral,
			cumulative_compounded_interest_snapshot = excluded.cumulative_compounded_interest_snapshot,
			open_time = excluded.open_time,
			update_time = excluded.update_time,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkey.String(),
		position.Owner.String(),
		position.Pool.String(),
		position.Custody.String(),
		position.BorrowSize.BigInt().String(),
		strconv.FormatUint(position.LockedCollateral, 10),
		position.CumulativeCompoundedInterestSnapshot.BigInt().String(),
		position.OpenTime,
		position.UpdateTime,
		string(raw),
		int64(slot),
		now,
	)
	return err
}

type OracleTickInput struct {
	Symbol      string
	Feed        string
	Slot        uint64
	Price       uint64
	Expo        int8
	PublishTime int64
	ReceivedAt  int64
}

// InsertOracleTick appends one oracle price observation. Duplicate
// (feed, publish_time, slot) tuples are dropped so the poll and stream
// paths can race without double-counting.
func (s *Store) InsertOracleTick(ctx context.Context, input OracleTickInput) (bool, error) {
	symbol := strings.ToUpper(strings.TrimSpace(input.Symbol))
	if symbol == "" {
		return false, fmt.Errorf("symbol is required")
	}
	feed := strings.TrimSpace(input.Feed)
	if feed == "" {
		return false, fmt.Errorf("feed is required")
	}
	if input.Price == 0 {
		return false, fmt.Errorf("price must be > 0")
	}

	now := time.Now().Unix()
	publishTime := input.PublishTime
	if publishTime <= 0 {
		publishTime = now
	}
	receivedAt := input.ReceivedAt
	if receivedAt <= 0 {
		receivedAt = now
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO oracle_ticks (
			symbol, feed, slot, price, expo, publish_time, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (feed, publish_time, slot) DO NOTHING
	`,
		symbol,
		feed,
		int64(input.Slot),
		int64(input.Price),
		int64(input.Expo),
		publishTime,
		receivedAt,
	)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, nil
	}
	return affected > 0, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
