package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/perps/backend/internal/anchor/perpetuals"
	"github.com/coldbell/perps/backend/internal/config"
)

type Service struct {
	cfg    config.IndexerConfig
	rpc    *rpc.Client
	store  *Store
	logger *slog.Logger

	feeds            []solana.PublicKey
	symbolsByFeed    map[solana.PublicKey]string
	symbolsByCustody map[solana.PublicKey]string
}

func New(cfg config.IndexerConfig, logger *slog.Logger) (*Service, error) {
	store, err := NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	perpetuals.ProgramID = cfg.PerpetualsProgramID

	feeds := make([]solana.PublicKey, 0, len(cfg.CustodyTargets))
	symbolsByFeed := make(map[solana.PublicKey]string, len(cfg.CustodyTargets))
	symbolsByCustody := make(map[solana.PublicKey]string, len(cfg.CustodyTargets))
	for _, target := range cfg.CustodyTargets {
		feeds = append(feeds, target.DovesOracle)
		symbolsByFeed[target.DovesOracle] = target.Symbol
		symbolsByCustody[target.Custody] = target.Symbol
	}

	return &Service{
		cfg:              cfg,
		rpc:              rpc.New(cfg.RPCURL),
		store:            store,
		logger:           logger,
		feeds:            feeds,
		symbolsByFeed:    symbolsByFeed,
		symbolsByCustody: symbolsByCustody,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	s.logger.Info("indexer started",
		"rpc", s.cfg.RPCURL,
		"db_driver", "postgres",
		"commitment", s.cfg.Commitment,
		"pool", s.cfg.PoolAddress,
		"custodies", len(s.cfg.CustodyTargets),
	)

	if err := s.syncOnce(ctx); err != nil {
		s.logger.Error("initial sync failed", "err", err)
	}
	if err := s.syncPositions(ctx); err != nil {
		s.logger.Error("initial position scan failed", "err", err)
	}

	go s.runOraclePoll(ctx)
	if s.cfg.EnableOracleStream {
		go s.runOracleStream(ctx)
	}

	poolTicker := time.NewTicker(s.cfg.PollInterval)
	defer poolTicker.Stop()
	positionTicker := time.NewTicker(s.cfg.PositionScanInterval)
	defer positionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("indexer stopped")
			return nil
		case <-poolTicker.C:
			if err := s.syncOnce(ctx); err != nil {
				s.logger.Error("sync failed", "err", err)
			}
		case <-positionTicker.C:
			if err := s.syncPositions(ctx); err != nil {
				s.logger.Error("position scan failed", "err", err)
			}
		}
	}
}

// syncOnce refreshes the pool account and every tracked custody inside one
// transaction so readers never observe a custody newer than its pool.
func (s *Service) syncOnce(ctx context.Context) error {
	var slot uint64
	err := s.withRetry(ctx, "get slot", func() error {
		var err error
		slot, err = s.rpc.GetSlot(ctx, s.cfg.Commitment)
		return err
	})
	if err != nil {
		return fmt.Errorf("get slot: %w", err)
	}

	pool, err := s.fetchPool(ctx)
	if err != nil {
		return err
	}

	lpSupply, err := s.fetchPoolTokenSupply(ctx)
	if err != nil {
		return err
	}

	custodies, err := s.fetchCustodies(ctx)
	if err != nil {
		return err
	}

	err = s.store.WithTx(ctx, func(tx *Tx) error {
		if err := s.store.UpsertPoolTx(ctx, tx, s.cfg.PoolAddress, slot, pool, lpSupply); err != nil {
			return fmt.Errorf("upsert pool: %w", err)
		}
		for i, custody := range custodies {
			if custody == nil {
				continue
			}
			target := s.cfg.CustodyTargets[i]
			if err := s.store.UpsertCustodyTx(ctx, tx, target.Custody, target.Symbol, slot, custody); err != nil {
				return fmt.Errorf("upsert custody %s: %w", target.Symbol, err)
			}
		}
		return s.store.UpsertSyncStateTx(ctx, tx, slot)
	})
	if err != nil {
		return err
	}

	s.logger.Info("sync complete",
		"slot", slot,
		"custodies", len(custodies),
	)
	return nil
}

func (s *Service) fetchPool(ctx context.Context) (*perpetuals.Pool, error) {
	var result *rpc.GetAccountInfoResult
	err := s.withRetry(ctx, "fetch pool", func() error {
		var err error
		result, err = s.rpc.GetAccountInfoWithOpts(ctx, s.cfg.PoolAddress, &rpc.GetAccountInfoOpts{
			Commitment: s.cfg.Commitment,
			Encoding:   solana.EncodingBase64,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch pool %s: %w", s.cfg.PoolAddress, err)
	}
	if result == nil || result.Value == nil {
		return nil, fmt.Errorf("pool account %s not found", s.cfg.PoolAddress)
	}

	pool, err := perpetuals.ParseAccount_Pool(result.Value.Data.GetBinary())
	if err != nil {
		return nil, fmt.Errorf("parse pool %s: %w", s.cfg.PoolAddress, err)
	}
	return pool, nil
}

// fetchPoolTokenSupply reads the circulating pool token supply, which the
// virtual price and mint/redeem quotes divide by.
func (s *Service) fetchPoolTokenSupply(ctx context.Context) (uint64, error) {
	var result *rpc.GetTokenSupplyResult
	err := s.withRetry(ctx, "fetch pool token supply", func() error {
		var err error
		result, err = s.rpc.GetTokenSupply(ctx, s.cfg.PoolTokenMint, s.cfg.Commitment)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("fetch pool token supply %s: %w", s.cfg.PoolTokenMint, err)
	}
	if result == nil || result.Value == nil {
		return 0, fmt.Errorf("pool token mint %s not found", s.cfg.PoolTokenMint)
	}

	supply, err := strconv.ParseUint(result.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse pool token supply %q: %w", result.Value.Amount, err)
	}
	return supply, nil
}

// fetchCustodies returns one entry per configured target, nil where the
// account was missing or failed to decode.
func (s *Service) fetchCustodies(ctx context.Context) ([]*perpetuals.Custody, error) {
	keys := make([]solana.PublicKey, 0, len(s.cfg.CustodyTargets))
	for _, target := range s.cfg.CustodyTargets {
		keys = append(keys, target.Custody)
	}

	var result *rpc.GetMultipleAccountsResult
	err := s.withRetry(ctx, "fetch custodies", func() error {
		var err error
		result, err = s.rpc.GetMultipleAccountsWithOpts(ctx, keys, &rpc.GetMultipleAccountsOpts{
			Commitment: s.cfg.Commitment,
			Encoding:   solana.EncodingBase64,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch custodies: %w", err)
	}

	out := make([]*perpetuals.Custody, len(keys))
	for i, account := range result.Value {
		if account == nil {
			s.logger.Warn("custody account missing", "symbol", s.cfg.CustodyTargets[i].Symbol, "pubkey", keys[i])
			continue
		}
		custody, err := perpetuals.ParseAccount_Custody(account.Data.GetBinary())
		if err != nil {
			s.logger.Warn("failed to parse custody", "symbol", s.cfg.CustodyTargets[i].Symbol, "pubkey", keys[i], "err", err)
			continue
		}
		out[i] = custody
	}
	return out, nil
}

// syncPositions scans every position and borrow position account under the
// configured pool. The scans run on their own cadence since the full program
// scan is far heavier than the pool refresh.
func (s *Service) syncPositions(ctx context.Context) error {
	var slot uint64
	err := s.withRetry(ctx, "get slot", func() error {
		var err error
		slot, err = s.rpc.GetSlot(ctx, s.cfg.Commitment)
		return err
	})
	if err != nil {
		return fmt.Errorf("get slot: %w", err)
	}

	stats := map[string]int{}
	err = s.store.WithTx(ctx, func(tx *Tx) error {
		if err := s.scanAndStore(ctx, slot, "Position", perpetuals.Account_Position,
			func(item *rpc.KeyedAccount) error {
				payload, err := perpetuals.ParseAccount_Position(item.Account.Data.GetBinary())
				if err != nil {
					return err
				}
				stats["positions"]++
				return s.store.UpsertPositionTx(ctx, tx, item.Pubkey, slot, payload)
			}); err != nil {
			return err
		}

		if err := s.scanAndStore(ctx, slot, "BorrowPosition", perpetuals.Account_BorrowPosition,
			func(item *rpc.KeyedAccount) error {
				payload, err := perpetuals.ParseAccount_BorrowPosition(item.Account.Data.GetBinary())
				if err != nil {
					return err
				}
				stats["borrow_positions"]++
				return s.store.UpsertBorrowPositionTx(ctx, tx, item.Pubkey, slot, payload)
			}); err != nil {
			return err
		}

		return s.store.UpsertSyncStateTx(ctx, tx, slot)
	})
	if err != nil {
		return err
	}

	s.logger.Info("position scan complete",
		"slot", slot,
		"positions", stats["positions"],
		"borrow_positions", stats["borrow_positions"],
	)
	return nil
}

func (s *Service) scanAndStore(
	ctx context.Context,
	slot uint64,
	accountType string,
	discriminator [8]byte,
	handler func(item *rpc.KeyedAccount) error,
) error {
	programID := s.cfg.PerpetualsProgramID

	var accounts rpc.GetProgramAccountsResult
	err := s.withRetry(ctx, "scan "+accountType, func() error {
		var err error
		accounts, err = s.rpc.GetProgramAccountsWithOpts(ctx, programID, &rpc.GetProgramAccountsOpts{
			Commitment: s.cfg.Commitment,
			Filters: []rpc.RPCFilter{
				{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(discriminator[:])}},
				// Pool sits right after the discriminator and owner key.
				{Memcmp: &rpc.RPCFilterMemcmp{Offset: 40, Bytes: solana.Base58(s.cfg.PoolAddress.Bytes())}},
			},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("scan %s accounts for program %s: %w", accountType, programID, err)
	}

	for _, item := range accounts {
		if item == nil || item.Account == nil {
			continue
		}
		if err := handler(item); err != nil {
			s.logger.Warn("failed to index account",
				"program", programID,
				"account_type", accountType,
				"pubkey", item.Pubkey,
				"slot", slot,
				"err", err,
			)
		}
	}
	return nil
}

// withRetry retries transient RPC failures with exponential backoff capped
// at the configured maximum delay.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	maxAttempts := s.cfg.RPCMaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := s.cfg.RPCRetryBaseDelay
	if delay <= 0 {
		delay = time.Second
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		s.logger.Warn("rpc call failed",
			"op", op,
			"attempt", attempt,
			"retry_in", delay.String(),
			"err", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if s.cfg.RPCRetryMaxDelay > 0 && delay > s.cfg.RPCRetryMaxDelay {
			delay = s.cfg.RPCRetryMaxDelay
		}
	}
	return err
}
