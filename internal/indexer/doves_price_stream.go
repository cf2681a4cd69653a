package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	"github.com/coldbell/perps/backend/internal/anchor/doves"
)

// runOraclePoll fetches every configured price feed in one batched RPC call
// per interval. This is the baseline price source; the websocket stream only
// lowers latency on top of it.
func (s *Service) runOraclePoll(ctx context.Context) {
	interval := s.cfg.OraclePollInterval
	if interval <= 0 {
		interval = time.Second
	}

	s.logger.Info("oracle poll started",
		"feeds", len(s.feeds),
		"interval", interval.String(),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.pollOracleFeeds(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("oracle poll failed", "err", err)
			}
		}
	}
}

func (s *Service) pollOracleFeeds(ctx context.Context) error {
	if len(s.feeds) == 0 {
		return nil
	}

	result, err := s.rpc.GetMultipleAccountsWithOpts(ctx, s.feeds, &rpc.GetMultipleAccountsOpts{
		Commitment: s.cfg.Commitment,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		return fmt.Errorf("fetch oracle feeds: %w", err)
	}

	slot := result.RPCContext.Context.Slot
	for i, account := range result.Value {
		if account == nil {
			continue
		}
		if err := s.storeOracleAccount(ctx, s.feeds[i], slot, account.Data.GetBinary()); err != nil {
			s.logger.Warn("failed to store oracle tick", "feed", s.feeds[i], "err", err)
		}
	}
	return nil
}

// runOracleStream subscribes to the oracle program over websocket and
// reconnects on any failure. Ticks are deduplicated against the poll path
// in the store.
func (s *Service) runOracleStream(ctx context.Context) {
	reconnectDelay := s.cfg.OracleReconnectInterval
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}

	s.logger.Info("oracle stream enabled",
		"ws", s.cfg.WSURL,
		"program", s.cfg.DovesProgramID,
		"reconnect_delay", reconnectDelay.String(),
	)

	for {
		if err := ctx.Err(); err != nil {
			return
		}

		err := s.consumeOracleStream(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("oracle stream disconnected", "err", err, "retry_in", reconnectDelay.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *Service) consumeOracleStream(ctx context.Context) error {
	client, err := ws.Connect(ctx, s.cfg.WSURL)
	if err != nil {
		return fmt.Errorf("connect solana ws: %w", err)
	}
	defer client.Close()

	sub, err := client.ProgramSubscribeWithOpts(
		s.cfg.DovesProgramID,
		s.cfg.Commitment,
		solana.EncodingBase64,
		nil,
	)
	if err != nil {
		return fmt.Errorf("subscribe oracle program: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		got, err := sub.Recv(ctx)
		if err != nil {
			return fmt.Errorf("read oracle subscription: %w", err)
		}
		if got == nil || got.Value.Account == nil {
			continue
		}

		feed := got.Value.Pubkey
		if _, tracked := s.symbolsByFeed[feed]; !tracked {
			continue
		}
		if err := s.storeOracleAccount(ctx, feed, got.Context.Slot, got.Value.Account.Data.GetBinary()); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logger.Warn("failed to store streamed oracle tick", "feed", feed, "err", err)
		}
	}
}

func (s *Service) storeOracleAccount(ctx context.Context, feed solana.PublicKey, slot uint64, data []byte) error {
	payload, err := doves.ParseAccount_PriceFeed(data)
	if err != nil {
		return err
	}
	if payload.Price == 0 {
		return nil
	}

	symbol, ok := s.symbolsByFeed[feed]
	if !ok {
		symbol = payload.PairString()
	}

	_, err = s.store.InsertOracleTick(ctx, OracleTickInput{
		Symbol:      symbol,
		Feed:        feed.String(),
		Slot:        slot,
		Price:       payload.Price,
		Expo:        payload.Expo,
		PublishTime: payload.Timestamp,
		ReceivedAt:  time.Now().Unix(),
	})
	return err
}
