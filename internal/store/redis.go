package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stockbet/bet-settlement/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for bets and balances. Writes go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary. Redis
// failures never fail a call.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Transactions ---

// WithTx runs fn in a primary transaction and drops every cache key the
// transaction wrote, whether it committed or not.
func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		return fn(&cachedTx{Tx: tx, touched: &touched})
	})
	s.invalidate(ctx, touched...)
	return err
}

// cachedTx records keys written inside a transaction. Reads go straight to
// the transaction so they observe uncommitted writes.
type cachedTx struct {
	Tx
	touched *[]string
}

func (t *cachedTx) SaveTransition(ctx context.Context, betID string, expected, next model.Status, payout decimal.Decimal, settledAt time.Time) (bool, error) {
	*t.touched = append(*t.touched, betKey(betID))
	return t.Tx.SaveTransition(ctx, betID, expected, next, payout, settledAt)
}

func (t *cachedTx) UpdateRiskControls(ctx context.Context, betID string, stopLoss, takeProfit *decimal.Decimal) (bool, error) {
	*t.touched = append(*t.touched, betKey(betID))
	return t.Tx.UpdateRiskControls(ctx, betID, stopLoss, takeProfit)
}

func (t *cachedTx) ApplyDelta(ctx context.Context, userID string, delta decimal.Decimal, reference string) error {
	*t.touched = append(*t.touched, balanceKey(userID))
	return t.Tx.ApplyDelta(ctx, userID, delta, reference)
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateBet(ctx context.Context, bet *model.Bet) error {
	if err := s.primary.CreateBet(ctx, bet); err != nil {
		return err
	}
	s.cacheJSON(ctx, betKey(bet.ID), bet)
	return nil
}

func (s *CachedStore) SaveTransition(ctx context.Context, betID string, expected, next model.Status, payout decimal.Decimal, settledAt time.Time) (bool, error) {
	ok, err := s.primary.SaveTransition(ctx, betID, expected, next, payout, settledAt)
	s.invalidate(ctx, betKey(betID))
	return ok, err
}

func (s *CachedStore) UpdateRiskControls(ctx context.Context, betID string, stopLoss, takeProfit *decimal.Decimal) (bool, error) {
	ok, err := s.primary.UpdateRiskControls(ctx, betID, stopLoss, takeProfit)
	s.invalidate(ctx, betKey(betID))
	return ok, err
}

func (s *CachedStore) ApplyDelta(ctx context.Context, userID string, delta decimal.Decimal, reference string) error {
	err := s.primary.ApplyDelta(ctx, userID, delta, reference)
	s.invalidate(ctx, balanceKey(userID))
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	data, err := s.rdb.Get(ctx, betKey(id)).Bytes()
	if err == nil {
		var b model.Bet
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	// Cache miss: read from primary.
	b, err := s.primary.GetBet(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheJSON(ctx, betKey(id), b)
	return b, nil
}

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	val, err := s.rdb.Get(ctx, balanceKey(userID)).Result()
	if err == nil {
		if balance, err := decimal.NewFromString(val); err == nil {
			return balance, nil
		}
	}

	balance, err := s.primary.GetBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}

	s.rdb.Set(ctx, balanceKey(userID), balance.String(), s.ttl)
	return balance, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	return s.primary.ListBetsByUser(ctx, userID)
}

func (s *CachedStore) LoadActiveBets(ctx context.Context) ([]model.Bet, error) {
	return s.primary.LoadActiveBets(ctx)
}

func (s *CachedStore) ListEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.ListEntries(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

func betKey(id string) string      { return fmt.Sprintf("bet:%s", id) }
func balanceKey(uid string) string { return fmt.Sprintf("balance:%s", uid) }
