package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stockbet/bet-settlement/internal/model"
)

// putQuote writes a quote hash unless the held one has a later as_of.
// KEYS[1] quote key; ARGV[1] as_of in unix microseconds; ARGV[2] quote JSON;
// ARGV[3] ttl in milliseconds, 0 for none.
var putQuote = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'as_of')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'as_of', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// RedisSource stores the latest quote per symbol in a hash at
// "quote:<SYMBOL>" holding the quote JSON and its as_of. Entries expire
// after ttl so a dead feed surfaces as ErrNoQuote instead of a frozen price.
type RedisSource struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisSource creates a Redis-backed quote store.
func NewRedisSource(rdb redis.UniversalClient, ttl time.Duration) *RedisSource {
	return &RedisSource{rdb: rdb, ttl: ttl}
}

func (s *RedisSource) Quote(ctx context.Context, symbol string) (model.Quote, error) {
	data, err := s.rdb.HGet(ctx, quoteKey(symbol), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Quote{}, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	if err != nil {
		return model.Quote{}, fmt.Errorf("read quote %s: %w", symbol, err)
	}

	var q model.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return model.Quote{}, fmt.Errorf("decode quote %s: %w", symbol, err)
	}
	return q, nil
}

// Put stores q unless a newer quote for the symbol is already held. The
// comparison and write run atomically on the server.
func (s *RedisSource) Put(ctx context.Context, q model.Quote) error {
	if err := Validate(q); err != nil {
		return err
	}
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	keys := []string{quoteKey(q.Symbol)}
	stored, err := putQuote.Run(ctx, s.rdb, keys, q.AsOf.UnixMicro(), data, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("write quote %s: %w", q.Symbol, err)
	}
	if stored == 0 {
		slog.Debug("ignoring older quote", "symbol", q.Symbol, "as_of", q.AsOf)
	}
	return nil
}

func quoteKey(symbol string) string { return "quote:" + symbol }
