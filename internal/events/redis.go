package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stockbet/bet-settlement/internal/model"
)

// DefaultChannel is the Redis pub/sub channel used when none is configured.
const DefaultChannel = "bet_settlements"

// RedisPublisher broadcasts events on a Redis pub/sub channel. Delivery is
// fire-and-forget: subscribers that are not connected miss the event.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e model.SettlementEvent) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish bet %s: %w", e.BetID, err)
	}
	return nil
}
