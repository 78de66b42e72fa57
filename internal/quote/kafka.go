package quote

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/stockbet/bet-settlement/internal/model"
)

// MessageReader is the subset of *kafka.Reader used by Ingestor.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// NewKafkaReader returns a consumer-group reader for a quote topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
}

// Ingestor copies JSON quotes from a Kafka topic into a Sink.
type Ingestor struct {
	Reader MessageReader
	Sink   Sink

	// OnError is called with the failing stage ("read", "decode", "store").
	OnError func(stage string)
}

// Run consumes until ctx is cancelled. Bad messages are logged and skipped.
func (in *Ingestor) Run(ctx context.Context) error {
	for {
		m, err := in.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("quote read failed", "err", err)
			in.failed("read")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		var q model.Quote
		if err := json.Unmarshal(m.Value, &q); err != nil {
			slog.Warn("invalid quote message", "offset", m.Offset, "err", err)
			in.failed("decode")
			continue
		}
		if q.Symbol == "" {
			q.Symbol = string(m.Key)
		}

		if err := in.Sink.Put(ctx, q); err != nil {
			slog.Warn("quote store failed", "symbol", q.Symbol, "err", err)
			in.failed("store")
		}
	}
}

func (in *Ingestor) failed(stage string) {
	if in.OnError != nil {
		in.OnError(stage)
	}
}
