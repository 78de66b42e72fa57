// Package events fans settlement events out to downstream consumers once a
// transition has been applied.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stockbet/bet-settlement/internal/model"
)

// Publisher delivers one settlement event. Publishing happens after the
// transition is durable, so a failed publish never undoes a settlement.
type Publisher interface {
	Publish(ctx context.Context, e model.SettlementEvent) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e model.SettlementEvent) error

func (f PublisherFunc) Publish(ctx context.Context, e model.SettlementEvent) error {
	return f(ctx, e)
}

// Multi publishes to every publisher in order and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e model.SettlementEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, model.SettlementEvent) error { return nil }

func encode(e model.SettlementEvent) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settlement event for bet %s: %w", e.BetID, err)
	}
	return data, nil
}
