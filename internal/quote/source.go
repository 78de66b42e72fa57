// Package quote supplies the latest price per instrument to the settlement
// scheduler and to bet placement.
package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/stockbet/bet-settlement/internal/model"
)

var (
	// ErrNoQuote is returned when no price is known for a symbol.
	ErrNoQuote = errors.New("quote: no quote for symbol")

	// ErrInvalidQuote is returned when a pushed quote is unusable.
	ErrInvalidQuote = errors.New("quote: invalid quote")
)

// Source returns the latest known quote for a symbol.
type Source interface {
	Quote(ctx context.Context, symbol string) (model.Quote, error)
}

// Sink accepts pushed quotes.
type Sink interface {
	Put(ctx context.Context, q model.Quote) error
}

// Store is a Source that can also be written to.
type Store interface {
	Source
	Sink
}

// Validate checks that q names a symbol and carries a positive price and
// timestamp.
func Validate(q model.Quote) error {
	if strings.TrimSpace(q.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidQuote)
	}
	if !q.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidQuote)
	}
	if q.AsOf.IsZero() {
		return fmt.Errorf("%w: as_of is required", ErrInvalidQuote)
	}
	return nil
}

// MemorySource keeps the latest quote per symbol in memory. Used for
// development and tests.
type MemorySource struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
}

// NewMemorySource creates an empty in-memory quote store.
func NewMemorySource() *MemorySource {
	return &MemorySource{quotes: make(map[string]model.Quote)}
}

func (m *MemorySource) Quote(_ context.Context, symbol string) (model.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.quotes[symbol]
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	return q, nil
}

// Put stores q unless a newer quote for the symbol is already held.
func (m *MemorySource) Put(_ context.Context, q model.Quote) error {
	if err := Validate(q); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.quotes[q.Symbol]; ok && cur.AsOf.After(q.AsOf) {
		return nil
	}
	m.quotes[q.Symbol] = q
	return nil
}
