// Package exposure caps how much stake a single user may have riding on one
// instrument, and on one exchange, across all of their active bets.
//
// Bets on the same symbol move together, and bets on one venue share
// session-level shocks (halts, circuit breakers, currency moves), so both
// are limited in aggregate rather than per bet.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/stockbet/bet-settlement/internal/model"
)

var (
	// ErrSymbolLimitExceeded is returned when a bet would push the user's
	// active stake on one symbol beyond MaxPerSymbol.
	ErrSymbolLimitExceeded = errors.New("exposure: per-symbol stake limit exceeded")

	// ErrExchangeLimitExceeded is returned when a bet would push the user's
	// active stake on one exchange beyond MaxPerExchange.
	ErrExchangeLimitExceeded = errors.New("exposure: per-exchange stake limit exceeded")
)

// Limiter enforces aggregate stake limits. A zero limit disables that check.
type Limiter struct {
	// MaxPerSymbol is the maximum total active stake on any one symbol.
	MaxPerSymbol decimal.Decimal

	// MaxPerExchange is the maximum total active stake on any one exchange.
	MaxPerExchange decimal.Decimal
}

// NewLimiter creates a limiter with the given per-symbol and per-exchange
// stake limits.
func NewLimiter(maxPerSymbol, maxPerExchange decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerSymbol:   maxPerSymbol,
		MaxPerExchange: maxPerExchange,
	}
}

// Exposure is a user's active stake grouped by symbol and by exchange.
type Exposure struct {
	BySymbol   map[string]decimal.Decimal `json:"by_symbol"`
	ByExchange map[string]decimal.Decimal `json:"by_exchange"`
	Total      decimal.Decimal            `json:"total"`
}

// Aggregate sums the stake of the active bets in bets.
func Aggregate(bets []model.Bet) Exposure {
	e := Exposure{
		BySymbol:   make(map[string]decimal.Decimal),
		ByExchange: make(map[string]decimal.Decimal),
	}
	for _, b := range bets {
		if b.Status != model.StatusActive {
			continue
		}
		e.BySymbol[b.Symbol] = e.BySymbol[b.Symbol].Add(b.Stake)
		e.ByExchange[b.Exchange] = e.ByExchange[b.Exchange].Add(b.Stake)
		e.Total = e.Total.Add(b.Stake)
	}
	return e
}

// CheckLimit validates whether a new bet of stake on symbol/exchange keeps
// the user within limits, given their current exposure.
func (l *Limiter) CheckLimit(symbol, exchange string, stake decimal.Decimal, current Exposure) error {
	if l.MaxPerSymbol.IsPositive() {
		if current.BySymbol[symbol].Add(stake).GreaterThan(l.MaxPerSymbol) {
			return ErrSymbolLimitExceeded
		}
	}
	if l.MaxPerExchange.IsPositive() {
		if current.ByExchange[exchange].Add(stake).GreaterThan(l.MaxPerExchange) {
			return ErrExchangeLimitExceeded
		}
	}
	return nil
}
