// Package instrument validates the symbols and venues bets can be placed on.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Supported exchanges.
const (
	ExchangeNSE    = "NSE"
	ExchangeBSE    = "BSE"
	ExchangeNASDAQ = "NASDAQ"
	ExchangeNYSE   = "NYSE"
	ExchangeLSE    = "LSE"
)

var validExchanges = map[string]bool{
	ExchangeNSE:    true,
	ExchangeBSE:    true,
	ExchangeNASDAQ: true,
	ExchangeNYSE:   true,
	ExchangeLSE:    true,
}

// Odds adjustment per venue. Venues not listed use defaultFactor.
var exchangeFactors = map[string]decimal.Decimal{
	ExchangeNASDAQ: decimal.RequireFromString("1.10"),
	ExchangeNSE:    decimal.RequireFromString("1.20"),
}

var defaultFactor = decimal.RequireFromString("1.15")

// symbolRegex matches exchange symbols such as AAPL, BRK.B, M&M, BAJAJ-AUTO.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.&-]{0,19}$`)

var (
	ErrInvalidSymbol       = errors.New("instrument: invalid symbol")
	ErrUnsupportedExchange = errors.New("instrument: unsupported exchange")
)

// Instrument is a validated symbol on a venue.
type Instrument struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

// Parse validates a symbol and exchange pair. Both are upper-cased.
func Parse(symbol, exchange string) (*Instrument, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	exchange = strings.ToUpper(strings.TrimSpace(exchange))

	if !symbolRegex.MatchString(symbol) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	if !validExchanges[exchange] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExchange, exchange)
	}
	return &Instrument{Symbol: symbol, Exchange: exchange}, nil
}

// ParseTicker parses the "EXCHANGE:SYMBOL" form, e.g. NSE:TCS.
func ParseTicker(ticker string) (*Instrument, error) {
	exchange, symbol, ok := strings.Cut(ticker, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q (expected EXCHANGE:SYMBOL)", ErrInvalidSymbol, ticker)
	}
	return Parse(symbol, exchange)
}

// String returns the ticker form.
func (i Instrument) String() string {
	return i.Exchange + ":" + i.Symbol
}

// ExchangeFactor returns the odds multiplier for a venue.
func ExchangeFactor(exchange string) decimal.Decimal {
	if f, ok := exchangeFactors[strings.ToUpper(exchange)]; ok {
		return f
	}
	return defaultFactor
}
