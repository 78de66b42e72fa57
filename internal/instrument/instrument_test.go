package instrument

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse_Valid(t *testing.T) {
	cases := []struct {
		symbol, exchange string
		want             Instrument
	}{
		{"AAPL", "NASDAQ", Instrument{"AAPL", "NASDAQ"}},
		{" tcs ", "nse", Instrument{"TCS", "NSE"}},
		{"BRK.B", "NYSE", Instrument{"BRK.B", "NYSE"}},
		{"M&M", "BSE", Instrument{"M&M", "BSE"}},
		{"BAJAJ-AUTO", "NSE", Instrument{"BAJAJ-AUTO", "NSE"}},
	}
	for _, tc := range cases {
		got, err := Parse(tc.symbol, tc.exchange)
		if err != nil {
			t.Errorf("Parse(%q, %q): unexpected error %v", tc.symbol, tc.exchange, err)
			continue
		}
		if *got != tc.want {
			t.Errorf("Parse(%q, %q) = %+v, want %+v", tc.symbol, tc.exchange, *got, tc.want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		symbol, exchange string
		want             error
	}{
		{"", "NSE", ErrInvalidSymbol},
		{"1ABC", "NSE", ErrInvalidSymbol},
		{"AA PL", "NASDAQ", ErrInvalidSymbol},
		{"ABCDEFGHIJKLMNOPQRSTU", "NASDAQ", ErrInvalidSymbol},
		{"AAPL", "TSX", ErrUnsupportedExchange},
		{"AAPL", "", ErrUnsupportedExchange},
	}
	for _, tc := range cases {
		_, err := Parse(tc.symbol, tc.exchange)
		if !errors.Is(err, tc.want) {
			t.Errorf("Parse(%q, %q): expected %v, got %v", tc.symbol, tc.exchange, tc.want, err)
		}
	}
}

func TestParseTicker(t *testing.T) {
	got, err := ParseTicker("NSE:RELIANCE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Symbol != "RELIANCE" || got.Exchange != "NSE" {
		t.Errorf("unexpected instrument %+v", got)
	}
	if got.String() != "NSE:RELIANCE" {
		t.Errorf("expected NSE:RELIANCE, got %s", got.String())
	}

	if _, err := ParseTicker("RELIANCE"); !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("expected ErrInvalidSymbol, got %v", err)
	}
}

func TestExchangeFactor(t *testing.T) {
	cases := map[string]string{
		"NASDAQ": "1.10",
		"nse":    "1.20",
		"NYSE":   "1.15",
		"LSE":    "1.15",
	}
	for exchange, want := range cases {
		got := ExchangeFactor(exchange)
		if !got.Equal(decimal.RequireFromString(want)) {
			t.Errorf("ExchangeFactor(%s) = %s, want %s", exchange, got, want)
		}
	}
}
