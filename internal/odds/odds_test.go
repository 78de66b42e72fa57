package odds

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockbet/bet-settlement/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestQuote_Directional(t *testing.T) {
	// 1.85 + 2.5/100 + 0.1 × 60/60 + (1.10 − 1) = 2.075 → 2.08
	b, err := Quote(Input{
		Kind:           model.Directional(model.DirectionUp),
		EntryPrice:     d(100),
		ChangePercent:  d(-2.5),
		TimeToExpiry:   time.Hour,
		ExchangeFactor: d(1.10),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Base.Equal(d(1.85)) {
		t.Errorf("expected base 1.85, got %s", b.Base)
	}
	if !b.Volatility.Equal(d(0.025)) {
		t.Errorf("expected volatility 0.025, got %s", b.Volatility)
	}
	if !b.Time.Equal(d(0.1)) {
		t.Errorf("expected time 0.1, got %s", b.Time)
	}
	if !b.Odds.Equal(d(2.08)) {
		t.Errorf("expected odds 2.08, got %s", b.Odds)
	}
}

func TestQuote_Target(t *testing.T) {
	// 2.5 + 10 × 10/100 = 3.5; + 0.1 × 30/60 = 3.55; + 0.2 (NSE) = 3.75
	b, err := Quote(Input{
		Kind:           model.Target(d(90)),
		EntryPrice:     d(100),
		TimeToExpiry:   30 * time.Minute,
		ExchangeFactor: d(1.20),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Base.Equal(d(3.5)) {
		t.Errorf("expected base 3.5, got %s", b.Base)
	}
	if !b.Odds.Equal(d(3.75)) {
		t.Errorf("expected odds 3.75, got %s", b.Odds)
	}
}

func TestQuote_Range(t *testing.T) {
	// 1.5 + 100/4 = 26.5; + 0.1 × 2 = 26.7; + 0.15 = 26.85
	b, err := Quote(Input{
		Kind:           model.Range(d(98), d(102)),
		EntryPrice:     d(100),
		TimeToExpiry:   2 * time.Hour,
		ExchangeFactor: d(1.15),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Odds.Equal(d(26.85)) {
		t.Errorf("expected odds 26.85, got %s", b.Odds)
	}
}

func TestQuote_ClampedToMax(t *testing.T) {
	b, err := Quote(Input{
		Kind:         model.Range(d(99.99), d(100.01)),
		EntryPrice:   d(100),
		TimeToExpiry: time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Odds.Equal(MaxOdds) {
		t.Errorf("expected odds capped at %s, got %s", MaxOdds, b.Odds)
	}
}

func TestQuote_NeverBelowMin(t *testing.T) {
	// A wide range prices below the floor.
	b, err := Quote(Input{
		Kind:         model.Range(d(1), d(100000)),
		EntryPrice:   d(100),
		TimeToExpiry: time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Odds.LessThan(MinOdds) {
		t.Errorf("odds %s below floor %s", b.Odds, MinOdds)
	}
}

func TestQuote_Errors(t *testing.T) {
	cases := []struct {
		name string
		in   Input
		want error
	}{
		{"zero entry", Input{Kind: model.Directional(model.DirectionUp), TimeToExpiry: time.Hour}, ErrInvalidEntryPrice},
		{"no expiry", Input{Kind: model.Directional(model.DirectionUp), EntryPrice: d(100)}, ErrInvalidExpiry},
		{"flat range", Input{Kind: model.Range(d(100), d(100)), EntryPrice: d(100), TimeToExpiry: time.Hour}, ErrDegenerateRange},
	}
	for _, tc := range cases {
		if _, err := Quote(tc.in); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestPayout(t *testing.T) {
	if got := Payout(d(500), d(1.85)); !got.Equal(d(925)) {
		t.Errorf("expected 925, got %s", got)
	}
	if got := Payout(d(333), d(2.08)); !got.Equal(d(692.64)) {
		t.Errorf("expected 692.64, got %s", got)
	}
}
