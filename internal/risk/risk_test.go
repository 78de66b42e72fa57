package risk

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

func TestAssess_Components(t *testing.T) {
	cases := []struct {
		name string
		in   Input
		want Assessment
	}{
		{
			name: "small long-dated directional",
			in:   Input{Stake: d(1000), Leverage: d(1), TimeToExpiry: 48 * time.Hour, Kind: model.Directional(model.DirectionUp)},
			want: Assessment{Stake: 0, Leverage: 0, Time: 0, Kind: 10, Score: 10},
		},
		{
			name: "mid-size leveraged target",
			in:   Input{Stake: d(40000), Leverage: d(3), TimeToExpiry: 5 * time.Hour, Kind: model.Target(d(110))},
			want: Assessment{Stake: 10, Leverage: 10, Time: 20, Kind: 20, Score: 60},
		},
		{
			name: "everything maxed",
			in:   Input{Stake: d(1000000), Leverage: d(10), TimeToExpiry: 10 * time.Minute, Kind: model.Range(d(1), d(2))},
			want: Assessment{Stake: 25, Leverage: 25, Time: 25, Kind: 15, Score: 90},
		},
		{
			name: "leverage below one treated as one",
			in:   Input{Stake: d(100), Leverage: decimal.Zero, TimeToExpiry: 30 * time.Hour, Kind: model.Directional(model.DirectionDown)},
			want: Assessment{Kind: 10, Score: 10},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Assess(tc.in)
			if got != tc.want {
				t.Errorf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestParseProfile(t *testing.T) {
	cases := map[string]Profile{
		"":             Moderate,
		"conservative": Conservative,
		" Aggressive ": Aggressive,
		"MODERATE":     Moderate,
	}
	for in, want := range cases {
		got, err := ParseProfile(in)
		if err != nil {
			t.Errorf("ParseProfile(%q): unexpected error %v", in, err)
		}
		if got != want {
			t.Errorf("ParseProfile(%q) = %s, want %s", in, got, want)
		}
	}

	if _, err := ParseProfile("yolo"); !errors.Is(err, ErrUnknownProfile) {
		t.Errorf("expected ErrUnknownProfile, got %v", err)
	}
}

func TestCheck(t *testing.T) {
	if err := Check(Conservative, 40); err != nil {
		t.Errorf("score at tolerance should pass, got %v", err)
	}
	if err := Check(Conservative, 41); !errors.Is(err, ErrToleranceExceeded) {
		t.Errorf("expected ErrToleranceExceeded, got %v", err)
	}
	if err := Check(Aggressive, 100); err != nil {
		t.Errorf("aggressive accepts every score, got %v", err)
	}
}
