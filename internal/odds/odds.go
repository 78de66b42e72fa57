// Package odds prices bets at placement time. The quoted odds are frozen on
// the bet and determine its potential payout (stake × odds).
//
// The price is a base that depends on how hard the bet is to win, plus
// additive adjustments for recent volatility, time to expiry and venue:
//
//	directional: 1.85
//	target:      2.5 + 10 × |target − entry| / entry
//	range:       1.5 + entry / (max − min)
//
//	odds = base + |changePercent|/100 + 0.1 × expiryMinutes/60 + (exchangeFactor − 1)
//
// The result is clamped to [MinOdds, MaxOdds] and rounded to Scale places.
package odds

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockbet/bet-settlement/internal/model"
)

var (
	// ErrInvalidEntryPrice is returned when the entry price is not positive.
	ErrInvalidEntryPrice = errors.New("odds: entry price must be positive")

	// ErrInvalidExpiry is returned when the time to expiry is not positive.
	ErrInvalidExpiry = errors.New("odds: time to expiry must be positive")

	// ErrDegenerateRange is returned for a range bet with zero width.
	ErrDegenerateRange = errors.New("odds: range width must be positive")

	// MinOdds is the lowest odds ever quoted.
	MinOdds = decimal.RequireFromString("1.1")

	// MaxOdds caps the quote for far-away targets and very narrow ranges.
	MaxOdds = decimal.NewFromInt(100)

	// Scale is the number of decimal places quoted odds are rounded to.
	Scale int32 = 2
)

var (
	directionalBase = decimal.RequireFromString("1.85")
	targetBase      = decimal.RequireFromString("2.5")
	targetSlope     = decimal.NewFromInt(10)
	rangeBase       = decimal.RequireFromString("1.5")
	timeRate        = decimal.RequireFromString("0.1") // per hour to expiry
	hundred         = decimal.NewFromInt(100)
	minutesPerHour  = decimal.NewFromInt(60)
	one             = decimal.NewFromInt(1)
)

// Input describes a prospective bet.
type Input struct {
	Kind           model.Kind
	EntryPrice     decimal.Decimal
	ChangePercent  decimal.Decimal // instrument's change over the session, in percent
	TimeToExpiry   time.Duration
	ExchangeFactor decimal.Decimal // see instrument.ExchangeFactor
}

// Breakdown shows each component of a quote.
type Breakdown struct {
	Base       decimal.Decimal `json:"base"`
	Volatility decimal.Decimal `json:"volatility"`
	Time       decimal.Decimal `json:"time"`
	Exchange   decimal.Decimal `json:"exchange"`
	Odds       decimal.Decimal `json:"odds"`
}

// Quote prices in. The kind must already be valid.
func Quote(in Input) (Breakdown, error) {
	if !in.EntryPrice.IsPositive() {
		return Breakdown{}, ErrInvalidEntryPrice
	}
	if in.TimeToExpiry <= 0 {
		return Breakdown{}, ErrInvalidExpiry
	}

	base, err := baseOdds(in.Kind, in.EntryPrice)
	if err != nil {
		return Breakdown{}, err
	}

	minutes := decimal.NewFromFloat(in.TimeToExpiry.Minutes())
	factor := in.ExchangeFactor
	if factor.IsZero() {
		factor = one
	}

	b := Breakdown{
		Base:       base,
		Volatility: in.ChangePercent.Abs().Div(hundred),
		Time:       minutes.Div(minutesPerHour).Mul(timeRate),
		Exchange:   factor.Sub(one),
	}
	total := b.Base.Add(b.Volatility).Add(b.Time).Add(b.Exchange)
	b.Odds = clamp(total).Round(Scale)
	return b, nil
}

// Payout returns the potential payout for stake at odds.
func Payout(stake, odds decimal.Decimal) decimal.Decimal {
	return model.PotentialPayoutFor(stake, odds)
}

func baseOdds(kind model.Kind, entry decimal.Decimal) (decimal.Decimal, error) {
	switch kind.Type {
	case model.KindTarget:
		distance := kind.TargetPrice.Sub(entry).Abs().Div(entry)
		return targetBase.Add(distance.Mul(targetSlope)), nil
	case model.KindRange:
		width := kind.Range.Max.Sub(kind.Range.Min)
		if !width.IsPositive() {
			return decimal.Zero, ErrDegenerateRange
		}
		return rangeBase.Add(entry.Div(width)), nil
	default:
		return directionalBase, nil
	}
}

func clamp(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(MinOdds) {
		return MinOdds
	}
	if v.GreaterThan(MaxOdds) {
		return MaxOdds
	}
	return v
}
