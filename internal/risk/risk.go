// Package risk scores a prospective bet from 0 (safe) to 100 and checks the
// score against the bettor's declared risk profile.
package risk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockbet/bet-settlement/internal/model"
)

var (
	// ErrUnknownProfile is returned for an unrecognised risk profile.
	ErrUnknownProfile = errors.New("risk: unknown risk profile")

	// ErrToleranceExceeded is returned when a bet scores above the profile's
	// tolerance.
	ErrToleranceExceeded = errors.New("risk: score exceeds risk tolerance")
)

// Profile is a bettor's declared appetite for risk.
type Profile string

const (
	Conservative Profile = "conservative"
	Moderate     Profile = "moderate"
	Aggressive   Profile = "aggressive"
)

var tolerances = map[Profile]int{
	Conservative: 40,
	Moderate:     70,
	Aggressive:   100,
}

// ParseProfile parses a profile name. The empty string means Moderate.
func ParseProfile(s string) (Profile, error) {
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return Moderate, nil
	}
	if _, ok := tolerances[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProfile, s)
	}
	return p, nil
}

// Tolerance is the highest score the profile accepts.
func (p Profile) Tolerance() int {
	return tolerances[p]
}

// Each component contributes at most componentCap points.
var (
	componentCap   = decimal.NewFromInt(25)
	stakeUnit      = decimal.NewFromInt(100000) // stake that maxes the stake component
	leverageWeight = decimal.NewFromInt(5)
	one            = decimal.NewFromInt(1)
)

var kindPoints = map[string]int{
	"up":     10,
	"down":   10,
	"target": 20,
	"range":  15,
}

// Input describes the bet being scored.
type Input struct {
	Stake        decimal.Decimal
	Leverage     decimal.Decimal
	TimeToExpiry time.Duration
	Kind         model.Kind
}

// Assessment is a score with its components.
type Assessment struct {
	Stake    int `json:"stake"`
	Leverage int `json:"leverage"`
	Time     int `json:"time"`
	Kind     int `json:"kind"`
	Score    int `json:"score"`
}

// Assess scores in. Larger stakes, more leverage, shorter expiries and
// harder-to-win kinds score higher.
func Assess(in Input) Assessment {
	stake := capped(in.Stake.Div(stakeUnit).Mul(componentCap))

	leverage := in.Leverage
	if leverage.LessThan(one) {
		leverage = one
	}
	lev := capped(leverage.Sub(one).Mul(leverageWeight))

	hours := decimal.NewFromFloat(in.TimeToExpiry.Hours())
	tm := capped(componentCap.Sub(hours))

	kind, ok := kindPoints[in.Kind.String()]
	if !ok {
		kind = 15
	}

	a := Assessment{
		Stake:    int(stake.Round(0).IntPart()),
		Leverage: int(lev.Round(0).IntPart()),
		Time:     int(tm.Round(0).IntPart()),
		Kind:     kind,
	}
	a.Score = a.Stake + a.Leverage + a.Time + a.Kind
	if a.Score > 100 {
		a.Score = 100
	}
	return a
}

// Check returns ErrToleranceExceeded if score is above p's tolerance.
func Check(p Profile, score int) error {
	if score > p.Tolerance() {
		return fmt.Errorf("%w: score %d, %s tolerance %d", ErrToleranceExceeded, score, p, p.Tolerance())
	}
	return nil
}

// capped clamps v to [0, componentCap].
func capped(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(componentCap) {
		return componentCap
	}
	return v
}
