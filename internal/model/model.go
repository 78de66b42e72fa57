// Package model defines the core domain types shared across the settlement service.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidKind is returned when a bet kind carries the wrong shape.
	ErrInvalidKind = errors.New("model: invalid bet kind")
)

// Status is the lifecycle state of a bet.
type Status string

const (
	StatusActive  Status = "active"
	StatusWon     Status = "won"
	StatusLost    Status = "lost"
	StatusExpired Status = "expired"
)

// Terminal reports whether s is one of the settled states.
func (s Status) Terminal() bool {
	return s == StatusWon || s == StatusLost || s == StatusExpired
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s.Terminal()
}

// KindType tags which shape of Kind is populated.
type KindType string

const (
	KindDirectional KindType = "directional"
	KindTarget      KindType = "target"
	KindRange       KindType = "range"
)

// Direction is the side of a directional bet.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// PriceRange is an inclusive [Min, Max] band.
type PriceRange struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// Contains reports whether price lies inside the band, boundaries included.
func (r PriceRange) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(r.Min) && price.LessThanOrEqual(r.Max)
}

// Kind is a tagged variant: exactly one of Direction, TargetPrice or Range
// carries data, selected by Type.
type Kind struct {
	Type        KindType         `json:"type"`
	Direction   Direction        `json:"direction,omitempty"`
	TargetPrice *decimal.Decimal `json:"target_price,omitempty"`
	Range       *PriceRange      `json:"range,omitempty"`
}

// Directional returns an up/down kind.
func Directional(dir Direction) Kind {
	return Kind{Type: KindDirectional, Direction: dir}
}

// Target returns a target-price kind.
func Target(price decimal.Decimal) Kind {
	return Kind{Type: KindTarget, TargetPrice: &price}
}

// Range returns a price-band kind.
func Range(min, max decimal.Decimal) Kind {
	return Kind{Type: KindRange, Range: &PriceRange{Min: min, Max: max}}
}

// Validate checks that exactly the fields belonging to Type are set.
func (k Kind) Validate() error {
	switch k.Type {
	case KindDirectional:
		if k.Direction != DirectionUp && k.Direction != DirectionDown {
			return fmt.Errorf("%w: direction must be up or down", ErrInvalidKind)
		}
		if k.TargetPrice != nil || k.Range != nil {
			return fmt.Errorf("%w: directional bet carries target or range", ErrInvalidKind)
		}
	case KindTarget:
		if k.TargetPrice == nil || !k.TargetPrice.IsPositive() {
			return fmt.Errorf("%w: target price must be positive", ErrInvalidKind)
		}
		if k.Direction != "" || k.Range != nil {
			return fmt.Errorf("%w: target bet carries direction or range", ErrInvalidKind)
		}
	case KindRange:
		if k.Range == nil {
			return fmt.Errorf("%w: range is required", ErrInvalidKind)
		}
		if !k.Range.Min.IsPositive() || !k.Range.Min.LessThan(k.Range.Max) {
			return fmt.Errorf("%w: range requires 0 < min < max", ErrInvalidKind)
		}
		if k.Direction != "" || k.TargetPrice != nil {
			return fmt.Errorf("%w: range bet carries direction or target", ErrInvalidKind)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidKind, k.Type)
	}
	return nil
}

// String returns a short label used for metrics and logs ("up", "down",
// "target", "range").
func (k Kind) String() string {
	if k.Type == KindDirectional {
		return string(k.Direction)
	}
	return string(k.Type)
}

// Bet is a single wager on the price of one instrument.
// Only Status, ActualPayout and SettledAt change at settlement; StopLoss and
// TakeProfit may change while the bet is active.
type Bet struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	Symbol          string           `json:"symbol"`
	Name            string           `json:"name"`
	Exchange        string           `json:"exchange"`
	EntryPrice      decimal.Decimal  `json:"entry_price"`
	Kind            Kind             `json:"kind"`
	Stake           decimal.Decimal  `json:"stake"`
	Leverage        decimal.Decimal  `json:"leverage"`
	Odds            decimal.Decimal  `json:"odds"`
	PotentialPayout decimal.Decimal  `json:"potential_payout"`
	StopLoss        *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit      *decimal.Decimal `json:"take_profit,omitempty"`
	RiskScore       int              `json:"risk_score"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiryTime      time.Time        `json:"expiry_time"`
	Status          Status           `json:"status"`
	ActualPayout    *decimal.Decimal `json:"actual_payout,omitempty"`
	SettledAt       *time.Time       `json:"settled_at,omitempty"`
}

// IsActive reports whether the bet can still be settled.
func (b *Bet) IsActive() bool {
	return b.Status == StatusActive
}

// PotentialPayoutFor returns stake × odds rounded to cents.
func PotentialPayoutFor(stake, odds decimal.Decimal) decimal.Decimal {
	return stake.Mul(odds).Round(2)
}

// Quote is a price observation for one instrument.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	AsOf          time.Time       `json:"as_of"`
}

// Reason records which rule produced a transition.
type Reason string

const (
	ReasonStopLoss   Reason = "stop_loss"
	ReasonTakeProfit Reason = "take_profit"
	ReasonExpiry     Reason = "expiry"
)

// Transition is a decided but not yet applied move out of StatusActive.
type Transition struct {
	BetID        string          `json:"bet_id"`
	UserID       string          `json:"user_id"`
	Symbol       string          `json:"symbol"`
	From         Status          `json:"from"`
	To           Status          `json:"to"`
	Reason       Reason          `json:"reason"`
	Price        decimal.Decimal `json:"price"`
	ActualPayout decimal.Decimal `json:"actual_payout"`
	SettledAt    time.Time       `json:"settled_at"`
}

// Effect returns the balance change that settlement must apply.
func (t Transition) Effect() LedgerEffect {
	return LedgerEffect{
		UserID:    t.UserID,
		Amount:    t.ActualPayout,
		Reference: PayoutReference(t.BetID),
	}
}

// LedgerEffect is a credit owed to a user. Amount is zero for a loss.
type LedgerEffect struct {
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// PayoutReference is the idempotency key for the settlement credit of a bet.
func PayoutReference(betID string) string { return "payout:" + betID }

// StakeReference is the idempotency key for the stake debit of a bet.
func StakeReference(betID string) string { return "stake:" + betID }

// LedgerEntry is an immutable balance movement.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Amount       decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	Reference    string          `json:"reference" db:"reference"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// SettlementEvent is published after a transition has been applied.
type SettlementEvent struct {
	Type      string          `json:"type"`
	BetID     string          `json:"bet_id"`
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Status    Status          `json:"status"`
	Reason    Reason          `json:"reason"`
	Price     decimal.Decimal `json:"price"`
	Payout    decimal.Decimal `json:"payout"`
	SettledAt time.Time       `json:"settled_at"`
}

// NewSettlementEvent builds the event for an applied transition.
func NewSettlementEvent(t Transition) SettlementEvent {
	return SettlementEvent{
		Type:      "bet_settled",
		BetID:     t.BetID,
		UserID:    t.UserID,
		Symbol:    t.Symbol,
		Status:    t.To,
		Reason:    t.Reason,
		Price:     t.Price,
		Payout:    t.ActualPayout,
		SettledAt: t.SettledAt,
	}
}
