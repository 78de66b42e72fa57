// Package settlement decides when an active bet settles and applies the
// result to the bet store and the balance ledger exactly once.
//
// Evaluate is pure. Engine.ApplyTransition performs the two side effects
// (status write, payout credit) as one unit guarded by a conditional write
// on the bet's status.
package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockbet/bet-settlement/internal/model"
)

var (
	// ErrPreconditionViolation marks a caller defect: the bet or quote handed
	// to the engine does not meet the operation's preconditions.
	ErrPreconditionViolation = errors.New("settlement: precondition violation")

	// ErrBetNotActive is returned when evaluating a bet that already settled.
	ErrBetNotActive = fmt.Errorf("%w: bet is not active", ErrPreconditionViolation)

	// ErrSymbolMismatch is returned when the quote is for another instrument.
	ErrSymbolMismatch = fmt.Errorf("%w: quote symbol does not match bet", ErrPreconditionViolation)

	// ErrInvalidBet is returned when the bet's kind is malformed.
	ErrInvalidBet = fmt.Errorf("%w: malformed bet", ErrPreconditionViolation)

	// ErrAlreadySettled is returned when another caller moved the bet out of
	// active first. Nothing was written; callers treat it as a no-op.
	ErrAlreadySettled = errors.New("settlement: bet already settled")

	// ErrStore wraps bet store failures.
	ErrStore = errors.New("settlement: store error")

	// ErrLedger wraps ledger failures.
	ErrLedger = errors.New("settlement: ledger error")
)

// Evaluate decides whether bet settles at quote.Price and time now. It
// returns nil when the bet stays active.
//
// Rules are checked in order and the first match wins:
//  1. stop-loss (directional only): lost
//  2. take-profit (directional only): won
//  3. expiry (now >= ExpiryTime): won or lost by Wins
func Evaluate(bet *model.Bet, quote model.Quote, now time.Time) (*model.Transition, error) {
	if bet.Status != model.StatusActive {
		return nil, fmt.Errorf("%w: bet %s is %s", ErrBetNotActive, bet.ID, bet.Status)
	}
	if quote.Symbol != bet.Symbol {
		return nil, fmt.Errorf("%w: bet %s on %s, quote for %s", ErrSymbolMismatch, bet.ID, bet.Symbol, quote.Symbol)
	}
	if err := bet.Kind.Validate(); err != nil {
		return nil, fmt.Errorf("%w: bet %s: %v", ErrInvalidBet, bet.ID, err)
	}

	price := quote.Price
	if bet.Kind.Type == model.KindDirectional {
		up := bet.Kind.Direction == model.DirectionUp

		if sl := bet.StopLoss; sl != nil {
			if (up && price.LessThanOrEqual(*sl)) || (!up && price.GreaterThanOrEqual(*sl)) {
				return transition(bet, price, now, model.StatusLost, model.ReasonStopLoss), nil
			}
		}
		if tp := bet.TakeProfit; tp != nil {
			if (up && price.GreaterThanOrEqual(*tp)) || (!up && price.LessThanOrEqual(*tp)) {
				return transition(bet, price, now, model.StatusWon, model.ReasonTakeProfit), nil
			}
		}
	}

	if now.Before(bet.ExpiryTime) {
		return nil, nil
	}

	if Wins(bet, price) {
		return transition(bet, price, now, model.StatusWon, model.ReasonExpiry), nil
	}
	return transition(bet, price, now, model.StatusLost, model.ReasonExpiry), nil
}

// Wins reports whether bet wins when it expires at price. Directional ties
// lose; range bounds are inclusive; a target equal to the entry price never
// wins.
func Wins(bet *model.Bet, price decimal.Decimal) bool {
	switch bet.Kind.Type {
	case model.KindDirectional:
		switch bet.Kind.Direction {
		case model.DirectionUp:
			return price.GreaterThan(bet.EntryPrice)
		case model.DirectionDown:
			return price.LessThan(bet.EntryPrice)
		}
	case model.KindTarget:
		if bet.Kind.TargetPrice == nil {
			return false
		}
		target := *bet.Kind.TargetPrice
		switch target.Cmp(bet.EntryPrice) {
		case 1:
			return price.GreaterThanOrEqual(target)
		case -1:
			return price.LessThanOrEqual(target)
		}
	case model.KindRange:
		if bet.Kind.Range == nil {
			return false
		}
		return bet.Kind.Range.Contains(price)
	}
	return false
}

func transition(bet *model.Bet, price decimal.Decimal, now time.Time, to model.Status, reason model.Reason) *model.Transition {
	payout := decimal.Zero
	if to == model.StatusWon {
		payout = bet.PotentialPayout
	}
	return &model.Transition{
		BetID:        bet.ID,
		UserID:       bet.UserID,
		Symbol:       bet.Symbol,
		From:         model.StatusActive,
		To:           to,
		Reason:       reason,
		Price:        price,
		ActualPayout: payout,
		SettledAt:    now.UTC(),
	}
}
