package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockbet/bet-settlement/internal/model"
	"github.com/stockbet/bet-settlement/internal/store"
)

// compensateTimeout bounds the credit lookup and the write that restores a
// bet to active after a failed credit. Both run even if the caller's context
// is done.
const compensateTimeout = 5 * time.Second

// Engine applies transitions produced by Evaluate.
//
// With a store.Transactor the status write and the credit commit together.
// Without one, a failed credit is compensated by moving the bet back to
// active with another conditional write, unless the ledger shows the credit
// landed after all.
type Engine struct {
	bets   store.BetStore
	ledger store.Ledger
	tx     store.Transactor
}

// New creates an engine over a separate bet store and ledger.
func New(bets store.BetStore, ledger store.Ledger) *Engine {
	return &Engine{bets: bets, ledger: ledger}
}

// NewTransactional creates an engine that applies each transition inside a
// single store transaction.
func NewTransactional(st store.Store) *Engine {
	return &Engine{bets: st, ledger: st, tx: st}
}

// Evaluate is a convenience wrapper around the package-level Evaluate.
func (e *Engine) Evaluate(bet *model.Bet, quote model.Quote, now time.Time) (*model.Transition, error) {
	return Evaluate(bet, quote, now)
}

// ApplyTransition persists t and credits its payout. Only the first caller to
// move the bet out of active succeeds; later callers get ErrAlreadySettled
// and nothing is written. On any other error the bet is left active with no
// credit, except in compensating mode when the credit's state cannot be read
// back: the bet then stays settled and the error wraps ErrStore. The engine
// never retries; bound the call with ctx.
func (e *Engine) ApplyTransition(ctx context.Context, t model.Transition) error {
	if err := checkTransition(t); err != nil {
		return err
	}

	if e.tx != nil {
		return e.tx.WithTx(ctx, func(tx store.Tx) error {
			return apply(ctx, tx, tx, t)
		})
	}

	err := apply(ctx, e.bets, e.ledger, t)
	if !errors.Is(err, ErrLedger) {
		return err
	}

	credited, lookupErr := e.credited(ctx, t)
	switch {
	case lookupErr != nil:
		// Reverting could reopen a paid bet; leave it settled for reconciliation.
		slog.Error("settlement credit state unknown, bet left settled",
			"bet_id", t.BetID,
			"user", t.UserID,
			"status", t.To,
			"payout", t.ActualPayout.String(),
			"err", errors.Join(err, lookupErr),
		)
		return errors.Join(err, fmt.Errorf("%w: look up credit for bet %s: %w", ErrStore, t.BetID, lookupErr))
	case credited:
		slog.Warn("ledger reported failure but credit is present, keeping bet settled",
			"bet_id", t.BetID,
			"err", err,
		)
		return nil
	}
	return errors.Join(err, e.revert(ctx, t))
}

// credited reports whether the payout credit for t is in the ledger.
func (e *Engine) credited(ctx context.Context, t model.Transition) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	entries, err := e.ledger.ListEntries(ctx, t.UserID)
	if err != nil {
		return false, err
	}
	ref := model.PayoutReference(t.BetID)
	for _, entry := range entries {
		if entry.Reference == ref {
			return true, nil
		}
	}
	return false, nil
}

// Settle evaluates bet and applies the resulting transition, if any.
func (e *Engine) Settle(ctx context.Context, bet *model.Bet, quote model.Quote, now time.Time) (*model.Transition, error) {
	t, err := Evaluate(bet, quote, now)
	if err != nil || t == nil {
		return nil, err
	}
	if err := e.ApplyTransition(ctx, *t); err != nil {
		return nil, err
	}
	return t, nil
}

func apply(ctx context.Context, bets store.BetStore, ledger store.Ledger, t model.Transition) error {
	ok, err := bets.SaveTransition(ctx, t.BetID, model.StatusActive, t.To, t.ActualPayout, t.SettledAt)
	if err != nil {
		return fmt.Errorf("%w: save transition for bet %s: %w", ErrStore, t.BetID, err)
	}
	if !ok {
		return fmt.Errorf("%w: bet %s", ErrAlreadySettled, t.BetID)
	}

	if !t.ActualPayout.IsPositive() {
		return nil
	}

	effect := t.Effect()
	err = ledger.ApplyDelta(ctx, effect.UserID, effect.Amount, effect.Reference)
	if errors.Is(err, store.ErrDuplicateReference) {
		// Credited by an earlier attempt whose status write was lost.
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: credit %s to %s: %w", ErrLedger, effect.Amount, effect.UserID, err)
	}
	return nil
}

// revert moves a bet whose credit failed back to active.
func (e *Engine) revert(ctx context.Context, t model.Transition) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	ok, err := e.bets.SaveTransition(ctx, t.BetID, t.To, model.StatusActive, decimal.Zero, time.Time{})
	if err == nil && ok {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("bet %s no longer %s", t.BetID, t.To)
	}
	slog.Error("settlement revert failed, bet left settled without credit",
		"bet_id", t.BetID,
		"user", t.UserID,
		"status", t.To,
		"payout", t.ActualPayout.String(),
		"err", err,
	)
	return fmt.Errorf("%w: revert bet %s: %w", ErrStore, t.BetID, err)
}

func checkTransition(t model.Transition) error {
	switch {
	case t.BetID == "" || t.UserID == "":
		return fmt.Errorf("%w: transition without bet or user", ErrPreconditionViolation)
	case t.From != model.StatusActive:
		return fmt.Errorf("%w: transition from %q", ErrPreconditionViolation, t.From)
	case !t.To.Terminal():
		return fmt.Errorf("%w: transition to %q", ErrPreconditionViolation, t.To)
	case t.ActualPayout.IsNegative():
		return fmt.Errorf("%w: negative payout %s", ErrPreconditionViolation, t.ActualPayout)
	case t.To != model.StatusWon && !t.ActualPayout.IsZero():
		return fmt.Errorf("%w: payout on %s bet", ErrPreconditionViolation, t.To)
	}
	return nil
}
