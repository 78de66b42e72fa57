// Package store defines the persistence interfaces for bets and balances.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockbet/bet-settlement/internal/model"
)

var (
	// ErrNotFound is returned when a bet does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateBet is returned when a bet ID is already taken.
	ErrDuplicateBet = errors.New("store: bet already exists")

	// ErrInsufficientFunds is returned when a debit would take a balance
	// below zero.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrDuplicateReference is returned when a ledger reference has already
	// been applied. The earlier movement stands.
	ErrDuplicateReference = errors.New("store: duplicate ledger reference")
)

// BetStore persists bets. SaveTransition is the conditional write that
// guarantees at most one settlement per bet.
type BetStore interface {
	// CreateBet persists a new bet.
	CreateBet(ctx context.Context, bet *model.Bet) error

	// GetBet retrieves a bet by its ID.
	GetBet(ctx context.Context, id string) (*model.Bet, error)

	// ListBetsByUser returns a user's bets, newest first.
	ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error)

	// LoadActiveBets returns every bet still in StatusActive.
	LoadActiveBets(ctx context.Context) ([]model.Bet, error)

	// SaveTransition moves a bet from expected to next only if its current
	// status equals expected. It returns false, nil when the guard fails.
	// Moving back to StatusActive clears payout and settlement time.
	SaveTransition(ctx context.Context, betID string, expected, next model.Status, payout decimal.Decimal, settledAt time.Time) (bool, error)

	// UpdateRiskControls replaces stop-loss and take-profit while the bet is
	// active. It returns false, nil when the bet is no longer active.
	UpdateRiskControls(ctx context.Context, betID string, stopLoss, takeProfit *decimal.Decimal) (bool, error)
}

// Ledger tracks user balances as an append-only list of movements.
type Ledger interface {
	// GetBalance returns the user's balance; unknown users have zero.
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// ApplyDelta adds a signed amount to the balance. A reference may be
	// applied only once.
	ApplyDelta(ctx context.Context, userID string, delta decimal.Decimal, reference string) error

	// ListEntries returns the user's ledger, oldest first.
	ListEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error)
}

// Tx is the view of the store inside a transaction.
type Tx interface {
	BetStore
	Ledger
}

// Transactor runs fn atomically: either every write in fn is kept or none.
type Transactor interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Store is the full persistence interface.
type Store interface {
	Tx
	Transactor
}
