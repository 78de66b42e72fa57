package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockbet/bet-settlement/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.Mutex
	bets     map[string]*model.Bet
	balances map[string]decimal.Decimal
	refs     map[string]bool
	ledger   []model.LedgerEntry
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bets:     make(map[string]*model.Bet),
		balances: make(map[string]decimal.Decimal),
		refs:     make(map[string]bool),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// memTx runs operations against a MemoryStore whose lock is already held.
// When journal is non-nil every mutation records its inverse there.
type memTx struct {
	s       *MemoryStore
	journal *[]func()
}

func (t memTx) undo(fn func()) {
	if t.journal != nil {
		*t.journal = append(*t.journal, fn)
	}
}

// WithTx holds the store lock for the duration of fn and rolls back every
// mutation if fn returns an error or ctx is done by the time fn returns.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var journal []func()
	err := ctx.Err()
	if err == nil {
		err = fn(memTx{s: s, journal: &journal})
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		for i := len(journal) - 1; i >= 0; i-- {
			journal[i]()
		}
	}
	return err
}

// --- Bet operations ---

func (s *MemoryStore) CreateBet(ctx context.Context, bet *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s: s}.CreateBet(ctx, bet)
}

func (s *MemoryStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s: s}.GetBet(ctx, id)
}

func (s *MemoryStore) ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s: s}.ListBetsByUser(ctx, userID)
}

func (s *MemoryStore) LoadActiveBets(ctx context.Context) ([]model.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s: s}.LoadActiveBets(ctx)
}

func (s *MemoryStore) SaveTransition(ctx context.Context, betID string, expected, next model.Status, payout decimal.Decimal, settledAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s: s}.SaveTransition(ctx, betID, expected, next, payout, settledAt)
}

func (s *MemoryStore) UpdateRiskControls(ctx context.Context, betID string, stopLoss, takeProfit *decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s: s}.UpdateRiskControls(ctx, betID, stopLoss, takeProfit)
}

// --- Ledger operations ---

func (s *MemoryStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s: s}.GetBalance(ctx, userID)
}

func (s *MemoryStore) ApplyDelta(ctx context.Context, userID string, delta decimal.Decimal, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s: s}.ApplyDelta(ctx, userID, delta, reference)
}

func (s *MemoryStore) ListEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s: s}.ListEntries(ctx, userID)
}

// cloneBet copies b including everything its pointer fields reference, so
// neither the caller nor the store can change the other's bet.
func cloneBet(b *model.Bet) model.Bet {
	out := *b
	out.StopLoss = cloneDecimal(b.StopLoss)
	out.TakeProfit = cloneDecimal(b.TakeProfit)
	out.ActualPayout = cloneDecimal(b.ActualPayout)
	out.Kind.TargetPrice = cloneDecimal(b.Kind.TargetPrice)
	if b.Kind.Range != nil {
		r := *b.Kind.Range
		out.Kind.Range = &r
	}
	if b.SettledAt != nil {
		at := *b.SettledAt
		out.SettledAt = &at
	}
	return out
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// --- Unlocked implementations ---

func (t memTx) CreateBet(_ context.Context, bet *model.Bet) error {
	if _, exists := t.s.bets[bet.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBet, bet.ID)
	}
	// Store a copy to avoid external mutation.
	stored := cloneBet(bet)
	t.s.bets[bet.ID] = &stored
	t.undo(func() { delete(t.s.bets, bet.ID) })
	return nil
}

func (t memTx) GetBet(_ context.Context, id string) (*model.Bet, error) {
	b, ok := t.s.bets[id]
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	out := cloneBet(b)
	return &out, nil
}

func (t memTx) ListBetsByUser(_ context.Context, userID string) ([]model.Bet, error) {
	var result []model.Bet
	for _, b := range t.s.bets {
		if b.UserID == userID {
			result = append(result, cloneBet(b))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (t memTx) LoadActiveBets(_ context.Context) ([]model.Bet, error) {
	var result []model.Bet
	for _, b := range t.s.bets {
		if b.Status == model.StatusActive {
			result = append(result, cloneBet(b))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiryTime.Before(result[j].ExpiryTime)
	})
	return result, nil
}

func (t memTx) SaveTransition(_ context.Context, betID string, expected, next model.Status, payout decimal.Decimal, settledAt time.Time) (bool, error) {
	b, ok := t.s.bets[betID]
	if !ok {
		return false, fmt.Errorf("bet %s: %w", betID, ErrNotFound)
	}
	if b.Status != expected {
		return false, nil
	}

	prev := *b
	b.Status = next
	if next == model.StatusActive {
		b.ActualPayout = nil
		b.SettledAt = nil
	} else {
		p, at := payout, settledAt
		b.ActualPayout = &p
		b.SettledAt = &at
	}
	t.undo(func() { *t.s.bets[betID] = prev })
	return true, nil
}

func (t memTx) UpdateRiskControls(_ context.Context, betID string, stopLoss, takeProfit *decimal.Decimal) (bool, error) {
	b, ok := t.s.bets[betID]
	if !ok {
		return false, fmt.Errorf("bet %s: %w", betID, ErrNotFound)
	}
	if b.Status != model.StatusActive {
		return false, nil
	}

	prev := *b
	b.StopLoss = cloneDecimal(stopLoss)
	b.TakeProfit = cloneDecimal(takeProfit)
	t.undo(func() { *t.s.bets[betID] = prev })
	return true, nil
}

func (t memTx) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	return t.s.balances[userID], nil
}

func (t memTx) ApplyDelta(_ context.Context, userID string, delta decimal.Decimal, reference string) error {
	if t.s.refs[reference] {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, reference)
	}

	prev, had := t.s.balances[userID]
	next := prev.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: balance %s, delta %s", ErrInsufficientFunds, prev, delta)
	}

	t.s.balances[userID] = next
	t.s.refs[reference] = true
	t.s.ledger = append(t.s.ledger, model.LedgerEntry{
		ID:           uuid.New().String(),
		UserID:       userID,
		Amount:       delta,
		BalanceAfter: next,
		Reference:    reference,
		CreatedAt:    t.s.now(),
	})

	n := len(t.s.ledger)
	t.undo(func() {
		if had {
			t.s.balances[userID] = prev
		} else {
			delete(t.s.balances, userID)
		}
		delete(t.s.refs, reference)
		t.s.ledger = t.s.ledger[:n-1]
	})
	return nil
}

func (t memTx) ListEntries(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	var result []model.LedgerEntry
	for _, e := range t.s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}
