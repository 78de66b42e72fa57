package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockbet/bet-settlement/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
	queries
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, queries: queries{q: pool}}
}

// WithTx runs fn inside a single database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(queries{q: tx})
	})
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx. Begin on a pgx.Tx
// opens a savepoint.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type queries struct {
	q querier
}

const betColumns = `id, user_id, symbol, name, exchange, entry_price::TEXT,
	kind_type, direction, target_price::TEXT, range_min::TEXT, range_max::TEXT,
	stake::TEXT, leverage::TEXT, odds::TEXT, potential_payout::TEXT,
	stop_loss::TEXT, take_profit::TEXT, risk_score,
	created_at, expiry_time, status, actual_payout::TEXT, settled_at`

// --- Bet operations ---

func (s queries) CreateBet(ctx context.Context, b *model.Bet) error {
	var direction *string
	if b.Kind.Type == model.KindDirectional {
		dir := string(b.Kind.Direction)
		direction = &dir
	}
	var rangeMin, rangeMax *decimal.Decimal
	if b.Kind.Range != nil {
		rangeMin, rangeMax = &b.Kind.Range.Min, &b.Kind.Range.Max
	}

	_, err := s.q.Exec(ctx,
		`INSERT INTO bets (id, user_id, symbol, name, exchange, entry_price,
		                   kind_type, direction, target_price, range_min, range_max,
		                   stake, leverage, odds, potential_payout,
		                   stop_loss, take_profit, risk_score,
		                   created_at, expiry_time, status)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC,
		         $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		         $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15::NUMERIC,
		         $16::NUMERIC, $17::NUMERIC, $18,
		         $19, $20, $21)`,
		b.ID, b.UserID, b.Symbol, b.Name, b.Exchange, b.EntryPrice.String(),
		string(b.Kind.Type), direction, numericArg(b.Kind.TargetPrice), numericArg(rangeMin), numericArg(rangeMax),
		b.Stake.String(), b.Leverage.String(), b.Odds.String(), b.PotentialPayout.String(),
		numericArg(b.StopLoss), numericArg(b.TakeProfit), b.RiskScore,
		b.CreatedAt, b.ExpiryTime, string(b.Status),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateBet, b.ID)
	}
	return err
}

func (s queries) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	row := s.q.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1`, id)
	b, err := scanBet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bet %s: %w", id, err)
	}
	return b, nil
}

func (s queries) ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func (s queries) LoadActiveBets(ctx context.Context) ([]model.Bet, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE status = 'active' ORDER BY expiry_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func (s queries) SaveTransition(ctx context.Context, betID string, expected, next model.Status, payout decimal.Decimal, settledAt time.Time) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if next == model.StatusActive {
		tag, err = s.q.Exec(ctx,
			`UPDATE bets SET status = $3, actual_payout = NULL, settled_at = NULL
			 WHERE id = $1 AND status = $2`,
			betID, string(expected), string(next))
	} else {
		tag, err = s.q.Exec(ctx,
			`UPDATE bets SET status = $3, actual_payout = $4::NUMERIC, settled_at = $5
			 WHERE id = $1 AND status = $2`,
			betID, string(expected), string(next), payout.String(), settledAt)
	}
	if err != nil {
		return false, fmt.Errorf("save transition %s: %w", betID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.mustExist(ctx, betID)
}

func (s queries) UpdateRiskControls(ctx context.Context, betID string, stopLoss, takeProfit *decimal.Decimal) (bool, error) {
	tag, err := s.q.Exec(ctx,
		`UPDATE bets SET stop_loss = $2::NUMERIC, take_profit = $3::NUMERIC
		 WHERE id = $1 AND status = 'active'`,
		betID, numericArg(stopLoss), numericArg(takeProfit))
	if err != nil {
		return false, fmt.Errorf("update risk controls %s: %w", betID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.mustExist(ctx, betID)
}

// mustExist distinguishes a failed status guard from a missing bet.
func (s queries) mustExist(ctx context.Context, betID string) error {
	var exists bool
	if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bets WHERE id = $1)`, betID).Scan(&exists); err != nil {
		return fmt.Errorf("check bet %s: %w", betID, err)
	}
	if !exists {
		return fmt.Errorf("bet %s: %w", betID, ErrNotFound)
	}
	return nil
}

// --- Ledger operations ---

func (s queries) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance string
	err := s.q.QueryRow(ctx, `SELECT balance::TEXT FROM accounts WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", userID, err)
	}
	return decimal.NewFromString(balance)
}

// ApplyDelta updates the account row and appends the ledger entry under one
// savepoint, so a duplicate reference leaves the balance untouched.
func (s queries) ApplyDelta(ctx context.Context, userID string, delta decimal.Decimal, reference string) error {
	return pgx.BeginFunc(ctx, s.q, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`,
			userID); err != nil {
			return fmt.Errorf("ensure account %s: %w", userID, err)
		}

		var after string
		err := tx.QueryRow(ctx,
			`UPDATE accounts SET balance = balance + $2::NUMERIC, updated_at = NOW()
			 WHERE user_id = $1 AND balance + $2::NUMERIC >= 0
			 RETURNING balance::TEXT`,
			userID, delta.String()).Scan(&after)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: user %s, delta %s", ErrInsufficientFunds, userID, delta)
		}
		if err != nil {
			return fmt.Errorf("update balance %s: %w", userID, err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, user_id, amount, balance_after, reference, created_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, NOW())`,
			uuid.New().String(), userID, delta.String(), after, reference)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, reference)
		}
		return err
	})
}

func (s queries) ListEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, user_id, amount::TEXT, balance_after::TEXT, reference, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// --- Scanning helpers ---

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanBets(rows pgxRows) ([]model.Bet, error) {
	var bets []model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func scanBet(row pgx.Row) (*model.Bet, error) {
	var b model.Bet
	var kindType, status, entry, stake, leverage, odds, payout string
	var direction, target, rangeMin, rangeMax, stopLoss, takeProfit, actual *string
	if err := row.Scan(&b.ID, &b.UserID, &b.Symbol, &b.Name, &b.Exchange, &entry,
		&kindType, &direction, &target, &rangeMin, &rangeMax,
		&stake, &leverage, &odds, &payout,
		&stopLoss, &takeProfit, &b.RiskScore,
		&b.CreatedAt, &b.ExpiryTime, &status, &actual, &b.SettledAt); err != nil {
		return nil, err
	}

	b.EntryPrice, _ = decimal.NewFromString(entry)
	b.Stake, _ = decimal.NewFromString(stake)
	b.Leverage, _ = decimal.NewFromString(leverage)
	b.Odds, _ = decimal.NewFromString(odds)
	b.PotentialPayout, _ = decimal.NewFromString(payout)
	b.StopLoss = parseNumeric(stopLoss)
	b.TakeProfit = parseNumeric(takeProfit)
	b.ActualPayout = parseNumeric(actual)
	b.Status = model.Status(status)

	b.Kind.Type = model.KindType(kindType)
	switch b.Kind.Type {
	case model.KindDirectional:
		if direction != nil {
			b.Kind.Direction = model.Direction(*direction)
		}
	case model.KindTarget:
		b.Kind.TargetPrice = parseNumeric(target)
	case model.KindRange:
		if lo, hi := parseNumeric(rangeMin), parseNumeric(rangeMax); lo != nil && hi != nil {
			b.Kind.Range = &model.PriceRange{Min: *lo, Max: *hi}
		}
	}
	return &b, nil
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, after string

		if err := rows.Scan(&e.ID, &e.UserID, &amount, &after, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}

		e.Amount, _ = decimal.NewFromString(amount)
		e.BalanceAfter, _ = decimal.NewFromString(after)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// numericArg renders an optional decimal as a NUMERIC parameter.
func numericArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseNumeric(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
