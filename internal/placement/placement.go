// Package placement validates and prices new bets and books them: the
// stake is debited and the bet inserted in one store transaction.
//
// Leverage only raises the risk score. The full stake is debited whatever
// the leverage, and the payout is stake × odds.
package placement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockbet/bet-settlement/internal/exposure"
	"github.com/stockbet/bet-settlement/internal/instrument"
	"github.com/stockbet/bet-settlement/internal/metrics"
	"github.com/stockbet/bet-settlement/internal/model"
	"github.com/stockbet/bet-settlement/internal/odds"
	"github.com/stockbet/bet-settlement/internal/quote"
	"github.com/stockbet/bet-settlement/internal/risk"
	"github.com/stockbet/bet-settlement/internal/settlement"
	"github.com/stockbet/bet-settlement/internal/store"
)

// ErrInvalidRequest is returned for requests that fail validation.
var ErrInvalidRequest = errors.New("placement: invalid request")

const (
	MinExpiryMinutes = 1
	MaxExpiryMinutes = 7 * 24 * 60
)

// Limits bound individual bets.
type Limits struct {
	MinStake    decimal.Decimal
	MaxStake    decimal.Decimal
	MaxLeverage decimal.Decimal
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{
		MinStake:    decimal.NewFromInt(100),
		MaxStake:    decimal.NewFromInt(1_000_000),
		MaxLeverage: decimal.NewFromInt(10),
	}
}

// Request describes a bet to place.
type Request struct {
	UserID        string
	Symbol        string
	Name          string
	Exchange      string
	Kind          model.Kind
	Stake         decimal.Decimal
	Leverage      decimal.Decimal // zero means 1
	ExpiryMinutes int
	StopLoss      *decimal.Decimal
	TakeProfit    *decimal.Decimal
	RiskProfile   string // empty means moderate
}

// Quote is a priced, validated request that has not been booked.
type Quote struct {
	Symbol          string          `json:"symbol"`
	Exchange        string          `json:"exchange"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	Odds            odds.Breakdown  `json:"odds"`
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	Risk            risk.Assessment `json:"risk"`
	RiskProfile     risk.Profile    `json:"risk_profile"`
	ExpiryTime      time.Time       `json:"expiry_time"`
}

// Service places bets.
type Service struct {
	store   store.Store
	quotes  quote.Source
	limiter *exposure.Limiter
	limits  Limits
	now     func() time.Time
}

// New creates a placement service. A nil limiter disables exposure limits.
func New(st store.Store, quotes quote.Source, limiter *exposure.Limiter, limits Limits) *Service {
	if limiter == nil {
		limiter = &exposure.Limiter{}
	}
	return &Service{
		store:   st,
		quotes:  quotes,
		limiter: limiter,
		limits:  limits,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the service's clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Preview validates and prices req without booking it. The risk tolerance
// check is applied, exposure limits and funds are not.
func (s *Service) Preview(ctx context.Context, req Request) (*Quote, error) {
	inst, profile, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	q, err := s.quotes.Quote(ctx, inst.Symbol)
	if err != nil {
		return nil, err
	}
	entry := q.Price

	if err := checkKindAgainstEntry(req.Kind, entry); err != nil {
		return nil, err
	}
	if err := CheckRiskControls(req.Kind, entry, req.StopLoss, req.TakeProfit); err != nil {
		return nil, err
	}

	ttl := time.Duration(req.ExpiryMinutes) * time.Minute
	breakdown, err := odds.Quote(odds.Input{
		Kind:           req.Kind,
		EntryPrice:     entry,
		ChangePercent:  q.ChangePercent,
		TimeToExpiry:   ttl,
		ExchangeFactor: instrument.ExchangeFactor(inst.Exchange),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	assessment := risk.Assess(risk.Input{
		Stake:        req.Stake,
		Leverage:     leverageOf(req),
		TimeToExpiry: ttl,
		Kind:         req.Kind,
	})
	if err := risk.Check(profile, assessment.Score); err != nil {
		return nil, err
	}

	return &Quote{
		Symbol:          inst.Symbol,
		Exchange:        inst.Exchange,
		EntryPrice:      entry,
		Odds:            breakdown,
		PotentialPayout: odds.Payout(req.Stake, breakdown.Odds),
		Risk:            assessment,
		RiskProfile:     profile,
		ExpiryTime:      s.now().Add(ttl),
	}, nil
}

// Place prices req, checks exposure limits, debits the stake and stores
// the bet. The debit and the insert commit together.
func (s *Service) Place(ctx context.Context, req Request) (bet *model.Bet, err error) {
	defer func() {
		if err != nil {
			metrics.PlacementRejections.WithLabelValues(rejectionReason(err)).Inc()
		}
	}()

	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	pq, err := s.Preview(ctx, req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	name := req.Name
	if name == "" {
		name = pq.Symbol
	}
	bet = &model.Bet{
		ID:              uuid.New().String(),
		UserID:          req.UserID,
		Symbol:          pq.Symbol,
		Name:            name,
		Exchange:        pq.Exchange,
		EntryPrice:      pq.EntryPrice,
		Kind:            req.Kind,
		Stake:           req.Stake,
		Leverage:        leverageOf(req),
		Odds:            pq.Odds.Odds,
		PotentialPayout: pq.PotentialPayout,
		StopLoss:        req.StopLoss,
		TakeProfit:      req.TakeProfit,
		RiskScore:       pq.Risk.Score,
		CreatedAt:       now,
		ExpiryTime:      now.Add(time.Duration(req.ExpiryMinutes) * time.Minute),
		Status:          model.StatusActive,
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		// Debit first: in Postgres this locks the account row, so a user's
		// concurrent placements see each other's bets in the exposure check.
		if err := tx.ApplyDelta(ctx, bet.UserID, bet.Stake.Neg(), model.StakeReference(bet.ID)); err != nil {
			return err
		}

		existing, err := tx.ListBetsByUser(ctx, bet.UserID)
		if err != nil {
			return err
		}
		if err := s.limiter.CheckLimit(bet.Symbol, bet.Exchange, bet.Stake, exposure.Aggregate(existing)); err != nil {
			return err
		}

		return tx.CreateBet(ctx, bet)
	})
	if err != nil {
		return nil, err
	}

	metrics.BetsPlaced.WithLabelValues(bet.Kind.String()).Inc()
	slog.Info("bet placed",
		"bet_id", bet.ID,
		"user", bet.UserID,
		"symbol", bet.Symbol,
		"exchange", bet.Exchange,
		"kind", bet.Kind.String(),
		"stake", bet.Stake.String(),
		"odds", bet.Odds.String(),
		"entry", bet.EntryPrice.String(),
		"expiry", bet.ExpiryTime,
		"risk_score", bet.RiskScore,
	)
	return bet, nil
}

// UpdateRiskControls replaces the stop-loss and take-profit of an active
// directional bet. Nil clears a level.
func (s *Service) UpdateRiskControls(ctx context.Context, betID string, stopLoss, takeProfit *decimal.Decimal) (*model.Bet, error) {
	bet, err := s.store.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	if !bet.IsActive() {
		return nil, fmt.Errorf("%w: bet %s is %s", settlement.ErrBetNotActive, bet.ID, bet.Status)
	}
	if err := CheckRiskControls(bet.Kind, bet.EntryPrice, stopLoss, takeProfit); err != nil {
		return nil, err
	}

	ok, err := s.store.UpdateRiskControls(ctx, betID, stopLoss, takeProfit)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: bet %s settled during update", settlement.ErrBetNotActive, betID)
	}

	slog.Info("risk controls updated", "bet_id", betID, "stop_loss", fmtLevel(stopLoss), "take_profit", fmtLevel(takeProfit))
	bet.StopLoss, bet.TakeProfit = stopLoss, takeProfit
	return bet, nil
}

// Deposit credits amount to userID and returns the new balance. Repeating
// a reference is a no-op.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: deposit must be positive", ErrInvalidRequest)
	}
	if reference == "" {
		reference = uuid.New().String()
	}

	err := s.store.ApplyDelta(ctx, userID, amount.Round(2), "deposit:"+reference)
	if err != nil && !errors.Is(err, store.ErrDuplicateReference) {
		return decimal.Zero, err
	}
	return s.store.GetBalance(ctx, userID)
}

// CheckRiskControls validates stop-loss and take-profit levels for kind.
// Levels are only allowed on directional bets; for an up bet
// stopLoss < entry < takeProfit, for a down bet takeProfit < entry < stopLoss.
func CheckRiskControls(kind model.Kind, entry decimal.Decimal, stopLoss, takeProfit *decimal.Decimal) error {
	if stopLoss == nil && takeProfit == nil {
		return nil
	}
	if kind.Type != model.KindDirectional {
		return fmt.Errorf("%w: stop-loss and take-profit apply to up/down bets only", ErrInvalidRequest)
	}
	for _, level := range []*decimal.Decimal{stopLoss, takeProfit} {
		if level != nil && !level.IsPositive() {
			return fmt.Errorf("%w: risk control levels must be positive", ErrInvalidRequest)
		}
	}

	up := kind.Direction == model.DirectionUp
	if stopLoss != nil {
		if up && !stopLoss.LessThan(entry) {
			return fmt.Errorf("%w: stop-loss %s must be below entry %s", ErrInvalidRequest, stopLoss, entry)
		}
		if !up && !stopLoss.GreaterThan(entry) {
			return fmt.Errorf("%w: stop-loss %s must be above entry %s", ErrInvalidRequest, stopLoss, entry)
		}
	}
	if takeProfit != nil {
		if up && !takeProfit.GreaterThan(entry) {
			return fmt.Errorf("%w: take-profit %s must be above entry %s", ErrInvalidRequest, takeProfit, entry)
		}
		if !up && !takeProfit.LessThan(entry) {
			return fmt.Errorf("%w: take-profit %s must be below entry %s", ErrInvalidRequest, takeProfit, entry)
		}
	}
	return nil
}

func (s *Service) validate(req Request) (*instrument.Instrument, risk.Profile, error) {
	inst, err := instrument.Parse(req.Symbol, req.Exchange)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := req.Kind.Validate(); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.Stake.LessThan(s.limits.MinStake) || req.Stake.GreaterThan(s.limits.MaxStake) {
		return nil, "", fmt.Errorf("%w: stake must be between %s and %s", ErrInvalidRequest, s.limits.MinStake, s.limits.MaxStake)
	}
	if !req.Stake.Equal(req.Stake.Round(2)) {
		return nil, "", fmt.Errorf("%w: stake has more than 2 decimal places", ErrInvalidRequest)
	}
	lev := leverageOf(req)
	if lev.LessThan(decimal.NewFromInt(1)) || lev.GreaterThan(s.limits.MaxLeverage) {
		return nil, "", fmt.Errorf("%w: leverage must be between 1 and %s", ErrInvalidRequest, s.limits.MaxLeverage)
	}
	if req.ExpiryMinutes < MinExpiryMinutes || req.ExpiryMinutes > MaxExpiryMinutes {
		return nil, "", fmt.Errorf("%w: expiry_minutes must be between %d and %d", ErrInvalidRequest, MinExpiryMinutes, MaxExpiryMinutes)
	}
	profile, err := risk.ParseProfile(req.RiskProfile)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return inst, profile, nil
}

// checkKindAgainstEntry rejects bets that are already decided or
// meaningless at the entry price.
func checkKindAgainstEntry(kind model.Kind, entry decimal.Decimal) error {
	if kind.Type == model.KindTarget && kind.TargetPrice.Equal(entry) {
		return fmt.Errorf("%w: target price equals entry price %s", ErrInvalidRequest, entry)
	}
	return nil
}

func leverageOf(req Request) decimal.Decimal {
	if req.Leverage.IsZero() {
		return decimal.NewFromInt(1)
	}
	return req.Leverage
}

func fmtLevel(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, quote.ErrNoQuote):
		return "no_quote"
	case errors.Is(err, risk.ErrToleranceExceeded):
		return "risk"
	case errors.Is(err, exposure.ErrSymbolLimitExceeded), errors.Is(err, exposure.ErrExchangeLimitExceeded):
		return "exposure"
	case errors.Is(err, store.ErrInsufficientFunds):
		return "funds"
	default:
		return "error"
	}
}
