// Package scheduler drives settlement: it periodically evaluates every
// active bet against the latest quote for its symbol and applies the
// resulting transitions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stockbet/bet-settlement/internal/events"
	"github.com/stockbet/bet-settlement/internal/metrics"
	"github.com/stockbet/bet-settlement/internal/model"
	"github.com/stockbet/bet-settlement/internal/quote"
	"github.com/stockbet/bet-settlement/internal/settlement"
	"github.com/stockbet/bet-settlement/internal/store"
)

// ErrStaleQuote is returned by SettleBet when the latest quote is older
// than Config.MaxQuoteAge.
var ErrStaleQuote = errors.New("scheduler: quote is stale")

const publishTimeout = 5 * time.Second

// Config controls the settlement loop.
type Config struct {
	PollInterval time.Duration
	ApplyTimeout time.Duration
	MaxQuoteAge  time.Duration // 0 disables the staleness check
	Workers      int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		ApplyTimeout: 5 * time.Second,
		Workers:      4,
	}
}

// Result summarises one sweep.
type Result struct {
	Active    int
	Settled   int
	Conflicts int
	Failed    int
	Skipped   int
}

// Scheduler polls active bets and settles them.
type Scheduler struct {
	bets      store.BetStore
	quotes    quote.Source
	engine    *settlement.Engine
	publisher events.Publisher
	cfg       Config
	now       func() time.Time
}

// New creates a scheduler. A nil publisher discards settlement events.
func New(bets store.BetStore, quotes quote.Source, engine *settlement.Engine, publisher events.Publisher, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = def.ApplyTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Scheduler{
		bets:      bets,
		quotes:    quotes,
		engine:    engine,
		publisher: publisher,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the scheduler's clock. Intended for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start runs a sweep immediately and then once per PollInterval until ctx
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("settlement scheduler started",
		"poll_interval", s.cfg.PollInterval.String(),
		"workers", s.cfg.Workers,
	)

	s.safeSweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.safeSweep(ctx)
		case <-ctx.Done():
			slog.Info("settlement scheduler stopped")
			return nil
		}
	}
}

func (s *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in settlement sweep", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		slog.Error("settlement sweep failed", "err", err)
	}
}

// Sweep evaluates every active bet once. Failures on individual bets are
// logged and counted; only a failure to load the bets, or ctx ending, is
// returned.
func (s *Scheduler) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	bets, err := s.bets.LoadActiveBets(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load active bets: %w", err)
	}
	metrics.ActiveBets.Set(float64(len(bets)))
	if len(bets) == 0 {
		return Result{}, nil
	}

	quotes := s.fetchQuotes(ctx, bets)
	now := s.now()

	var settled, conflicts, failed, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	for i := range bets {
		bet := &bets[i]
		q, ok := quotes[bet.Symbol]
		if !ok || s.stale(q, now) {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			switch t, err := s.settle(gctx, bet, q, now); {
			case err == nil && t != nil:
				settled.Add(1)
			case err == nil:
			case errors.Is(err, settlement.ErrAlreadySettled):
				conflicts.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		Active:    len(bets),
		Settled:   int(settled.Load()),
		Conflicts: int(conflicts.Load()),
		Failed:    int(failed.Load()),
		Skipped:   int(skipped.Load()),
	}
	if res.Settled > 0 || res.Failed > 0 {
		slog.Info("settlement sweep",
			"active", res.Active,
			"settled", res.Settled,
			"conflicts", res.Conflicts,
			"failed", res.Failed,
			"skipped", res.Skipped,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return res, ctx.Err()
}

// fetchQuotes returns one quote per distinct symbol in bets. Symbols
// without a usable quote are absent from the result.
func (s *Scheduler) fetchQuotes(ctx context.Context, bets []model.Bet) map[string]model.Quote {
	out := make(map[string]model.Quote)
	seen := make(map[string]bool)
	for _, b := range bets {
		if seen[b.Symbol] {
			continue
		}
		seen[b.Symbol] = true

		q, err := s.quotes.Quote(ctx, b.Symbol)
		switch {
		case errors.Is(err, quote.ErrNoQuote):
			slog.Debug("no quote for symbol", "symbol", b.Symbol)
		case err != nil:
			slog.Warn("quote fetch failed", "symbol", b.Symbol, "err", err)
			metrics.SettlementFailures.WithLabelValues("quote").Inc()
		default:
			out[b.Symbol] = q
		}
	}
	return out
}

func (s *Scheduler) stale(q model.Quote, now time.Time) bool {
	if s.cfg.MaxQuoteAge <= 0 {
		return false
	}
	if now.Sub(q.AsOf) <= s.cfg.MaxQuoteAge {
		return false
	}
	slog.Debug("skipping stale quote", "symbol", q.Symbol, "as_of", q.AsOf)
	return true
}

// settle runs evaluate, apply and publish for one bet. It returns the
// applied transition, or nil when the bet is not yet decidable.
func (s *Scheduler) settle(ctx context.Context, bet *model.Bet, q model.Quote, now time.Time) (*model.Transition, error) {
	evalStart := time.Now()
	t, err := s.engine.Evaluate(bet, q, now)
	metrics.EvaluateLatency.Observe(time.Since(evalStart).Seconds())
	if err != nil {
		slog.Error("settlement precondition violated", "bet_id", bet.ID, "symbol", bet.Symbol, "err", err)
		metrics.SettlementFailures.WithLabelValues("evaluate").Inc()
		return nil, err
	}
	if t == nil {
		return nil, nil
	}

	applyCtx, cancel := context.WithTimeout(ctx, s.cfg.ApplyTimeout)
	start := time.Now()
	err = s.engine.ApplyTransition(applyCtx, *t)
	metrics.ApplyLatency.Observe(time.Since(start).Seconds())
	cancel()

	switch {
	case errors.Is(err, settlement.ErrAlreadySettled):
		slog.Debug("bet already settled", "bet_id", bet.ID)
		metrics.SettlementConflicts.Inc()
		return nil, err
	case err != nil:
		slog.Warn("apply transition failed, bet stays active", "bet_id", bet.ID, "err", err)
		metrics.SettlementFailures.WithLabelValues("apply").Inc()
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues(string(t.To), string(t.Reason)).Inc()
	slog.Info("bet settled",
		"bet_id", t.BetID,
		"user", t.UserID,
		"symbol", t.Symbol,
		"status", t.To,
		"reason", t.Reason,
		"price", t.Price.String(),
		"payout", t.ActualPayout.String(),
	)
	s.publish(ctx, *t)
	return t, nil
}

func (s *Scheduler) publish(ctx context.Context, t model.Transition) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, model.NewSettlementEvent(t)); err != nil {
		slog.Warn("settlement event publish failed", "bet_id", t.BetID, "err", err)
		metrics.SettlementFailures.WithLabelValues("publish").Inc()
	}
}

// SettleBet evaluates one bet now and applies the result. It returns the
// bet as stored afterwards and the applied transition, which is nil when
// the bet is not yet decidable.
func (s *Scheduler) SettleBet(ctx context.Context, betID string) (*model.Bet, *model.Transition, error) {
	bet, err := s.bets.GetBet(ctx, betID)
	if err != nil {
		return nil, nil, err
	}
	if !bet.IsActive() {
		return bet, nil, fmt.Errorf("%w: bet %s is %s", settlement.ErrBetNotActive, bet.ID, bet.Status)
	}

	q, err := s.quotes.Quote(ctx, bet.Symbol)
	if err != nil {
		return bet, nil, err
	}
	now := s.now()
	if s.stale(q, now) {
		return bet, nil, fmt.Errorf("%w: %s as of %s", ErrStaleQuote, q.Symbol, q.AsOf.Format(time.RFC3339))
	}

	t, err := s.settle(ctx, bet, q, now)
	if err != nil || t == nil {
		return bet, nil, err
	}

	updated, err := s.bets.GetBet(ctx, betID)
	if err != nil {
		return nil, t, err
	}
	return updated, t, nil
}
