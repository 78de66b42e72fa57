package settlement_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockbet/bet-settlement/internal/model"
	"github.com/stockbet/bet-settlement/internal/settlement"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

var (
	created = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	expiry  = created.Add(time.Hour)
)

// newBet returns an active up bet: entry 100, stake 500, odds 1.85.
func newBet(kind model.Kind) *model.Bet {
	stake, odds := d(500), d(1.85)
	return &model.Bet{
		ID:              "bet-1",
		UserID:          "user-1",
		Symbol:          "AAPL",
		Name:            "Apple Inc.",
		Exchange:        "NASDAQ",
		EntryPrice:      d(100),
		Kind:            kind,
		Stake:           stake,
		Leverage:        decimal.NewFromInt(1),
		Odds:            odds,
		PotentialPayout: model.PotentialPayoutFor(stake, odds),
		CreatedAt:       created,
		ExpiryTime:      expiry,
		Status:          model.StatusActive,
	}
}

func quote(price decimal.Decimal) model.Quote {
	return model.Quote{Symbol: "AAPL", Price: price, AsOf: expiry}
}

func TestEvaluate_UpBetWinsAboveEntry(t *testing.T) {
	bet := newBet(model.Directional(model.DirectionUp))
	require.True(t, bet.PotentialPayout.Equal(d(925)), "potential payout %s", bet.PotentialPayout)

	tr, err := settlement.Evaluate(bet, quote(d(105)), expiry)
	require.NoError(t, err)
	require.NotNil(t, tr)

	assert.Equal(t, model.StatusWon, tr.To)
	assert.Equal(t, model.ReasonExpiry, tr.Reason)
	assert.True(t, tr.ActualPayout.Equal(d(925)), "payout %s", tr.ActualPayout)
	assert.Equal(t, "payout:bet-1", tr.Effect().Reference)
}

func TestEvaluate_UpBetTieLoses(t *testing.T) {
	bet := newBet(model.Directional(model.DirectionUp))

	tr, err := settlement.Evaluate(bet, quote(decimal.RequireFromString("100.00")), expiry)
	require.NoError(t, err)
	require.NotNil(t, tr)

	assert.Equal(t, model.StatusLost, tr.To)
	assert.True(t, tr.ActualPayout.IsZero())
	assert.True(t, tr.Effect().Amount.IsZero())
}

func TestEvaluate_DownBetTieLoses(t *testing.T) {
	bet := newBet(model.Directional(model.DirectionDown))

	tr, err := settlement.Evaluate(bet, quote(d(100)), expiry)
	require.NoError(t, err)
	assert.Equal(t, model.StatusLost, tr.To)

	tr, err = settlement.Evaluate(bet, quote(d(99.99)), expiry)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWon, tr.To)
}

func TestEvaluate_RangeBoundariesInclusive(t *testing.T) {
	bet := newBet(model.Range(d(98), d(102)))

	cases := []struct {
		price float64
		want  model.Status
	}{
		{97.99, model.StatusLost},
		{98, model.StatusWon},
		{100, model.StatusWon},
		{102, model.StatusWon},
		{102.01, model.StatusLost},
	}
	for _, tc := range cases {
		tr, err := settlement.Evaluate(bet, quote(d(tc.price)), expiry)
		require.NoError(t, err)
		assert.Equal(t, tc.want, tr.To, "price %v", tc.price)
	}
}

func TestEvaluate_Target(t *testing.T) {
	cases := []struct {
		name   string
		target float64
		price  float64
		want   model.Status
	}{
		{"above entry, reached", 110, 110, model.StatusWon},
		{"above entry, passed", 110, 115, model.StatusWon},
		{"above entry, short", 110, 109.99, model.StatusLost},
		{"below entry, reached", 90, 90, model.StatusWon},
		{"below entry, passed", 90, 85, model.StatusWon},
		{"below entry, short", 90, 90.01, model.StatusLost},
		{"equal to entry", 100, 100, model.StatusLost},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bet := newBet(model.Target(d(tc.target)))
			tr, err := settlement.Evaluate(bet, quote(d(tc.price)), expiry)
			require.NoError(t, err)
			assert.Equal(t, tc.want, tr.To)
		})
	}
}

func TestEvaluate_WinTableProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	randPrice := func() decimal.Decimal {
		// Cents between 50.00 and 150.00, so ties with 100 occur.
		return decimal.New(5000+rng.Int63n(10001), -2)
	}

	up := newBet(model.Directional(model.DirectionUp))
	target := newBet(model.Target(d(120)))
	band := newBet(model.Range(d(95), d(105)))

	for i := 0; i < 2000; i++ {
		price := randPrice()

		tr, err := settlement.Evaluate(up, quote(price), expiry)
		require.NoError(t, err)
		assert.Equal(t, price.GreaterThan(d(100)), tr.To == model.StatusWon, "up at %s", price)

		tr, err = settlement.Evaluate(target, quote(price), expiry)
		require.NoError(t, err)
		assert.Equal(t, price.GreaterThanOrEqual(d(120)), tr.To == model.StatusWon, "target at %s", price)

		tr, err = settlement.Evaluate(band, quote(price), expiry)
		require.NoError(t, err)
		inBand := price.GreaterThanOrEqual(d(95)) && price.LessThanOrEqual(d(105))
		assert.Equal(t, inBand, tr.To == model.StatusWon, "range at %s", price)
	}
}

func TestEvaluate_BeforeExpiryStaysActive(t *testing.T) {
	bet := newBet(model.Directional(model.DirectionUp))

	tr, err := settlement.Evaluate(bet, quote(d(150)), expiry.Add(-time.Nanosecond))
	require.NoError(t, err)
	assert.Nil(t, tr)
}

func TestEvaluate_StopLossTakesPrecedence(t *testing.T) {
	// An inverted pair where one price breaches both controls. The stop-loss
	// must win even though the price is above entry.
	bet := newBet(model.Directional(model.DirectionUp))
	bet.StopLoss = ptr(d(110))
	bet.TakeProfit = ptr(d(105))

	tr, err := settlement.Evaluate(bet, quote(d(108)), expiry.Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, model.StatusLost, tr.To)
	assert.Equal(t, model.ReasonStopLoss, tr.Reason)
	assert.True(t, tr.ActualPayout.IsZero())
}

func TestEvaluate_StopLossAndTakeProfit(t *testing.T) {
	cases := []struct {
		name   string
		dir    model.Direction
		price  float64
		status model.Status
		reason model.Reason
	}{
		{"up hits stop-loss", model.DirectionUp, 95, model.StatusLost, model.ReasonStopLoss},
		{"up below stop-loss", model.DirectionUp, 90, model.StatusLost, model.ReasonStopLoss},
		{"up hits take-profit", model.DirectionUp, 110, model.StatusWon, model.ReasonTakeProfit},
		{"down hits stop-loss", model.DirectionDown, 110, model.StatusLost, model.ReasonStopLoss},
		{"down hits take-profit", model.DirectionDown, 95, model.StatusWon, model.ReasonTakeProfit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bet := newBet(model.Directional(tc.dir))
			if tc.dir == model.DirectionUp {
				bet.StopLoss, bet.TakeProfit = ptr(d(95)), ptr(d(110))
			} else {
				bet.StopLoss, bet.TakeProfit = ptr(d(110)), ptr(d(95))
			}

			tr, err := settlement.Evaluate(bet, quote(d(tc.price)), created.Add(time.Minute))
			require.NoError(t, err)
			require.NotNil(t, tr)
			assert.Equal(t, tc.status, tr.To)
			assert.Equal(t, tc.reason, tr.Reason)
		})
	}
}

func TestEvaluate_ControlsBetweenLevelsStayActive(t *testing.T) {
	bet := newBet(model.Directional(model.DirectionUp))
	bet.StopLoss, bet.TakeProfit = ptr(d(95)), ptr(d(110))

	tr, err := settlement.Evaluate(bet, quote(d(104)), created.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, tr)
}

func TestEvaluate_ControlsIgnoredForRangeBets(t *testing.T) {
	bet := newBet(model.Range(d(98), d(102)))
	bet.StopLoss = ptr(d(101))

	tr, err := settlement.Evaluate(bet, quote(d(99)), created.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, tr)
}

func TestEvaluate_Preconditions(t *testing.T) {
	settled := newBet(model.Directional(model.DirectionUp))
	settled.Status = model.StatusWon

	_, err := settlement.Evaluate(settled, quote(d(105)), expiry)
	assert.ErrorIs(t, err, settlement.ErrBetNotActive)
	assert.ErrorIs(t, err, settlement.ErrPreconditionViolation)

	bet := newBet(model.Directional(model.DirectionUp))
	_, err = settlement.Evaluate(bet, model.Quote{Symbol: "MSFT", Price: d(105)}, expiry)
	assert.ErrorIs(t, err, settlement.ErrSymbolMismatch)
	assert.ErrorIs(t, err, settlement.ErrPreconditionViolation)

	malformed := newBet(model.Kind{Type: model.KindTarget})
	_, err = settlement.Evaluate(malformed, quote(d(105)), expiry)
	assert.ErrorIs(t, err, settlement.ErrInvalidBet)
}
