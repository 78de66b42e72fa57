package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockbet/bet-settlement/internal/model"
	"github.com/stockbet/bet-settlement/internal/store"
	"github.com/stockbet/bet-settlement/internal/testutil"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var created = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

func testBet(id, user string, kind model.Kind) *model.Bet {
	stake, odds := d(500), d(1.85)
	return &model.Bet{
		ID:              id,
		UserID:          user,
		Symbol:          "AAPL",
		Name:            "Apple Inc.",
		Exchange:        "NASDAQ",
		EntryPrice:      d(100),
		Kind:            kind,
		Stake:           stake,
		Leverage:        decimal.NewFromInt(2),
		Odds:            odds,
		PotentialPayout: model.PotentialPayoutFor(stake, odds),
		RiskScore:       27,
		CreatedAt:       created,
		ExpiryTime:      created.Add(time.Hour),
		Status:          model.StatusActive,
	}
}

// runStoreSuite exercises the behaviour every Store implementation shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("bet round trip", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		sl, tp := d(95), d(110)
		up := testBet("bet-up", "u1", model.Directional(model.DirectionUp))
		up.StopLoss, up.TakeProfit = &sl, &tp
		target := testBet("bet-target", "u1", model.Target(d(120)))
		target.CreatedAt = created.Add(time.Minute)
		band := testBet("bet-range", "u1", model.Range(d(98), d(102)))
		band.CreatedAt = created.Add(2 * time.Minute)

		for _, b := range []*model.Bet{up, target, band} {
			require.NoError(t, st.CreateBet(ctx, b))
		}

		got, err := st.GetBet(ctx, "bet-up")
		require.NoError(t, err)
		assert.Equal(t, model.DirectionUp, got.Kind.Direction)
		assert.True(t, got.EntryPrice.Equal(d(100)))
		assert.True(t, got.PotentialPayout.Equal(d(925)))
		require.NotNil(t, got.StopLoss)
		assert.True(t, got.StopLoss.Equal(d(95)))
		assert.Equal(t, 27, got.RiskScore)
		assert.True(t, got.ExpiryTime.Equal(created.Add(time.Hour)))
		assert.Nil(t, got.ActualPayout)

		got, err = st.GetBet(ctx, "bet-target")
		require.NoError(t, err)
		require.NotNil(t, got.Kind.TargetPrice)
		assert.True(t, got.Kind.TargetPrice.Equal(d(120)))

		got, err = st.GetBet(ctx, "bet-range")
		require.NoError(t, err)
		require.NotNil(t, got.Kind.Range)
		assert.True(t, got.Kind.Range.Min.Equal(d(98)))
		assert.True(t, got.Kind.Range.Max.Equal(d(102)))

		list, err := st.ListBetsByUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "bet-range", list[0].ID, "newest first")

		err = st.CreateBet(ctx, up)
		assert.ErrorIs(t, err, store.ErrDuplicateBet)

		_, err = st.GetBet(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("conditional transition", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		require.NoError(t, st.CreateBet(ctx, testBet("b1", "u1", model.Directional(model.DirectionUp))))

		at := created.Add(time.Hour)
		ok, err := st.SaveTransition(ctx, "b1", model.StatusActive, model.StatusWon, d(925), at)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = st.SaveTransition(ctx, "b1", model.StatusActive, model.StatusLost, decimal.Zero, at)
		require.NoError(t, err)
		assert.False(t, ok, "second transition must fail the guard")

		got, err := st.GetBet(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusWon, got.Status)
		require.NotNil(t, got.ActualPayout)
		assert.True(t, got.ActualPayout.Equal(d(925)))
		require.NotNil(t, got.SettledAt)
		assert.True(t, got.SettledAt.Equal(at))

		active, err := st.LoadActiveBets(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)

		// Moving back to active clears the settlement fields.
		ok, err = st.SaveTransition(ctx, "b1", model.StatusWon, model.StatusActive, decimal.Zero, time.Time{})
		require.NoError(t, err)
		assert.True(t, ok)
		got, err = st.GetBet(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, got.Status)
		assert.Nil(t, got.ActualPayout)
		assert.Nil(t, got.SettledAt)

		_, err = st.SaveTransition(ctx, "missing", model.StatusActive, model.StatusWon, d(1), at)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("concurrent transitions", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		require.NoError(t, st.CreateBet(ctx, testBet("b1", "u1", model.Directional(model.DirectionUp))))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := st.SaveTransition(ctx, "b1", model.StatusActive, model.StatusLost, decimal.Zero, created)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("risk controls only while active", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		require.NoError(t, st.CreateBet(ctx, testBet("b1", "u1", model.Directional(model.DirectionUp))))

		sl := d(96)
		ok, err := st.UpdateRiskControls(ctx, "b1", &sl, nil)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := st.GetBet(ctx, "b1")
		require.NoError(t, err)
		require.NotNil(t, got.StopLoss)
		assert.True(t, got.StopLoss.Equal(d(96)))
		assert.Nil(t, got.TakeProfit)

		_, err = st.SaveTransition(ctx, "b1", model.StatusActive, model.StatusLost, decimal.Zero, created)
		require.NoError(t, err)

		ok, err = st.UpdateRiskControls(ctx, "b1", nil, nil)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = st.UpdateRiskControls(ctx, "missing", nil, nil)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ledger", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		balance, err := st.GetBalance(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, balance.IsZero())

		require.NoError(t, st.ApplyDelta(ctx, "u1", d(1000), "deposit:1"))
		require.NoError(t, st.ApplyDelta(ctx, "u1", d(-400), "stake:b1"))

		err = st.ApplyDelta(ctx, "u1", d(-700), "stake:b2")
		assert.ErrorIs(t, err, store.ErrInsufficientFunds)

		err = st.ApplyDelta(ctx, "u1", d(1000), "deposit:1")
		assert.ErrorIs(t, err, store.ErrDuplicateReference)

		balance, err = st.GetBalance(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, balance.Equal(d(600)), "balance %s", balance)

		entries, err := st.ListEntries(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "deposit:1", entries[0].Reference)
		assert.True(t, entries[1].Amount.Equal(d(-400)))
		assert.True(t, entries[1].BalanceAfter.Equal(d(600)))
	})

	t.Run("transaction rolls back", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		require.NoError(t, st.ApplyDelta(ctx, "u1", d(1000), "deposit:1"))

		boom := errors.New("boom")
		err := st.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.ApplyDelta(ctx, "u1", d(-500), "stake:b1"); err != nil {
				return err
			}
			if err := tx.CreateBet(ctx, testBet("b1", "u1", model.Directional(model.DirectionUp))); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = st.GetBet(ctx, "b1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		balance, err := st.GetBalance(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, balance.Equal(d(1000)), "balance %s", balance)

		// The reference was rolled back too and can be reused.
		require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.ApplyDelta(ctx, "u1", d(-500), "stake:b1"); err != nil {
				return err
			}
			return tx.CreateBet(ctx, testBet("b1", "u1", model.Directional(model.DirectionUp)))
		}))
		balance, _ = st.GetBalance(ctx, "u1")
		assert.True(t, balance.Equal(d(500)))
	})

	t.Run("duplicate reference inside transaction", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		require.NoError(t, st.ApplyDelta(ctx, "u1", d(100), "payout:b1"))

		err := st.WithTx(ctx, func(tx store.Tx) error {
			err := tx.ApplyDelta(ctx, "u1", d(100), "payout:b1")
			assert.ErrorIs(t, err, store.ErrDuplicateReference)
			// The transaction stays usable after the rejected movement.
			return tx.ApplyDelta(ctx, "u1", d(50), "deposit:2")
		})
		require.NoError(t, err)

		balance, _ := st.GetBalance(ctx, "u1")
		assert.True(t, balance.Equal(d(150)), "balance %s", balance)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) store.Store { return store.NewMemoryStore() })
}

func TestMemoryStore_CopiesPointerFields(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	sl, tp := d(95), d(110)
	bet := testBet("bet-1", "user-1", model.Directional(model.DirectionUp))
	bet.StopLoss, bet.TakeProfit = &sl, &tp
	require.NoError(t, ms.CreateBet(ctx, bet))

	ranged := testBet("bet-2", "user-1", model.Range(d(95), d(105)))
	require.NoError(t, ms.CreateBet(ctx, ranged))

	// Writes through the caller's pointers do not reach the store.
	*bet.StopLoss = d(1)
	ranged.Kind.Range.Max = d(1000)

	got, err := ms.GetBet(ctx, "bet-1")
	require.NoError(t, err)
	assert.True(t, got.StopLoss.Equal(d(95)))

	// Nor do writes through a returned bet.
	*got.TakeProfit = d(2)
	again, _ := ms.GetBet(ctx, "bet-1")
	assert.True(t, again.TakeProfit.Equal(d(110)))

	bets, err := ms.ListBetsByUser(ctx, "user-1")
	require.NoError(t, err)
	for _, b := range bets {
		if b.ID == "bet-2" {
			assert.True(t, b.Kind.Range.Max.Equal(d(105)))
			b.Kind.Range.Min = d(0)
		}
	}
	stored, _ := ms.GetBet(ctx, "bet-2")
	assert.True(t, stored.Kind.Range.Min.Equal(d(95)))

	// Risk controls are copied on update too.
	newSL := d(90)
	ok, err := ms.UpdateRiskControls(ctx, "bet-1", &newSL, nil)
	require.NoError(t, err)
	require.True(t, ok)
	newSL = d(3)
	again, _ = ms.GetBet(ctx, "bet-1")
	assert.True(t, again.StopLoss.Equal(d(90)))
}

func TestPostgresStore(t *testing.T) {
	pool := testutil.Postgres(t)
	runStoreSuite(t, func(t *testing.T) store.Store {
		// Each subtest gets clean tables in the shared container.
		_, err := pool.Exec(context.Background(), `TRUNCATE bets, ledger_entries, accounts`)
		require.NoError(t, err)
		return store.NewPostgresStore(pool)
	})
}

func TestCachedStore(t *testing.T) {
	rdb := testutil.Redis(t)
	runStoreSuite(t, func(t *testing.T) store.Store {
		require.NoError(t, rdb.FlushDB(context.Background()).Err())
		return store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)
	})
}

func TestCachedStore_ServesFromCacheAndInvalidates(t *testing.T) {
	ctx := context.Background()
	rdb := testutil.Redis(t)
	primary := store.NewMemoryStore()
	cached := store.NewCachedStore(primary, rdb, time.Minute)

	require.NoError(t, cached.CreateBet(ctx, testBet("b1", "u1", model.Directional(model.DirectionUp))))
	exists, err := rdb.Exists(ctx, "bet:b1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, exists)

	ok, err := cached.SaveTransition(ctx, "b1", model.StatusActive, model.StatusWon, d(925), created)
	require.NoError(t, err)
	require.True(t, ok)

	exists, _ = rdb.Exists(ctx, "bet:b1").Result()
	assert.EqualValues(t, 0, exists, "transition must invalidate the cached bet")

	got, err := cached.GetBet(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusWon, got.Status)

	require.NoError(t, cached.WithTx(ctx, func(tx store.Tx) error {
		return tx.ApplyDelta(ctx, "u1", d(925), "payout:b1")
	}))
	balance, err := cached.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(925)))

	val, err := rdb.Get(ctx, "balance:u1").Result()
	require.NoError(t, err)
	assert.Equal(t, "925", val)
}

func TestCachedStore_FallsBackWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 50 * time.Millisecond,
	})
	defer rdb.Close()

	primary := store.NewMemoryStore()
	cached := store.NewCachedStore(primary, rdb, time.Minute)

	require.NoError(t, cached.CreateBet(ctx, testBet("b1", "u1", model.Directional(model.DirectionUp))))
	got, err := cached.GetBet(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.ID)

	require.NoError(t, cached.ApplyDelta(ctx, "u1", d(10), "deposit:1"))
	balance, err := cached.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(10)))
}
