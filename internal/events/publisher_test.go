package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockbet/bet-settlement/internal/events"
	"github.com/stockbet/bet-settlement/internal/model"
	"github.com/stockbet/bet-settlement/internal/testutil"
)

func sampleEvent() model.SettlementEvent {
	return model.NewSettlementEvent(model.Transition{
		BetID:        "bet-1",
		UserID:       "user-1",
		Symbol:       "AAPL",
		From:         model.StatusActive,
		To:           model.StatusWon,
		Reason:       model.ReasonExpiry,
		Price:        decimal.RequireFromString("105"),
		ActualPayout: decimal.RequireFromString("925"),
		SettledAt:    time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC),
	})
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

type fakeJetStream struct {
	subjects []string
	payloads [][]byte
}

func (js *fakeJetStream) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	js.subjects = append(js.subjects, subj)
	js.payloads = append(js.payloads, data)
	return &nats.PubAck{Stream: events.StreamName, Sequence: uint64(len(js.subjects))}, nil
}

func TestKafkaPublisher_KeysByBet(t *testing.T) {
	w := &fakeWriter{}
	p := events.NewKafkaPublisher(w)

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "bet-1", string(msg.Key))

	var got model.SettlementEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "bet_settled", got.Type)
	assert.Equal(t, model.StatusWon, got.Status)
	assert.True(t, got.Payout.Equal(decimal.NewFromInt(925)))
}

func TestKafkaPublisher_WrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := events.NewKafkaPublisher(&fakeWriter{err: boom})

	err := p.Publish(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, boom)
}

func TestNATSPublisher_SubjectPerStatus(t *testing.T) {
	js := &fakeJetStream{}
	p := events.NewNATSPublisher(js, "bets.settled.")

	e := sampleEvent()
	require.NoError(t, p.Publish(context.Background(), e))
	e.Status = model.StatusLost
	require.NoError(t, p.Publish(context.Background(), e))

	assert.Equal(t, []string{"bets.settled.won", "bets.settled.lost"}, js.subjects)
}

func TestMulti_JoinsErrorsAndKeepsGoing(t *testing.T) {
	first := errors.New("first")
	var delivered int
	m := events.Multi{
		events.PublisherFunc(func(context.Context, model.SettlementEvent) error { return first }),
		events.PublisherFunc(func(context.Context, model.SettlementEvent) error {
			delivered++
			return nil
		}),
		events.Nop{},
	}

	err := m.Publish(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, first)
	assert.Equal(t, 1, delivered)

	assert.NoError(t, events.Multi{}.Publish(context.Background(), sampleEvent()))
}

func TestRedisPublisher(t *testing.T) {
	rdb := testutil.Redis(t)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, "settlements-test")
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	p := events.NewRedisPublisher(rdb, "settlements-test")
	require.NoError(t, p.Publish(ctx, sampleEvent()))

	select {
	case msg := <-sub.Channel():
		var got model.SettlementEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "bet-1", got.BetID)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}
