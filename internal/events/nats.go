package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/stockbet/bet-settlement/internal/model"
)

// StreamName is the JetStream stream settlement events are stored in.
const StreamName = "bet_settlements"

// JetStreamPublisher is the subset of nats.JetStreamContext used here.
type JetStreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// ConnectNATS dials url and returns the connection and its JetStream
// context. The caller owns the connection.
func ConnectNATS(url, name string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "err", err)
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates the settlement stream for prefix.> if it is missing.
func EnsureStream(js nats.JetStreamContext, prefix string) error {
	if _, err := js.StreamInfo(StreamName); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{prefix + ".>"},
		Retention:   nats.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Description: "Applied bet settlements",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", StreamName, err)
	}
	slog.Info("created JetStream stream", "stream", StreamName, "subjects", prefix+".>")
	return nil
}

// NATSPublisher publishes each event to <prefix>.<status>, e.g.
// bets.settled.won. The bet id is used as the message id so JetStream
// drops duplicates inside its dedup window.
type NATSPublisher struct {
	js     JetStreamPublisher
	prefix string
}

func NewNATSPublisher(js JetStreamPublisher, prefix string) *NATSPublisher {
	return &NATSPublisher{js: js, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject an event with status s is published on.
func (p *NATSPublisher) Subject(s model.Status) string {
	return p.prefix + "." + string(s)
}

func (p *NATSPublisher) Publish(ctx context.Context, e model.SettlementEvent) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	subject := p.Subject(e.Status)
	if _, err := p.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(e.BetID)); err != nil {
		return fmt.Errorf("failed to publish message to subject %s: %w", subject, err)
	}
	slog.Debug("published settlement to NATS", "subject", subject, "bet_id", e.BetID, "size", len(data))
	return nil
}
