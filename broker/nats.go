package broker

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/wailbentafat/solar-hub/config"
)

const subscriptionBuffer = 256

// NatsBroker implements MessageBroker over core NATS subjects. Channels map
// one to one onto subjects.
type NatsBroker struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NewNatsBroker connects to the configured servers.
func NewNatsBroker(cfg config.NATSConfig) (*NatsBroker, error) {
	reconnectWait := cfg.ReconnectWait
	if reconnectWait == 0 {
		reconnectWait = 500 * time.Millisecond
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(timeout),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "nats connection to %s failed", cfg.URL)
	}

	return &NatsBroker{
		nc:  nc,
		log: zlog.With().Str("component", "broker").Str("transport", "nats").Logger(),
	}, nil
}

func (b *NatsBroker) Publish(ctx context.Context, channel string, message Message) error {
	data, err := message.MarshalBinary()
	if err != nil {
		return errors.Wrapf(err, "publish to %s", channel)
	}

	if err := b.nc.Publish(channel, data); err != nil {
		return errors.Wrapf(err, "publish to %s", channel)
	}
	return errors.Wrap(b.nc.FlushWithContext(ctx), "flush")
}

// Subscribe delivers messages on channel until ctx is done. Messages that
// do not decode are logged and dropped.
func (b *NatsBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	raw := make(chan *nats.Msg, subscriptionBuffer)
	sub, err := b.nc.ChanSubscribe(channel, raw)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe to %s", channel)
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case m := <-raw:
				msg, err := decodeNatsMsg(m)
				if err != nil {
					b.log.Warn().Err(err).Str("subject", m.Subject).Msg("Dropping undecodable message")
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *NatsBroker) Close() error {
	if b.nc == nil {
		return nil
	}
	return b.nc.Drain()
}

func decodeNatsMsg(m *nats.Msg) (Message, error) {
	var msg Message
	if err := msg.UnmarshalBinary(m.Data); err != nil {
		return Message{}, err
	}
	return msg, nil
}
