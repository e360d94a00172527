package broker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/wailbentafat/solar-hub/config"
)

const (
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// RedisBroker implements MessageBroker using Redis pub/sub
type RedisBroker struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisBroker connects to Redis and verifies the connection
func NewRedisBroker(cfg config.RedisConfig) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "redis connection to %s failed", cfg.Addr)
	}

	return NewRedisBrokerFromClient(client), nil
}

// NewRedisBrokerFromClient wraps an existing client.
func NewRedisBrokerFromClient(client *redis.Client) *RedisBroker {
	return &RedisBroker{
		client: client,
		log:    zlog.With().Str("component", "broker").Logger(),
	}
}

// Client exposes the underlying connection for stores sharing it.
func (b *RedisBroker) Client() *redis.Client {
	return b.client
}

// retryPolicy bounds a publish to maxRetries extra attempts with
// exponential backoff, abandoned early when ctx is done.
func retryPolicy(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(initialBackoff),
				backoff.WithMaxInterval(maxBackoff),
			),
			maxRetries,
		),
		ctx,
	)
}

// Publish sends message on channel, retrying transient Redis errors. An
// untyped message is rejected without touching the connection.
func (b *RedisBroker) Publish(ctx context.Context, channel string, message Message) error {
	payload, err := message.MarshalBinary()
	if err != nil {
		return errors.Wrapf(err, "publish to %s", channel)
	}

	attempt := 0
	send := func() error {
		attempt++
		return b.client.Publish(ctx, channel, payload).Err()
	}
	err = backoff.RetryNotify(send, retryPolicy(ctx), func(err error, d time.Duration) {
		message.describe(b.log.Warn().Err(err)).Str("channel", channel).
			Int("attempt", attempt).Dur("retry_in", d).Msg("Retrying Redis publish")
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s to %s after %d attempts", message.Type, channel, attempt)
	}
	return nil
}

// Subscribe starts listening for messages on the specified channel. The
// returned channel is closed when ctx is done or the subscription drops.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	pubsub := b.client.Subscribe(ctx, channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to %s", channel)
	}

	messages := make(chan Message)

	go func() {
		defer pubsub.Close()
		defer close(messages)

		msgChan := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgChan:
				if !ok {
					return
				}

				var message Message
				if err := message.UnmarshalBinary([]byte(msg.Payload)); err != nil {
					b.log.Warn().Err(err).Str("channel", channel).Msg("Dropping undecodable message")
					continue
				}

				select {
				case messages <- message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return messages, nil
}

// Close releases the connection pool, which presence stores may share.
func (b *RedisBroker) Close() error {
	return errors.Wrap(b.client.Close(), "close redis broker")
}
