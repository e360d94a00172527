package relay

import (
	"context"

	"github.com/pkg/errors"

	"github.com/wailbentafat/solar-hub/broker"
	"github.com/wailbentafat/solar-hub/events"
)

// ListenForEvents republishes every message arriving on channel until ctx
// is done or the subscription closes. Invalid messages are logged and
// skipped.
func (r *Relay) ListenForEvents(ctx context.Context, b broker.MessageBroker, channel string) error {
	messages, err := b.Subscribe(ctx, channel)
	if err != nil {
		return errors.Wrapf(err, "subscribe to %s", channel)
	}
	r.log.Info().Str("channel", channel).Msg("Listening for events")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Errorf("event channel %s closed", channel)
			}
			if err := r.PublishRaw(events.Type(msg.Type), msg.Data); err != nil {
				r.log.Warn().Err(err).Str("source", msg.Source).Msg("Skipping broker message")
			}
		}
	}
}
