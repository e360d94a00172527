package cmd

import (
	"github.com/rs/zerolog/log"

	"github.com/wailbentafat/solar-hub/broker"
	"github.com/wailbentafat/solar-hub/config"
)

// newBroker connects to NATS when enabled, otherwise Redis when enabled.
// It returns nil when neither is configured.
func newBroker(cfg config.Config) (broker.MessageBroker, error) {
	switch {
	case cfg.NATS.Enabled:
		nb, err := broker.NewNatsBroker(cfg.NATS)
		if err != nil {
			return nil, err
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("Using NATS broker")
		return nb, nil
	case cfg.Redis.Enabled:
		rb, err := broker.NewRedisBroker(cfg.Redis)
		if err != nil {
			return nil, err
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis broker")
		return rb, nil
	}
	return nil, nil
}
