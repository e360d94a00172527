package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wailbentafat/solar-hub/broker"
	"github.com/wailbentafat/solar-hub/config"
	"github.com/wailbentafat/solar-hub/presence"
	"github.com/wailbentafat/solar-hub/relay"
	"github.com/wailbentafat/solar-hub/server"
	"github.com/wailbentafat/solar-hub/websocket"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Start the WebSocket broadcast relay",
	Long: `Start the relay that accepts dashboard WebSocket connections and fans
domain events out to them. With Redis or NATS enabled it also consumes the
ingest channel; with Redis enabled it tracks cluster-wide presence.`,
	RunE: runRelay,
}

func init() {
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	messageBroker, err := newBroker(cfg)
	if err != nil {
		return err
	}

	clientManager := websocket.NewClientManager()

	opts := []relay.Option{
		relay.WithRouting(relay.Routing(cfg.Relay.Routing)),
		relay.WithHeartbeatInterval(cfg.Relay.HeartbeatInterval),
	}
	serverOpts := []server.Option{
		server.WithShutdownTimeout(cfg.Relay.ShutdownTimeout),
	}

	if messageBroker != nil {
		hostname, _ := os.Hostname()
		publisher := presence.NewPublisher(messageBroker, cfg.Relay.PresenceChannel, hostname)
		opts = append(opts, relay.WithPresence(publisher))
		serverOpts = append(serverOpts, server.WithCloser("presence publisher", publisher))
	}

	// The online set lives in Redis, so presence tracking needs it even
	// when NATS carries the channels.
	if cfg.Redis.Enabled {
		store, closer, err := newPresenceStore(cfg, messageBroker)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, server.WithPresence(store))
		if closer != nil {
			serverOpts = append(serverOpts, server.WithCloser("presence store", closer))
		}

		g.Go(func() error {
			return presence.ListenForPresenceEvents(ctx, messageBroker, cfg.Relay.PresenceChannel, store)
		})
	}

	hub := relay.New(clientManager, opts...)
	handler := websocket.NewHandler(clientManager, hub, cfg.Relay.SendBuffer)
	srv := server.NewServer(cfg.Relay.Addr(), hub, clientManager, handler.HandleWebSocket, serverOpts...)

	if err := hub.Start(); err != nil {
		return err
	}

	if messageBroker != nil {
		g.Go(func() error {
			return hub.ListenForEvents(ctx, messageBroker, cfg.Relay.IngestChannel)
		})
	}

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutdown signal received")
		srv.Shutdown(context.Background(), messageBroker)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Relay error")
		return errors.Wrap(err, "relay")
	}
	return nil
}

// newPresenceStore reuses the Redis broker's connection when there is one.
// Otherwise it dials Redis itself and returns the client as the closer,
// which the caller owns.
func newPresenceStore(cfg config.Config, mb broker.MessageBroker) (*presence.Store, io.Closer, error) {
	if rb, ok := mb.(*broker.RedisBroker); ok {
		return presence.NewStore(rb.Client()), nil, nil
	}
	client, err := presence.Connect(cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return presence.NewStore(client), client, nil
}
