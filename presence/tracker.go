package presence

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/wailbentafat/solar-hub/broker"
)

const (
	EventClientConnected    = "client_connected"
	EventClientDisconnected = "client_disconnected"

	publishTimeout = 2 * time.Second
	drainTimeout   = 5 * time.Second
	queueSize      = 1024
)

// ClientSet records which clients are online.
type ClientSet interface {
	AddOnlineClient(ctx context.Context, clientID string) error
	RemoveOnlineClient(ctx context.Context, clientID string) error
}

// Publisher announces connection changes on the presence channel. It
// satisfies relay.PresenceNotifier: events are queued and published in order
// by a single worker, so a slow broker never stalls a connection.
type Publisher struct {
	broker  broker.MessageBroker
	channel string
	source  string
	log     zerolog.Logger

	queue chan broker.Message
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewPublisher(mb broker.MessageBroker, channel, source string) *Publisher {
	p := &Publisher{
		broker:  mb,
		channel: channel,
		source:  source,
		log:     zlog.With().Str("component", "presence").Logger(),
		queue:   make(chan broker.Message, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Publisher) ClientConnected(clientID string) {
	p.enqueue(EventClientConnected, clientID)
}

func (p *Publisher) ClientDisconnected(clientID string) {
	p.enqueue(EventClientDisconnected, clientID)
}

// Close publishes what is still queued, giving up after drainTimeout, and
// stops the worker. Events announced afterwards are dropped.
func (p *Publisher) Close() error {
	p.once.Do(func() { close(p.stop) })
	<-p.done
	return nil
}

func (p *Publisher) enqueue(eventType, clientID string) {
	msg := broker.Message{Type: eventType, Source: p.source, ClientID: clientID}
	select {
	case <-p.stop:
		p.log.Warn().Str("client_id", clientID).Str("type", eventType).Msg("Presence publisher closed, event dropped")
		return
	default:
	}
	select {
	case p.queue <- msg:
	default:
		p.log.Warn().Str("client_id", clientID).Str("type", eventType).Msg("Presence queue full, event dropped")
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case msg := <-p.queue:
			p.publish(msg)
		case <-p.stop:
			p.drain()
			return
		}
	}
}

func (p *Publisher) drain() {
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		select {
		case msg := <-p.queue:
			p.publish(msg)
		default:
			return
		}
	}
	if n := len(p.queue); n > 0 {
		p.log.Warn().Int("dropped", n).Msg("Presence drain timed out")
	}
}

func (p *Publisher) publish(msg broker.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.broker.Publish(ctx, p.channel, msg); err != nil {
		p.log.Warn().Err(err).Str("client_id", msg.ClientID).Str("type", msg.Type).Msg("Failed to publish presence event")
	}
}

// ListenForPresenceEvents applies presence events to set until ctx is done.
func ListenForPresenceEvents(ctx context.Context, mb broker.MessageBroker, channel string, set ClientSet) error {
	eventsChan, err := mb.Subscribe(ctx, channel)
	if err != nil {
		return errors.Wrap(err, "subscribe to presence events")
	}
	log := zlog.With().Str("component", "presence").Logger()
	log.Info().Str("channel", channel).Msg("Subscribed to presence events")

	for msg := range eventsChan {
		switch msg.Type {
		case EventClientConnected:
			if err := set.AddOnlineClient(ctx, msg.ClientID); err != nil {
				log.Error().Err(err).Str("client_id", msg.ClientID).Msg("Failed to add online client")
			}
		case EventClientDisconnected:
			if err := set.RemoveOnlineClient(ctx, msg.ClientID); err != nil {
				log.Error().Err(err).Str("client_id", msg.ClientID).Msg("Failed to remove online client")
			}
		default:
			log.Warn().Str("type", msg.Type).Msg("Unknown presence event type")
		}
	}
	return nil
}
