// Package relay fans telemetry events out to connected dashboard clients.
//
// A Relay owns the topic subscriptions and the stats heartbeat; connections
// themselves live in a Hub supplied by the transport.
package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/wailbentafat/solar-hub/events"
	"github.com/wailbentafat/solar-hub/subscription"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second

	welcomeMessage = "Connected to Solar Energy WebSocket Server"
	shutdownReason = "Server shutting down"
)

// Routing selects who receives domain events.
type Routing string

const (
	// RoutingGlobal sends every domain event to every client.
	RoutingGlobal Routing = "global"
	// RoutingTopic sends events that name a device or plant only to the
	// members of the matching rooms. Events naming neither stay global.
	RoutingTopic Routing = "topic"
)

// Client is a single connection as seen by the relay.
type Client interface {
	ID() string
	// Send queues an encoded frame. It reports false when the frame was
	// dropped.
	Send(frame []byte) bool
}

// Hub is the set of live connections owned by the transport.
type Hub interface {
	AddClient(c Client)
	RemoveClient(id string) bool
	Broadcast(frame []byte) int
	SendTo(ids []string, frame []byte) int
	Count() int
	CloseAllConnections(reason string)
}

// PresenceNotifier is told about connection lifecycle changes. It is called
// on the connection path, so implementations must not block.
type PresenceNotifier interface {
	ClientConnected(id string)
	ClientDisconnected(id string)
}

// Frame is what travels over the socket in both directions.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// EncodeFrame marshals a frame for event.
func EncodeFrame(event events.Type, data any) ([]byte, error) {
	return json.Marshal(Frame{Event: string(event), Data: data})
}

type Relay struct {
	hub       Hub
	subs      *subscription.Registry
	routing   Routing
	heartbeat time.Duration
	now       func() time.Time
	startedAt time.Time
	presence  PresenceNotifier
	announced sync.Map
	log       zerolog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
}

type Option func(*Relay)

func WithRouting(r Routing) Option {
	return func(rl *Relay) { rl.routing = r }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(rl *Relay) { rl.heartbeat = d }
}

func WithClock(now func() time.Time) Option {
	return func(rl *Relay) { rl.now = now }
}

func WithPresence(p PresenceNotifier) Option {
	return func(rl *Relay) { rl.presence = p }
}

// New builds a relay around hub. Nothing runs until Start.
func New(hub Hub, opts ...Option) *Relay {
	r := &Relay{
		hub:       hub,
		subs:      subscription.NewRegistry(),
		routing:   RoutingGlobal,
		heartbeat: DefaultHeartbeatInterval,
		now:       time.Now,
		log:       zlog.With().Str("component", "relay").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.startedAt = r.now()
	return r
}

// Subscriptions exposes the room table.
func (r *Relay) Subscriptions() *subscription.Registry {
	return r.subs
}

// Connect greets c and then makes it visible to broadcasts, so the
// greeting is always the first frame the client sees.
func (r *Relay) Connect(c Client) {
	frame, err := EncodeFrame(events.TypeConnected, events.Connected{
		Message:   welcomeMessage,
		ClientID:  c.ID(),
		Timestamp: events.Timestamp(r.now()),
	})
	if err != nil {
		r.log.Error().Err(err).Str("client_id", c.ID()).Msg("Failed to encode connected frame")
	} else if !c.Send(frame) {
		r.log.Warn().Str("client_id", c.ID()).Msg("Connected frame dropped")
	}

	r.hub.AddClient(c)
	r.log.Info().Str("client_id", c.ID()).Int("clients", r.hub.Count()).Msg("Client connected")

	if r.presence != nil {
		r.announced.Store(c.ID(), struct{}{})
		r.presence.ClientConnected(c.ID())
	}
}

// Disconnect forgets the connection and its rooms. Safe to call twice; the
// presence notifier hears about each connection once.
func (r *Relay) Disconnect(id string) {
	removed := r.hub.RemoveClient(id)
	r.subs.Drop(id)

	if removed {
		r.log.Info().Str("client_id", id).Int("clients", r.hub.Count()).Msg("Client disconnected")
	}
	r.announceGone(id)
}

func (r *Relay) announceGone(id string) {
	if r.presence == nil {
		return
	}
	if _, ok := r.announced.LoadAndDelete(id); ok {
		r.presence.ClientDisconnected(id)
	}
}

// Subscribe joins id to the rooms named by req. An empty request is ignored.
func (r *Relay) Subscribe(id string, req subscription.Request) {
	joined := r.subs.Join(id, req)
	r.log.Debug().Str("client_id", id).Strs("topics", joined).Msg("Client subscribed")
}

// Unsubscribe is the inverse of Subscribe.
func (r *Relay) Unsubscribe(id string, req subscription.Request) {
	left := r.subs.Leave(id, req)
	r.log.Debug().Str("client_id", id).Strs("topics", left).Msg("Client unsubscribed")
}

func (r *Relay) PublishSolarData(reading events.SolarData) error {
	return r.Publish(&reading)
}

func (r *Relay) PublishAlert(alert events.Alert) error {
	return r.Publish(&alert)
}

func (r *Relay) PublishPrediction(prediction events.Prediction) error {
	return r.Publish(&prediction)
}

func (r *Relay) PublishAnomaly(anomaly events.Anomaly) error {
	return r.Publish(&anomaly)
}

// PublishRaw decodes a JSON body of the given type and publishes it.
func (r *Relay) PublishRaw(t events.Type, raw []byte) error {
	ev, err := events.Decode(t, raw)
	if err != nil {
		r.log.Warn().Err(err).Str("type", string(t)).Msg("Rejected event")
		return err
	}
	return r.Publish(ev)
}

// Publish validates ev, fills in a missing timestamp and fans it out.
func (r *Relay) Publish(ev events.Event) error {
	if err := events.Validate(ev); err != nil {
		r.log.Warn().Err(err).Msg("Rejected event")
		return err
	}
	ev.Stamp(r.now())

	frame, err := EncodeFrame(ev.EventType(), events.Envelope{Type: ev.EventType(), Data: ev})
	if err != nil {
		return errors.Wrapf(err, "encode %s", ev.EventType())
	}

	delivered := r.dispatch(ev.Topics(), frame)
	r.log.Debug().Str("type", string(ev.EventType())).Int("delivered", delivered).Msg("Broadcast event")
	return nil
}

func (r *Relay) dispatch(topics []string, frame []byte) int {
	if r.routing == RoutingTopic && len(topics) > 0 {
		return r.hub.SendTo(r.subs.Members(topics...), frame)
	}
	return r.hub.Broadcast(frame)
}

// Stats reports the number of live connections and how long the relay has
// been up.
func (r *Relay) Stats() events.Stats {
	now := r.now()
	return events.Stats{
		ConnectedClients: r.hub.Count(),
		Uptime:           now.Sub(r.startedAt).Seconds(),
		Timestamp:        events.Timestamp(now),
	}
}

// BroadcastStats sends the current stats to every client.
func (r *Relay) BroadcastStats() {
	frame, err := EncodeFrame(events.TypeStats, r.Stats())
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to encode stats")
		return
	}
	r.hub.Broadcast(frame)
}

// Start begins the stats heartbeat.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scheduler != nil {
		return errors.New("relay already started")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "create scheduler")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(r.heartbeat),
		gocron.NewTask(r.BroadcastStats),
		gocron.WithName("stats-heartbeat"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		scheduler.Shutdown()
		return errors.Wrap(err, "schedule heartbeat")
	}

	scheduler.Start()
	r.scheduler = scheduler
	r.log.Info().Dur("interval", r.heartbeat).Str("routing", string(r.routing)).Msg("Relay started")
	return nil
}

// Stop cancels the heartbeat and closes every connection.
func (r *Relay) Stop() error {
	r.mu.Lock()
	scheduler := r.scheduler
	r.scheduler = nil
	r.mu.Unlock()

	var err error
	if scheduler != nil {
		err = scheduler.Shutdown()
	}

	// Session goroutines may still be unwinding when the broker closes, so
	// departures are announced here.
	r.announced.Range(func(key, _ any) bool {
		r.announceGone(key.(string))
		return true
	})
	r.hub.CloseAllConnections(shutdownReason)
	r.log.Info().Msg("Relay stopped")
	return errors.Wrap(err, "stop heartbeat")
}
