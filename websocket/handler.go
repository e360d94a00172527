package websocket

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wailbentafat/solar-hub/relay"
	"github.com/wailbentafat/solar-hub/subscription"
)

const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inboundFrame mirrors relay.Frame with the payload left undecoded.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type Handler struct {
	manager   *ClientManager
	relay     *relay.Relay
	sendQueue int
}

func NewHandler(manager *ClientManager, r *relay.Relay, sendQueue int) *Handler {
	return &Handler{
		manager:   manager,
		relay:     r,
		sendQueue: sendQueue,
	}
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger().Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	clientID := uuid.NewString()
	session := NewClientSession(clientID, conn, h.sendQueue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.manager.IncreaseWaitGroup()
	go func() {
		defer h.manager.DecreaseWaitGroup()
		session.WritePump(ctx)
	}()

	h.relay.Connect(session)

	conn.SetPongHandler(func(string) error { session.UpdateActivity(); return nil })
	go session.StartPingSender(ctx)
	go session.StartActivityChecker(ctx, func() {
		logger().Info().Str("client_id", clientID).Msg("Connection timeout")
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger().Debug().Err(err).Str("client_id", clientID).Msg("Read error")
			}
			break
		}

		session.UpdateActivity()
		h.dispatch(clientID, msg)
	}

	logger().Debug().Str("client_id", clientID).Msg("Cleaning up connection")
	h.relay.Disconnect(clientID)
	session.Close(websocket.CloseNormalClosure, "")
}

// dispatch handles one client frame. Malformed frames and unknown events
// are ignored.
func (h *Handler) dispatch(clientID string, msg []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		logger().Debug().Err(err).Str("client_id", clientID).Msg("Ignoring malformed frame")
		return
	}

	switch frame.Event {
	case EventSubscribe, EventUnsubscribe:
		var req subscription.Request
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &req); err != nil {
				logger().Debug().Err(err).Str("client_id", clientID).Msg("Ignoring malformed subscription")
				return
			}
		}
		if frame.Event == EventSubscribe {
			h.relay.Subscribe(clientID, req)
		} else {
			h.relay.Unsubscribe(clientID, req)
		}
	default:
		logger().Debug().Str("client_id", clientID).Str("event", frame.Event).Msg("Ignoring unknown event")
	}
}
