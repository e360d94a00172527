package websocket

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/wailbentafat/solar-hub/relay"
)

// ClientManager holds the live sessions. It implements relay.Hub.
type ClientManager struct {
	clients sync.Map
	count   int64
	wg      sync.WaitGroup
}

var _ relay.Hub = (*ClientManager)(nil)

func NewClientManager() *ClientManager {
	return &ClientManager{
		clients: sync.Map{},
	}
}

func (m *ClientManager) AddClient(c relay.Client) {
	if _, loaded := m.clients.LoadOrStore(c.ID(), c); !loaded {
		atomic.AddInt64(&m.count, 1)
	}
}

// RemoveClient reports whether the client was still registered.
func (m *ClientManager) RemoveClient(clientID string) bool {
	if _, loaded := m.clients.LoadAndDelete(clientID); loaded {
		atomic.AddInt64(&m.count, -1)
		return true
	}
	return false
}

func (m *ClientManager) GetClient(clientID string) (relay.Client, bool) {
	if client, ok := m.clients.Load(clientID); ok {
		return client.(relay.Client), true
	}
	return nil, false
}

func (m *ClientManager) Count() int {
	return int(atomic.LoadInt64(&m.count))
}

// Broadcast queues frame on every session and returns how many accepted it.
func (m *ClientManager) Broadcast(frame []byte) int {
	delivered := 0
	m.clients.Range(func(key, value interface{}) bool {
		if m.deliver(value.(relay.Client), frame) {
			delivered++
		}
		return true
	})
	return delivered
}

// SendTo queues frame on the listed sessions only.
func (m *ClientManager) SendTo(ids []string, frame []byte) int {
	delivered := 0
	for _, id := range ids {
		if client, ok := m.GetClient(id); ok && m.deliver(client, frame) {
			delivered++
		}
	}
	return delivered
}

func (m *ClientManager) deliver(c relay.Client, frame []byte) bool {
	if c.Send(frame) {
		return true
	}
	logger().Warn().Str("client_id", c.ID()).Msg("Send queue full or closed, frame dropped")
	return false
}

func (m *ClientManager) IncreaseWaitGroup() {
	m.wg.Add(1)
}

func (m *ClientManager) DecreaseWaitGroup() {
	m.wg.Done()
}

func (m *ClientManager) WaitForCompletion() {
	m.wg.Wait()
}

func (m *ClientManager) CloseAllConnections(reason string) {
	m.clients.Range(func(key, value interface{}) bool {
		clientID := key.(string)

		logger().Info().Str("client_id", clientID).Str("reason", reason).Msg("Closing connection")
		if session, ok := value.(*ClientSession); ok {
			session.Close(websocket.CloseGoingAway, reason)
		}
		m.RemoveClient(clientID)

		return true
	})
}
