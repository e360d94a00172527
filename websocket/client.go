package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 30 * time.Second
	activityTimeout  = 60 * time.Second
	activityCheck    = 10 * time.Second
	writeWait        = 5 * time.Second
	maxMessageSize   = 4096
	defaultSendQueue = 256
)

// ClientSession is one dashboard connection. Frames are queued on send and
// written by WritePump, so a slow client never blocks a broadcast.
type ClientSession struct {
	id           string
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	lastActivity int64 // UnixNano timestamp
	dropped      int64
}

func NewClientSession(id string, conn *websocket.Conn, queue int) *ClientSession {
	if queue <= 0 {
		queue = defaultSendQueue
	}
	return &ClientSession{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, queue),
		done:         make(chan struct{}),
		lastActivity: time.Now().UnixNano(),
	}
}

func (s *ClientSession) ID() string {
	return s.id
}

// Send queues frame without blocking. It reports false when the session is
// closed or its queue is full; the frame is then dropped.
func (s *ClientSession) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- frame:
		return true
	default:
		atomic.AddInt64(&s.dropped, 1)
		return false
	}
}

// Dropped returns how many frames were discarded because the queue was full.
func (s *ClientSession) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Done is closed once the session is closed.
func (s *ClientSession) Done() <-chan struct{} {
	return s.done
}

// WritePump writes queued frames in order until the session closes, ctx is
// done or a write fails.
func (s *ClientSession) WritePump(ctx context.Context) {
	defer s.shutdown()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger().Warn().Err(err).Str("client_id", s.id).Msg("WebSocket write failed")
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *ClientSession) UpdateActivity() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

func (s *ClientSession) LastActivityTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivity))
}

func (s *ClientSession) StartPingSender(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger().Debug().Err(err).Str("client_id", s.id).Msg("Ping failed")
			}
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *ClientSession) StartActivityChecker(ctx context.Context, onTimeout func()) {
	ticker := time.NewTicker(activityCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if time.Since(s.LastActivityTime()) > activityTimeout {
				s.shutdown()
				onTimeout()
				return
			}
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// Close sends a close frame and tears the connection down. Only the first
// call has any effect.
func (s *ClientSession) Close(code int, text string) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn == nil {
			return
		}
		if werr := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(writeWait),
		); werr != nil {
			logger().Debug().Err(werr).Str("client_id", s.id).Msg("Error sending close message")
		}
		err = s.conn.Close()
	})
	return err
}

func (s *ClientSession) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}
