package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/wailbentafat/solar-hub/broker"
	"github.com/wailbentafat/solar-hub/events"
	"github.com/wailbentafat/solar-hub/relay"
	"github.com/wailbentafat/solar-hub/websocket"
)

const (
	livenessBody    = "Solar WebSocket Server Running\n"
	maxEventBody    = 64 << 10
	shutdownTimeout = 15 * time.Second
)

// PresenceReader lists clients connected to any relay instance.
type PresenceReader interface {
	GetOnlineClients(ctx context.Context) ([]string, error)
}

// Server represents the HTTP server
type Server struct {
	addr       string
	router     *gin.Engine
	httpServer *http.Server
	relay      *relay.Relay
	manager    *websocket.ClientManager
	presence   PresenceReader
	timeout    time.Duration
	closers    []namedCloser
}

type namedCloser struct {
	name string
	io.Closer
}

type Option func(*Server)

// WithPresence enables GET /presence.
func WithPresence(p PresenceReader) Option {
	return func(s *Server) { s.presence = p }
}

// WithShutdownTimeout bounds how long Shutdown waits for sessions.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithCloser registers c to be closed during Shutdown, after sessions drain
// and before the broker. Closers run in registration order.
func WithCloser(name string, c io.Closer) Option {
	return func(s *Server) { s.closers = append(s.closers, namedCloser{name: name, Closer: c}) }
}

// NewServer creates a new HTTP server
func NewServer(addr string, r *relay.Relay, manager *websocket.ClientManager, wsHandler http.HandlerFunc, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		router:  gin.New(),
		relay:   r,
		manager: manager,
		timeout: shutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(RequestIDMiddleware())
	s.router.Use(CORSMiddleware())
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware())

	s.router.GET("/", s.liveness)
	s.router.GET("/ws", gin.WrapF(wsHandler))
	s.router.GET("/stats", s.stats)
	s.router.POST("/events/:type", s.publish)
	if s.presence != nil {
		s.router.GET("/presence", s.onlineClients)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the port and serves until Shutdown. A bind failure is
// returned immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.addr)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Msg("Solar WebSocket server listening")
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "serve")
	}
	return nil
}

// Shutdown gracefully shuts down the server and cleans up resources
func (s *Server) Shutdown(ctx context.Context, mb broker.MessageBroker) {
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.timeout)
	defer shutdownCancel()

	log.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("Closing WebSocket connections...")
	if err := s.relay.Stop(); err != nil {
		log.Error().Err(err).Msg("Relay stop error")
	}

	done := make(chan struct{})
	go func() {
		s.manager.WaitForCompletion()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("All sessions drained")
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timeout exceeded, forcing exit")
	}

	for _, c := range s.closers {
		log.Info().Str("resource", c.name).Msg("Closing resource")
		if err := c.Close(); err != nil {
			log.Error().Err(err).Str("resource", c.name).Msg("Resource closure error")
		}
	}

	if mb != nil {
		log.Info().Msg("Closing message broker...")
		if err := mb.Close(); err != nil {
			log.Error().Err(err).Msg("Broker closure error")
		}
	}

	log.Info().Msg("Shutdown complete")
}

func (s *Server) liveness(c *gin.Context) {
	c.String(http.StatusOK, livenessBody)
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.relay.Stats())
}

func (s *Server) publish(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if err := s.relay.PublishRaw(events.Type(c.Param("type")), body); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, events.ErrUnknownType) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "published"})
}

func (s *Server) onlineClients(c *gin.Context) {
	clients, err := s.presence.GetOnlineClients(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read presence")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients, "count": len(clients)})
}
