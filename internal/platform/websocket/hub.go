// Package websocket carries signaling sessions over WebSocket connections.
// Each connection gets a read pump and a write pump; what the frames mean is
// up to the Session the factory binds to it.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/teleconsult/internal/platform/telemetry"
)

// Session consumes the inbound frames of one connection. Close is called
// exactly once, after the last HandleMessage.
type Session interface {
	HandleMessage(ctx context.Context, data []byte)
	Close()
}

// SessionFactory binds a session to a freshly upgraded client. ctx carries
// the request's identity and lives as long as the connection.
type SessionFactory func(ctx context.Context, c *Client) (Session, error)

type Config struct {
	SendBuffer     int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	// RateLimit and RateBurst bound inbound frames per connection. Zero
	// disables limiting.
	RateLimit rate.Limit
	RateBurst int
	// RateLimitedFrame is sent back for each frame dropped by the limiter.
	RateLimitedFrame []byte
	CheckOrigin      func(r *http.Request) bool
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:     64,
		MaxMessageSize: 64 << 10,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   50 * time.Second,
		RateLimit:      20,
		RateBurst:      40,
	}
}

// Client is one WebSocket connection.
type Client struct {
	id   string
	send chan []byte
	conn *gorillawebsocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *Client) ID() string { return c.id }

// Deliver queues msg without blocking. It reports false when the client is
// gone or its buffer is full.
func (c *Client) Deliver(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// shutdown stops further deliveries and lets the write pump drain and exit.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Hub tracks live connections so they can be counted and closed together.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every connection. Their read pumps then run the normal
// disconnect path, so peers are told who left.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.conn.Close()
	}
}

// Handler upgrades HTTP requests and runs the connection pumps.
type Handler struct {
	cfg      Config
	hub      *Hub
	factory  SessionFactory
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

func NewHandler(cfg Config, hub *Hub, factory SessionFactory, logger zerolog.Logger, metrics *telemetry.Metrics) *Handler {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	return &Handler{
		cfg:     cfg,
		hub:     hub,
		factory: factory,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger:  logger.With().Str("component", "websocket").Logger(),
		metrics: metrics,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection, binds a session and starts the
// pumps. Authentication has already run as middleware.
func (h *Handler) HandleConnect(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		id:   uuid.New().String(),
		send: make(chan []byte, h.cfg.SendBuffer),
		conn: ws,
	}

	// The request context ends when this handler returns; the connection
	// outlives it but keeps its values.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request().Context()))

	session, err := h.factory(ctx, client)
	if err != nil {
		cancel()
		h.logger.Warn().Err(err).Msg("rejecting websocket connection")
		deadline := time.Now().Add(h.cfg.WriteWait)
		ws.WriteControl(gorillawebsocket.CloseMessage,
			gorillawebsocket.FormatCloseMessage(gorillawebsocket.ClosePolicyViolation, err.Error()), deadline)
		ws.Close()
		return nil
	}

	h.hub.register(client)
	h.metrics.ConnectionOpened()
	h.logger.Debug().Str("conn_id", client.id).Msg("websocket connected")

	go h.writePump(client)
	go h.readPump(ctx, cancel, client, session)
	return nil
}

// readPump feeds inbound frames to the session until the connection fails.
func (h *Handler) readPump(ctx context.Context, cancel context.CancelFunc, client *Client, session Session) {
	ws := client.conn
	defer func() {
		session.Close()
		client.shutdown()
		cancel()
		h.hub.unregister(client)
		h.metrics.ConnectionClosed()
		ws.Close()
		h.logger.Debug().Str("conn_id", client.id).Msg("websocket disconnected")
	}()

	if h.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageSize)
	}
	if h.cfg.PongWait > 0 {
		ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		})
	}

	var limiter *rate.Limiter
	if h.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(h.cfg.RateLimit, h.cfg.RateBurst)
	}

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseNormalClosure, gorillawebsocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Str("conn_id", client.id).Msg("websocket read failed")
			}
			return
		}
		if limiter != nil && !limiter.Allow() {
			if h.cfg.RateLimitedFrame != nil {
				client.Deliver(h.cfg.RateLimitedFrame)
			}
			continue
		}
		session.HandleMessage(ctx, message)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (h *Handler) writePump(client *Client) {
	ws := client.conn
	var ping <-chan time.Time
	if h.cfg.PingInterval > 0 {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer ws.Close()

	for {
		select {
		case message, ok := <-client.send:
			h.setWriteDeadline(ws)
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ping:
			h.setWriteDeadline(ws)
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) setWriteDeadline(ws *gorillawebsocket.Conn) {
	if h.cfg.WriteWait > 0 {
		ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
	}
}
