package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nerrad567/zwave-relay/internal/controller"
	"github.com/nerrad567/zwave-relay/internal/infrastructure/config"
	"github.com/nerrad567/zwave-relay/internal/infrastructure/logging"
)

const (
	// defaultSendBuffer is the per-client outbound buffer when unconfigured.
	defaultSendBuffer = 64

	// maxInFlight bounds one client's concurrently running requests.
	maxInFlight = 32

	// busBuffer is the hub's event bus subscription depth.
	busBuffer = 256

	busSubscriberName = "websocket"
)

// ClientMetrics receives hub and dispatch counters. *metrics.AppMetrics
// satisfies it.
type ClientMetrics interface {
	SetClients(n int)
	ObserveMessage(msgType, result string)
}

// Hub tracks connected clients and broadcasts to all of them.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	metrics ClientMetrics
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient is one socket connection.
type WSClient struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send     chan []byte
	inflight chan struct{}
	limiter  *rate.Limiter
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub. metrics may be nil.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, metrics ClientMetrics) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run forwards events from a bus subscription to every client until ctx is
// cancelled or the subscription closes, then unsubscribes and disconnects
// all clients.
func (h *Hub) Run(ctx context.Context, events <-chan controller.Event, unsubscribe func()) {
	defer func() {
		unsubscribe()
		h.closeAll()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(eventResponse(ev))
		}
	}
}

// eventResponse converts a bus event into its wire form.
func eventResponse(ev controller.Event) Response {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return Response{
		Type:      ev.Type,
		Data:      ev.Data,
		Message:   ev.Message,
		Timestamp: timestamp(at),
	}
}

// Register adds a client to the hub. greeting is queued to the client
// before any broadcast can reach it.
func (h *Hub) Register(client *WSClient, greeting ...Response) {
	h.mu.Lock()
	for _, r := range greeting {
		client.sendResponse(r)
	}
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetClients(n)
	}
	h.logger.Debug("websocket client connected", "client_id", client.id, "clients", n)
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		close(client.send)
		if h.metrics != nil {
			h.metrics.SetClients(n)
		}
	}
	h.logger.Debug("websocket client disconnected", "client_id", client.id, "clients", n)
}

// Broadcast sends resp to every connected client. Clients whose buffer
// is full miss it.
func (h *Hub) Broadcast(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "type", resp.Type, "error", err)
		return
	}

	// Snapshot client list under hub lock, then release before sending
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.trySend(data)
	}
	if len(clients) > 0 {
		h.logger.Debug("broadcast sent", "type", resp.Type, "recipients", len(clients))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
	if h.metrics != nil {
		h.metrics.SetClients(0)
	}
}

func (h *Hub) newClient(conn *websocket.Conn) *WSClient {
	size := h.cfg.SendBuffer
	if size <= 0 {
		size = defaultSendBuffer
	}
	c := &WSClient{
		id:       uuid.NewString(),
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, size),
		inflight: make(chan struct{}, maxInFlight),
	}
	if rl := h.cfg.RateLimit; rl.Enabled && rl.MessagesPerSecond > 0 {
		burst := max(rl.Burst, 1)
		c.limiter = rate.NewLimiter(rate.Limit(rl.MessagesPerSecond), burst)
	}
	return c
}

// handleWebSocket upgrades the HTTP connection and starts the client's
// pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := s.hub.newClient(conn)

	greeting := []Response{newResponse(TypeConnected, nil, map[string]any{
		"clientId": client.id,
		"version":  s.version,
		"ready":    s.ctrl.Ready(),
	})}
	if s.ctrl.Ready() {
		greeting = append(greeting, newResponse(controller.EventDriverReady, nil, nil))
	}
	s.hub.Register(client, greeting...)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg, func(data []byte) {
		s.dispatch(s.baseContext(), client, data)
	})
}

// readPump reads messages from the WebSocket connection and runs handle
// for each one in its own goroutine, so a pending START or SEND_COMMAND
// never holds up the requests behind it.
func (c *WSClient) readPump(cfg config.WebSocketConfig, handle func([]byte)) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	pingInterval, pongWait := wsTimings(cfg)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "client_id", c.id, "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "client_id", c.id, "error", err)
			}
			return
		}
		// Any client message resets the read deadline (keeps connection alive
		// even if browser doesn't respond to protocol-level pings).
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))

		if c.limiter != nil && !c.limiter.Allow() {
			c.reject(message, "rate limit exceeded", "rate_limited")
			continue
		}

		select {
		case c.inflight <- struct{}{}:
		default:
			c.reject(message, "too many requests in flight", "overloaded")
			continue
		}
		go func(data []byte) {
			defer func() { <-c.inflight }()
			handle(data)
		}(message)
	}
}

// reject answers a dropped request, echoing its id when the frame parses.
func (c *WSClient) reject(message []byte, reason, label string) {
	var id json.RawMessage
	if req, _ := decodeRequest(message); req != nil { //nolint:errcheck // id is best effort
		id = req.ID
	}
	c.sendResponse(errorResponse(id, reason))
	if c.hub.metrics != nil {
		c.hub.metrics.ObserveMessage(label, "rejected")
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval, pongWait := wsTimings(cfg)
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsTimings returns the keepalive ping interval and pong wait, falling
// back to 30s and 10s.
func wsTimings(cfg config.WebSocketConfig) (ping, pong time.Duration) {
	ping, pong = 30*time.Second, 10*time.Second
	if cfg.PingInterval > 0 {
		ping = time.Duration(cfg.PingInterval) * time.Second
	}
	if cfg.PongTimeout > 0 {
		pong = time.Duration(cfg.PongTimeout) * time.Second
	}
	return ping, pong
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("websocket client buffer full, dropping message", "client_id", c.id)
	}
}

// sendResponse queues one response for the client.
func (c *WSClient) sendResponse(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.hub.logger.Error("failed to marshal response", "type", resp.Type, "error", err)
		data, _ = json.Marshal(errorResponse(resp.RequestID, "internal error encoding response")) //nolint:errcheck // plain struct
	}
	c.trySend(data)
}
