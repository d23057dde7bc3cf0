package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Channels a websocket client can subscribe to. Broadcasts carry the
// same payloads the Kafka outbox publishes.
const (
	ChannelOrders    = "orders"
	ChannelFills     = "fills"
	ChannelPositions = "positions"
	ChannelTicks     = "ticks"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	clientSendSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is enforced by the surrounding middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans broadcast payloads out to connected websocket clients. A
// slow client is disconnected rather than allowed to stall the rest.
type Hub struct {
	logger *zap.Logger

	register   chan *wsClient
	unregister chan *wsClient
	stop       chan struct{}
	stopOnce   sync.Once

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewHub creates an idle hub; call Run to start it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stop:       make(chan struct{}),
		clients:    make(map[*wsClient]bool),
	}
}

// Run owns the client set until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("websocket client connected",
				zap.String("remote", c.id),
				zap.Int("clients", n),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("websocket client disconnected",
				zap.String("remote", c.id),
				zap.Int("clients", n),
			)

		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Close disconnects every client and stops the hub loop.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast sends a payload to every client subscribed to the channel.
// Never blocks: a client with a full buffer just misses the message.
// Satisfies engine.Notifier.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(wsEnvelope{Channel: channel, Data: payload, At: nowMillis()})
	if err != nil {
		h.logger.Error("failed to marshal websocket payload",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(channel) {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu sync.RWMutex
	subs   map[string]bool
}

func (c *wsClient) subscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subs[channel]
}

func (c *wsClient) setSubscribed(channel string, on bool) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if on {
		c.subs[channel] = true
	} else {
		delete(c.subs, channel)
	}
}

// readPump consumes subscribe/unsubscribe requests until the peer goes
// away, then unregisters the client.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read failed",
					zap.String("remote", c.id),
					zap.Error(err),
				)
			}
			return
		}

		var req wsSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.logger.Debug("ignoring malformed websocket request",
				zap.String("remote", c.id),
				zap.Error(err),
			)
			continue
		}
		switch req.Op {
		case "subscribe":
			for _, ch := range req.Channels {
				c.setSubscribed(ch, true)
			}
		case "unsubscribe":
			for _, ch := range req.Channels {
				c.setSubscribed(ch, false)
			}
		}
	}
}

// writePump drains the send buffer and keeps the connection alive with
// pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, clientSendSize),
		id:   conn.RemoteAddr().String(),
		// New clients hear everything until they narrow the set.
		subs: map[string]bool{
			ChannelOrders:    true,
			ChannelFills:     true,
			ChannelPositions: true,
			ChannelTicks:     true,
		},
	}

	c.hub.register <- c
	go c.writePump()
	go c.readPump()
}
