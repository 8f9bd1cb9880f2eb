// Package relay is a WebSocket broadcast server. Every text message a client
// sends is forwarded to all connected clients, the sender included. Payloads
// are relayed untouched, so any topic scheme on top of it works.
package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 256
)

type client struct {
	ws   *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) stop() {
	c.once.Do(func() { close(c.send) })
}

// Hub tracks the connected clients. It implements http.Handler.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	// OnMessage, if set, is called with every text message received from a
	// client before it is relayed.
	OnMessage func(p []byte)

	mu      sync.Mutex
	clients map[*client]struct{}
}

func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := &client{ws: ws, send: make(chan []byte, sendBuffer)}
	h.add(c)
	defer h.remove(c)

	go h.writer(c)
	h.reader(c)
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues p for every client. A client whose buffer is full is
// disconnected.
func (h *Hub) Broadcast(p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- p:
		default:
			h.logger.Warn("dropping slow client", zap.Stringer("remote", c.ws.RemoteAddr()))
			delete(h.clients, c)
			c.stop()
		}
	}
}

// CloseAll sends a close frame with code and reason to every client and
// closes their connections.
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	clear(h.clients)
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	for _, c := range clients {
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.ws.Close()
		c.stop()
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.Stringer("remote", c.ws.RemoteAddr()))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.stop()
	}
	h.mu.Unlock()
	h.logger.Debug("client disconnected", zap.Stringer("remote", c.ws.RemoteAddr()))
}

func (h *Hub) reader(c *client) {
	defer c.ws.Close()
	for {
		typ, p, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		if h.OnMessage != nil {
			h.OnMessage(p)
		}
		h.Broadcast(p)
	}
}

func (h *Hub) writer(c *client) {
	defer c.ws.Close()
	for p := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
			return
		}
	}
}
