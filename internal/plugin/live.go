package plugin

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/aggregate"
)

var liveUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks websocket clients and broadcasts to them without blocking.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{clients: make(map[*client]bool), logger: logger}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast queues msg for every client, dropping it for clients whose
// buffer is full.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Debug("client buffer full, dropping message")
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// Live streams every snapshot as JSON to connected websocket clients.
type Live struct {
	hub    *Hub
	mu     sync.RWMutex
	latest []byte
	logger *zap.Logger
}

func NewLive(logger *zap.Logger) *Live {
	return &Live{hub: NewHub(logger), logger: logger}
}

func (l *Live) Name() string { return "live" }

func (l *Live) Start(ctx context.Context, snapshots <-chan aggregate.Snapshot) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-snapshots:
			if !ok {
				return nil
			}
			msg, err := json.Marshal(s)
			if err != nil {
				l.logger.Warn("encode snapshot", zap.Error(err))
				continue
			}
			l.mu.Lock()
			l.latest = msg
			l.mu.Unlock()
			l.hub.Broadcast(msg)
		}
	}
}

func (l *Live) Stop() error {
	l.hub.closeAll()
	return nil
}

func (l *Live) Clients() int { return l.hub.ClientCount() }

// ServeHTTP upgrades the connection and streams snapshots until the client
// goes away. The latest snapshot is sent right after connecting.
func (l *Live) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := liveUpgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16)}
	l.hub.register(c)

	l.mu.RLock()
	if l.latest != nil {
		c.send <- l.latest
	}
	l.mu.RUnlock()

	go c.writePump()
	l.readPump(c)
}

func (l *Live) readPump(c *client) {
	defer func() {
		l.hub.unregister(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.logger.Debug("websocket read", zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
