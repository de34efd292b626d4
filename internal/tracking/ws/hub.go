// Package ws streams delivered conversions to dashboard clients.
package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pixtrack/internal/tracking/conversion"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Logger defines minimal logging interface required by the hub.
type Logger interface {
	Infof(string, ...interface{})
	Errorf(string, ...interface{})
}

// Message is the frame sent for each conversion.
type Message struct {
	Type  string           `json:"type"`
	Event conversion.Event `json:"event"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Hub fans conversion events out to every connected client. It implements
// conversion.Notifier.
type Hub struct {
	logger   Logger
	upgrader websocket.Upgrader

	nextID atomic.Int64

	mu      sync.RWMutex
	clients map[int64]*client
}

func NewHub(logger Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[int64]*client),
	}
}

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Errorf("conversions ws upgrade failed: %v", err)
		}
		return
	}

	id := h.nextID.Add(1)
	h.mu.Lock()
	h.clients[id] = &client{conn: conn}
	h.mu.Unlock()

	if h.logger != nil {
		h.logger.Infof("conversions ws client %d connected", id)
	}

	go h.pingLoop(id, conn)
	go h.readLoop(id, conn)
}

// Clients reports how many connections are registered.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish broadcasts ev to all clients.
func (h *Hub) Publish(ev conversion.Event) {
	data, err := json.Marshal(Message{Type: "conversion", Event: ev})
	if err != nil {
		if h.logger != nil {
			h.logger.Errorf("conversions ws marshal failed: %v", err)
		}
		return
	}
	h.mu.RLock()
	ids := make([]int64, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.write(id, func(c *websocket.Conn) error {
			return c.WriteMessage(websocket.TextMessage, data)
		})
	}
}

func (h *Hub) pingLoop(id int64, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		h.mu.RLock()
		c, ok := h.clients[id]
		h.mu.RUnlock()
		if !ok || c.conn != conn {
			return
		}
		h.write(id, func(c *websocket.Conn) error {
			return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		})
	}
}

func (h *Hub) readLoop(id int64, conn *websocket.Conn) {
	defer h.remove(id, conn)

	conn.SetReadLimit(4 << 10)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt == websocket.TextMessage && strings.EqualFold(strings.TrimSpace(string(message)), "ping") {
			h.write(id, func(c *websocket.Conn) error {
				return c.WriteMessage(websocket.TextMessage, []byte("pong"))
			})
		}
	}
}

func (h *Hub) remove(id int64, conn *websocket.Conn) {
	_ = conn.Close()
	h.mu.Lock()
	if c, ok := h.clients[id]; ok && c.conn == conn {
		delete(h.clients, id)
	}
	h.mu.Unlock()
}

func (h *Hub) write(id int64, fn func(*websocket.Conn) error) {
	h.mu.RLock()
	c := h.clients[id]
	h.mu.RUnlock()
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := fn(c.conn); err != nil {
		if h.logger != nil {
			h.logger.Errorf("conversions ws client %d write failed: %v", id, err)
		}
		h.remove(id, c.conn)
	}
}
