package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/traffic.report/internal/highway"
	"github.com/banshee-data/traffic.report/internal/monitoring"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second
	// Ping interval; must be below pongWait.
	pingPeriod = (pongWait * 9) / 10

	clientSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is read-only telemetry; same-origin enforcement is left to the
	// deployment's reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one subscriber connection.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// eventMessage is the wire envelope for one pushed event.
type eventMessage struct {
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Event     highway.Event `json:"event"`
}

// Hub fans confirmed and ended events out to websocket subscribers. Slow
// subscribers are disconnected rather than allowed to stall the broadcast.
type Hub struct {
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewHub creates an empty hub. Call Run before serving connections.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
		clients:    make(map[*wsClient]bool),
	}
}

// Run owns the client set until ctx is done, at which point every connection
// is closed.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			monitoring.Logf("[ws] client %s connected (%d total)", c.id, n)

		case c := <-h.unregister:
			h.drop(c, "disconnected")

		case msg := <-h.broadcast:
			var dead []*wsClient
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					dead = append(dead, c)
				}
			}
			h.mu.RUnlock()
			// Drop directly: re-sending to h.unregister from here would block
			// forever, since this loop is its only receiver.
			for _, c := range dead {
				h.drop(c, "too slow")
			}
		}
	}
}

// drop removes a client from the set and closes its send channel. Only the
// Run goroutine calls it.
func (h *Hub) drop(c *wsClient, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	monitoring.Logf("[ws] client %s %s (%d total)", c.id, reason, n)
}

// BroadcastEvent pushes one event to every subscriber. It implements
// highway.EventSink and never blocks the caller.
func (h *Hub) BroadcastEvent(ev highway.Event) {
	msg, err := json.Marshal(eventMessage{Type: "event", Timestamp: time.Now(), Event: ev})
	if err != nil {
		monitoring.Logf("[ws] marshal event %s: %v", ev.EventID, err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		monitoring.Logf("[ws] broadcast backlog full, dropped event %s", ev.EventID)
	}
}

// Emit satisfies highway.EventSink.
func (h *Hub) Emit(ev highway.Event) { h.BroadcastEvent(ev) }

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request to a subscriber connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("[ws] upgrade failed: %v", err)
		return
	}
	c := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		id:   uuid.New().String(),
	}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

// readPump drains the connection so pongs and close frames are processed.
// Subscribers have nothing to say; inbound payloads are discarded.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				monitoring.Logf("[ws] client %s read error: %v", c.id, err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
