package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ctrlai/auditlog/internal/audit"
)

// Hub manages the set of live feed WebSocket connections and broadcasts
// each committed audit event to all of them.
//
// A single hub goroutine owns the connection set. Registration,
// unregistration and broadcasts reach it over channels, so the set needs
// no lock.
type Hub struct {
	connections map[*wsConn]bool

	broadcastCh  chan []byte
	registerCh   chan *wsConn
	unregisterCh chan *wsConn
	done         chan struct{}
	closeOnce    sync.Once
}

// wsConn wraps a single WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex // Protects concurrent writes.
}

// The API is bound to loopback by default and the feed is read-only, so
// any origin may subscribe.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHub creates a hub and starts its event loop.
func NewHub() *Hub {
	h := &Hub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
		done:         make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("live feed client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				slog.Debug("live feed client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// A slow client must not stall the feed for everyone.
					delete(h.connections, conn)
					close(conn.send)
				}
			}

		case <-h.done:
			for conn := range h.connections {
				delete(h.connections, conn)
				close(conn.send)
			}
			return
		}
	}
}

// BroadcastEvent sends a committed event to every connected client. It is
// registered as an audit.Log append hook and never blocks: with the
// broadcast buffer full, the event is dropped from the feed (it is still
// in the log).
func (h *Hub) BroadcastEvent(e audit.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal live feed event", "id", e.ID, "error", err)
		return
	}
	select {
	case h.broadcastCh <- data:
	default:
	}
}

// Close stops the hub and disconnects every client. Safe to call multiple
// times.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ServeHTTP upgrades the request to a WebSocket and subscribes it to the
// feed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case h.registerCh <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

// writePump sends queued messages to the client until its send channel is
// closed by the hub.
func (c *wsConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump drains (and ignores) client messages so a disconnect is noticed,
// then unregisters the client.
func (c *wsConn) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregisterCh <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
