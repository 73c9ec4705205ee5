// ABOUTME: Websocket connection hub with room membership and fan-out
// ABOUTME: One read and one write pump per connection; slow consumers are disconnected

package simulator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
)

// conn is one authenticated websocket client.
type conn struct {
	hub         *hub
	ws          *websocket.Conn
	send        chan []byte
	agentUserID string

	closeOnce sync.Once
	done      chan struct{}
}

// enqueue queues a frame for the write pump. A client whose buffer is full
// is disconnected; it will reconnect and resync from REST.
func (c *conn) enqueue(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.hub.logger.Warn("send buffer full, disconnecting client", "agent_user_id", c.agentUserID)
		c.close()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// writePump owns all writes to the socket.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// hub tracks connections and their room memberships.
type hub struct {
	mu      sync.RWMutex
	conns   map[*conn]map[string]struct{} // conn -> joined rooms
	rooms   map[string]map[*conn]struct{}
	metrics *Metrics
	logger  *slog.Logger
}

func newHub(metrics *Metrics, logger *slog.Logger) *hub {
	return &hub{
		conns:   make(map[*conn]map[string]struct{}),
		rooms:   make(map[string]map[*conn]struct{}),
		metrics: metrics,
		logger:  logger,
	}
}

func (h *hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c] = make(map[string]struct{})
	total := len(h.conns)
	h.mu.Unlock()
	h.metrics.Connections.Inc()
	h.logger.Info("client connected", "agent_user_id", c.agentUserID, "total", total)
}

func (h *hub) unregister(c *conn) {
	h.mu.Lock()
	joined, ok := h.conns[c]
	if ok {
		for room := range joined {
			h.removeLocked(room, c)
		}
		delete(h.conns, c)
	}
	total := len(h.conns)
	h.mu.Unlock()
	if ok {
		h.metrics.Connections.Dec()
		h.logger.Info("client disconnected", "agent_user_id", c.agentUserID, "total", total)
	}
}

func (h *hub) join(c *conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	joined, ok := h.conns[c]
	if !ok {
		return
	}
	joined[room] = struct{}{}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

func (h *hub) leave(c *conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if joined, ok := h.conns[c]; ok {
		delete(joined, room)
	}
	h.removeLocked(room, c)
}

func (h *hub) removeLocked(room string, c *conn) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// broadcast delivers frame once to every connection in any of rooms.
func (h *hub) broadcast(frame func(room string) []byte, rooms ...string) int {
	h.mu.RLock()
	type delivery struct {
		c    *conn
		room string
	}
	seen := make(map[*conn]struct{})
	var targets []delivery
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			targets = append(targets, delivery{c: c, room: room})
		}
	}
	h.mu.RUnlock()

	for _, d := range targets {
		d.c.enqueue(frame(d.room))
	}
	return len(targets)
}

// members returns the number of connections joined to room.
func (h *hub) members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *hub) closeAll() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}
