// Package realtime keeps live socket connections and delivers message
// events to the rooms they have joined.
package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"huddle/api/internal/app"
	"huddle/api/internal/util"
)

const sendBuffer = 64

// Client is one live connection. Its joined rooms are owned by the Hub and
// guarded by the Hub's lock.
type Client struct {
	id    string
	email string
	send  chan []byte
	rooms map[string]struct{}
}

func NewClient(email string) *Client {
	return &Client{
		id:    util.NewID("conn"),
		email: email,
		send:  make(chan []byte, sendBuffer),
		rooms: map[string]struct{}{},
	}
}

func (c *Client) ID() string    { return c.id }
func (c *Client) Email() string { return c.email }

// Outbound yields frames queued for this connection. It is closed when the
// client is unregistered.
func (c *Client) Outbound() <-chan []byte { return c.send }

// Fanout carries a published frame to every instance, including this one.
type Fanout interface {
	Publish(ctx context.Context, room string, payload []byte) error
}

type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	fanout  Fanout
	closed  bool
	log     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: map[*Client]struct{}{},
		rooms:   map[string]map[*Client]struct{}{},
		log:     logger,
	}
}

// UseFanout routes every Publish through f. Frames come back through
// Deliver once f has distributed them.
func (h *Hub) UseFanout(f Fanout) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fanout = f
}

// Register adds c to the hub. After Close, c's queue is closed at once.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.send)
		return
	}
	h.clients[c] = struct{}{}
}

// Close unregisters every connection. Each gateway write loop then sends a
// close frame and drops its socket.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		h.leaveAllLocked(c)
		delete(h.clients, c)
		close(c.send)
	}
}

// Unregister removes c from every room and closes its outbound queue.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.leaveAllLocked(c)
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = map[*Client]struct{}{}
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) leaveAllLocked(c *Client) {
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
}

// Rooms lists the rooms c has joined, sorted.
func (h *Hub) Rooms(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends evt to room. It never blocks on slow connections.
func (h *Hub) Publish(ctx context.Context, room string, evt app.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("marshal event", zap.String("event", evt.Name), zap.Error(err))
		return
	}

	h.mu.RLock()
	fanout := h.fanout
	h.mu.RUnlock()
	if fanout != nil {
		err := fanout.Publish(ctx, room, payload)
		if err == nil {
			return
		}
		h.log.Warn("fanout publish failed, delivering locally", zap.String("room", room), zap.Error(err))
	}
	h.Deliver(room, payload)
}

// Deliver queues payload for every local connection in room. A connection
// whose queue is full misses the frame.
func (h *Hub) Deliver(room string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for c := range h.rooms[room] {
		select {
		case c.send <- payload:
			delivered++
		default:
			h.log.Warn("dropping frame for slow connection",
				zap.String("conn_id", c.id),
				zap.String("room", room),
			)
		}
	}
	return delivered
}

// Send queues payload for c alone.
func (h *Hub) Send(c *Client, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}
