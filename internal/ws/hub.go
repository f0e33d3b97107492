package ws

import (
	"log/slog"
	"sync"
)

// Client is one subscriber of a broadcast group.
type Client interface {
	ID() string
	Send(event string, data interface{}) error
}

// Hub maps conversation keys to broadcast groups and fans events out to every
// subscribed connection. Membership is released when the connection's read
// loop exits; no explicit leave is required.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	rooms  map[string]map[Client]struct{}
	joined map[Client]string
}

// NewHub builds an empty router.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With("component", "hub"),
		rooms:  make(map[string]map[Client]struct{}),
		joined: make(map[Client]string),
	}
}

// Join subscribes the client to a room, moving it out of any prior room. A
// connection is scoped to at most one conversation.
func (h *Hub) Join(client Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.joined[client]; ok && prev != room {
		h.dropLocked(client, prev)
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[Client]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
	h.joined[client] = room
}

// Remove releases the client's membership.
func (h *Hub) Remove(client Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.joined[client]; ok {
		h.dropLocked(client, room)
	}
}

func (h *Hub) dropLocked(client Client, room string) {
	delete(h.joined, client)
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Broadcast delivers the event to every connection subscribed to the room,
// including the sender. Write failures are logged and skipped; the failing
// connection's own read loop tears it down.
func (h *Hub) Broadcast(room, event string, data interface{}) {
	h.mu.RLock()
	members := make([]Client, 0, len(h.rooms[room]))
	for client := range h.rooms[room] {
		members = append(members, client)
	}
	h.mu.RUnlock()

	for _, client := range members {
		if err := client.Send(event, data); err != nil {
			h.logger.Warn("broadcast write failed", "room", room, "event", event, "connectionId", client.ID(), "error", err)
		}
	}
}

// Unicast delivers the event to one connection only. Stream chunks and scoped
// errors go through here so other tabs and devices never see partial text.
func (h *Hub) Unicast(client Client, event string, data interface{}) {
	if err := client.Send(event, data); err != nil {
		h.logger.Warn("unicast write failed", "event", event, "connectionId", client.ID(), "error", err)
	}
}

// Count reports the current number of subscribers in a room.
func (h *Hub) Count(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
