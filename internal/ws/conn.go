package ws

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn wraps one authenticated websocket connection. Writes are serialized
// through a mutex because broadcasts and the per-conversation pipeline may
// send from different goroutines.
type Conn struct {
	id     string
	userID int64
	sock   *websocket.Conn

	writeMu sync.Mutex
}

// NewConn binds an upgraded socket to the identity verified at handshake.
func NewConn(sock *websocket.Conn, userID int64) *Conn {
	return &Conn{
		id:     uuid.New().String(),
		userID: userID,
		sock:   sock,
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// UserID returns the authenticated identity bound at handshake.
func (c *Conn) UserID() int64 {
	return c.userID
}

// Send writes one framed event to the connection.
func (c *Conn) Send(event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteJSON(Envelope{Event: event, Data: payload})
}
