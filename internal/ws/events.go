package ws

import (
	"encoding/json"

	"chatflow/internal/models"
)

// Socket event names. Client events carry a bearer-authenticated identity
// bound at handshake; server events are either broadcast to a conversation
// group or unicast to one connection.
const (
	EventJoinRoom       = "join_room"
	EventRoomJoined     = "room_joined"
	EventSendMessage    = "send_message"
	EventReceiveMessage = "receive_message"
	EventAITyping       = "ai_typing"
	EventStreamStart    = "stream_start"
	EventStreamChunk    = "stream_chunk"
	EventStreamEnd      = "stream_end"
	EventChatError      = "chat_error"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendMessagePayload is the client's send_message event. ImageData marshals
// as base64. ChatID and SenderID are checked against the authenticated
// identity, never trusted.
type SendMessagePayload struct {
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
	Message   string `json:"message"`
	ImageData []byte `json:"imageData,omitempty"`
}

// RoomJoinedPayload acknowledges a join_room.
type RoomJoinedPayload struct {
	Room         string `json:"room"`
	ConnectionID string `json:"connectionId"`
}

// TypingPayload signals generation start/end to the whole group.
type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

// StreamStartPayload opens a provisional AI bubble on the sender. ID is a
// temporary stream id, distinct from any persisted message id.
type StreamStartPayload struct {
	ID      string `json:"id"`
	IsAI    bool   `json:"isAI"`
	Message string `json:"message"`
}

// StreamChunkPayload carries one incremental text fragment to the sender.
type StreamChunkPayload struct {
	ID    string `json:"id"`
	Chunk string `json:"chunk"`
}

// StreamEndPayload maps the temporary stream id to the persisted AI message.
type StreamEndPayload struct {
	TempID       string             `json:"tempId"`
	FinalMessage models.WireMessage `json:"finalMessage"`
}

// ErrorPayload is a scoped error, delivered only to the offending connection.
type ErrorPayload struct {
	Message string `json:"message"`
}
