package models

import (
	"strconv"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one persisted entry of a conversation. Records are append-only:
// created once by the history service, never updated or deleted. A nil Sender
// marks the message as AI-authored.
type Message struct {
	ID        int64
	ChatID    string
	Sender    *int64
	Body      string
	IsAI      bool
	ImageData []byte
	HasImage  bool
	CreatedAt time.Time
}

// Role reports the generation role implied by authorship.
func (m *Message) Role() Role {
	if m.IsAI {
		return RoleAssistant
	}
	return RoleUser
}

// WireMessage is the single serialized shape shared by the store, the socket
// events, and the HTTP seam. Sender carries the decimal user id, or null for
// AI messages. ImageData marshals as base64.
type WireMessage struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chatId"`
	Sender    *string   `json:"sender"`
	Body      string    `json:"message"`
	IsAI      bool      `json:"isAI"`
	ImageData []byte    `json:"imageData,omitempty"`
	HasImage  bool      `json:"hasImage"`
	CreatedAt time.Time `json:"createdAt"`
}

// Wire projects the message into its serialized shape.
func (m *Message) Wire() WireMessage {
	var sender *string
	if m.Sender != nil {
		s := strconv.FormatInt(*m.Sender, 10)
		sender = &s
	}
	return WireMessage{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Sender:    sender,
		Body:      m.Body,
		IsAI:      m.IsAI,
		ImageData: m.ImageData,
		HasImage:  m.HasImage,
		CreatedAt: m.CreatedAt,
	}
}
