package models

import (
	"time"
)

// MessageKind is the payload type of a chat message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
)

// DeliveryStatus tracks a message from local send to read receipt.
// StatusSending only ever exists on the client.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// ChatMessage represents a chat message
type ChatMessage struct {
	ID        string         `json:"id"`               // Server-assigned ID (temporary ID while sending)
	RoomID    string         `json:"roomId"`           // ID of the chat room
	SenderID  string         `json:"senderId"`         // ID of the user who sent the message
	Kind      MessageKind    `json:"type"`             // text or image
	Content   string         `json:"content"`          // Text body, or image reference for KindImage
	CreatedAt time.Time      `json:"createdAt"`        // Timestamp of message creation
	Status    DeliveryStatus `json:"status,omitempty"` // Delivery status
	TempID    string         `json:"tempId,omitempty"` // Local temporary ID, set on optimistic entries only
	Failed    bool           `json:"failed,omitempty"` // Local send failure flag
}

// Optimistic reports whether the message is a local entry that the server has not confirmed yet.
func (m ChatMessage) Optimistic() bool {
	return m.TempID != "" && m.ID == m.TempID
}

// Less orders messages by (CreatedAt, ID). It is the only ordering used for
// timelines and pagination cursors.
func Less(a, b ChatMessage) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Cursor points at the oldest message loaded so far. A nil *Cursor means "start from newest".
type Cursor struct {
	TS time.Time `json:"ts"`
	ID string    `json:"id"`
}

// CursorOf returns the cursor identifying m.
func CursorOf(m ChatMessage) *Cursor {
	return &Cursor{TS: m.CreatedAt, ID: m.ID}
}

// Page is one slice of room history.
type Page struct {
	Items      []ChatMessage `json:"items"`
	NextCursor *Cursor       `json:"nextCursor"`
}

// SendRequest is the body of POST /chats/{roomId}/messages.
type SendRequest struct {
	Kind    MessageKind `json:"type"`
	Content string      `json:"content"`
}
