package models

import "time"

// ChatRoom is a conversation summary as returned by GET /me/chats.
type ChatRoom struct {
	ID             string       `json:"id"`
	Participants   []string     `json:"participants"`
	LastMessage    *ChatMessage `json:"lastMessage,omitempty"`
	UnreadCount    int          `json:"unreadCount"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
}

// CreateChatRequest is the body of POST /chats.
type CreateChatRequest struct {
	Participants []string `json:"participants"`
}

// CreateChatResponse is returned by POST /chats. Repeating the request for the
// same participant set yields the same ChatID.
type CreateChatResponse struct {
	ChatID  string `json:"chatId"`
	Created bool   `json:"created,omitempty"`
}

// ConnectionState is the lifecycle state of the realtime connection.
type ConnectionState string

const (
	StateDisconnected   ConnectionState = "disconnected"
	StateConnecting     ConnectionState = "connecting"
	StateAuthenticating ConnectionState = "authenticating"
	StateConnected      ConnectionState = "connected"
)
