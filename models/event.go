package models

// LiveEventType is the kind of change a live event applies to a timeline.
type LiveEventType string

const (
	EventNew    LiveEventType = "new"
	EventEdit   LiveEventType = "edit"
	EventDelete LiveEventType = "delete"
)

// LiveEvent is the uniform callback payload of the router. New and Edit carry
// Message; Delete carries MessageID only.
type LiveEvent struct {
	Type      LiveEventType `json:"type"`
	RoomID    string        `json:"roomId"`
	Message   *ChatMessage  `json:"message,omitempty"`
	MessageID string        `json:"messageId,omitempty"`
}

// ID returns the identifier the event refers to.
func (e LiveEvent) ID() string {
	if e.Message != nil {
		return e.Message.ID
	}
	return e.MessageID
}

// DeletePayload is the data of a message:delete:{roomId} frame.
type DeletePayload struct {
	MessageID string `json:"messageId"`
}

// RoomPayload is the data of chat:join and chat:leave.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// TypingEvent is both the data emitted on "typing" and received on typing:{roomId}.
type TypingEvent struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}
