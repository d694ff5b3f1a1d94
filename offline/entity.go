package offline

import (
	"encoding/json"
	"time"

	"github.com/karthikraju391/go-chat-sync/models"
)

// MessageRecord is a server-confirmed message kept for cold starts.
type MessageRecord struct {
	RoomID    string    `gorm:"primaryKey;size:128;index:idx_room_order,priority:1"`
	ID        string    `gorm:"primaryKey;size:128"`
	SenderID  string    `gorm:"size:128"`
	Kind      string    `gorm:"size:16;not null"`
	Content   string    `gorm:"not null"`
	Status    string    `gorm:"size:16"`
	CreatedAt time.Time `gorm:"index:idx_room_order,priority:2;not null"`
	UpdatedAt time.Time
}

// TableName returns the table name for MessageRecord.
func (MessageRecord) TableName() string {
	return "messages"
}

// RoomRecord is one row of the mirrored chat list.
type RoomRecord struct {
	ID             string `gorm:"primaryKey;size:128"`
	Participants   string `gorm:"not null"` // JSON array
	LastMessage    string // JSON object, empty when none
	UnreadCount    int    `gorm:"not null;default:0"`
	LastActivityAt time.Time
	UpdatedAt      time.Time
}

// TableName returns the table name for RoomRecord.
func (RoomRecord) TableName() string {
	return "rooms"
}

func toMessageRecord(roomID string, m models.ChatMessage) MessageRecord {
	return MessageRecord{
		RoomID:    roomID,
		ID:        m.ID,
		SenderID:  m.SenderID,
		Kind:      string(m.Kind),
		Content:   m.Content,
		Status:    string(m.Status),
		CreatedAt: m.CreatedAt.UTC(),
	}
}

func (r MessageRecord) toModel() models.ChatMessage {
	return models.ChatMessage{
		ID:        r.ID,
		RoomID:    r.RoomID,
		SenderID:  r.SenderID,
		Kind:      models.MessageKind(r.Kind),
		Content:   r.Content,
		Status:    models.DeliveryStatus(r.Status),
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func toRoomRecord(room models.ChatRoom) (RoomRecord, error) {
	participants, err := json.Marshal(room.Participants)
	if err != nil {
		return RoomRecord{}, err
	}
	rec := RoomRecord{
		ID:             room.ID,
		Participants:   string(participants),
		UnreadCount:    room.UnreadCount,
		LastActivityAt: room.LastActivityAt.UTC(),
	}
	if room.LastMessage != nil {
		last, err := json.Marshal(room.LastMessage)
		if err != nil {
			return RoomRecord{}, err
		}
		rec.LastMessage = string(last)
	}
	return rec, nil
}

func (r RoomRecord) toModel() (models.ChatRoom, error) {
	room := models.ChatRoom{
		ID:             r.ID,
		UnreadCount:    r.UnreadCount,
		LastActivityAt: r.LastActivityAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Participants), &room.Participants); err != nil {
		return models.ChatRoom{}, err
	}
	if r.LastMessage != "" {
		var last models.ChatMessage
		if err := json.Unmarshal([]byte(r.LastMessage), &last); err != nil {
			return models.ChatRoom{}, err
		}
		room.LastMessage = &last
	}
	return room, nil
}
