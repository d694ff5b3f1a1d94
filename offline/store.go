// Package offline keeps a sqlite snapshot of confirmed history and the chat
// list so a cold start can render something before the network answers.
// Optimistic entries are never written here.
package offline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/karthikraju391/go-chat-sync/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Store struct {
	db     *gorm.DB
	path   string
	logger *slog.Logger
}

// Open connects to the sqlite file at path and runs migrations.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "offline")

	logLevel := logger.Silent
	if log.Enabled(context.Background(), slog.LevelDebug) {
		logLevel = logger.Warn
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	if err := db.AutoMigrate(&MessageRecord{}, &RoomRecord{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("offline snapshot opened", "path", path)
	return &Store{db: db, path: path, logger: log}, nil
}

// SaveMessages upserts server-confirmed messages of a room.
func (s *Store) SaveMessages(ctx context.Context, roomID string, msgs []models.ChatMessage) error {
	records := make([]MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" || m.Optimistic() {
			continue
		}
		records = append(records, toMessageRecord(roomID, m))
	}
	if len(records) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"sender_id", "kind", "content", "status", "created_at", "updated_at"}),
		}).
		Create(&records).Error
	if err != nil {
		return fmt.Errorf("failed to save messages: %w", err)
	}
	return nil
}

// DeleteMessage removes one message. Deleting an unknown id is not an error.
func (s *Store) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	err := s.db.WithContext(ctx).
		Delete(&MessageRecord{}, "room_id = ? AND id = ?", roomID, messageID).Error
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// LoadMessages returns up to limit of the newest messages, oldest first.
func (s *Store) LoadMessages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	var records []MessageRecord
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	msgs := make([]models.ChatMessage, len(records))
	for i, r := range records {
		msgs[len(records)-1-i] = r.toModel()
	}
	return msgs, nil
}

// SaveRooms replaces the mirrored chat list.
func (s *Store) SaveRooms(ctx context.Context, rooms []models.ChatRoom) error {
	records := make([]RoomRecord, 0, len(rooms))
	for _, room := range rooms {
		rec, err := toRoomRecord(room)
		if err != nil {
			return fmt.Errorf("failed to encode room %s: %w", room.ID, err)
		}
		records = append(records, rec)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&RoomRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear rooms: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		if err := tx.Create(&records).Error; err != nil {
			return fmt.Errorf("failed to save rooms: %w", err)
		}
		return nil
	})
}

// LoadRooms returns the mirrored chat list, most recent activity first.
func (s *Store) LoadRooms(ctx context.Context) ([]models.ChatRoom, error) {
	var records []RoomRecord
	if err := s.db.WithContext(ctx).Order("last_activity_at DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load rooms: %w", err)
	}

	rooms := make([]models.ChatRoom, 0, len(records))
	for _, r := range records {
		room, err := r.toModel()
		if err != nil {
			s.logger.Warn("skipping corrupt room row", "roomID", r.ID, "error", err)
			continue
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.logger.Info("offline snapshot closed", "path", s.path)
	return nil
}
