// Package handlers exposes the chat core to a local UI process over HTTP and
// WebSocket.
package handlers

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/karthikraju391/go-chat-sync/assistant"
	"github.com/karthikraju391/go-chat-sync/models"
	"github.com/karthikraju391/go-chat-sync/outgoing"
	"github.com/karthikraju391/go-chat-sync/typing"
)

// Connection is the part of realtime.Connection the bridge uses.
type Connection interface {
	State() models.ConnectionState
	Emit(event string, payload any) bool
}

// Feed is the live event router.
type Feed interface {
	Subscribe(roomID string, fn func(models.LiveEvent)) (unsubscribe func())
	SubscribeTyping(roomID string, fn func(models.TypingEvent)) (unsubscribe func())
}

// Timelines is the history store.
type Timelines interface {
	LoadOlder(ctx context.Context, roomID string, limit int) (models.Page, error)
	Refresh(ctx context.Context, roomID string, limit int) error
	Warm(ctx context.Context, roomID string, limit int) (int, error)
	HasMore(roomID string) bool
	Messages(roomID string) []models.ChatMessage
	Optimistic(tempID string) (models.ChatMessage, bool)
	ApplyLiveEvent(ev models.LiveEvent)
	OnChange(roomID string, fn func()) (off func())
	Close(roomID string)
}

// Outbox is the optimistic send coordinator.
type Outbox interface {
	Send(ctx context.Context, roomID string, req models.SendRequest) (*outgoing.Pending, error)
	Retry(ctx context.Context, tempID string) (*outgoing.Pending, error)
	Discard(tempID string) error
	Failed(roomID string) []string
}

// ChatList holds the latest chat list.
type ChatList interface {
	Rooms() []models.ChatRoom
	FetchedAt() time.Time
	Refresh(ctx context.Context) ([]models.ChatRoom, error)
}

// StaleNotifier reports chat list invalidations.
type StaleNotifier interface {
	Subscribe(onStale func()) (unsubscribe func())
}

// RoomAPI covers the REST calls the bridge makes directly.
type RoomAPI interface {
	CreateChat(ctx context.Context, participants []string) (*models.CreateChatResponse, error)
	MarkRead(ctx context.Context, roomID, messageID string) bool
}

// Assistant answers assistant prompts.
type Assistant interface {
	Reply(ctx context.Context, req assistant.ReplyRequest) (string, error)
}

// Deps wires the bridge to the core.
type Deps struct {
	Connection Connection
	Feed       Feed
	Timelines  Timelines
	Outbox     Outbox
	ChatList   ChatList
	Stale      StaleNotifier
	Rooms      RoomAPI
	Assistant  Assistant
	PageLimit  int
	TypingIdle time.Duration
}

// roomFeed keeps a room's timeline fed with live events while it is open.
type roomFeed struct {
	unsubscribe func()
	typing      *typing.Signaler
}

type Bridge struct {
	Deps
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*roomFeed
}

func NewBridge(deps Deps, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.PageLimit <= 0 {
		deps.PageLimit = 30
	}
	return &Bridge{
		Deps:   deps,
		logger: logger.With("component", "bridge"),
		rooms:  make(map[string]*roomFeed),
	}
}

// OpenRoom starts applying live events of roomID to its timeline. The first
// open warms the timeline from the offline snapshot. Repeated opens are no-ops.
func (b *Bridge) OpenRoom(ctx context.Context, roomID string) {
	b.open(ctx, roomID)
}

func (b *Bridge) open(ctx context.Context, roomID string) *roomFeed {
	b.mu.Lock()
	if feed, ok := b.rooms[roomID]; ok {
		b.mu.Unlock()
		return feed
	}
	feed := &roomFeed{
		unsubscribe: b.Feed.Subscribe(roomID, b.Timelines.ApplyLiveEvent),
		typing:      typing.New(b.Connection, roomID, typing.WithIdle(b.TypingIdle)),
	}
	b.rooms[roomID] = feed
	b.mu.Unlock()

	if n, err := b.Timelines.Warm(ctx, roomID, b.PageLimit); err != nil {
		b.logger.Warn("snapshot warm failed", "roomID", roomID, "error", err)
	} else if n > 0 {
		b.logger.Debug("timeline warmed from snapshot", "roomID", roomID, "messages", n)
	}
	b.logger.Info("room opened", "roomID", roomID)
	return feed
}

// CloseRoom stops the live feed of roomID and forgets its timeline.
func (b *Bridge) CloseRoom(roomID string) bool {
	b.mu.Lock()
	feed, ok := b.rooms[roomID]
	delete(b.rooms, roomID)
	b.mu.Unlock()
	if !ok {
		return false
	}

	feed.typing.Stop()
	feed.unsubscribe()
	b.Timelines.Close(roomID)
	b.logger.Info("room closed", "roomID", roomID)
	return true
}

// OpenRooms returns the ids of open rooms, sorted.
func (b *Bridge) OpenRooms() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.rooms))
	for id := range b.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RefreshOpenRooms refetches the newest page of every open room. It runs after
// a reconnect to pick up events missed while the link was down.
func (b *Bridge) RefreshOpenRooms(ctx context.Context) {
	for _, roomID := range b.OpenRooms() {
		if err := b.Timelines.Refresh(ctx, roomID, b.PageLimit); err != nil {
			b.logger.Warn("refresh after reconnect failed", "roomID", roomID, "error", err)
		}
	}
}

// Close closes every open room.
func (b *Bridge) Close() {
	for _, roomID := range b.OpenRooms() {
		b.CloseRoom(roomID)
	}
}
