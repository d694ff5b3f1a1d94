// Package history keeps the per-room message timelines: pages fetched over REST,
// live events from the router and optimistic entries from the send path are all
// merged into one list ordered by (CreatedAt, ID) with unique ids.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/karthikraju391/go-chat-sync/models"
)

var (
	// ErrNoMorePages is returned by LoadOlder once the server reported the end.
	ErrNoMorePages = errors.New("no more pages")
	// ErrRoomClosed is returned by fetches that resolved after Close.
	ErrRoomClosed = errors.New("room closed")
)

// PageFetcher loads one page, newest first. rest_client.Client implements it.
type PageFetcher interface {
	ListMessages(ctx context.Context, roomID string, limit int, cursor *models.Cursor) (models.Page, error)
}

// Snapshotter persists server-confirmed messages between sessions.
type Snapshotter interface {
	SaveMessages(ctx context.Context, roomID string, msgs []models.ChatMessage) error
	DeleteMessage(ctx context.Context, roomID, messageID string) error
	LoadMessages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error)
}

type changeListener struct {
	id uint64
	fn func()
}

type Store struct {
	fetcher  PageFetcher
	snapshot Snapshotter
	logger   *slog.Logger

	mu        sync.Mutex
	rooms     map[string]*timeline
	gens      map[string]uint64
	temps     map[string]string // temp id -> room id
	cancelled map[string]struct{}
	listeners map[string][]changeListener
	nextID    uint64
}

type Option func(*Store)

func WithSnapshotter(s Snapshotter) Option {
	return func(st *Store) {
		st.snapshot = s
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(st *Store) {
		if logger != nil {
			st.logger = logger
		}
	}
}

func New(fetcher PageFetcher, opts ...Option) *Store {
	s := &Store{
		fetcher:   fetcher,
		logger:    slog.Default(),
		rooms:     make(map[string]*timeline),
		gens:      make(map[string]uint64),
		temps:     make(map[string]string),
		cancelled: make(map[string]struct{}),
		listeners: make(map[string][]changeListener),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "history")
	return s
}

// room returns the timeline of roomID, creating it. Caller holds s.mu.
func (s *Store) room(roomID string) *timeline {
	tl, ok := s.rooms[roomID]
	if !ok {
		tl = newTimeline(s.gens[roomID])
		s.rooms[roomID] = tl
	}
	return tl
}

// FetchPage loads up to limit messages older than cursor (newest when nil),
// merges them and returns them oldest first. A nil NextCursor means the start
// of the room was reached. On failure the loaded state is untouched.
func (s *Store) FetchPage(ctx context.Context, roomID string, limit int, cursor *models.Cursor) (models.Page, error) {
	s.mu.Lock()
	gen := s.room(roomID).gen
	s.mu.Unlock()

	page, err := s.fetcher.ListMessages(ctx, roomID, limit, cursor)
	if err != nil {
		return models.Page{}, fmt.Errorf("fetch page of %s: %w", roomID, err)
	}
	if err := ctx.Err(); err != nil {
		return models.Page{}, err
	}

	items := make([]models.ChatMessage, len(page.Items))
	for i, msg := range page.Items {
		if msg.RoomID == "" {
			msg.RoomID = roomID
		}
		items[len(items)-1-i] = msg
	}
	page.Items = items

	s.mu.Lock()
	tl, ok := s.rooms[roomID]
	if !ok || tl.gen != gen {
		s.mu.Unlock()
		s.logger.Debug("discarding page for closed room", "roomID", roomID)
		return models.Page{}, ErrRoomClosed
	}
	merged := make([]models.ChatMessage, 0, len(items))
	for _, msg := range items {
		if tl.upsert(msg) {
			merged = append(merged, msg)
		}
	}
	s.mu.Unlock()

	s.persist(ctx, roomID, merged)
	s.notify(roomID)
	return page, nil
}

// LoadOlder fetches the page before the oldest page loaded so far, starting
// with the newest page.
func (s *Store) LoadOlder(ctx context.Context, roomID string, limit int) (models.Page, error) {
	s.mu.Lock()
	tl := s.room(roomID)
	if tl.exhausted {
		s.mu.Unlock()
		return models.Page{}, ErrNoMorePages
	}
	cursor, gen := tl.cursor, tl.gen
	s.mu.Unlock()

	page, err := s.FetchPage(ctx, roomID, limit, cursor)
	if err != nil {
		return page, err
	}

	s.mu.Lock()
	if tl, ok := s.rooms[roomID]; ok && tl.gen == gen && tl.cursor == cursor {
		tl.cursor = page.NextCursor
		tl.started = true
		tl.exhausted = page.NextCursor == nil
	}
	s.mu.Unlock()
	return page, nil
}

// Refresh re-fetches the newest messages, e.g. after a reconnect, without
// moving the room's pagination cursor. It keeps paging back until a page
// overlaps what is already loaded, so messages missed while disconnected
// leave no gap.
func (s *Store) Refresh(ctx context.Context, roomID string, limit int) error {
	s.mu.Lock()
	tl := s.room(roomID)
	started, gen := tl.started, tl.gen
	known := make(map[string]struct{}, len(tl.msgs)+len(tl.tombstones))
	for _, msg := range tl.msgs {
		known[msg.ID] = struct{}{}
	}
	for id := range tl.tombstones {
		known[id] = struct{}{}
	}
	s.mu.Unlock()

	if !started {
		_, err := s.LoadOlder(ctx, roomID, limit)
		return err
	}

	var cursor *models.Cursor
	for {
		page, err := s.FetchPage(ctx, roomID, limit, cursor)
		if err != nil {
			return err
		}
		if page.NextCursor == nil {
			// paged back to the start of the room
			s.mu.Lock()
			if tl, ok := s.rooms[roomID]; ok && tl.gen == gen {
				tl.cursor = nil
				tl.exhausted = true
			}
			s.mu.Unlock()
			return nil
		}
		for _, msg := range page.Items {
			if _, ok := known[msg.ID]; ok {
				return nil
			}
		}
		cursor = page.NextCursor
	}
}

// HasMore reports whether LoadOlder can return more messages.
func (s *Store) HasMore(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.rooms[roomID]
	return !ok || !tl.exhausted
}

// Messages returns a copy of the room's timeline, oldest first.
func (s *Store) Messages(roomID string) []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tl, ok := s.rooms[roomID]; ok {
		return tl.snapshot()
	}
	return []models.ChatMessage{}
}

// Close forgets the room. Fetches still in flight for it are discarded.
func (s *Store) Close(roomID string) {
	s.mu.Lock()
	s.gens[roomID]++
	delete(s.rooms, roomID)
	for temp, room := range s.temps {
		if room == roomID {
			delete(s.temps, temp)
		}
	}
	s.mu.Unlock()
}

// ApplyLiveEvent merges one router event into its room.
func (s *Store) ApplyLiveEvent(ev models.LiveEvent) {
	roomID := ev.RoomID
	if roomID == "" && ev.Message != nil {
		roomID = ev.Message.RoomID
	}

	s.mu.Lock()
	tl := s.room(roomID)
	var changed bool
	var saved []models.ChatMessage
	var deleted string
	switch ev.Type {
	case models.EventNew:
		if ev.Message == nil {
			break
		}
		msg := *ev.Message
		msg.RoomID = roomID
		msg.Failed = false
		// a redelivered new must not undo a later edit or a reconcile
		if tl.indexOf(msg.ID) >= 0 {
			break
		}
		if changed = tl.upsert(msg); changed {
			saved = append(saved, msg)
		}
	case models.EventEdit:
		if ev.Message == nil {
			break
		}
		if changed = tl.edit(*ev.Message); changed {
			saved = append(saved, tl.msgs[tl.indexOf(ev.Message.ID)])
		}
	case models.EventDelete:
		id := ev.ID()
		if i := tl.indexOfTemp(id); i >= 0 {
			tl.removeAt(i)
			s.cancelled[id] = struct{}{}
			delete(s.temps, id)
			changed = true
		} else {
			changed = tl.remove(id)
			deleted = id
		}
	}
	s.mu.Unlock()

	if deleted != "" && s.snapshot != nil {
		if err := s.snapshot.DeleteMessage(context.Background(), roomID, deleted); err != nil {
			s.logger.Warn("snapshot delete failed", "roomID", roomID, "messageID", deleted, "error", err)
		}
	}
	s.persist(context.Background(), roomID, saved)
	if changed {
		s.notify(roomID)
	}
}

// OnChange registers fn to run after every mutation of roomID.
func (s *Store) OnChange(roomID string, fn func()) (off func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[roomID] = append(s.listeners[roomID], changeListener{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		ls := s.listeners[roomID]
		for i, l := range ls {
			if l.id == id {
				s.listeners[roomID] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
		if len(s.listeners[roomID]) == 0 {
			delete(s.listeners, roomID)
		}
	}
}

func (s *Store) notify(roomID string) {
	s.mu.Lock()
	ls := append([]changeListener(nil), s.listeners[roomID]...)
	s.mu.Unlock()
	for _, l := range ls {
		l.fn()
	}
}

func (s *Store) persist(ctx context.Context, roomID string, msgs []models.ChatMessage) {
	if s.snapshot == nil || len(msgs) == 0 {
		return
	}
	if err := s.snapshot.SaveMessages(context.WithoutCancel(ctx), roomID, msgs); err != nil {
		s.logger.Warn("snapshot save failed", "roomID", roomID, "error", err)
	}
}

// Warm seeds an unloaded room from the snapshot so a cold start has something
// to show before the first page arrives.
func (s *Store) Warm(ctx context.Context, roomID string, limit int) (int, error) {
	if s.snapshot == nil {
		return 0, nil
	}
	cached, err := s.snapshot.LoadMessages(ctx, roomID, limit)
	if err != nil {
		return 0, fmt.Errorf("load snapshot of %s: %w", roomID, err)
	}

	s.mu.Lock()
	tl := s.room(roomID)
	if tl.started {
		s.mu.Unlock()
		return 0, nil
	}
	n := 0
	for _, msg := range cached {
		if tl.indexOf(msg.ID) < 0 && tl.upsert(msg) {
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.notify(roomID)
	}
	return n, nil
}
