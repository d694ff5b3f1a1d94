package chatlist

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/karthikraju391/go-chat-sync/models"
	"golang.org/x/sync/singleflight"
)

// Fetcher loads the chat list. rest_client.Client implements it.
type Fetcher interface {
	ListChats(ctx context.Context) ([]models.ChatRoom, error)
}

// Mirror persists the list for cold starts. offline.Store implements it.
type Mirror interface {
	SaveRooms(ctx context.Context, rooms []models.ChatRoom) error
	LoadRooms(ctx context.Context) ([]models.ChatRoom, error)
}

const refetchTimeout = 15 * time.Second

// List holds the latest chat list and refetches it whenever the synchronizer
// reports it stale. Concurrent refetches share one request.
type List struct {
	fetcher Fetcher
	mirror  Mirror
	logger  *slog.Logger
	group   singleflight.Group

	mu        sync.Mutex
	rooms     []models.ChatRoom
	fetchedAt time.Time
	listeners map[uint64]func([]models.ChatRoom)
	nextID    uint64
}

type Option func(*List)

func WithMirror(m Mirror) Option {
	return func(l *List) {
		l.mirror = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *List) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewList(fetcher Fetcher, opts ...Option) *List {
	l := &List{
		fetcher:   fetcher,
		logger:    slog.Default(),
		listeners: make(map[uint64]func([]models.ChatRoom)),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "chatlist")
	return l
}

// Attach refetches on every stale notification of s.
func (l *List) Attach(s *Synchronizer) (detach func()) {
	return s.Subscribe(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), refetchTimeout)
			defer cancel()
			if _, err := l.Refresh(ctx); err != nil {
				l.logger.Warn("chat list refresh failed", "error", err)
			}
		}()
	})
}

// Refresh fetches the list, joining a fetch already in flight.
func (l *List) Refresh(ctx context.Context) ([]models.ChatRoom, error) {
	v, err, shared := l.group.Do("chats", func() (any, error) {
		rooms, err := l.fetcher.ListChats(ctx)
		if err != nil {
			return nil, err
		}
		sortRooms(rooms)
		l.store(rooms)
		if l.mirror != nil {
			if err := l.mirror.SaveRooms(context.WithoutCancel(ctx), rooms); err != nil {
				l.logger.Warn("chat list mirror failed", "error", err)
			}
		}
		return rooms, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		l.logger.Debug("chat list refresh coalesced")
	}
	return copyRooms(v.([]models.ChatRoom)), nil
}

// Warm loads the mirrored list if nothing was fetched yet.
func (l *List) Warm(ctx context.Context) error {
	if l.mirror == nil {
		return nil
	}
	rooms, err := l.mirror.LoadRooms(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if !l.fetchedAt.IsZero() || l.rooms != nil {
		l.mu.Unlock()
		return nil
	}
	sortRooms(rooms)
	l.rooms = rooms
	l.mu.Unlock()
	return nil
}

// Rooms returns the latest known list, most recent activity first.
func (l *List) Rooms() []models.ChatRoom {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyRooms(l.rooms)
}

// FetchedAt is the time of the last successful fetch.
func (l *List) FetchedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fetchedAt
}

// OnUpdate registers fn for every successful refresh.
func (l *List) OnUpdate(fn func([]models.ChatRoom)) (off func()) {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.listeners[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

func (l *List) store(rooms []models.ChatRoom) {
	l.mu.Lock()
	l.rooms = rooms
	l.fetchedAt = time.Now()
	listeners := make([]func([]models.ChatRoom), 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(copyRooms(rooms))
	}
}

func sortRooms(rooms []models.ChatRoom) {
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].LastActivityAt.After(rooms[j].LastActivityAt)
	})
}

func copyRooms(rooms []models.ChatRoom) []models.ChatRoom {
	if rooms == nil {
		return []models.ChatRoom{}
	}
	return append([]models.ChatRoom(nil), rooms...)
}
