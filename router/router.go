// Package router turns raw realtime frames into typed per-room callbacks.
// Room membership is reference counted: the first listener of a room joins it,
// the last one to leave leaves it.
package router

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/karthikraju391/go-chat-sync/models"
	"github.com/karthikraju391/go-chat-sync/realtime"
)

// Transport is the part of realtime.Connection the router needs.
type Transport interface {
	On(channel models.Channel, fn realtime.Handler) (off func())
	JoinRoom(roomID string)
	LeaveRoom(roomID string)
}

type eventListener struct {
	id uint64
	fn func(models.LiveEvent)
}

type typingListener struct {
	id uint64
	fn func(models.TypingEvent)
}

type room struct {
	events []eventListener
	typing []typingListener
	offs   []func()
}

func (r *room) refs() int {
	return len(r.events) + len(r.typing)
}

type Router struct {
	transport Transport
	logger    *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*room
	nextID uint64
}

func New(transport Transport, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		transport: transport,
		logger:    logger.With("component", "router"),
		rooms:     make(map[string]*room),
	}
}

// Subscribe delivers new, edit and delete events of roomID to fn in transport
// order. The returned function is idempotent.
func (r *Router) Subscribe(roomID string, fn func(models.LiveEvent)) (unsubscribe func()) {
	r.mu.Lock()
	rm := r.acquire(roomID)
	r.nextID++
	id := r.nextID
	rm.events = append(rm.events, eventListener{id: id, fn: fn})
	r.mu.Unlock()

	return r.releaser(roomID, func(rm *room) {
		for i, l := range rm.events {
			if l.id == id {
				rm.events = append(rm.events[:i:i], rm.events[i+1:]...)
				return
			}
		}
	})
}

// SubscribeTyping delivers typing:{roomId} events. It shares the membership
// reference count with Subscribe.
func (r *Router) SubscribeTyping(roomID string, fn func(models.TypingEvent)) (unsubscribe func()) {
	r.mu.Lock()
	rm := r.acquire(roomID)
	r.nextID++
	id := r.nextID
	rm.typing = append(rm.typing, typingListener{id: id, fn: fn})
	r.mu.Unlock()

	return r.releaser(roomID, func(rm *room) {
		for i, l := range rm.typing {
			if l.id == id {
				rm.typing = append(rm.typing[:i:i], rm.typing[i+1:]...)
				return
			}
		}
	})
}

// Listeners reports the reference count of roomID.
func (r *Router) Listeners(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[roomID]; ok {
		return rm.refs()
	}
	return 0
}

// acquire must be called with r.mu held.
func (r *Router) acquire(roomID string) *room {
	if rm, ok := r.rooms[roomID]; ok {
		return rm
	}

	rm := &room{}
	for _, kind := range []models.ChannelKind{models.ChannelNew, models.ChannelEdit, models.ChannelDelete} {
		kind := kind
		rm.offs = append(rm.offs, r.transport.On(models.RoomChannel(kind, roomID), func(data json.RawMessage) {
			r.handleMessage(roomID, kind, data)
		}))
	}
	rm.offs = append(rm.offs, r.transport.On(models.RoomChannel(models.ChannelTyping, roomID), func(data json.RawMessage) {
		r.handleTyping(roomID, data)
	}))
	r.rooms[roomID] = rm
	r.transport.JoinRoom(roomID)
	r.logger.Debug("room subscribed", "roomID", roomID)
	return rm
}

func (r *Router) releaser(roomID string, remove func(*room)) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()

			rm, ok := r.rooms[roomID]
			if !ok {
				return
			}
			remove(rm)
			if rm.refs() > 0 {
				return
			}
			for _, off := range rm.offs {
				off()
			}
			delete(r.rooms, roomID)
			r.transport.LeaveRoom(roomID)
			r.logger.Debug("room released", "roomID", roomID)
		})
	}
}

func (r *Router) handleMessage(roomID string, kind models.ChannelKind, data json.RawMessage) {
	var ev models.LiveEvent
	switch kind {
	case models.ChannelNew, models.ChannelEdit:
		var msg models.ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" {
			r.logger.Warn("dropping malformed message event", "roomID", roomID, "kind", kind, "error", err)
			return
		}
		if msg.RoomID == "" {
			msg.RoomID = roomID
		}
		ev = models.LiveEvent{Type: models.EventNew, RoomID: roomID, Message: &msg}
		if kind == models.ChannelEdit {
			ev.Type = models.EventEdit
		}
	case models.ChannelDelete:
		var del models.DeletePayload
		if err := json.Unmarshal(data, &del); err != nil || del.MessageID == "" {
			r.logger.Warn("dropping malformed delete event", "roomID", roomID, "error", err)
			return
		}
		ev = models.LiveEvent{Type: models.EventDelete, RoomID: roomID, MessageID: del.MessageID}
	}

	r.mu.Lock()
	var listeners []eventListener
	if rm, ok := r.rooms[roomID]; ok {
		listeners = append(listeners, rm.events...)
	}
	r.mu.Unlock()

	for _, l := range listeners {
		l.fn(ev)
	}
}

func (r *Router) handleTyping(roomID string, data json.RawMessage) {
	var ev models.TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Warn("dropping malformed typing event", "roomID", roomID, "error", err)
		return
	}
	ev.RoomID = roomID

	r.mu.Lock()
	var listeners []typingListener
	if rm, ok := r.rooms[roomID]; ok {
		listeners = append(listeners, rm.typing...)
	}
	r.mu.Unlock()

	for _, l := range listeners {
		l.fn(ev)
	}
}
