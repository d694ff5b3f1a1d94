package models

import "strings"

// ChannelKind selects one of the realtime channels the client listens on.
type ChannelKind string

const (
	ChannelNew       ChannelKind = "new"
	ChannelEdit      ChannelKind = "edit"
	ChannelDelete    ChannelKind = "delete"
	ChannelTyping    ChannelKind = "typing"
	ChannelListDirty ChannelKind = "list-dirty"
	ChannelAny       ChannelKind = "any"
)

// Events emitted by the client.
const (
	EventJoin   = "chat:join"
	EventLeave  = "chat:leave"
	EventTyping = "typing"
)

// Channel is a typed realtime channel. Room scoped kinds carry a RoomID,
// list scoped kinds leave it empty.
type Channel struct {
	Kind   ChannelKind
	RoomID string
}

// RoomChannel returns the room scoped channel of the given kind.
func RoomChannel(kind ChannelKind, roomID string) Channel {
	return Channel{Kind: kind, RoomID: roomID}
}

// ListChannel returns a list scoped channel.
func ListChannel(kind ChannelKind) Channel {
	return Channel{Kind: kind}
}

// RoomScoped reports whether the channel belongs to a single room.
func (c Channel) RoomScoped() bool {
	switch c.Kind {
	case ChannelNew, ChannelEdit, ChannelDelete, ChannelTyping:
		return true
	}
	return false
}

// Name renders the wire name, e.g. "message:new:r1" or "chat:list:dirty".
func (c Channel) Name() string {
	switch c.Kind {
	case ChannelNew, ChannelEdit, ChannelDelete:
		return "message:" + string(c.Kind) + ":" + c.RoomID
	case ChannelTyping:
		return "typing:" + c.RoomID
	case ChannelListDirty:
		return "chat:list:dirty"
	case ChannelAny:
		return "message:any"
	}
	return ""
}

func (c Channel) String() string {
	return c.Name()
}

// ParseChannel is the inverse of Channel.Name.
func ParseChannel(name string) (Channel, bool) {
	switch name {
	case "chat:list:dirty":
		return ListChannel(ChannelListDirty), true
	case "message:any":
		return ListChannel(ChannelAny), true
	}

	if room, ok := strings.CutPrefix(name, "typing:"); ok && room != "" {
		return RoomChannel(ChannelTyping, room), true
	}

	rest, ok := strings.CutPrefix(name, "message:")
	if !ok {
		return Channel{}, false
	}
	kind, room, ok := strings.Cut(rest, ":")
	if !ok || room == "" {
		return Channel{}, false
	}
	switch ChannelKind(kind) {
	case ChannelNew, ChannelEdit, ChannelDelete:
		return RoomChannel(ChannelKind(kind), room), true
	}
	return Channel{}, false
}
