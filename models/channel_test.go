package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelNameRoundTrip(t *testing.T) {
	channels := []Channel{
		RoomChannel(ChannelNew, "r1"),
		RoomChannel(ChannelEdit, "r1"),
		RoomChannel(ChannelDelete, "room-42"),
		RoomChannel(ChannelTyping, "r1"),
		ListChannel(ChannelListDirty),
		ListChannel(ChannelAny),
	}

	for _, ch := range channels {
		t.Run(ch.Name(), func(t *testing.T) {
			parsed, ok := ParseChannel(ch.Name())
			assert.True(t, ok)
			assert.Equal(t, ch, parsed)
		})
	}
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "message:new:r1", RoomChannel(ChannelNew, "r1").Name())
	assert.Equal(t, "message:delete:r1", RoomChannel(ChannelDelete, "r1").Name())
	assert.Equal(t, "typing:r1", RoomChannel(ChannelTyping, "r1").Name())
	assert.Equal(t, "chat:list:dirty", ListChannel(ChannelListDirty).Name())
	assert.Equal(t, "message:any", ListChannel(ChannelAny).Name())
}

func TestParseChannelRejectsUnknownNames(t *testing.T) {
	for _, name := range []string{"", "message:", "message:new:", "message:pin:r1", "typing:", "chat:join"} {
		_, ok := ParseChannel(name)
		assert.False(t, ok, name)
	}
}
