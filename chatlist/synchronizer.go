// Package chatlist tells the chat list when it is stale and keeps the latest
// copy of it.
package chatlist

import (
	"encoding/json"
	"sync"

	"github.com/karthikraju391/go-chat-sync/models"
	"github.com/karthikraju391/go-chat-sync/realtime"
)

// Registry is the handler registry of realtime.Connection.
type Registry interface {
	On(channel models.Channel, fn realtime.Handler) (off func())
}

// Synchronizer turns list-level realtime notifications into stale callbacks.
// It never fetches and never diffs.
type Synchronizer struct {
	registry Registry
}

func NewSynchronizer(registry Registry) *Synchronizer {
	return &Synchronizer{registry: registry}
}

// Subscribe calls onStale for every chat:list:dirty or message:any frame. It
// can be called before the connection is initialized.
func (s *Synchronizer) Subscribe(onStale func()) (unsubscribe func()) {
	handler := func(json.RawMessage) { onStale() }
	offDirty := s.registry.On(models.ListChannel(models.ChannelListDirty), handler)
	offAny := s.registry.On(models.ListChannel(models.ChannelAny), handler)

	var once sync.Once
	return func() {
		once.Do(func() {
			offDirty()
			offAny()
		})
	}
}
