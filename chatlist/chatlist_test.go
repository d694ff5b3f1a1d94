package chatlist

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/karthikraju391/go-chat-sync/models"
	"github.com/karthikraju391/go-chat-sync/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu       sync.Mutex
	handlers map[models.Channel]map[int]realtime.Handler
	next     int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{handlers: make(map[models.Channel]map[int]realtime.Handler)}
}

func (r *fakeRegistry) On(ch models.Channel, fn realtime.Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers[ch] == nil {
		r.handlers[ch] = make(map[int]realtime.Handler)
	}
	r.next++
	id := r.next
	r.handlers[ch][id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.handlers[ch], id)
	}
}

func (r *fakeRegistry) fire(ch models.Channel) {
	r.mu.Lock()
	var fns []realtime.Handler
	for _, fn := range r.handlers[ch] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(json.RawMessage(`{}`))
	}
}

func TestSubscribeFiresOnBothChannels(t *testing.T) {
	reg := newFakeRegistry()
	s := NewSynchronizer(reg)

	var stale int
	unsubscribe := s.Subscribe(func() { stale++ })

	reg.fire(models.ListChannel(models.ChannelListDirty))
	reg.fire(models.ListChannel(models.ChannelAny))
	reg.fire(models.ListChannel(models.ChannelAny))
	assert.Equal(t, 3, stale)

	unsubscribe()
	unsubscribe()
	reg.fire(models.ListChannel(models.ChannelListDirty))
	assert.Equal(t, 3, stale)
}

func TestSubscribeBeforeConnectionExists(t *testing.T) {
	conn := realtime.New(nil)
	s := NewSynchronizer(conn)

	unsubscribe := s.Subscribe(func() {})
	assert.NotNil(t, unsubscribe)
	unsubscribe()
}

type slowFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	rooms   []models.ChatRoom
	err     error
}

func (f *slowFetcher) ListChats(context.Context) ([]models.ChatRoom, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.ChatRoom(nil), f.rooms...), nil
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestRefreshSortsByActivity(t *testing.T) {
	fetcher := &slowFetcher{rooms: []models.ChatRoom{
		{ID: "old", LastActivityAt: now},
		{ID: "new", LastActivityAt: now.Add(time.Hour)},
	}}
	l := NewList(fetcher)

	rooms, err := l.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", rooms[0].ID)
	assert.Equal(t, "new", l.Rooms()[0].ID)
	assert.False(t, l.FetchedAt().IsZero())
}

func TestConcurrentRefreshesCoalesce(t *testing.T) {
	fetcher := &slowFetcher{release: make(chan struct{}), rooms: []models.ChatRoom{{ID: "r1"}}}
	l := NewList(fetcher)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rooms, err := l.Refresh(context.Background())
			assert.NoError(t, err)
			assert.Len(t, rooms, 1)
		}()
	}
	assert.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	assert.LessOrEqual(t, fetcher.calls.Load(), int32(2))
}

func TestRefreshFailureKeepsPreviousList(t *testing.T) {
	fetcher := &slowFetcher{rooms: []models.ChatRoom{{ID: "r1"}}}
	l := NewList(fetcher)
	_, err := l.Refresh(context.Background())
	require.NoError(t, err)

	fetcher.err = assert.AnError
	_, err = l.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, "r1", l.Rooms()[0].ID)
}

func TestAttachRefetchesOnStale(t *testing.T) {
	reg := newFakeRegistry()
	fetcher := &slowFetcher{rooms: []models.ChatRoom{{ID: "r1"}}}
	l := NewList(fetcher)

	updates := make(chan []models.ChatRoom, 1)
	l.OnUpdate(func(rooms []models.ChatRoom) { updates <- rooms })
	detach := l.Attach(NewSynchronizer(reg))
	defer detach()

	reg.fire(models.ListChannel(models.ChannelListDirty))
	select {
	case rooms := <-updates:
		assert.Equal(t, "r1", rooms[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("stale notification did not refetch")
	}
}

type memMirror struct {
	rooms []models.ChatRoom
}

func (m *memMirror) SaveRooms(_ context.Context, rooms []models.ChatRoom) error {
	m.rooms = append([]models.ChatRoom(nil), rooms...)
	return nil
}

func (m *memMirror) LoadRooms(context.Context) ([]models.ChatRoom, error) {
	return append([]models.ChatRoom(nil), m.rooms...), nil
}

func TestMirrorWarmAndSave(t *testing.T) {
	mirror := &memMirror{rooms: []models.ChatRoom{{ID: "cached"}}}
	fetcher := &slowFetcher{rooms: []models.ChatRoom{{ID: "fresh"}}}
	l := NewList(fetcher, WithMirror(mirror))

	require.NoError(t, l.Warm(context.Background()))
	assert.Equal(t, "cached", l.Rooms()[0].ID)

	_, err := l.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", l.Rooms()[0].ID)
	assert.Equal(t, "fresh", mirror.rooms[0].ID)
}
