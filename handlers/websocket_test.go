package handlers

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/karthikraju391/go-chat-sync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStale struct {
	feed *fakeFeed
}

// Subscribe reuses the feed's listener map under a reserved room key.
func (s fakeStale) Subscribe(onStale func()) func() {
	return s.feed.Subscribe("__list__", func(models.LiveEvent) { onStale() })
}

func serveBridge(t *testing.T, env *testEnv) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = env.app.Listener(ln) }()
	t.Cleanup(func() { _ = env.app.Shutdown() })
	return "ws://" + ln.Addr().String()
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) Frame {
	t.Helper()
	for {
		if f := readFrame(t, conn); f.Type == frameType {
			return f
		}
	}
}

func TestRoomSocketStreamsTimelineEventsAndTyping(t *testing.T) {
	env := setupBridge(t)
	_, _ = env.do(t, "GET", "/chats/r1/messages", "")
	base := serveBridge(t, env)

	conn := dial(t, base+"/ws/chats/r1")

	first := readFrame(t, conn)
	assert.Equal(t, FrameTimeline, first.Type)
	require.Len(t, first.Items, 2)
	assert.Equal(t, "m3", first.Items[1].ID)

	// the room feed plus this socket
	require.Eventually(t, func() bool { return env.feed.listeners("r1") == 2 }, time.Second, 5*time.Millisecond)

	env.feed.push(models.LiveEvent{Type: models.EventNew, RoomID: "r1", Message: &models.ChatMessage{
		ID: "m4", RoomID: "r1", Kind: models.KindText, Content: "live", CreatedAt: t0.Add(time.Hour),
	}})
	ev := readUntil(t, conn, FrameEvent)
	require.NotNil(t, ev.Event)
	assert.Equal(t, "m4", ev.Event.ID())

	env.feed.pushTyping(models.TypingEvent{RoomID: "r1", UserID: "u2", IsTyping: true})
	typing := readUntil(t, conn, FrameTyping)
	require.NotNil(t, typing.Typing)
	assert.Equal(t, "u2", typing.Typing.UserID)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: "typing"}))
	require.Eventually(t, func() bool {
		got := env.conn.typing()
		return len(got) == 1 && got[0].IsTyping
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return env.feed.listeners("r1") == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		got := env.conn.typing()
		return len(got) == 2 && !got[1].IsTyping
	}, time.Second, 5*time.Millisecond)
}

func TestRoomSocketSeesOptimisticSend(t *testing.T) {
	env := setupBridge(t)
	base := serveBridge(t, env)
	conn := dial(t, base+"/ws/chats/r2")
	readFrame(t, conn)

	_, err := env.outbox.Send(context.Background(), "r2", models.SendRequest{Kind: models.KindText, Content: "hi"})
	require.NoError(t, err)

	f := readUntil(t, conn, FrameTimeline)
	require.Len(t, f.Items, 1)
	assert.Equal(t, "hi", f.Items[0].Content)
}

func TestListSocketForwardsStaleNotifications(t *testing.T) {
	env := setupBridge(t)
	env.bridge.Stale = fakeStale{feed: env.feed}
	base := serveBridge(t, env)

	conn := dial(t, base+"/ws/chats")
	require.Eventually(t, func() bool { return env.feed.listeners("__list__") == 1 }, time.Second, 5*time.Millisecond)

	env.feed.push(models.LiveEvent{RoomID: "__list__"})
	assert.Equal(t, FrameStale, readFrame(t, conn).Type)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return env.feed.listeners("__list__") == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketRoutesRequireUpgrade(t *testing.T) {
	env := setupBridge(t)

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/ws/chats/r1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
