package rest_client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/karthikraju391/go-chat-sync/auth"
	"github.com/karthikraju391/go-chat-sync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory chat API with the same routes as the real server.
type fakeBackend struct {
	mu       sync.Mutex
	token    string
	rooms    map[string]string // participant key -> room id
	messages map[string][]models.ChatMessage
	nextID   int
	reads    []string
}

func newFakeBackend(token string) *fakeBackend {
	return &fakeBackend{
		token:    token,
		rooms:    make(map[string]string),
		messages: make(map[string][]models.ChatMessage),
	}
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /me/chats", b.listChats)
	mux.HandleFunc("POST /chats", b.createChat)
	mux.HandleFunc("GET /chats/{roomId}/messages", b.listMessages)
	mux.HandleFunc("POST /chats/{roomId}/messages", b.sendMessage)
	mux.HandleFunc("POST /chats/{roomId}/read", b.markRead)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+b.token {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *fakeBackend) listChats(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rooms := make([]models.ChatRoom, 0, len(b.rooms))
	for key, id := range b.rooms {
		rooms = append(rooms, models.ChatRoom{ID: id, Participants: strings.Split(key, ",")})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	writeJSON(w, http.StatusOK, rooms)
}

func (b *fakeBackend) createChat(w http.ResponseWriter, r *http.Request) {
	var req models.CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Participants) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "participants required"})
		return
	}
	key := strings.Join(req.Participants, ",")

	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.rooms[key]; ok {
		writeJSON(w, http.StatusOK, models.CreateChatResponse{ChatID: id})
		return
	}
	b.nextID++
	id := "room-" + strconv.Itoa(b.nextID)
	b.rooms[key] = id
	writeJSON(w, http.StatusCreated, models.CreateChatResponse{ChatID: id, Created: true})
}

func (b *fakeBackend) seed(roomID string, msgs ...models.ChatMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[roomID] = append(b.messages[roomID], msgs...)
	sort.Slice(b.messages[roomID], func(i, j int) bool {
		return models.Less(b.messages[roomID][i], b.messages[roomID][j])
	})
}

func (b *fakeBackend) listMessages(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad limit"})
		return
	}

	var cursor *models.Cursor
	if ts := r.URL.Query().Get("cursorTs"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad cursor"})
			return
		}
		cursor = &models.Cursor{TS: parsed, ID: r.URL.Query().Get("cursorId")}
	}

	b.mu.Lock()
	all := append([]models.ChatMessage(nil), b.messages[roomID]...)
	b.mu.Unlock()

	// older than cursor, newest first
	var older []models.ChatMessage
	for i := len(all) - 1; i >= 0; i-- {
		m := all[i]
		if cursor != nil && !models.Less(m, models.ChatMessage{CreatedAt: cursor.TS, ID: cursor.ID}) {
			continue
		}
		older = append(older, m)
	}

	page := models.Page{Items: []models.ChatMessage{}}
	if len(older) > limit {
		page.Items = older[:limit]
		page.NextCursor = models.CursorOf(page.Items[limit-1])
	} else {
		page.Items = append(page.Items, older...)
	}
	writeJSON(w, http.StatusOK, page)
}

func (b *fakeBackend) sendMessage(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "content required"})
		return
	}

	b.mu.Lock()
	b.nextID++
	msg := models.ChatMessage{
		ID:        "msg-" + strconv.Itoa(b.nextID),
		RoomID:    roomID,
		SenderID:  "u1",
		Kind:      req.Kind,
		Content:   req.Content,
		CreatedAt: time.Now().UTC(),
		Status:    models.StatusSent,
	}
	b.messages[roomID] = append(b.messages[roomID], msg)
	b.mu.Unlock()

	writeJSON(w, http.StatusCreated, msg)
}

func (b *fakeBackend) markRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageID string `json:"messageId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	b.reads = append(b.reads, r.PathValue("roomId")+"/"+body.MessageID)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func newTestClient(t *testing.T, backend *fakeBackend, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)
	return New(srv.URL, auth.Static(token), WithTimeout(2*time.Second))
}

func TestCreateChatIsIdempotent(t *testing.T) {
	backend := newFakeBackend("secret")
	client := newTestClient(t, backend, "secret")
	ctx := context.Background()

	first, err := client.CreateChat(ctx, []string{"u2", "u1"})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := client.CreateChat(ctx, []string{"u1", "u2", "u1"})
	require.NoError(t, err)
	assert.Equal(t, first.ChatID, second.ChatID)
	assert.False(t, second.Created)

	rooms, err := client.ListChats(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, []string{"u1", "u2"}, rooms[0].Participants)
}

func TestCreateChatRejectsEmptyParticipants(t *testing.T) {
	client := New("http://127.0.0.1:1", auth.Static("x"))

	_, err := client.CreateChat(context.Background(), []string{" ", ""})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrApplication)
}

func TestListMessagesFollowsCursor(t *testing.T) {
	backend := newFakeBackend("secret")
	client := newTestClient(t, backend, "secret")
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	backend.seed("r1",
		models.ChatMessage{ID: "m1", Content: "one", CreatedAt: base},
		models.ChatMessage{ID: "m2", Content: "two", CreatedAt: base.Add(time.Second)},
		models.ChatMessage{ID: "m3", Content: "three", CreatedAt: base.Add(2 * time.Second)},
	)

	page, err := client.ListMessages(context.Background(), "r1", 2, nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "m3", page.Items[0].ID, "server order is newest first")
	assert.Equal(t, "m2", page.Items[1].ID)
	assert.Equal(t, "r1", page.Items[0].RoomID)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, "m2", page.NextCursor.ID)
	assert.True(t, page.NextCursor.TS.Equal(base.Add(time.Second)))

	page, err = client.ListMessages(context.Background(), "r1", 2, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "m1", page.Items[0].ID)
	assert.Nil(t, page.NextCursor)
}

func TestSendMessageReturnsConfirmedCopy(t *testing.T) {
	backend := newFakeBackend("secret")
	client := newTestClient(t, backend, "secret")

	msg, err := client.SendMessage(context.Background(), "r1", models.SendRequest{Kind: models.KindText, Content: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "r1", msg.RoomID)
	assert.Equal(t, models.StatusSent, msg.Status)
	assert.Equal(t, "hello", msg.Content)
}

func TestUnauthorizedTokenIsTyped(t *testing.T) {
	backend := newFakeBackend("secret")
	client := newTestClient(t, backend, "stale")

	_, err := client.ListChats(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, Retryable(err))

	var restErr *Error
	require.True(t, errors.As(err, &restErr))
	assert.Equal(t, http.StatusUnauthorized, restErr.StatusCode)
	assert.Equal(t, "invalid token", restErr.Message)
	assert.Equal(t, "/me/chats", restErr.Path)
}

func TestTokenIsFetchedPerRequest(t *testing.T) {
	backend := newFakeBackend("secret")
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	var calls atomic.Int32
	client := New(srv.URL, func(context.Context) (string, error) {
		calls.Add(1)
		return "secret", nil
	})

	for i := 0; i < 3; i++ {
		_, err := client.ListChats(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestTokenFailureIsUnauthorized(t *testing.T) {
	client := New("http://127.0.0.1:1", func(context.Context) (string, error) {
		return "", errors.New("keychain locked")
	})

	_, err := client.ListChats(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "keychain locked")
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, ErrApplication},
		{http.StatusUnprocessableEntity, ErrApplication},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusMethodNotAllowed, ErrNotFound},
		{http.StatusRequestTimeout, ErrTransient},
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusServiceUnavailable, ErrTransient},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			err := New(srv.URL, nil).Do(context.Background(), http.MethodGet, "/x", nil, nil, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.want == ErrTransient, Retryable(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, nil).ListChats(context.Background())
	require.Error(t, err)
	assert.True(t, Retryable(err))
}

func TestTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(srv.URL, nil, WithTimeout(50*time.Millisecond)).ListChats(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestUndecodableBodyIsApplicationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).ListChats(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrApplication)
}

func TestMarkReadIsBestEffort(t *testing.T) {
	backend := newFakeBackend("secret")
	client := newTestClient(t, backend, "secret")

	assert.True(t, client.MarkRead(context.Background(), "r1", "m9"))
	backend.mu.Lock()
	assert.Equal(t, []string{"r1/m9"}, backend.reads)
	backend.mu.Unlock()

	failing := newTestClient(t, backend, "wrong")
	assert.False(t, failing.MarkRead(context.Background(), "r1", "m10"))
}
