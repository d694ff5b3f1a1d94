package rest_client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/karthikraju391/go-chat-sync/models"
)

func roomPath(roomID string, suffix string) string {
	return "/chats/" + url.PathEscape(roomID) + suffix
}

// ListChats fetches the chat list of the current user.
func (c *Client) ListChats(ctx context.Context) ([]models.ChatRoom, error) {
	var rooms []models.ChatRoom
	if err := c.Do(ctx, http.MethodGet, "/me/chats", nil, nil, &rooms); err != nil {
		return nil, err
	}
	if rooms == nil {
		rooms = []models.ChatRoom{}
	}
	return rooms, nil
}

// ListMessages fetches up to limit messages older than cursor, newest first,
// exactly as the server returns them.
func (c *Client) ListMessages(ctx context.Context, roomID string, limit int, cursor *models.Cursor) (models.Page, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if cursor != nil {
		query.Set("cursorTs", cursor.TS.UTC().Format(time.RFC3339Nano))
		query.Set("cursorId", cursor.ID)
	}

	var page models.Page
	if err := c.Do(ctx, http.MethodGet, roomPath(roomID, "/messages"), query, nil, &page); err != nil {
		return models.Page{}, err
	}
	for i := range page.Items {
		if page.Items[i].RoomID == "" {
			page.Items[i].RoomID = roomID
		}
	}
	return page, nil
}

// SendMessage posts a message and returns the server-confirmed copy.
func (c *Client) SendMessage(ctx context.Context, roomID string, req models.SendRequest) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	if err := c.Do(ctx, http.MethodPost, roomPath(roomID, "/messages"), nil, req, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, &Error{
			Kind:   KindApplication,
			Method: http.MethodPost,
			Path:   roomPath(roomID, "/messages"),
			Err:    fmt.Errorf("response carries no message id"),
		}
	}
	if msg.RoomID == "" {
		msg.RoomID = roomID
	}
	if msg.Status == "" || msg.Status == models.StatusSending {
		msg.Status = models.StatusSent
	}
	return &msg, nil
}

// CreateChat finds or creates the room for a participant set. The set is
// de-duplicated and sorted so the same participants always produce the same
// request.
func (c *Client) CreateChat(ctx context.Context, participants []string) (*models.CreateChatResponse, error) {
	normalized := normalizeParticipants(participants)
	if len(normalized) == 0 {
		return nil, &Error{
			Kind:   KindApplication,
			Method: http.MethodPost,
			Path:   "/chats",
			Err:    fmt.Errorf("at least one participant is required"),
		}
	}

	var resp models.CreateChatResponse
	if err := c.Do(ctx, http.MethodPost, "/chats", nil, models.CreateChatRequest{Participants: normalized}, &resp); err != nil {
		return nil, err
	}
	if resp.ChatID == "" {
		return nil, &Error{Kind: KindApplication, Method: http.MethodPost, Path: "/chats", Err: fmt.Errorf("response carries no chat id")}
	}
	return &resp, nil
}

// MarkRead is best-effort: a failure is logged and reported as false, never
// returned as an error.
func (c *Client) MarkRead(ctx context.Context, roomID, messageID string) bool {
	var resp struct {
		OK bool `json:"ok"`
	}
	body := map[string]string{"messageId": messageID}
	if err := c.Do(ctx, http.MethodPost, roomPath(roomID, "/read"), nil, body, &resp); err != nil {
		c.logger.Warn("mark read failed", "roomID", roomID, "messageID", messageID, "error", err)
		return false
	}
	return resp.OK
}

func normalizeParticipants(participants []string) []string {
	seen := make(map[string]struct{}, len(participants))
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
