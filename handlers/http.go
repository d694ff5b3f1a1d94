package handlers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/karthikraju391/go-chat-sync/assistant"
	"github.com/karthikraju391/go-chat-sync/history"
	"github.com/karthikraju391/go-chat-sync/models"
	"github.com/karthikraju391/go-chat-sync/outgoing"
	"github.com/karthikraju391/go-chat-sync/rest_client"
)

const maxPageLimit = 100

type createChatRequest struct {
	Participants []string `json:"participants"`
}

type markReadRequest struct {
	MessageID string `json:"messageId"`
}

type typingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// NewApp builds the fiber app serving the bridge.
func NewApp(b *Bridge) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(logger.New())
	b.Register(app)
	return app
}

// Register mounts the bridge routes on app.
func (b *Bridge) Register(app *fiber.App) {
	app.Get("/health", b.Health)

	app.Get("/chats", b.ListChats)
	app.Post("/chats", b.CreateChat)
	app.Get("/chats/:roomId/messages", b.GetMessages)
	app.Post("/chats/:roomId/messages", b.SendMessage)
	app.Post("/chats/:roomId/messages/:tempId/retry", b.RetryMessage)
	app.Delete("/chats/:roomId/messages/:tempId", b.DiscardMessage)
	app.Post("/chats/:roomId/read", b.MarkRead)
	app.Post("/chats/:roomId/typing", b.Typing)
	app.Delete("/chats/:roomId/session", b.CloseSession)

	app.Post("/assistant/reply", b.AssistantReply)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/chats", websocket.New(b.HandleListSocket))
	app.Get("/ws/chats/:roomId", websocket.New(b.HandleRoomSocket))
}

func (b *Bridge) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":     "ok",
		"connection": b.Connection.State(),
		"openRooms":  b.OpenRooms(),
	})
}

// ListChats returns the latest chat list. ?refresh=true fetches it first.
func (b *Bridge) ListChats(c *fiber.Ctx) error {
	if c.QueryBool("refresh") || b.ChatList.FetchedAt().IsZero() {
		if _, err := b.ChatList.Refresh(c.UserContext()); err != nil {
			return mapChatError(c, err)
		}
	}
	return c.JSON(fiber.Map{
		"chats":     b.ChatList.Rooms(),
		"fetchedAt": b.ChatList.FetchedAt(),
	})
}

func (b *Bridge) CreateChat(c *fiber.Ctx) error {
	var req createChatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	resp, err := b.Rooms.CreateChat(c.UserContext(), req.Participants)
	if err != nil {
		return mapChatError(c, err)
	}

	status := fiber.StatusOK
	if resp.Created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(resp)
}

// GetMessages loads the next older page of the room and returns the whole
// timeline.
func (b *Bridge) GetMessages(c *fiber.Ctx) error {
	roomID := c.Params("roomId")
	limit := parsePositiveInt(c.Query("limit"), b.PageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	b.open(c.UserContext(), roomID)
	if _, err := b.Timelines.LoadOlder(c.UserContext(), roomID, limit); err != nil && !errors.Is(err, history.ErrNoMorePages) {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{
		"items":   b.Timelines.Messages(roomID),
		"hasMore": b.Timelines.HasMore(roomID),
		"failed":  b.Outbox.Failed(roomID),
	})
}

func (b *Bridge) SendMessage(c *fiber.Ctx) error {
	roomID := c.Params("roomId")

	var req models.SendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	feed := b.open(c.UserContext(), roomID)
	pending, err := b.Outbox.Send(c.UserContext(), roomID, req)
	if err != nil {
		return mapChatError(c, err)
	}
	feed.typing.Stop()

	return b.accepted(c, pending)
}

func (b *Bridge) RetryMessage(c *fiber.Ctx) error {
	pending, err := b.Outbox.Retry(c.UserContext(), c.Params("tempId"))
	if err != nil {
		return mapChatError(c, err)
	}
	return b.accepted(c, pending)
}

func (b *Bridge) DiscardMessage(c *fiber.Ctx) error {
	if err := b.Outbox.Discard(c.Params("tempId")); err != nil {
		return mapChatError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (b *Bridge) accepted(c *fiber.Ctx, pending *outgoing.Pending) error {
	body := fiber.Map{"tempId": pending.TempID, "roomId": pending.RoomID}
	if msg, ok := b.Timelines.Optimistic(pending.TempID); ok {
		body["message"] = msg
	}
	return c.Status(fiber.StatusAccepted).JSON(body)
}

func (b *Bridge) MarkRead(c *fiber.Ctx) error {
	var req markReadRequest
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.MessageID) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "messageId is required"})
	}
	ok := b.Rooms.MarkRead(c.UserContext(), c.Params("roomId"), req.MessageID)
	return c.JSON(fiber.Map{"ok": ok})
}

// Typing feeds the room's typing signaler: isTyping=true is a keystroke,
// false stops typing.
func (b *Bridge) Typing(c *fiber.Ctx) error {
	var req typingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	feed := b.open(c.UserContext(), c.Params("roomId"))
	if req.IsTyping {
		feed.typing.InputChanged()
	} else {
		feed.typing.Stop()
	}
	return c.JSON(fiber.Map{"isTyping": feed.typing.Typing()})
}

func (b *Bridge) CloseSession(c *fiber.Ctx) error {
	if !b.CloseRoom(c.Params("roomId")) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Room is not open"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (b *Bridge) AssistantReply(c *fiber.Ctx) error {
	var req assistant.ReplyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	reply, err := b.Assistant.Reply(c.UserContext(), req)
	if err != nil {
		return mapChatError(c, err)
	}
	return c.JSON(fiber.Map{"reply": reply})
}

func mapChatError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, outgoing.ErrInvalidMessage), errors.Is(err, assistant.ErrEmptyPrompt):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, outgoing.ErrUnknownSend), errors.Is(err, history.ErrUnknownTemp):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Message not found"})
	case errors.Is(err, outgoing.ErrSendInFlight):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Message is still sending"})
	case errors.Is(err, outgoing.ErrClosed):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Shutting down"})
	case errors.Is(err, rest_client.ErrUnauthorized):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	case errors.Is(err, rest_client.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
	case errors.Is(err, rest_client.ErrApplication):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, rest_client.ErrTransient):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Backend unavailable", "retryable": true})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process chat request"})
	}
}

func parsePositiveInt(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
