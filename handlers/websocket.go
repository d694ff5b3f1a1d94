package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/karthikraju391/go-chat-sync/config"
	"github.com/karthikraju391/go-chat-sync/models"
)

// Frame types written to bridge sockets.
const (
	FrameTimeline = "timeline"
	FrameEvent    = "event"
	FrameTyping   = "typing"
	FrameStale    = "stale"
)

const enqueueTimeout = time.Second

// Frame is one message written to a bridge socket.
type Frame struct {
	Type   string               `json:"type"`
	RoomID string               `json:"roomId,omitempty"`
	Items  []models.ChatMessage `json:"items,omitempty"`
	Event  *models.LiveEvent    `json:"event,omitempty"`
	Typing *models.TypingEvent  `json:"typing,omitempty"`
}

// clientFrame is what a UI may send on a room socket.
type clientFrame struct {
	Type string `json:"type"` // "typing" or "stop"
}

type Client struct {
	ID          string
	Conn        *websocket.Conn
	RoomID      string
	MessageChan chan Frame    // Frames waiting to be written
	DoneChan    chan struct{} // Closed when the reader exits
	logger      *slog.Logger
}

func NewClient(conn *websocket.Conn, roomID string, logger *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		ID:          id,
		Conn:        conn,
		RoomID:      roomID,
		MessageChan: make(chan Frame, 256),
		DoneChan:    make(chan struct{}),
		logger:      logger.With("client", id, "roomID", roomID),
	}
}

// Enqueue hands a frame to the writer. It gives up after a short wait so a
// stalled socket cannot block event dispatch for long.
func (c *Client) Enqueue(f Frame) {
	select {
	case c.MessageChan <- f:
	case <-c.DoneChan:
	case <-time.After(enqueueTimeout):
		c.logger.Warn("dropping frame for slow client", "type", f.Type)
	}
}

// HandleRead reads client frames until the socket closes. onFrame may be nil.
func (c *Client) HandleRead(onFrame func(clientFrame)) {
	defer func() {
		c.logger.Debug("reader closed")
		close(c.DoneChan)
	}()
	c.Conn.SetReadLimit(config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})

	for {
		var in clientFrame
		if err := c.Conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			} else {
				c.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		if onFrame != nil {
			onFrame(in)
		}
	}
}

// HandleWrite writes queued frames and keeps the socket alive with pings.
func (c *Client) HandleWrite() {
	ticker := time.NewTicker(config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.logger.Debug("writer closed")
	}()

	for {
		select {
		case frame := <-c.MessageChan:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteJSON(frame); err != nil {
				c.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("websocket ping error", "error", err)
				return
			}

		case <-c.DoneChan:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// HandleRoomSocket streams a room to one UI surface. Each socket is its own
// router subscriber, so the room stays joined while any surface shows it.
func (b *Bridge) HandleRoomSocket(conn *websocket.Conn) {
	roomID := conn.Params("roomId")
	if roomID == "" {
		conn.WriteJSON(map[string]string{"error": "Missing roomId"})
		conn.Close()
		return
	}

	client := NewClient(conn, roomID, b.logger)
	client.logger.Info("room socket connected")
	feed := b.open(context.Background(), roomID)

	offEvents := b.Feed.Subscribe(roomID, func(ev models.LiveEvent) {
		client.Enqueue(Frame{Type: FrameEvent, RoomID: roomID, Event: &ev})
	})
	offTyping := b.Feed.SubscribeTyping(roomID, func(ev models.TypingEvent) {
		client.Enqueue(Frame{Type: FrameTyping, RoomID: roomID, Typing: &ev})
	})
	offTimeline := b.Timelines.OnChange(roomID, func() {
		client.Enqueue(Frame{Type: FrameTimeline, RoomID: roomID, Items: b.Timelines.Messages(roomID)})
	})

	defer func() {
		client.logger.Info("room socket disconnected")
		offTimeline()
		offTyping()
		offEvents()
		feed.typing.Stop()
		conn.Close()
	}()

	client.Enqueue(Frame{Type: FrameTimeline, RoomID: roomID, Items: b.Timelines.Messages(roomID)})

	go client.HandleWrite()

	client.HandleRead(func(in clientFrame) {
		switch in.Type {
		case "typing":
			feed.typing.InputChanged()
		case "stop":
			feed.typing.Stop()
		}
	})
}

// HandleListSocket forwards chat list invalidations to one UI surface.
func (b *Bridge) HandleListSocket(conn *websocket.Conn) {
	client := NewClient(conn, "", b.logger)
	client.logger.Info("list socket connected")

	unsubscribe := b.Stale.Subscribe(func() {
		client.Enqueue(Frame{Type: FrameStale})
	})
	defer func() {
		client.logger.Info("list socket disconnected")
		unsubscribe()
		conn.Close()
	}()

	go client.HandleWrite()
	client.HandleRead(nil)
}
