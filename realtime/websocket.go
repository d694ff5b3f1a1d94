package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/karthikraju391/go-chat-sync/config"
)

// ErrHandshakeRejected is returned when the server refuses the upgrade with 401 or 403.
var ErrHandshakeRejected = errors.New("realtime handshake rejected")

// envelope is the websocket wire format for both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type WebSocketDriver struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewWebSocketDriver(rawURL string, logger *slog.Logger) *WebSocketDriver {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case strings.HasPrefix(rawURL, "https://"):
		rawURL = "wss://" + strings.TrimPrefix(rawURL, "https://")
	case strings.HasPrefix(rawURL, "http://"):
		rawURL = "ws://" + strings.TrimPrefix(rawURL, "http://")
	}
	return &WebSocketDriver{
		url: rawURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.WriteWait,
		},
		logger: logger.With("component", "realtime-ws"),
	}
}

// Dial opens a websocket. The token travels both as a bearer header and as the
// token query parameter.
func (d *WebSocketDriver) Dial(ctx context.Context, token string) (Link, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	header := http.Header{}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrHandshakeRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	l := &wsLink{
		conn:   conn,
		frames: make(chan Frame, 64),
		done:   make(chan struct{}),
		logger: d.logger,
	}
	go l.readLoop()
	go l.pingLoop()
	return l, nil
}

type wsLink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	frames  chan Frame
	done    chan struct{}
	logger  *slog.Logger

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (l *wsLink) Frames() <-chan Frame {
	return l.frames
}

func (l *wsLink) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

func (l *wsLink) readLoop() {
	defer close(l.frames)

	l.conn.SetReadLimit(config.MaxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(config.PongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
			default:
				l.errMu.Lock()
				l.err = err
				l.errMu.Unlock()
			}
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(config.PongWait))

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			l.logger.Debug("dropping malformed frame", "error", err)
			continue
		}

		select {
		case l.frames <- Frame{Event: env.Event, Data: env.Data}:
		case <-l.done:
			return
		}
	}
}

func (l *wsLink) pingLoop() {
	ticker := time.NewTicker(config.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.writeMu.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WriteWait))
			l.writeMu.Unlock()
			if err != nil {
				l.logger.Debug("websocket ping failed", "error", err)
				l.conn.Close()
				return
			}
		case <-l.done:
			return
		}
	}
}

func (l *wsLink) Emit(event string, data json.RawMessage) error {
	payload, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
	if err := l.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(config.WriteWait))
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}
