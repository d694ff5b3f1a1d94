// Package nats_service is the NATS realtime driver. Channel names map to
// subjects by replacing ':' with '.', so message:new:r1 travels on
// message.new.r1.
package nats_service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/karthikraju391/go-chat-sync/config"
	"github.com/karthikraju391/go-chat-sync/models"
	"github.com/karthikraju391/go-chat-sync/realtime"
	"github.com/nats-io/nats.go"
)

const (
	clientName   = "go-chat-sync"
	pingInterval = 20 * time.Second
	msgBuffer    = 1024
)

func init() {
	realtime.RegisterDriver(Factory, "nats", "tls")
}

// Factory builds a Driver for realtime.DriverFor.
func Factory(rawURL string, logger *slog.Logger) (realtime.Driver, error) {
	return NewDriver(rawURL, logger), nil
}

type Driver struct {
	url    string
	logger *slog.Logger
}

func NewDriver(rawURL string, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{url: rawURL, logger: logger.With("component", "realtime-nats")}
}

// subject converts a channel or event name to its NATS subject.
func subject(name string) string {
	return strings.ReplaceAll(name, ":", ".")
}

// channelName is the inverse of subject.
func channelName(subj string) string {
	return strings.ReplaceAll(subj, ".", ":")
}

// roomSubjects are the subjects carrying a room's events.
func roomSubjects(roomID string) []string {
	return []string{
		"message.*." + roomID,
		subject(models.RoomChannel(models.ChannelTyping, roomID).Name()),
	}
}

// Dial connects with the given token. Reconnects are disabled: the realtime
// connection loop owns retrying and fetches a new token for each attempt.
func (d *Driver) Dial(ctx context.Context, token string) (realtime.Link, error) {
	l := &natsLink{
		msgs:   make(chan *nats.Msg, msgBuffer),
		frames: make(chan realtime.Frame, 64),
		lost:   make(chan struct{}),
		rooms:  make(map[string][]*nats.Subscription),
		logger: d.logger,
	}

	opts := []nats.Option{
		nats.Name(clientName),
		nats.NoReconnect(),
		nats.Timeout(config.WriteWait),
		nats.PingInterval(pingInterval),
		nats.MaxPingsOutstanding(2),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.fail(err)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			l.fail(nc.LastError())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				d.logger.Warn("nats async error", "subject", sub.Subject, "error", err)
				return
			}
			d.logger.Warn("nats async error", "error", err)
		}),
	}
	if token != "" {
		opts = append(opts, nats.TokenHandler(func() string { return token }))
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	connected := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(d.url, opts...)
		connected <- result{nc, err}
	}()

	var nc *nats.Conn
	select {
	case <-ctx.Done():
		go func() {
			if r := <-connected; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-connected:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", r.err)
		}
		nc = r.nc
	}
	l.nc = nc

	for _, ch := range []models.Channel{models.ListChannel(models.ChannelListDirty), models.ListChannel(models.ChannelAny)} {
		if _, err := nc.ChanSubscribe(subject(ch.Name()), l.msgs); err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to subscribe to '%s': %w", ch.Name(), err)
		}
	}
	if err := nc.FlushTimeout(config.WriteWait); err != nil {
		nc.Close()
		return nil, fmt.Errorf("flush subscriptions: %w", err)
	}

	go l.pump()
	d.logger.Debug("nats link established", "url", nc.ConnectedUrlRedacted())
	return l, nil
}

// natsLink funnels every subscription into one channel so frames keep the
// order in which the server delivered them.
type natsLink struct {
	nc     *nats.Conn
	msgs   chan *nats.Msg
	frames chan realtime.Frame
	logger *slog.Logger

	lost     chan struct{}
	lostOnce sync.Once

	mu      sync.Mutex
	rooms   map[string][]*nats.Subscription
	closing bool
	err     error
}

func (l *natsLink) Frames() <-chan realtime.Frame {
	return l.frames
}

func (l *natsLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *natsLink) fail(err error) {
	l.mu.Lock()
	if !l.closing && l.err == nil {
		if err == nil {
			err = nats.ErrConnectionClosed
		}
		l.err = err
	}
	l.mu.Unlock()
	l.lostOnce.Do(func() { close(l.lost) })
}

func (l *natsLink) pump() {
	defer close(l.frames)
	for {
		select {
		case msg := <-l.msgs:
			frame := realtime.Frame{Event: channelName(msg.Subject), Data: msg.Data}
			select {
			case l.frames <- frame:
			case <-l.lost:
				return
			}
		case <-l.lost:
			return
		}
	}
}

// Emit publishes data on the event's subject. Join and leave also adjust the
// room subscriptions of this link.
func (l *natsLink) Emit(event string, data json.RawMessage) error {
	switch event {
	case models.EventJoin:
		if err := l.join(data); err != nil {
			return err
		}
	case models.EventLeave:
		l.leave(data)
	}

	subj := subject(event)
	if err := l.nc.Publish(subj, data); err != nil {
		return fmt.Errorf("failed to publish to subject '%s': %w", subj, err)
	}
	l.logger.Debug("published", "subject", subj)
	return nil
}

func (l *natsLink) join(data json.RawMessage) error {
	var room models.RoomPayload
	if err := json.Unmarshal(data, &room); err != nil || room.RoomID == "" {
		return errors.New("join without room id")
	}

	l.mu.Lock()
	if _, ok := l.rooms[room.RoomID]; ok {
		l.mu.Unlock()
		return nil
	}
	var subs []*nats.Subscription
	for _, subj := range roomSubjects(room.RoomID) {
		sub, err := l.nc.ChanSubscribe(subj, l.msgs)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			l.mu.Unlock()
			return fmt.Errorf("failed to subscribe to '%s': %w", subj, err)
		}
		subs = append(subs, sub)
	}
	l.rooms[room.RoomID] = subs
	l.mu.Unlock()

	if err := l.nc.FlushTimeout(config.WriteWait); err != nil {
		return fmt.Errorf("flush room subscriptions: %w", err)
	}
	l.logger.Debug("subscribed to room", "roomID", room.RoomID)
	return nil
}

func (l *natsLink) leave(data json.RawMessage) {
	var room models.RoomPayload
	if err := json.Unmarshal(data, &room); err != nil {
		return
	}

	l.mu.Lock()
	subs := l.rooms[room.RoomID]
	delete(l.rooms, room.RoomID)
	l.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			l.logger.Debug("unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
}

func (l *natsLink) Close() error {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()

	l.nc.Close()
	l.lostOnce.Do(func() { close(l.lost) })
	return nil
}
