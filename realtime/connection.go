// Package realtime owns the single persistent connection to the chat backend.
//
// A Connection survives link loss: it reconnects with exponential backoff,
// fetches a new token for every attempt, replays room membership and keeps
// every registered handler across links. Handlers can be registered before
// Initialize is ever called.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/karthikraju391/go-chat-sync/auth"
	"github.com/karthikraju391/go-chat-sync/models"
)

// ErrClosed is returned by Initialize after Close.
var ErrClosed = errors.New("realtime connection closed")

// Handler receives the raw data of one frame.
type Handler func(data json.RawMessage)

type handlerEntry struct {
	id uint64
	fn Handler
}

type Connection struct {
	driver Driver
	logger *slog.Logger

	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	after      func(time.Duration) <-chan time.Time

	lifecycle sync.Mutex // serializes Initialize and Close
	cancel    context.CancelFunc
	loopDone  chan struct{}

	mu             sync.Mutex
	closed         bool
	state          models.ConnectionState
	link           Link
	nextID         uint64
	handlers       map[models.Channel][]handlerEntry
	rooms          map[string]struct{}
	stateListeners map[uint64]func(models.ConnectionState)
	reconnectFns   map[uint64]func()
	ready          chan struct{}
	everConnected  bool
}

type Option func(*Connection)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBackoff overrides the reconnect delays. Zero values keep the defaults.
func WithBackoff(base, max, resetAfter time.Duration) Option {
	return func(c *Connection) {
		if base > 0 {
			c.baseDelay = base
		}
		if max > 0 {
			c.maxDelay = max
		}
		if resetAfter > 0 {
			c.resetAfter = resetAfter
		}
	}
}

func New(driver Driver, opts ...Option) *Connection {
	c := &Connection{
		driver:         driver,
		logger:         slog.Default(),
		baseDelay:      defaultBaseDelay,
		maxDelay:       defaultMaxDelay,
		resetAfter:     defaultResetAfter,
		after:          time.After,
		state:          models.StateDisconnected,
		handlers:       make(map[models.Channel][]handlerEntry),
		rooms:          make(map[string]struct{}),
		stateListeners: make(map[uint64]func(models.ConnectionState)),
		reconnectFns:   make(map[uint64]func()),
		ready:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "realtime")
	return c
}

// Initialize tears down any running link and starts a new connect loop. The
// loop retries until Close or until ctx is cancelled.
func (c *Connection) Initialize(ctx context.Context, tokens auth.TokenProvider) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.stopLoop()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.loopDone = cancel, done
	go c.run(loopCtx, tokens, done)
	return nil
}

// Close stops the connect loop and drops the current link. Registered handlers
// are kept but will not fire again.
func (c *Connection) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.stopLoop()
	return nil
}

func (c *Connection) stopLoop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.loopDone
	c.cancel, c.loopDone = nil, nil
}

func (c *Connection) run(ctx context.Context, tokens auth.TokenProvider, done chan struct{}) {
	defer close(done)
	defer c.setState(models.StateDisconnected)

	bo := newBackoff(c.baseDelay, c.maxDelay, c.resetAfter)
	for {
		c.setState(models.StateConnecting)
		link, err := c.connect(ctx, tokens)
		if err == nil {
			bo.markConnected()
			c.serve(ctx, link)
		} else if ctx.Err() == nil {
			c.logger.Warn("realtime connect failed", "error", err, "attempt", bo.attempts()+1)
		}
		if ctx.Err() != nil {
			return
		}
		c.setState(models.StateDisconnected)

		delay := bo.next()
		c.logger.Info("realtime reconnect scheduled", "delay", delay, "attempt", bo.attempts())
		select {
		case <-ctx.Done():
			return
		case <-c.after(delay):
		}
	}
}

func (c *Connection) connect(ctx context.Context, tokens auth.TokenProvider) (Link, error) {
	token, err := tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	c.setState(models.StateAuthenticating)
	return c.driver.Dial(ctx, token)
}

// serve installs link, replays room membership and dispatches frames until the
// link is lost or ctx is done.
func (c *Connection) serve(ctx context.Context, link Link) {
	c.mu.Lock()
	c.link = link
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()
	sort.Strings(rooms)

	defer func() {
		c.mu.Lock()
		if c.link == link {
			c.link = nil
		}
		c.mu.Unlock()
		_ = link.Close()
	}()

	for _, room := range rooms {
		if err := emitJSON(link, models.EventJoin, models.RoomPayload{RoomID: room}); err != nil {
			c.logger.Warn("room join replay failed", "roomID", room, "error", err)
		}
	}
	c.setState(models.StateConnected)

	frames := link.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				c.logger.Warn("realtime link lost", "error", link.Err())
				return
			}
			c.dispatch(frame)
		}
	}
}

func (c *Connection) dispatch(frame Frame) {
	channel, ok := models.ParseChannel(frame.Event)
	if !ok {
		c.logger.Debug("dropping frame on unknown channel", "event", frame.Event)
		return
	}

	c.mu.Lock()
	entries := append([]handlerEntry(nil), c.handlers[channel]...)
	c.mu.Unlock()

	for _, entry := range entries {
		entry.fn(frame.Data)
	}
}

func (c *Connection) setState(state models.ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state

	var reconnected []func()
	if state == models.StateConnected {
		if c.everConnected {
			for _, fn := range c.reconnectFns {
				reconnected = append(reconnected, fn)
			}
		} else {
			c.everConnected = true
			close(c.ready)
		}
	}
	listeners := make([]func(models.ConnectionState), 0, len(c.stateListeners))
	for _, fn := range c.stateListeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	c.logger.Debug("realtime state changed", "state", state)
	for _, fn := range listeners {
		fn(state)
	}
	for _, fn := range reconnected {
		fn()
	}
}

// On registers fn for every frame on channel, across reconnects.
func (c *Connection) On(channel models.Channel, fn Handler) (off func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[channel] = append(c.handlers[channel], handlerEntry{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entries := c.handlers[channel]
			for i, entry := range entries {
				if entry.id == id {
					c.handlers[channel] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(c.handlers[channel]) == 0 {
				delete(c.handlers, channel)
			}
		})
	}
}

// OnStateChange registers fn for every state transition.
func (c *Connection) OnStateChange(fn func(models.ConnectionState)) (off func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.stateListeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateListeners, id)
		c.mu.Unlock()
	}
}

// OnReconnect registers fn for every connected transition after the first.
func (c *Connection) OnReconnect(fn func()) (off func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.reconnectFns[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.reconnectFns, id)
		c.mu.Unlock()
	}
}

func (c *Connection) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready is closed the first time the connection reaches StateConnected.
func (c *Connection) Ready() <-chan struct{} {
	return c.ready
}

// JoinRoom records roomID as desired membership and announces it when a link
// is up. Repeated joins are no-ops.
func (c *Connection) JoinRoom(roomID string) {
	c.mu.Lock()
	if _, ok := c.rooms[roomID]; ok {
		c.mu.Unlock()
		return
	}
	c.rooms[roomID] = struct{}{}
	link := c.link
	c.mu.Unlock()

	if link == nil {
		return
	}
	if err := emitJSON(link, models.EventJoin, models.RoomPayload{RoomID: roomID}); err != nil {
		c.logger.Warn("room join failed", "roomID", roomID, "error", err)
	}
}

// LeaveRoom drops roomID from the desired membership.
func (c *Connection) LeaveRoom(roomID string) {
	c.mu.Lock()
	if _, ok := c.rooms[roomID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.rooms, roomID)
	link := c.link
	c.mu.Unlock()

	if link == nil {
		return
	}
	if err := emitJSON(link, models.EventLeave, models.RoomPayload{RoomID: roomID}); err != nil {
		c.logger.Warn("room leave failed", "roomID", roomID, "error", err)
	}
}

// Rooms returns the desired room membership, sorted.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()
	sort.Strings(rooms)
	return rooms
}

// Emit publishes a fire-and-forget event. It reports false when there is no
// connected link or the write fails.
func (c *Connection) Emit(event string, payload any) bool {
	c.mu.Lock()
	link := c.link
	connected := c.state == models.StateConnected
	c.mu.Unlock()

	if link == nil || !connected {
		c.logger.Debug("emit dropped while disconnected", "event", event)
		return false
	}
	if err := emitJSON(link, event, payload); err != nil {
		c.logger.Warn("emit failed", "event", event, "error", err)
		return false
	}
	return true
}

func emitJSON(link Link, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return link.Emit(event, data)
}
