// Package outgoing runs the optimistic send path: the message shows up in the
// timeline at once, the REST send happens in the background, and the entry is
// then reconciled with the server copy or left visible as failed.
package outgoing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/karthikraju391/go-chat-sync/models"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownSend    = errors.New("unknown send")
	ErrSendInFlight   = errors.New("send still in flight")
	ErrClosed         = errors.New("coordinator closed")
)

// TempPrefix marks temporary ids.
const TempPrefix = "tmp-"

// Sender posts a message. rest_client.Client implements it.
type Sender interface {
	SendMessage(ctx context.Context, roomID string, req models.SendRequest) (*models.ChatMessage, error)
}

// Timeline is the optimistic overlay of history.Store.
type Timeline interface {
	InsertOptimistic(msg models.ChatMessage)
	Reconcile(tempID string, confirmed models.ChatMessage) bool
	MarkFailed(tempID string, cause error) error
	MarkSending(tempID string) error
	Discard(tempID string) error
}

// IdentityFunc resolves the id of the current user.
type IdentityFunc func(ctx context.Context) (string, error)

// Pending is the handle of one send attempt.
type Pending struct {
	TempID string
	RoomID string

	done chan struct{}
	msg  *models.ChatMessage
	err  error
}

func newPending(tempID, roomID string) *Pending {
	return &Pending{TempID: tempID, RoomID: roomID, done: make(chan struct{})}
}

func (p *Pending) finish(msg *models.ChatMessage, err error) {
	p.msg, p.err = msg, err
	close(p.done)
}

// Done is closed when the attempt has been reconciled or has failed.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the confirmed message or the send error. It must only be
// called after Done is closed.
func (p *Pending) Result() (*models.ChatMessage, error) {
	return p.msg, p.err
}

// Wait blocks until the attempt resolves or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*models.ChatMessage, error) {
	select {
	case <-p.done:
		return p.msg, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type send struct {
	roomID  string
	req     models.SendRequest
	pending *Pending
	failed  bool
}

type Coordinator struct {
	sender   Sender
	timeline Timeline
	identity IdentityFunc
	logger   *slog.Logger
	now      func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	sends      map[string]*send
	lastIssued time.Time
	closed     bool
}

type Option func(*Coordinator)

func WithIdentity(fn IdentityFunc) Option {
	return func(c *Coordinator) {
		c.identity = fn
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(sender Sender, timeline Timeline, opts ...Option) *Coordinator {
	base, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		sender:   sender,
		timeline: timeline,
		logger:   slog.Default(),
		now:      time.Now,
		base:     base,
		cancel:   cancel,
		sends:    make(map[string]*send),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "outgoing")
	return c
}

func validate(roomID string, req models.SendRequest) (models.SendRequest, error) {
	if strings.TrimSpace(roomID) == "" {
		return req, fmt.Errorf("%w: missing room", ErrInvalidMessage)
	}
	if req.Kind == "" {
		req.Kind = models.KindText
	}
	switch req.Kind {
	case models.KindText:
		if strings.TrimSpace(req.Content) == "" {
			return req, fmt.Errorf("%w: empty text", ErrInvalidMessage)
		}
	case models.KindImage:
		req.Content = strings.TrimSpace(req.Content)
		if req.Content == "" {
			return req, fmt.Errorf("%w: missing image reference", ErrInvalidMessage)
		}
	default:
		return req, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, req.Kind)
	}
	return req, nil
}

// Send validates the message, shows it optimistically and starts the REST send.
// ctx only scopes the identity lookup; the send itself runs until the REST
// client's timeout or Close.
func (c *Coordinator) Send(ctx context.Context, roomID string, req models.SendRequest) (*Pending, error) {
	req, err := validate(roomID, req)
	if err != nil {
		return nil, err
	}

	senderID := ""
	if c.identity != nil {
		if senderID, err = c.identity(ctx); err != nil {
			c.logger.Debug("sender identity unavailable", "error", err)
		}
	}

	tempID := TempPrefix + uuid.NewString()
	p := newPending(tempID, roomID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	// strictly increasing so entries keep issue order under (CreatedAt, ID)
	createdAt := c.now().UTC()
	if !createdAt.After(c.lastIssued) {
		createdAt = c.lastIssued.Add(time.Microsecond)
	}
	c.lastIssued = createdAt
	c.sends[tempID] = &send{roomID: roomID, req: req, pending: p}
	c.wg.Add(1)
	c.mu.Unlock()

	// change listeners run inside InsertOptimistic and must not hold up other sends
	c.timeline.InsertOptimistic(models.ChatMessage{
		TempID:    tempID,
		RoomID:    roomID,
		SenderID:  senderID,
		Kind:      req.Kind,
		Content:   req.Content,
		CreatedAt: createdAt,
	})

	go c.deliver(tempID, roomID, req, p)
	return p, nil
}

func (c *Coordinator) deliver(tempID, roomID string, req models.SendRequest, p *Pending) {
	defer c.wg.Done()

	msg, err := c.sender.SendMessage(c.base, roomID, req)
	if err != nil {
		c.mu.Lock()
		if s, ok := c.sends[tempID]; ok {
			s.failed = true
		}
		c.mu.Unlock()
		if markErr := c.timeline.MarkFailed(tempID, err); markErr != nil {
			c.logger.Debug("failed entry no longer visible", "tempID", tempID, "error", markErr)
		}
		c.logger.Warn("send failed", "roomID", roomID, "tempID", tempID, "error", err)
		p.finish(nil, err)
		return
	}

	c.mu.Lock()
	delete(c.sends, tempID)
	c.mu.Unlock()
	if !c.timeline.Reconcile(tempID, *msg) {
		c.logger.Debug("confirmed send no longer visible", "roomID", roomID, "tempID", tempID, "messageID", msg.ID)
	}
	p.finish(msg, nil)
}

// Retry re-sends a failed message under the same temporary id.
func (c *Coordinator) Retry(ctx context.Context, tempID string) (*Pending, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := c.sends[tempID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrUnknownSend
	}
	if !s.failed {
		p := s.pending
		c.mu.Unlock()
		return p, nil
	}
	if err := c.timeline.MarkSending(tempID); err != nil {
		delete(c.sends, tempID)
		c.mu.Unlock()
		return nil, fmt.Errorf("retry %s: %w", tempID, ErrUnknownSend)
	}
	s.failed = false
	s.pending = newPending(tempID, s.roomID)
	p := s.pending
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("retrying send", "roomID", s.roomID, "tempID", tempID)
	go c.deliver(tempID, s.roomID, s.req, p)
	return p, nil
}

// Discard drops a failed message.
func (c *Coordinator) Discard(tempID string) error {
	c.mu.Lock()
	s, ok := c.sends[tempID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownSend
	}
	if !s.failed {
		c.mu.Unlock()
		return ErrSendInFlight
	}
	delete(c.sends, tempID)
	c.mu.Unlock()

	if err := c.timeline.Discard(tempID); err != nil {
		c.logger.Debug("discarded entry no longer visible", "tempID", tempID, "error", err)
	}
	return nil
}

// Failed lists the temporary ids of failed sends in a room.
func (c *Coordinator) Failed(roomID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for tempID, s := range c.sends {
		if s.roomID == roomID && s.failed {
			out = append(out, tempID)
		}
	}
	sort.Strings(out)
	return out
}

// Close cancels sends in flight and waits for them to resolve.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}
