// Package typing debounces keystrokes into typing on/off signals for one room.
package typing

import (
	"sync"
	"time"

	"github.com/karthikraju391/go-chat-sync/models"
	"golang.org/x/time/rate"
)

const (
	DefaultIdle     = 1200 * time.Millisecond
	defaultInterval = 500 * time.Millisecond
)

// Emitter publishes fire-and-forget events. realtime.Connection implements it.
type Emitter interface {
	Emit(event string, payload any) bool
}

type timer interface {
	Stop() bool
}

type Signaler struct {
	emitter   Emitter
	roomID    string
	idle      time.Duration
	limiter   *rate.Limiter
	afterFunc func(time.Duration, func()) timer

	mu     sync.Mutex
	typing bool // last emitted state
	timer  timer
	gen    uint64
}

type Option func(*Signaler)

func WithIdle(d time.Duration) Option {
	return func(s *Signaler) {
		if d > 0 {
			s.idle = d
		}
	}
}

// WithLimiter replaces the rising-edge limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Signaler) {
		if l != nil {
			s.limiter = l
		}
	}
}

func New(emitter Emitter, roomID string, opts ...Option) *Signaler {
	s := &Signaler{
		emitter: emitter,
		roomID:  roomID,
		idle:    DefaultIdle,
		limiter: rate.NewLimiter(rate.Every(defaultInterval), 1),
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InputChanged signals typing on the rising edge and restarts the idle timer.
func (s *Signaler) InputChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.typing {
		if !s.limiter.Allow() {
			return
		}
		s.emit(true)
	}

	s.stopTimer()
	gen := s.gen
	s.timer = s.afterFunc(s.idle, func() { s.expire(gen) })
}

// Stop signals typing off if on was the last signal sent.
func (s *Signaler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimer()
	if s.typing {
		s.emit(false)
	}
}

// Typing reports the last emitted state.
func (s *Signaler) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

func (s *Signaler) expire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || !s.typing {
		return
	}
	s.timer = nil
	s.emit(false)
}

// stopTimer must be called with s.mu held. Bumping gen invalidates a timer
// that already fired and is waiting for the lock.
func (s *Signaler) stopTimer() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// emit records typing as the last state only when it reached the link, so a
// peer never gets an off without the matching on.
func (s *Signaler) emit(typing bool) {
	if s.emitter.Emit(models.EventTyping, models.TypingEvent{RoomID: s.roomID, IsTyping: typing}) {
		s.typing = typing
	}
}
