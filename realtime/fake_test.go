package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	frames chan Frame

	mu      sync.Mutex
	emitted []Frame
	closed  bool
	err     error
	lost    bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{frames: make(chan Frame, 16)}
}

func (l *fakeLink) Frames() <-chan Frame { return l.frames }

func (l *fakeLink) Emit(event string, data json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.lost {
		return errors.New("link closed")
	}
	l.emitted = append(l.emitted, Frame{Event: event, Data: data})
	return nil
}

func (l *fakeLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// push delivers an inbound frame.
func (l *fakeLink) push(event string, data string) {
	l.frames <- Frame{Event: event, Data: json.RawMessage(data)}
}

// drop simulates the remote side going away.
func (l *fakeLink) drop() {
	l.mu.Lock()
	l.lost = true
	l.err = errors.New("connection reset")
	l.mu.Unlock()
	close(l.frames)
}

func (l *fakeLink) events() []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Frame(nil), l.emitted...)
}

type fakeDriver struct {
	mu       sync.Mutex
	tokens   []string
	failures int
	links    chan *fakeLink
}

func newFakeDriver(failures int) *fakeDriver {
	return &fakeDriver{failures: failures, links: make(chan *fakeLink, 8)}
}

func (d *fakeDriver) Dial(ctx context.Context, token string) (Link, error) {
	d.mu.Lock()
	d.tokens = append(d.tokens, token)
	if d.failures > 0 {
		d.failures--
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	d.mu.Unlock()

	l := newFakeLink()
	d.links <- l
	return l, nil
}

func (d *fakeDriver) dialTokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

func (d *fakeDriver) nextLink(t *testing.T) *fakeLink {
	t.Helper()
	select {
	case l := <-d.links:
		return l
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no link dialed")
		return nil
	}
}
