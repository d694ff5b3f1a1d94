package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
)

// Frame is one inbound realtime event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Link is one established transport session. Frames are delivered on a single
// channel in transport order; the channel is closed when the link is lost.
type Link interface {
	Frames() <-chan Frame
	Emit(event string, data json.RawMessage) error
	// Err reports why Frames was closed. It is nil after a local Close.
	Err() error
	Close() error
}

// Driver opens links. Dial is called once per connect attempt with a freshly
// fetched token.
type Driver interface {
	Dial(ctx context.Context, token string) (Link, error)
}

// DriverFactory builds a driver for a non-websocket scheme.
type DriverFactory func(rawURL string, logger *slog.Logger) (Driver, error)

var factories = map[string]DriverFactory{}

// RegisterDriver makes a driver available for the given URL schemes.
func RegisterDriver(factory DriverFactory, schemes ...string) {
	for _, scheme := range schemes {
		factories[scheme] = factory
	}
}

// DriverFor picks the driver matching the scheme of rawURL. ws, wss, http and
// https always resolve to the websocket driver.
func DriverFor(rawURL string, logger *slog.Logger) (Driver, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
		return NewWebSocketDriver(rawURL, logger), nil
	}
	if factory, ok := factories[u.Scheme]; ok {
		return factory(rawURL, logger)
	}
	return nil, fmt.Errorf("no realtime driver for scheme %q", u.Scheme)
}
