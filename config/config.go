package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Websocket tuning shared by the realtime driver and the local bridge.
const (
	WriteWait      = 10 * time.Second    // Time allowed to write a frame
	PongWait       = 60 * time.Second    // Time allowed to read the next pong
	PingPeriod     = (PongWait * 9) / 10 // Must be less than PongWait
	MaxMessageSize = 64 * 1024           // Maximum inbound frame size
)

const (
	defaultBackendURL = "http://localhost:3000"
	defaultBridgeAddr = "127.0.0.1:8787"
	defaultPageLimit  = 30
	maxPageLimit      = 100
)

type Config struct {
	AppEnv           string
	BackendURL       string
	RestBaseURL      string
	RealtimeURL      string
	AssistantBaseURL string
	Token            string
	UserID           string
	BridgeAddr       string
	OfflineDBPath    string
	LogLevel         string
	LogFormat        string
	RestTimeout      time.Duration
	TypingIdle       time.Duration
	PageLimit        int
}

// TransportConfig holds the resolved endpoint base URLs.
type TransportConfig struct {
	RestBaseURL      string
	RealtimeURL      string
	AssistantBaseURL string
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found")
	}

	pageLimit := getEnvInt("PAGE_LIMIT", defaultPageLimit)
	if pageLimit <= 0 {
		pageLimit = defaultPageLimit
	}
	if pageLimit > maxPageLimit {
		pageLimit = maxPageLimit
	}

	cfg := &Config{
		AppEnv:           normalizeEnv(getEnv("APP_ENV", "development")),
		BackendURL:       getEnv("BACKEND_URL", defaultBackendURL),
		RestBaseURL:      getEnv("REST_BASE_URL", ""),
		RealtimeURL:      getEnv("REALTIME_URL", ""),
		AssistantBaseURL: getEnv("ASSISTANT_BASE_URL", ""),
		Token:            getEnv("CHAT_TOKEN", ""),
		UserID:           getEnv("CHAT_USER_ID", ""),
		BridgeAddr:       getEnv("BRIDGE_ADDR", defaultBridgeAddr),
		OfflineDBPath:    getEnv("OFFLINE_DB_PATH", ""),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", "text")),
		RestTimeout:      getEnvDuration("REST_TIMEOUT", 15*time.Second),
		TypingIdle:       time.Duration(getEnvInt("TYPING_IDLE_MS", 1200)) * time.Millisecond,
		PageLimit:        pageLimit,
	}

	if _, err := cfg.Transport(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Transport resolves the endpoint base URLs, applying the fallbacks derived
// from BackendURL for every value left unset.
func (c *Config) Transport() (TransportConfig, error) {
	return ResolveTransport(c.BackendURL, c.RestBaseURL, c.RealtimeURL, c.AssistantBaseURL)
}

// ResolveTransport derives unset endpoints from backend:
//
//	rest      = backend + "/api"
//	realtime  = backend with http->ws, https->wss and path "/ws"
//	assistant = rest
func ResolveTransport(backend, rest, realtime, assistant string) (TransportConfig, error) {
	backend = strings.TrimRight(strings.TrimSpace(backend), "/")
	if backend == "" {
		backend = defaultBackendURL
	}
	base, err := parseBaseURL("BACKEND_URL", backend)
	if err != nil {
		return TransportConfig{}, err
	}

	rest = strings.TrimRight(strings.TrimSpace(rest), "/")
	if rest == "" {
		rest = backend + "/api"
	}
	if _, err := parseBaseURL("REST_BASE_URL", rest); err != nil {
		return TransportConfig{}, err
	}

	realtime = strings.TrimRight(strings.TrimSpace(realtime), "/")
	if realtime == "" {
		ws := *base
		switch ws.Scheme {
		case "http":
			ws.Scheme = "ws"
		case "https":
			ws.Scheme = "wss"
		}
		ws.Path = strings.TrimRight(ws.Path, "/") + "/ws"
		realtime = ws.String()
	}
	if _, err := parseBaseURL("REALTIME_URL", realtime); err != nil {
		return TransportConfig{}, err
	}

	assistant = strings.TrimRight(strings.TrimSpace(assistant), "/")
	if assistant == "" {
		assistant = rest
	}
	if _, err := parseBaseURL("ASSISTANT_BASE_URL", assistant); err != nil {
		return TransportConfig{}, err
	}

	return TransportConfig{
		RestBaseURL:      rest,
		RealtimeURL:      realtime,
		AssistantBaseURL: assistant,
	}, nil
}

func parseBaseURL(key, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s must be an absolute url, got %q", key, raw)
	}
	return u, nil
}

// SlogLevel maps LOG_LEVEL onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}
