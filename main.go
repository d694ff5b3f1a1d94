package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/karthikraju391/go-chat-sync/assistant"
	"github.com/karthikraju391/go-chat-sync/auth"
	"github.com/karthikraju391/go-chat-sync/chatlist"
	"github.com/karthikraju391/go-chat-sync/config"
	"github.com/karthikraju391/go-chat-sync/handlers"
	"github.com/karthikraju391/go-chat-sync/history"
	"github.com/karthikraju391/go-chat-sync/models"
	"github.com/karthikraju391/go-chat-sync/offline"
	"github.com/karthikraju391/go-chat-sync/outgoing"
	"github.com/karthikraju391/go-chat-sync/realtime"
	"github.com/karthikraju391/go-chat-sync/rest_client"
	"github.com/karthikraju391/go-chat-sync/router"

	// registers the nats:// and tls:// realtime drivers
	_ "github.com/karthikraju391/go-chat-sync/nats_service"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	transport, err := cfg.Transport()
	if err != nil {
		logger.Error("Invalid endpoint configuration", "error", err)
		os.Exit(1)
	}
	tokens := auth.FromEnv("CHAT_TOKEN")
	logTokenExpiry(logger, cfg.Token)

	// --- Snapshot ---
	var snapshot *offline.Store
	if cfg.OfflineDBPath != "" {
		snapshot, err = offline.Open(cfg.OfflineDBPath, logger)
		if err != nil {
			logger.Error("Failed to open offline snapshot", "error", err)
			os.Exit(1)
		}
	}

	// --- Transports ---
	rest := rest_client.New(transport.RestBaseURL, tokens,
		rest_client.WithTimeout(cfg.RestTimeout),
		rest_client.WithLogger(logger),
	)
	assistantRest := rest
	if transport.AssistantBaseURL != transport.RestBaseURL {
		assistantRest = rest_client.New(transport.AssistantBaseURL, tokens,
			rest_client.WithTimeout(cfg.RestTimeout),
			rest_client.WithLogger(logger),
		)
	}

	driver, err := realtime.DriverFor(transport.RealtimeURL, logger)
	if err != nil {
		logger.Error("Unsupported realtime endpoint", "url", transport.RealtimeURL, "error", err)
		os.Exit(1)
	}
	conn := realtime.New(driver, realtime.WithLogger(logger))
	conn.OnStateChange(func(state models.ConnectionState) {
		logger.Info("Realtime connection state changed", "state", state)
	})

	// --- Core ---
	storeOpts := []history.Option{history.WithLogger(logger)}
	listOpts := []chatlist.Option{chatlist.WithLogger(logger)}
	if snapshot != nil {
		storeOpts = append(storeOpts, history.WithSnapshotter(snapshot))
		listOpts = append(listOpts, chatlist.WithMirror(snapshot))
	}
	store := history.New(rest, storeOpts...)
	feed := router.New(conn, logger)
	outbox := outgoing.New(rest, store,
		outgoing.WithLogger(logger),
		outgoing.WithIdentity(func(ctx context.Context) (string, error) {
			return auth.Identity(ctx, cfg.UserID, tokens)
		}),
	)
	synchronizer := chatlist.NewSynchronizer(conn)
	list := chatlist.NewList(rest, listOpts...)
	detachList := list.Attach(synchronizer)

	bridge := handlers.NewBridge(handlers.Deps{
		Connection: conn,
		Feed:       feed,
		Timelines:  store,
		Outbox:     outbox,
		ChatList:   list,
		Stale:      synchronizer,
		Rooms:      rest,
		Assistant:  assistant.New(assistantRest, logger),
		PageLimit:  cfg.PageLimit,
		TypingIdle: cfg.TypingIdle,
	}, logger)

	conn.OnReconnect(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RestTimeout)
		defer cancel()
		bridge.RefreshOpenRooms(ctx)
		if _, err := list.Refresh(ctx); err != nil {
			logger.Warn("Chat list refresh after reconnect failed", "error", err)
		}
	})

	// --- Start ---
	if err := list.Warm(context.Background()); err != nil {
		logger.Warn("Failed to warm chat list from snapshot", "error", err)
	}
	if err := conn.Initialize(context.Background(), tokens); err != nil {
		logger.Error("Failed to start realtime connection", "error", err)
		os.Exit(1)
	}
	logger.Info("Realtime connection started", "url", transport.RealtimeURL)

	app := handlers.NewApp(bridge)
	go func() {
		logger.Info("Starting bridge", "addr", cfg.BridgeAddr, "env", cfg.AppEnv)
		if err := app.Listen(cfg.BridgeAddr); err != nil {
			logger.Error("Bridge failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// --- Graceful Shutdown ---
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"bridge": func(ctx context.Context) error {
				logger.Info("Shutting down bridge...")
				err := app.ShutdownWithContext(ctx)
				bridge.Close()
				return err
			},
			"sync": func(ctx context.Context) error {
				detachList()
				outbox.Close()
				if err := conn.Close(); err != nil {
					return err
				}
				if snapshot != nil {
					return snapshot.Close()
				}
				return nil
			},
		},
	)

	exitCode := <-wait
	logger.Info("Application exited", "code", exitCode)
	os.Exit(exitCode)
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func logTokenExpiry(logger *slog.Logger, token string) {
	if token == "" {
		logger.Warn("CHAT_TOKEN is empty, requests will be unauthenticated")
		return
	}
	exp, err := auth.ExpiresAt(token)
	if err != nil {
		logger.Debug("CHAT_TOKEN is not a JWT", "error", err)
		return
	}
	if !exp.IsZero() {
		logger.Info("Using CHAT_TOKEN", "expiresAt", exp, "expiresIn", time.Until(exp).Round(time.Second))
	}
}
