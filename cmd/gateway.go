package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"

	"github.com/voxhub/relay/internal/adapters/discord"
	"github.com/voxhub/relay/internal/adapters/telegram"
	"github.com/voxhub/relay/internal/adapters/web"
	"github.com/voxhub/relay/internal/adapters/whatsapp"
	"github.com/voxhub/relay/internal/approval"
	"github.com/voxhub/relay/internal/brain"
	"github.com/voxhub/relay/internal/config"
	"github.com/voxhub/relay/internal/gateway"
	"github.com/voxhub/relay/internal/identity"
	"github.com/voxhub/relay/internal/registry"
	"github.com/voxhub/relay/internal/routing"
	"github.com/voxhub/relay/internal/tracing"
	"github.com/voxhub/relay/internal/webhook"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		slog.Error("tracing init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	store := buildStore(cfg)
	brainClient := brain.NewHTTPClient(cfg.Brain.BaseURL, cfg.Brain.Token)

	reg := registry.New(brainClient, store)
	broker := approval.New(brainClient, reg)
	reg.SetRouter(routing.New(store, reg))
	reg.SetApprovalBroker(broker)
	if dispatcher := webhook.New(cfg.Webhooks); dispatcher != nil {
		reg.SetEventSink(dispatcher)
		defer dispatcher.Close()
	}

	server := gateway.NewServer(cfg, reg)

	if err := registerAdapters(ctx, cfg, reg, store, broker, server); err != nil {
		slog.Error("adapter registration failed", "error", err)
		os.Exit(1)
	}

	go watchConfig(ctx, cfgPath, func() {
		newCfg, err := config.Load(cfgPath)
		if err != nil {
			slog.Warn("config reload failed", "error", err)
			return
		}
		if err := newCfg.Validate(); err != nil {
			slog.Warn("reloaded config invalid, keeping current", "error", err)
			return
		}
		slog.Info("config changed, re-registering adapters")
		if err := registerAdapters(ctx, newCfg, reg, store, broker, server); err != nil {
			slog.Error("adapter re-registration failed", "error", err)
		}
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(ctx) }()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			slog.Error("gateway server failed", "error", err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := reg.Shutdown(shutCtx); err != nil {
		slog.Warn("registry shutdown incomplete", "error", err)
	}
}

// buildStore selects Redis when configured, the in-memory store otherwise.
func buildStore(cfg *config.Config) *identity.Store {
	var kv identity.KV
	if cfg.Redis.Addr != "" {
		kv = identity.NewRedisKV(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
		slog.Info("using redis state store", "addr", cfg.Redis.Addr)
	} else {
		kv = identity.NewMemoryKV()
		slog.Info("using in-memory state store")
	}
	return identity.NewStore(kv, cfg.Dedup.TTL)
}

// registerAdapters builds and registers every enabled adapter. Registration
// replaces any previous adapter for the channel, so this doubles as the
// reload path.
func registerAdapters(ctx context.Context, cfg *config.Config, reg *registry.Registry, store *identity.Store, broker *approval.Broker, server *gateway.Server) error {
	resolve := broker.Resolve

	if cfg.Channels.Web.Enabled {
		a := web.New(cfg.Channels.Web, store, cfg.Server.AllowedOrigins)
		if err := reg.Register(ctx, a); err != nil {
			return err
		}
		server.SetWebSocketHandler(a.HandleWS)
	}

	if cfg.Channels.Telegram.Enabled {
		a, err := telegram.New(cfg.Channels.Telegram, store)
		if err != nil {
			return err
		}
		a.SetApprovalResolver(resolve)
		if err := reg.Register(ctx, a); err != nil {
			return err
		}
		if cfg.Channels.Telegram.Mode == "webhook" {
			server.SetTelegramWebhook(a.HandleWebhook)
		}
	}

	if cfg.Channels.Discord.Enabled {
		a, err := discord.New(cfg.Channels.Discord, store)
		if err != nil {
			return err
		}
		a.SetApprovalResolver(resolve)
		if err := reg.Register(ctx, a); err != nil {
			return err
		}
	}

	if cfg.Channels.WhatsApp.Enabled {
		a := whatsapp.New(cfg.Channels.WhatsApp, store)
		if err := reg.Register(ctx, a); err != nil {
			return err
		}
		server.SetTwilioWebhook(a.HandleWebhook)
	}

	if len(reg.Statuses()) == 0 {
		slog.Warn("no channels enabled; gateway serves /health only")
	}
	return nil
}

// watchConfig fires onChange when the config file is rewritten. Editors and
// orchestrators replace rather than write in place, so re-add after every
// event and debounce briefly.
func watchConfig(ctx context.Context, path string, onChange func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		slog.Debug("config file not watchable", "path", path, "error", err)
		return
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			watcher.Add(path)
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, onChange)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
