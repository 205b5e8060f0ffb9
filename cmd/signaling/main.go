// Command signaling runs the OpenTalk signaling runtime: the WebSocket
// upgrade surface, the per-connection runners, and their shared volatile
// storage and exchange backends.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opentalkeu/signaling-runtime/internal/collaborators"
	"github.com/opentalkeu/signaling-runtime/internal/config"
	"github.com/opentalkeu/signaling-runtime/internal/exchange"
	"github.com/opentalkeu/signaling-runtime/internal/httpapi"
	"github.com/opentalkeu/signaling-runtime/internal/logging"
	"github.com/opentalkeu/signaling-runtime/internal/moduleapi"
	"github.com/opentalkeu/signaling-runtime/internal/modules/breakout"
	"github.com/opentalkeu/signaling-runtime/internal/modules/control"
	"github.com/opentalkeu/signaling-runtime/internal/modules/moderation"
	"github.com/opentalkeu/signaling-runtime/internal/ratelimit"
	"github.com/opentalkeu/signaling-runtime/internal/runner"
	"github.com/opentalkeu/signaling-runtime/internal/storage"
	"github.com/opentalkeu/signaling-runtime/internal/tracing"
)

func main() {
	ctx := context.Background()

	config.LoadDotEnv()
	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Initialize(true)
		logging.Error(ctx, "configuration invalid", "err", err)
		os.Exit(1)
	}

	logging.Initialize(cfg.DevelopmentMode)

	if cfg.OTELCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "opentalk-signaling", cfg.OTELCollectorAddr)
		if err != nil {
			logging.Error(ctx, "tracing init failed, continuing without", "err", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// Backend selection: Redis for clustered deployments, in-process
	// memory otherwise. Both sides (storage and exchange) switch together;
	// mixing them would split the source of truth.
	var (
		store       storage.Storage
		exch        exchange.Exchange
		redisClient *redis.Client
	)
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logging.Error(ctx, "redis unreachable", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}
		store = storage.NewRedis(redisClient)
		bridge := exchange.NewRedisBridge(redisClient)
		defer bridge.Close()
		exch = bridge
		logging.Info(ctx, "using redis backends", "addr", cfg.RedisAddr)
	} else {
		store = storage.NewMemory()
		exch = exchange.NewLocal()
		logging.Info(ctx, "using in-process backends")
	}

	tickets := storage.NewTickets(store)
	controlStore := control.NewStorage(store)
	moderationStore := moderation.NewStorage(store)
	breakoutStore := breakout.NewStorage(store)

	runnerDeps := runner.Deps{
		Storage:      store,
		Exchange:     exch,
		Tickets:      tickets,
		ControlStore: controlStore,
		Moderation:   moderationStore,
		Modules: []*moduleapi.Module{
			control.Module(controlStore, cfg.AllowCustomDisplayNames, moderationStore.IsRaiseHandsEnabled),
			moderation.Module(moderationStore, controlStore.GetControlState),
			breakout.Module(breakoutStore, controlStore.GetControlState),
		},
		AllowCustomDisplayNames: cfg.AllowCustomDisplayNames,
		PingInterval:            cfg.PingInterval,
		PongTimeout:             cfg.PongTimeout,
		ProtocolViolationLimit:  cfg.ProtocolViolationLimit,
		ProtocolViolationWindow: cfg.ProtocolViolationWindow,
	}

	var validator httpapi.TokenValidator
	if cfg.OIDCDomain != "" {
		authority, err := collaborators.NewAuthority(ctx, cfg.OIDCDomain, cfg.OIDCAudience)
		if err != nil {
			logging.Error(ctx, "authority init failed", "err", err)
			os.Exit(1)
		}
		validator = authority
		logging.Info(ctx, "authority initialized", "domain", cfg.OIDCDomain)
	} else {
		logging.Warn(ctx, "no OIDC domain configured, admitting guests only")
	}

	limiter, err := ratelimit.New(cfg.RateLimitTicketIssue, cfg.RateLimitWsUpgrade, redisClient)
	if err != nil {
		logging.Error(ctx, "rate limiter init failed", "err", err)
		os.Exit(1)
	}

	inventory := collaborators.NewFakeInventory()
	inventory.AllowUnknownRooms = true

	server := &httpapi.Server{
		Cfg:        cfg,
		Validator:  validator,
		Inventory:  inventory,
		Tickets:    tickets,
		Moderation: moderationStore,
		RunnerDeps: runnerDeps,
		Limiter:    limiter,
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}

	go func() {
		logging.Info(ctx, "signaling server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	// Runners get 5 seconds to finish their current event before the
	// sockets are force-closed.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "forced shutdown", "err", err)
	}

	logging.Info(ctx, "server exited")
}
