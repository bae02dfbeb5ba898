package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/plexigate/plexigate/internal/api"
	"github.com/plexigate/plexigate/internal/circuitbreaker"
	"github.com/plexigate/plexigate/internal/config"
	"github.com/plexigate/plexigate/internal/conversation"
	"github.com/plexigate/plexigate/internal/metrics"
	"github.com/plexigate/plexigate/internal/ratelimit"
	"github.com/plexigate/plexigate/internal/registry"
	"github.com/plexigate/plexigate/internal/telemetry"
	"github.com/plexigate/plexigate/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting plexigate", "addr", cfg.Addr, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "plexigate", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	client := upstream.NewPerplexity(cfg.SessionToken, "")

	reg := registry.New(client)
	refreshCtx, refreshCancel := context.WithTimeout(ctx, 15*time.Second)
	if count, err := reg.Refresh(refreshCtx); err != nil {
		slog.Warn("initial model refresh failed, serving defaults", "error", err)
	} else {
		slog.Info("model registry loaded", "models", count)
	}
	refreshCancel()

	var limiter ratelimit.Limiter
	switch {
	case !cfg.RateLimitEnabled:
		limiter = ratelimit.NewNoop()
		slog.Info("rate limiting disabled")
	case cfg.RedisURL != "":
		redisLimiter, err := ratelimit.NewRedis(cfg.RedisURL, cfg.RequestsPerWindow, cfg.RateLimitWindow)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisLimiter.Close()
		limiter = redisLimiter
		slog.Info("using redis rate limiter", "limit", cfg.RequestsPerWindow, "window", cfg.RateLimitWindow)
	default:
		limiter = ratelimit.NewFixedWindow(cfg.RequestsPerWindow, cfg.RateLimitWindow)
		slog.Info("using in-memory rate limiter", "limit", cfg.RequestsPerWindow, "window", cfg.RateLimitWindow)
	}

	store := conversation.NewStore(cfg.ConversationTimeout, cfg.MaxConversations)
	go runEviction(ctx, store, cfg.EvictionInterval)

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())

	handler := api.NewHandler(api.HandlerConfig{
		Registry:        reg,
		Store:           store,
		Upstream:        client,
		Limiter:         limiter,
		Breaker:         breaker,
		APIKey:          cfg.APIKey,
		DefaultModel:    cfg.DefaultModel,
		UpstreamTimeout: cfg.UpstreamTimeout,
	})

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No write timeout: streaming responses run as long as the upstream
		// keeps answering.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

// runEviction sweeps idle conversations until ctx is canceled.
func runEviction(ctx context.Context, store *conversation.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := store.EvictIdle(time.Now()); n > 0 {
				metrics.RecordEvictions(n)
				slog.Info("evicted idle conversations", "count", n)
			}
			metrics.SetActiveConversations(store.Len())
		case <-ctx.Done():
			return
		}
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
