package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/gerychhh/germify/internal/api"
	"github.com/gerychhh/germify/internal/api/middleware"
	"github.com/gerychhh/germify/internal/auth"
	"github.com/gerychhh/germify/internal/broker"
	"github.com/gerychhh/germify/internal/chat"
	"github.com/gerychhh/germify/internal/config"
	"github.com/gerychhh/germify/internal/handlers"
	"github.com/gerychhh/germify/internal/notify"
	"github.com/gerychhh/germify/internal/registry"
	"github.com/gerychhh/germify/internal/store"
	"github.com/gerychhh/germify/internal/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the chat store: PostgreSQL when configured, SQLite otherwise
	var chatStore store.ChatStore
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")

		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		chatStore = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		chatStore = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite store")
	}
	defer chatStore.Close()

	// Initialize the broker: Redis pub/sub across nodes, in-memory for a single process
	var (
		b           broker.Broker
		redisBroker *broker.RedisBroker
		redisPinger handlers.Pinger
		opts        api.Options
	)
	if cfg.RedisURL != "" {
		var err error
		redisBroker, err = broker.NewRedisBroker(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		b = redisBroker
		redisPinger = redisBroker
		opts.RedisClient = redisBroker.Client()
		logger.Info().Msg("connected to Redis")
	} else {
		b = broker.NewMemoryBroker()
		logger.Warn().Msg("REDIS_URL not set, notifications stay in this process")
	}
	defer b.Close()

	reg := registry.New(logger)
	relay := notify.NewRelay(b, reg, logger)
	if err := relay.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("relay subscribe failed")
	}

	renderer := notify.JSONRenderer{}
	dispatcher := notify.NewDispatcher(chatStore, renderer, notify.NewBrokerDeliverer(b), cfg.InboxURL, logger)
	chatService := chat.NewService(chatStore, dispatcher, logger)

	if _, err := chatService.RepairOwnerRoles(ctx); err != nil {
		logger.Fatal().Err(err).Msg("owner role repair failed")
	}

	authn := auth.New(cfg.JWTSecret)

	wsOpts := ws.DefaultOptions()
	wsOpts.AllowedOrigins = cfg.AllowedOrigins
	notifications := ws.NewHandler(authn, chatService, reg, wsOpts, logger)

	h := handlers.NewHandler(handlers.Deps{
		Chat:     chatService,
		Renderer: renderer,
		Store:    chatStore,
		Redis:    redisPinger,
		Conns:    reg,
		NodeID:   b.NodeID(),
		InboxURL: cfg.InboxURL,
		Logger:   logger,
	})
	authMW := middleware.NewAuthMiddleware(authn, chatService, logger)

	opts.AllowedOrigins = cfg.AllowedOrigins
	opts.RateLimit = middleware.RateLimiterConfig{
		Whitelist:        cfg.RateLimitWhitelist,
		AutoBlockEnabled: cfg.AutoBlockEnabled,
	}

	// Create router
	router := api.NewRouter(logger, h, authMW, notifications, opts)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("node", b.NodeID()).
			Msg("starting germify chat server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	// Hijacked sockets are not tracked by Shutdown.
	reg.CloseAll()
	cancel()
	relay.Wait()

	logger.Info().Msg("server stopped")
}
