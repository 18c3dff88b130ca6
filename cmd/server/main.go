package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crewchat/calls/internal/adapter/driven/gateway/ws"
	memstore "github.com/crewchat/calls/internal/adapter/driven/store/memory"
	redisstore "github.com/crewchat/calls/internal/adapter/driven/store/redis"
	handler "github.com/crewchat/calls/internal/adapter/driving/http"
	"github.com/crewchat/calls/internal/config"
	"github.com/crewchat/calls/internal/core/port"
	"github.com/crewchat/calls/internal/core/service"
	"github.com/rs/zerolog"
)

func main() {
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Caller().Logger()

	if err := config.LoadEnv(); err != nil {
		l.Fatal().Err(err).Msg("Failed to load env file")
	}
	cfg, err := config.New[config.Server]()
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to parse config")
	}

	var repo port.CallRepository
	if cfg.RedisAddr != "" {
		store, err := redisstore.Open(context.Background(), redisstore.Config{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			l.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer store.Close()
		repo = store
		l.Info().Str("addr", cfg.RedisAddr).Msg("Using redis call store")
	} else {
		repo = memstore.NewCallRepository()
		l.Warn().Msg("REDIS_ADDR not set, using in-memory call store")
	}

	hub := ws.NewHub()
	sessions := service.NewSessionService(repo, hub, service.SessionConfig{
		RingTTL:         cfg.RingTTL,
		ActiveTTL:       cfg.ActiveTTL,
		DisconnectGrace: cfg.DisconnectGrace,
	})
	h := handler.NewHandler(sessions, hub)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: h.NewRouter(),
	}

	go func() {
		l.Info().Str("addr", cfg.Addr).Msg("Starting signaling server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	sessions.Close()
	hub.Stop()
	l.Info().Msg("Server exited")
}
