package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"knowledgehub/internal/api"
	"knowledgehub/internal/auth"
	"knowledgehub/internal/config"
	"knowledgehub/internal/db"
	"knowledgehub/internal/repository"
	"knowledgehub/internal/services"
	"knowledgehub/internal/services/collaboration"
	"knowledgehub/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	log.Info().Msg("starting knowledgehub collaboration server")

	// Tracing goes up first so everything downstream is instrumented.
	jaegerShutdown, err := telemetry.InitJaeger("knowledgehub", cfg.JaegerEndpoint)
	if err != nil {
		log.Warn().Err(err).Msg("jaeger init failed, continuing without tracing")
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("jaeger shutdown failed")
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	sessionRepo := repository.NewSessionRepository(database.DB)
	commentRepo := repository.NewCommentRepository(database.DB)
	userRepo := repository.NewUserRepository(database.DB)

	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)

	// Real-time plumbing. The hub owns connections, the registry owns
	// presence, the gateway ties them to session state.
	hub := collaboration.NewHub(log)
	registry := collaboration.NewPresenceRegistry()
	recorder := services.NewChangeRecorder(sessionRepo, cfg.RecorderWorkers, cfg.RecorderQueueSize, log)
	recorder.Start()
	gateway := collaboration.NewGateway(sessionRepo, userRepo, registry, hub, recorder, log)
	wsHandler := collaboration.NewWebSocketHandler(gateway, hub, tokens, log)

	commentSvc := services.NewCommentService(commentRepo, sessionRepo, userRepo, hub, log)

	handler := api.NewHandler(sessionRepo, commentSvc, userRepo, tokens, hub, wsHandler)
	router := api.SetupRoutes(handler, tokens)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("server forced to shutdown")
	}

	// Close live connections before draining the recorder so no new
	// change jobs arrive while it flushes.
	hub.Shutdown()
	recorder.Shutdown()

	log.Info().Msg("shutdown complete")
}
