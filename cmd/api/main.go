package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"modmail/api/internal/app"
	"modmail/api/internal/cache"
	"modmail/api/internal/config"
	"modmail/api/internal/relay"
	"modmail/api/internal/render"
	"modmail/api/internal/store"
	"modmail/api/internal/surface"
	"modmail/api/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "modmail-api").Logger()

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("Migrations failed")
	}

	dataStore := store.NewPostgresStore(db)
	metrics := telemetry.New(prometheus.DefaultRegisterer)

	mm := surface.NewMattermost(cfg.MattermostURL, cfg.MattermostToken, cfg.BotUserID, cfg.AckDismissAfter, logger)
	commands := surface.NewCommandRegistry(mm.Client(), cfg.CommandCallbackURL, logger)

	renderer := render.New(cfg.MaxContentLength)
	engine := relay.NewEngine(dataStore, mm, mm, mm, renderer, metrics, logger)

	service := app.New(cfg, dataStore, engine, commands, metrics, logger)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		snippets, err := cache.NewSnippetCache(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Redis connection failed")
		}
		defer snippets.Close()
		service = service.WithSnippetCache(snippets)
		logger.Info().Msg("Snippet cache enabled")
	}

	httpServer := app.NewHTTPServer(service, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Modmail API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
	}
}
