package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flakestry/flakestry/internal/auth"
	"github.com/flakestry/flakestry/internal/common"
	"github.com/flakestry/flakestry/internal/forge"
	"github.com/flakestry/flakestry/internal/registry"
	"github.com/flakestry/flakestry/internal/search"
	"github.com/flakestry/flakestry/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg := config.LoadFromEnv()

	// Setup logging
	setupLogging(cfg.Logging)

	log.Info().Msg("starting flakestry API gateway")

	// Initialize database
	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Initialize the optional response cache
	var cache *common.Cache
	if cfg.Redis.Host != "" {
		cache, err = common.NewCache(&cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer cache.Close()
	}

	// Initialize the search index
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	index, err := search.NewOpenSearchIndex(ctx, &cfg.Search)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to OpenSearch")
	}

	// Initialize services
	github := forge.NewClient(&cfg.GitHub)
	verifier := auth.NewOIDCVerifier(&cfg.OIDC)
	store := registry.NewCatalogStore(db)
	pipeline := registry.NewPipeline(store, github, github, index)
	queries := registry.NewQueryService(store, index, cache)

	// Setup HTTP server
	router := setupRouter(verifier, pipeline, queries)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", server.Addr).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	} else {
		log.Info().Msg("server shutdown complete")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
