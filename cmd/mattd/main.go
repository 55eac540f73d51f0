package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/spotty118/mattthinking/internal/config"
	"github.com/spotty118/mattthinking/internal/embedding"
	"github.com/spotty118/mattthinking/internal/httpapi"
	"github.com/spotty118/mattthinking/internal/llm"
	"github.com/spotty118/mattthinking/internal/memory"
	"github.com/spotty118/mattthinking/internal/observability"
	"github.com/spotty118/mattthinking/internal/service"
)

func main() {
	// Load environment from .env (fallback to example.env) before the logger
	// so LOG_PATH/LOG_LEVEL are respected.
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("store_init_failed")
	}
	defer func() { _ = store.Close() }()

	gateway := llm.NewClient(cfg.Completions, cfg.Cache)
	if err := gateway.Probe(ctx); err != nil {
		// Fail fast: a gateway that cannot authenticate will fail every request.
		log.Fatal().Err(err).Msg("llm_gateway_probe_failed")
	}
	if cfg.Cache.RedisAddr != "" {
		remote, err := llm.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, cfg.Cache.TTL)
		if err != nil {
			log.Warn().Err(err).Msg("redis_cache_init_failed_continuing_local_only")
		} else {
			gateway.WithRemoteCache(remote)
			defer func() { _ = remote.Close() }()
		}
	}

	embedClient := embedding.NewClient(cfg.Embeddings)
	scorer := memory.NewScorer(
		cfg.Scoring.SimilarityWeight, cfg.Scoring.RecencyWeight, cfg.Scoring.ErrorWeight,
		cfg.Scoring.HalfLifeDays, cfg.Scoring.ErrorBoost,
	)
	core := memory.NewCore(store, embedClient.Embed, scorer)
	svc := service.New(cfg, core, gateway, gateway, embedClient.Embed)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           httpapi.NewServer(svc).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http_shutdown_failed")
		}
	}()

	log.Info().
		Str("listen", cfg.Listen).
		Str("backend", cfg.Store.Backend).
		Str("model", cfg.Completions.Model).
		Msg("mattd_started")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http_server_failed")
	}
	log.Info().Msg("mattd_stopped")
}

// newStore selects the memory store backend from configuration.
func newStore(ctx context.Context, cfg config.Config) (memory.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendLocal:
		return memory.NewLocalStore(cfg.Store.LocalPath)
	case config.BackendCloud:
		return memory.NewPgStore(ctx, cfg.Store.DatabaseURL, cfg.Embeddings.Dimensions)
	case config.BackendQdrant:
		return memory.NewQdrantStore(ctx, cfg.Store.QdrantAddr, cfg.Store.QdrantCollection, cfg.Embeddings.Dimensions)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
