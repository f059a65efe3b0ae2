package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/quarry-ai/ragcore/internal/chunk"
	"github.com/quarry-ai/ragcore/internal/extract"
	"github.com/quarry-ai/ragcore/internal/ingest"
	"github.com/quarry-ai/ragcore/internal/llm"
	"github.com/quarry-ai/ragcore/internal/metadata"
	"github.com/quarry-ai/ragcore/internal/objectstore"
	"github.com/quarry-ai/ragcore/internal/queue"
	"github.com/quarry-ai/ragcore/internal/vectorindex"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the indexing worker and the operational HTTP listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	ctx := context.Background()

	logger.Info().
		Str("database", cfg.Database.Driver).
		Str("redis", cfg.Redis.Addr).
		Str("queue", cfg.Queue.Name).
		Int("concurrency", cfg.Queue.Concurrency).
		Msg("Starting ragcored")

	meta, err := metadata.Open(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer meta.Close()
	if err := meta.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate metadata schema: %w", err)
	}

	objects, err := objectstore.NewMinioStore(cfg.ObjectStore, logger)
	if err != nil {
		return fmt.Errorf("connect object store: %w", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	var locker vectorindex.Locker = vectorindex.NopLocker{}
	if cfg.Coordinator.LockEnabled {
		locker = vectorindex.NewRedisLocker(redisClient, logger)
	}

	models := llm.NewOpenAIGateway(cfg.Models, logger)
	coordinator := vectorindex.NewCoordinator(meta, objects, locker, cfg.Coordinator, logger)
	worker := ingest.NewWorker(meta, objects, models, extract.New(),
		chunk.NewSplitter(cfg.Chunking.TargetTokens, cfg.Chunking.OverlapTokens),
		coordinator, logger)

	srv := queue.NewServer(cfg.Redis, cfg.Queue, logger)
	mux := queue.NewServeMux(worker, logger)

	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- srv.Run(mux)
	}()

	httpSrv := operationalServer(redisClient)
	httpErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpSrv.Addr).Msg("Operational HTTP listener started")
		httpErrors <- httpSrv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		logger.Error().Err(err).Msg("Worker stopped unexpectedly")
	case err := <-httpErrors:
		logger.Error().Err(err).Msg("HTTP listener stopped unexpectedly")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful HTTP shutdown failed")
	}

	logger.Info().Msg("ragcored stopped")
	return nil
}

// operationalServer exposes liveness and readiness. Readiness checks the one
// dependency the worker cannot run without.
func operationalServer(redisClient *redis.Client) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := redisClient.Ping(req.Context()).Err(); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
