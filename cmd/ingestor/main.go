// Command ingestor is the prefix-sharded breach-dump ingestion engine. It
// walks an input root for .txt credential dumps, normalises and keyed-hashes
// every email, classifies credentials, and appends records to hash-prefixed
// JSONL shards through a bounded cache of batching writers. Progress is
// persisted per input file so interrupted runs resume where they left off.
//
// Configuration comes from the environment (see internal/config), with an
// optional YAML baseline via -config. The process shuts down gracefully on
// SIGINT, SIGTERM, or the appearance of a STOP_INGESTION file in the
// working directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/shardvault/ingestor/internal/auditlog"
	"github.com/shardvault/ingestor/internal/catalog"
	"github.com/shardvault/ingestor/internal/config"
	"github.com/shardvault/ingestor/internal/ingest"
	"github.com/shardvault/ingestor/internal/normalize"
	"github.com/shardvault/ingestor/internal/progress"
	"github.com/shardvault/ingestor/internal/shard"
	"github.com/shardvault/ingestor/internal/status"
)

func main() {
	configPath := flag.String("config", "", "optional YAML configuration file (environment variables override it)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingestor: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	runID := uuid.NewString()
	logger.Info("configuration loaded",
		slog.String("run_id", runID),
		slog.String("input_dir", cfg.InputDir),
		slog.String("shard_dir", cfg.ShardDir),
		slog.Int("max_streams", cfg.MaxStreams),
		slog.Int("batch_size", cfg.BatchSize),
		slog.Int("concurrency", cfg.Concurrency),
		slog.String("log_level", cfg.LogLevel),
	)

	hasher, err := normalize.NewHasher(cfg.EmailHashKey)
	if err != nil {
		logger.Error("invalid hash key", slog.Any("error", err))
		os.Exit(1)
	}

	cache, err := shard.NewCache(cfg.ShardDir, cfg.MaxStreams, cfg.BatchSize, cfg.BatchInterval, logger)
	if err != nil {
		logger.Error("creating shard stream cache", slog.Any("error", err))
		os.Exit(1)
	}

	store := progress.Load(cfg.ProgressFile, logger)

	multiField, err := auditlog.OpenLineLog(cfg.MultiFieldLog)
	if err != nil {
		logger.Error("opening multi-field log", slog.Any("error", err))
		os.Exit(1)
	}
	defer multiField.Close()

	skipped, err := auditlog.OpenLineLog(cfg.SkippedLog)
	if err != nil {
		logger.Error("opening skipped log", slog.Any("error", err))
		os.Exit(1)
	}
	defer skipped.Close()

	opts := []ingest.Option{ingest.WithSkippedLog(skipped)}

	var cat *catalog.Catalog
	if cfg.CatalogPath != "" {
		cat, err = catalog.New(cfg.CatalogPath)
		if err != nil {
			logger.Error("opening run catalog", slog.Any("error", err))
			os.Exit(1)
		}
		defer cat.Close()
		opts = append(opts, ingest.WithCatalog(cat))
	}

	if cfg.AuditLog != "" {
		chain, err := auditlog.OpenChain(cfg.AuditLog)
		if err != nil {
			logger.Error("opening audit chain", slog.Any("error", err))
			os.Exit(1)
		}
		defer chain.Close()
		opts = append(opts, ingest.WithChain(chain))
	}

	metrics := ingest.NewMetrics()
	proc := ingest.NewProcessor(hasher, cache, multiField,
		cfg.EmitEmail, cfg.SkipHeader, cfg.SalvageMultiField, logger)
	ing := ingest.New(runID, cfg.Concurrency, proc, cache, store, metrics, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGINT and SIGTERM request the same graceful drain as the sentinel
	// file: stop claiming, finish in-flight files, close every writer.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	statusServer := startStatusServer(cfg, runID, ing, metrics, cache, cat, logger)

	runErr := ing.Run(ctx, cfg.InputDir)

	if statusServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown", slog.Any("error", err))
		}
	}

	if runErr != nil {
		logger.Error("ingestion run failed", slog.Any("error", runErr))
		os.Exit(1)
	}
}

// startStatusServer brings up the operator HTTP API when enabled, returning
// nil otherwise. A listen failure is logged but does not stop ingestion.
func startStatusServer(cfg *config.Config, runID string, ing *ingest.Ingestor,
	metrics *ingest.Metrics, cache *shard.Cache, cat *catalog.Catalog, logger *slog.Logger) *http.Server {

	if cfg.StatusAddr == "" {
		return nil
	}

	var verifier *status.Verifier
	if cfg.StatusJWTPubKey != "" {
		var err error
		verifier, err = status.NewVerifierFromFile(cfg.StatusJWTPubKey)
		if err != nil {
			logger.Error("loading status JWT key", slog.Any("error", err))
			os.Exit(1)
		}
	}

	srv := &status.Server{
		RunID: runID,
		Snapshot: func() ingest.Snapshot {
			return metrics.Snapshot(cache.Open(), cache.Creations(), cache.Evictions())
		},
		State:   ing.State,
		Catalog: cat,
	}

	httpServer := &http.Server{
		Addr:         cfg.StatusAddr,
		Handler:      srv.Routes(verifier),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("status server listening", slog.String("addr", cfg.StatusAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("status server error", slog.Any("error", err))
		}
	}()

	return httpServer
}
