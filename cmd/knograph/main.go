// cmd/knograph is the entry point for the knowledge-graph derivation
// service.  It wires a graph store (postgres or sqlite) and its co-located
// work queue through the derivation engine, then runs the coordinator,
// relationship inference, and pattern aggregation on their cron schedules.
//
// Startup sequence:
//  1. Load configuration from an optional YAML file layered with
//     KNOGRAPH_* environment variables.
//  2. Open the graph store and apply the schema.
//  3. Create the work queue on the same database handle.
//  4. Build the embedding gateway chain for the configured provider.
//  5. Register the periodic jobs and run until SIGINT / SIGTERM.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/corvidae/knograph/internal/config"
	"github.com/corvidae/knograph/internal/engine"
	"github.com/corvidae/knograph/internal/gateway"
	"github.com/corvidae/knograph/internal/graph"
	"github.com/corvidae/knograph/internal/graph/postgres"
	"github.com/corvidae/knograph/internal/graph/sqlite"
	"github.com/corvidae/knograph/internal/queue"
)

// openStore opens the configured graph store backend and returns the store
// together with its raw database handle, which the queue shares.
func openStore(cfg *config.Config) (graph.Store, *sql.DB, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		store, err := postgres.NewStore(cfg.Storage.PostgresDSN, cfg.Embedding.Dimensions)
		if err != nil {
			return nil, nil, err
		}
		return store, store.GetDB(), nil
	case "sqlite":
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory %q: %w", cfg.Storage.DataPath, err)
		}
		store, err := sqlite.NewStore(filepath.Join(cfg.Storage.DataPath, "knograph.db"))
		if err != nil {
			return nil, nil, err
		}
		return store, store.GetDB(), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// openQueue creates the work queue matching the storage backend, sharing
// the store's database handle so queue state participates in the same
// durability story as the graph.
func openQueue(cfg *config.Config, db *sql.DB) (queue.Queue, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return queue.NewPostgresQueue(db)
	default:
		return queue.NewSQLiteQueue(db)
	}
}

// buildEmbedder assembles the gateway chain for the configured provider:
// provider client, then circuit breaker, then rate limiter, then dimension
// validation on the outside.
func buildEmbedder(cfg *config.Config) (gateway.Embedder, error) {
	var client gateway.Embedder
	switch cfg.Embedding.Provider {
	case "openai":
		client = gateway.NewOpenAIClient(gateway.OpenAIConfig{
			APIKey:     cfg.Embedding.OpenAIAPIKey,
			Model:      cfg.Embedding.OpenAIModel,
			BaseURL:    cfg.Embedding.OpenAIBaseURL,
			Dimensions: cfg.Embedding.Dimensions,
		})
	case "ollama":
		client = gateway.NewOllamaClient(gateway.OllamaConfig{
			BaseURL:    cfg.Embedding.OllamaURL,
			Model:      cfg.Embedding.OllamaModel,
			Dimensions: cfg.Embedding.Dimensions,
		})
	case "static":
		// Deterministic offline embedder; useful for local runs without
		// a live gateway.
		client = gateway.NewStaticEmbedder(cfg.Embedding.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}

	protected := gateway.NewProtected(client, nil)
	limited := gateway.NewRateLimited(protected, cfg.Embedding.RequestsPerSecond, cfg.Embedding.Burst)
	return gateway.NewValidated(limited), nil
}

func main() {
	log.SetOutput(os.Stderr)
	log.SetPrefix("knograph: ")
	log.SetFlags(log.LstdFlags)

	configPath := flag.String("config", "", "path to YAML config file (optional; env vars win)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, db, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.Storage.Backend, err)
	}
	defer store.Close()

	q, err := openQueue(cfg, db)
	if err != nil {
		log.Fatalf("failed to open queue: %v", err)
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		log.Fatalf("failed to build embedding gateway: %v", err)
	}

	summarizer := engine.NewSummarizer(store, embedder)

	inference, err := engine.NewInference(store, engine.InferenceConfig{
		MinSimilarity:             cfg.Engine.MinSimilarity,
		TopK:                      cfg.Engine.TopK,
		BatchSize:                 cfg.Engine.BatchSize,
		MaxRelationshipsPerEntity: cfg.Engine.MaxRelationshipsPerEntity,
	})
	if err != nil {
		log.Fatalf("failed to create inference engine: %v", err)
	}

	patterns, err := engine.NewPatterns(store, engine.PatternConfig{
		Threshold:          cfg.Engine.PatternThreshold,
		EvidenceSampleSize: cfg.Engine.EvidenceSampleSize,
		Window:             cfg.Engine.PatternWindow,
	})
	if err != nil {
		log.Fatalf("failed to create pattern engine: %v", err)
	}

	coordinator, err := engine.NewCoordinator(q, store, summarizer, patterns, engine.CoordinatorConfig{
		Workers:           cfg.Engine.Workers,
		LeaseBatchSize:    cfg.Engine.LeaseBatchSize,
		VisibilityTimeout: cfg.Engine.VisibilityTimeout,
		MaxAttempts:       cfg.Engine.MaxAttempts,
	})
	if err != nil {
		log.Fatalf("failed to create coordinator: %v", err)
	}

	// Root context cancelled on SIGINT / SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal")
		cancel()
	}()

	sched := cron.New()

	if _, err := sched.AddFunc(cfg.Scheduler.IngestPoll, func() {
		res, err := coordinator.ProcessIngestBatch(ctx)
		if err != nil {
			log.Printf("ERROR: ingest batch failed: %v", err)
			return
		}
		if res.Processed > 0 || res.Failed > 0 {
			log.Printf("ingest batch: processed=%d failed=%d", res.Processed, res.Failed)
		}
		// Recovery sweep: pick up entities whose enqueue was lost.
		batchID := fmt.Sprintf("backfill-%d", time.Now().UnixNano())
		if n, err := summarizer.SummarizeMissing(ctx, "", "", cfg.Engine.LeaseBatchSize, batchID); err != nil {
			log.Printf("WARNING: summary backfill failed: %v", err)
		} else if n > 0 {
			log.Printf("summary backfill: derived %d summaries", n)
		}
	}); err != nil {
		log.Fatalf("invalid ingest poll schedule %q: %v", cfg.Scheduler.IngestPoll, err)
	}

	if _, err := sched.AddFunc(cfg.Scheduler.InferenceRun, func() {
		res, err := inference.InferRelationships(ctx, "", "")
		if err != nil {
			log.Printf("ERROR: inference run failed: %v", err)
			return
		}
		if res.MemoriesProcessed > 0 {
			log.Printf("inference run: memories=%d created=%d refreshed=%d skipped_fan_out=%d",
				res.MemoriesProcessed, res.PairsCreated, res.PairsRefreshed, res.SkippedFanOut)
		}
	}); err != nil {
		log.Fatalf("invalid inference schedule %q: %v", cfg.Scheduler.InferenceRun, err)
	}

	if _, err := sched.AddFunc(cfg.Scheduler.PatternRun, func() {
		res, err := coordinator.ProcessPatternBatch(ctx)
		if err != nil {
			log.Printf("ERROR: pattern batch failed: %v", err)
			return
		}
		if res.Processed > 0 {
			log.Printf("pattern batch: scopes=%d failed=%d", res.Processed, res.Failed)
		}
	}); err != nil {
		log.Fatalf("invalid pattern schedule %q: %v", cfg.Scheduler.PatternRun, err)
	}

	sched.Start()
	log.Printf("derivation service started: backend=%s provider=%s dims=%d",
		cfg.Storage.Backend, cfg.Embedding.Provider, cfg.Embedding.Dimensions)

	<-ctx.Done()

	// Let in-flight jobs finish before closing the store.
	<-sched.Stop().Done()
	log.Println("derivation service stopped")
}
