// llmbatch server — hosts the HTTP API, the batch ingestion worker and the
// execution worker pool, together or split by --mode.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/llmbatch/llmbatch/pkg/api"
	"github.com/llmbatch/llmbatch/pkg/broker"
	"github.com/llmbatch/llmbatch/pkg/config"
	"github.com/llmbatch/llmbatch/pkg/eventstore"
	"github.com/llmbatch/llmbatch/pkg/executor"
	"github.com/llmbatch/llmbatch/pkg/ingest"
	"github.com/llmbatch/llmbatch/pkg/llm"
	"github.com/llmbatch/llmbatch/pkg/objectstore"
	"github.com/llmbatch/llmbatch/pkg/services"
	"github.com/llmbatch/llmbatch/pkg/version"
)

const httpShutdownTimeout = 30 * time.Second

func main() {
	mode := flag.String("mode", "all", "process role: api, ingest, worker or all")
	envFile := flag.String("env-file", ".env", "path to an optional .env file")
	flag.Parse()

	runAPI := *mode == "api" || *mode == "all"
	runIngest := *mode == "ingest" || *mode == "all"
	runWorker := *mode == "worker" || *mode == "all"
	if !runAPI && !runIngest && !runWorker {
		slog.Error("Invalid mode, must be api, ingest, worker or all", "mode", *mode)
		os.Exit(1)
	}

	config.LoadEnvFile(*envFile)
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting llmbatch", "version", version.GitCommit, "mode", *mode)

	ctx := context.Background()

	// Shared clients. Every role talks to the broker and the event store;
	// only the API and ingestion touch the object store.
	brokerClient, err := broker.Connect(ctx, cfg.Broker)
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := brokerClient.Close(); err != nil {
			slog.Error("Error closing broker connection", "error", err)
		}
	}()

	if err := brokerClient.DeclareQueues(broker.QueueBatchJobs, broker.QueueTasks); err != nil {
		slog.Error("Failed to declare queues", "error", err)
		os.Exit(1)
	}

	store, err := eventstore.NewClient(ctx, cfg.EventStore)
	if err != nil {
		slog.Error("Failed to connect to event store", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to event store", "index", eventstore.IndexName)

	// Ingestion worker.
	var ingestWorker *ingest.Worker
	if runIngest {
		blobs, err := objectstore.NewClient(ctx, cfg.ObjectStore)
		if err != nil {
			slog.Error("Failed to connect to object store", "error", err)
			os.Exit(1)
		}
		publisher, err := broker.NewPublisher(brokerClient)
		if err != nil {
			slog.Error("Failed to open publisher channel", "error", err)
			os.Exit(1)
		}
		defer func() { _ = publisher.Close() }()

		proc := ingest.NewProcessor(store, publisher, blobs, cfg.Ingest.ChunkSize, cfg.Ingest.MaxRetries)
		ingestWorker = ingest.NewWorker(brokerClient, proc, cfg.Broker.ReconnectDelay)
		ingestWorker.Start()
	}

	// Execution worker pool.
	var pool *executor.Pool
	if runWorker {
		upstream := llm.NewClient(cfg.Executor.MaxRetries, cfg.Executor.LLMTimeout)
		exec := executor.NewExecutor(store, upstream)
		pool = executor.NewPool(brokerClient, exec, cfg.Executor, cfg.Broker.ReconnectDelay)
		pool.Start()
	}

	// HTTP API.
	var httpServer *api.Server
	errCh := make(chan error, 1)
	if runAPI {
		blobs, err := objectstore.NewClient(ctx, cfg.ObjectStore)
		if err != nil {
			slog.Error("Failed to connect to object store", "error", err)
			os.Exit(1)
		}
		publisher, err := broker.NewPublisher(brokerClient)
		if err != nil {
			slog.Error("Failed to open publisher channel", "error", err)
			os.Exit(1)
		}
		defer func() { _ = publisher.Close() }()

		batchService := services.NewBatchService(store, blobs, publisher)
		taskService := services.NewTaskService(store, publisher)

		httpServer = api.NewServer(cfg.APISecretKey, batchService, taskService,
			brokerClient.Health, store.Health)
		go func() {
			if err := httpServer.Start(":" + cfg.HTTPPort); err != nil {
				slog.Error("HTTP server error", "error", err)
				errCh <- err
			}
		}()
	}

	slog.Info("llmbatch started successfully")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop intake first so no new work lands while workers drain.
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, httpShutdownTimeout)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
		cancel()
	}
	if ingestWorker != nil {
		ingestWorker.Stop()
	}
	if pool != nil {
		pool.Stop()
	}

	slog.Info("llmbatch shut down")
}
