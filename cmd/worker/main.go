package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/cutoutlabs/cutout/internal/config"
	"github.com/cutoutlabs/cutout/internal/pipeline"
	"github.com/cutoutlabs/cutout/internal/rembg"
	"github.com/cutoutlabs/cutout/internal/storage"
	"github.com/cutoutlabs/cutout/internal/store"
	"github.com/cutoutlabs/cutout/internal/telemetry"
	"github.com/cutoutlabs/cutout/internal/webhook"
	"github.com/cutoutlabs/cutout/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	logger.Printf(
		"starting worker concurrency=%d max_active_batches=%d queue=%s redis=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveBatches,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
	)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStartup()

	shutdownTracing, err := telemetry.SetupTracing(startupCtx, telemetry.TraceConfig{
		ServiceName:  "cutout-worker",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}

	if err := pipeline.Startup(); err != nil {
		logger.Fatalf("pipeline startup failed: %v", err)
	}
	defer pipeline.Shutdown()

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatalf("storage client init failed: %v", err)
	}
	if err := storageClient.EnsureBucket(startupCtx); err != nil {
		logger.Fatalf("ensure bucket failed: %v", err)
	}

	remover, err := rembg.NewClient(rembg.Config{
		Endpoint:    cfg.Rembg.Endpoint,
		Timeout:     cfg.Rembg.Timeout,
		MaxAttempts: cfg.Rembg.MaxAttempts,
	})
	if err != nil {
		logger.Fatalf("rembg client init failed: %v", err)
	}

	var batchStore store.BatchStore
	if pg, err := store.NewPostgresBatchStore(startupCtx, cfg.Database.DSN); err != nil {
		logger.Printf("postgres unavailable, falling back to in-memory store: %v", err)
		batchStore = store.NewMemoryBatchStore()
	} else {
		defer pg.Close()
		batchStore = pg
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret: cfg.Webhook.SigningSecret,
		MaxAttempts:   3,
	})

	srv, err := worker.NewServer(
		logger,
		cfg.Queue,
		cfg.Worker,
		storageClient,
		remover,
		webhookClient,
		batchStore,
		nil,
	)
	if err != nil {
		logger.Fatalf("worker init failed: %v", err)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", srv.MetricsHandler())
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := http.ListenAndServe(cfg.Worker.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	if err := srv.Run(); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}
