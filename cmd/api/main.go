package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/cutoutlabs/cutout/internal/api"
	"github.com/cutoutlabs/cutout/internal/config"
	"github.com/cutoutlabs/cutout/internal/queue"
	"github.com/cutoutlabs/cutout/internal/ratelimit"
	"github.com/cutoutlabs/cutout/internal/storage"
	"github.com/cutoutlabs/cutout/internal/store"
	"github.com/cutoutlabs/cutout/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStartup()

	shutdownTracing, err := telemetry.SetupTracing(startupCtx, telemetry.TraceConfig{
		ServiceName:  "cutout-api",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}

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

	var batchStore store.BatchStore
	if pg, err := store.NewPostgresBatchStore(startupCtx, cfg.Database.DSN); err != nil {
		logger.Printf("postgres unavailable, falling back to in-memory store: %v", err)
		batchStore = store.NewMemoryBatchStore()
	} else {
		defer pg.Close()
		batchStore = pg
	}

	var rateLimiter api.RateLimiter
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	defer redisClient.Close()
	if limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, ""); err != nil {
		logger.Printf("rate limiter disabled: %v", err)
	} else {
		rateLimiter = limiter
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	app := api.NewServer(logger, queueClient, batchStore, storageClient, api.Options{
		MaxUploadBytes: cfg.API.MaxUploadBytes,
		UserIDHeader:   cfg.API.UserIDHeader,
		RateLimiter:    rateLimiter,
		Tracer:         otel.Tracer("cutout/api"),
	})

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}
