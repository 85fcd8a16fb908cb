package worker

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cutoutlabs/cutout/internal/config"
	"github.com/cutoutlabs/cutout/internal/domain"
	"github.com/cutoutlabs/cutout/internal/pipeline"
	"github.com/cutoutlabs/cutout/internal/queue"
	"github.com/cutoutlabs/cutout/internal/storage"
	"github.com/cutoutlabs/cutout/internal/store"
	"github.com/cutoutlabs/cutout/internal/webhook"
)

type Server struct {
	logger          *log.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  *pipeline.Processor
	objectProcessor *pipeline.Processor
	webhookClient   webhookSender
	batchStore      store.BatchStore
	statsStore      store.StatsStore
	metrics         *metrics
	tracer          trace.Tracer
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	storageClient *storage.Client,
	remover pipeline.Remover,
	webhookClient *webhook.Client,
	batchStore store.BatchStore,
	statsStore store.StatsStore,
) (*Server, error) {
	if storageClient == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if remover == nil {
		return nil, fmt.Errorf("background remover is required")
	}

	localProcessor, err := pipeline.NewLocalProcessor(workerCfg.LocalOutputDir, remover)
	if err != nil {
		return nil, fmt.Errorf("initialize local processor: %w", err)
	}

	objectProcessor, err := pipeline.NewProcessor(
		pipeline.ObjectStoreFetcher{Storage: storageClient},
		pipeline.ObjectStoreEmitter{Storage: storageClient, OutputPrefix: "outputs"},
		remover,
	)
	if err != nil {
		return nil, fmt.Errorf("initialize object-store processor: %w", err)
	}

	if statsStore == nil {
		if combined, ok := batchStore.(store.StatsStore); ok {
			statsStore = combined
		}
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:             make(chan struct{}, max(1, workerCfg.MaxActiveBatches)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		webhookClient:   webhookClient,
		batchStore:      batchStore,
		statsStore:      statsStore,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("cutout/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeProcessBatch, s.handleProcessBatch)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleProcessBatch(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.BatchStatusFailed

	payload, err := queue.ParseProcessBatchPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.process_batch", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("batch.id", payload.BatchID),
		attribute.String("batch.source_type", payload.SourceType),
		attribute.Int("batch.items", len(payload.Items)),
	)
	defer span.End()
	defer func() {
		s.metrics.batchDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.batchesTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeBatches.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeBatches.Dec()
	}()

	s.logger.Printf(
		"Working... batch_id=%s source_type=%s items=%d",
		payload.BatchID,
		payload.SourceType,
		len(payload.Items),
	)

	s.updateBatchStatus(ctx, payload.BatchID, domain.BatchStatusProcessing)

	request := pipeline.Request{
		BatchID:    payload.BatchID,
		SourceType: payload.SourceType,
		Spec:       payload.Spec,
		Items:      make([]pipeline.Item, 0, len(payload.Items)),
	}
	sourceKeys := make(map[int]string, len(payload.Items))
	for _, ref := range payload.Items {
		request.Items = append(request.Items, pipeline.Item{
			Index:     ref.Index,
			Filename:  ref.Filename,
			SourceKey: ref.SourceKey,
		})
		sourceKeys[ref.Index] = ref.SourceKey
	}

	var result pipeline.Result
	switch payload.SourceType {
	case domain.SourceTypeLocalFile:
		result, err = s.localProcessor.Process(ctx, request)
	default:
		result, err = s.objectProcessor.Process(ctx, request)
	}
	if err != nil {
		s.updateBatchStatus(ctx, payload.BatchID, domain.BatchStatusFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch processing failed")
		s.dispatchWebhook(ctx, payload, "batch.failed", map[string]any{
			"batch_id":     payload.BatchID,
			"status":       domain.BatchStatusFailed,
			"source_type":  payload.SourceType,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
		})
		return fmt.Errorf("process batch: %w", err)
	}

	s.recordItemResults(ctx, payload.BatchID, sourceKeys, result)

	succeeded := result.Succeeded()
	failed := len(result.Items) - succeeded
	status := domain.BatchStatusCompleted
	event := "batch.completed"
	if succeeded == 0 {
		status = domain.BatchStatusFailed
		event = "batch.failed"
	}

	s.logger.Printf("Processed batch_id=%s succeeded=%d failed=%d", payload.BatchID, succeeded, failed)
	s.updateBatchStatus(ctx, payload.BatchID, status)
	s.recordStats(ctx, payload, result, time.Since(startedAt))

	if err := s.dispatchWebhook(ctx, payload, event, map[string]any{
		"batch_id":        payload.BatchID,
		"status":          status,
		"source_type":     payload.SourceType,
		"requested_at":    payload.RequestedAt,
		"completed_at":    time.Now().UTC(),
		"items_succeeded": succeeded,
		"items_failed":    failed,
		"items":           itemSummaries(result),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = status
	if status == domain.BatchStatusCompleted {
		span.SetStatus(codes.Ok, "processed")
	} else {
		span.SetStatus(codes.Error, "all items failed")
	}
	return nil
}

// recordItemResults folds every per-item outcome back into the stored batch.
// Results arrive in completion order, so each is matched by index.
func (s *Server) recordItemResults(ctx context.Context, batchID string, sourceKeys map[int]string, result pipeline.Result) {
	if s.batchStore == nil {
		return
	}

	for _, res := range result.Items {
		item := domain.BatchItem{
			Index:     res.Index,
			Filename:  res.Filename,
			SourceKey: sourceKeys[res.Index],
		}
		if res.Success {
			item.Status = domain.ItemStatusSucceeded
			item.OutputKey = res.OutputKey
			item.Format = res.Format
			item.Width = res.Width
			item.Height = res.Height
			item.Bytes = res.Bytes
			s.metrics.itemsTotal.WithLabelValues(domain.ItemStatusSucceeded).Inc()
		} else {
			item.Status = domain.ItemStatusFailed
			item.Error = res.Error
			s.metrics.itemsTotal.WithLabelValues(domain.ItemStatusFailed).Inc()
		}

		if _, err := s.batchStore.UpdateItem(ctx, batchID, item); err != nil {
			s.logger.Printf("item update failed batch_id=%s index=%d err=%v", batchID, res.Index, err)
		}
	}
}

func (s *Server) updateBatchStatus(ctx context.Context, batchID, status string) {
	if s.batchStore == nil {
		return
	}
	if _, err := s.batchStore.UpdateStatus(ctx, batchID, status); err != nil {
		s.logger.Printf("batch status update failed batch_id=%s status=%s err=%v", batchID, status, err)
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.ProcessBatchPayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Printf("webhook delivery failed batch_id=%s event=%s err=%v", payload.BatchID, event, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}

func (s *Server) recordStats(ctx context.Context, payload queue.ProcessBatchPayload, result pipeline.Result, computeDuration time.Duration) {
	if s.statsStore == nil {
		return
	}

	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		userID = "anonymous"
	}

	var (
		pixelsProcessed int64
		outputBytes     int64
		succeeded       int
		failed          int
	)
	for _, item := range result.Items {
		if !item.Success {
			failed++
			continue
		}
		succeeded++
		pixelsProcessed += int64(item.Width) * int64(item.Height)
		outputBytes += int64(item.Bytes)
	}

	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}

	stats := domain.BatchStats{
		UserID:          userID,
		BatchID:         payload.BatchID,
		ItemsSucceeded:  succeeded,
		ItemsFailed:     failed,
		PixelsProcessed: pixelsProcessed,
		OutputBytes:     outputBytes,
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.statsStore.CreateBatchStats(ctx, stats); err != nil {
		s.logger.Printf("stats write failed batch_id=%s err=%v", payload.BatchID, err)
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(pixelsProcessed))
	s.metrics.outputBytesTotal.Add(float64(outputBytes))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}

func itemSummaries(result pipeline.Result) []map[string]any {
	items := make([]map[string]any, 0, len(result.Items))
	for _, item := range result.Items {
		entry := map[string]any{
			"index":    item.Index,
			"filename": item.Filename,
			"success":  item.Success,
		}
		if item.Success {
			entry["output_key"] = item.OutputKey
			entry["output_filename"] = pipeline.OutputFilename(item.Filename, item.Format)
		} else {
			entry["error"] = item.Error
		}
		items = append(items, entry)
	}
	return items
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
