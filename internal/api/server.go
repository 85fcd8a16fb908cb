package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"

	"github.com/cutoutlabs/cutout/internal/domain"
	"github.com/cutoutlabs/cutout/internal/id"
	"github.com/cutoutlabs/cutout/internal/pipeline"
	"github.com/cutoutlabs/cutout/internal/queue"
	"github.com/cutoutlabs/cutout/internal/store"
)

// uploadField is the multipart field carrying the batch's image files.
const uploadField = "images"

type Server struct {
	logger         *log.Logger
	queueClient    queueEnqueuer
	batchStore     store.BatchStore
	storage        objectStorage
	maxUploadBytes int64
	userIDHeader   string
	rateLimiter    RateLimiter
	metrics        *metrics
	tracer         trace.Tracer
	mux            *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueProcessBatch(ctx context.Context, payload queue.ProcessBatchPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type Options struct {
	MaxUploadBytes int64
	UserIDHeader   string
	RateLimiter    RateLimiter
	Tracer         trace.Tracer
}

func NewServer(logger *log.Logger, queueClient queueEnqueuer, batchStore store.BatchStore, storage objectStorage, opts Options) *Server {
	if storage == nil {
		storage = unavailableObjectStorage{}
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	if strings.TrimSpace(opts.UserIDHeader) == "" {
		opts.UserIDHeader = "X-Cutout-User-ID"
	}

	s := &Server{
		logger:         logger,
		queueClient:    queueClient,
		batchStore:     batchStore,
		storage:        storage,
		maxUploadBytes: opts.MaxUploadBytes,
		userIDHeader:   opts.UserIDHeader,
		rateLimiter:    opts.RateLimiter,
		metrics:        newMetrics(),
		tracer:         opts.Tracer,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) ObjectExists(context.Context, string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ReadObject(context.Context, string) ([]byte, error) {
	return nil, errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) WriteObject(context.Context, string, []byte, string) error {
	return errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withRateLimit(s.withTracing(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/batches", s.handleCreateBatch)
	s.mux.HandleFunc("POST /v1/batches/{id}/start", s.handleStartBatch)
	s.mux.HandleFunc("GET /v1/batches/{id}", s.handleGetBatch)
	s.mux.HandleFunc("GET /v1/batches/{id}/items/{index}/download", s.handleDownloadItem)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid multipart upload: %v", err)})
		return
	}

	files := r.MultipartForm.File[uploadField]
	if len(files) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("at least one image file is required in field %q", uploadField)})
		return
	}

	spec, err := parseSpec(r.FormValue("spec"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	// Oversized uploads are trimmed with a warning rather than rejected.
	warning := ""
	if len(files) > domain.MaxBatchFiles {
		warning = fmt.Sprintf("batch is limited to %d images; %d extra file(s) were ignored", domain.MaxBatchFiles, len(files)-domain.MaxBatchFiles)
		files = files[:domain.MaxBatchFiles]
	}

	now := time.Now().UTC()
	batchID := id.New()
	userID := strings.TrimSpace(r.Header.Get(s.userIDHeader))
	if userID == "" {
		userID = "anonymous"
	}

	items := make([]domain.BatchItem, 0, len(files))
	for i, fileHeader := range files {
		data, err := readUpload(fileHeader)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("read %s: %v", fileHeader.Filename, err)})
			return
		}

		sourceKey := fmt.Sprintf("sources/%s/%d_%s", batchID, i, sanitizeFilename(fileHeader.Filename))
		contentType := fileHeader.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := s.storage.WriteObject(r.Context(), sourceKey, data, contentType); err != nil {
			s.logger.Printf("source upload failed batch_id=%s file=%s err=%v", batchID, fileHeader.Filename, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store uploaded image"})
			return
		}

		items = append(items, domain.BatchItem{
			Index:     i,
			Filename:  fileHeader.Filename,
			SourceKey: sourceKey,
			Status:    domain.ItemStatusPending,
		})
	}

	batch := domain.Batch{
		ID:         batchID,
		UserID:     userID,
		Status:     domain.BatchStatusCreated,
		SourceType: domain.SourceTypeObjectStore,
		WebhookURL: strings.TrimSpace(r.FormValue("webhook_url")),
		Spec:       spec,
		Items:      items,
		Warning:    warning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := batch.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := s.batchStore.Create(r.Context(), batch); err != nil {
		s.logger.Printf("create batch failed batch_id=%s err=%v", batch.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create batch"})
		return
	}

	s.metrics.uploadedImages.Add(float64(len(items)))

	resp := batchResponse(batch)
	resp["start_url"] = fmt.Sprintf("/v1/batches/%s/start", batch.ID)
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")

	batch, ok, err := s.batchStore.Get(r.Context(), batchID)
	if err != nil {
		s.logger.Printf("fetch batch failed batch_id=%s err=%v", batchID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load batch"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "batch not found"})
		return
	}

	if batch.Status != domain.BatchStatusCreated {
		writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("batch already started (status=%s)", batch.Status)})
		return
	}

	if err := s.verifySourcesExist(r.Context(), batch); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	itemRefs := make([]queue.BatchItemRef, 0, len(batch.Items))
	for _, item := range batch.Items {
		itemRefs = append(itemRefs, queue.BatchItemRef{
			Index:     item.Index,
			Filename:  item.Filename,
			SourceKey: item.SourceKey,
		})
	}

	payload := queue.ProcessBatchPayload{
		BatchID:     batch.ID,
		UserID:      batch.UserID,
		SourceType:  batch.SourceType,
		WebhookURL:  batch.WebhookURL,
		Spec:        batch.Spec,
		Items:       itemRefs,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueueProcessBatch(r.Context(), payload)
	if err != nil {
		s.logger.Printf("enqueue failed batch_id=%s err=%v", batch.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue batch"})
		return
	}
	s.metrics.batchesEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.batchStore.UpdateStatus(r.Context(), batch.ID, domain.BatchStatusQueued); err != nil {
		s.logger.Printf("update status failed batch_id=%s err=%v", batch.ID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":    batch.ID,
		"status":      domain.BatchStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")

	batch, ok, err := s.batchStore.Get(r.Context(), batchID)
	if err != nil {
		s.logger.Printf("fetch batch failed batch_id=%s err=%v", batchID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load batch"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "batch not found"})
		return
	}

	writeJSON(w, http.StatusOK, batchResponse(batch))
}

func (s *Server) handleDownloadItem(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "item index must be a non-negative integer"})
		return
	}

	batch, ok, err := s.batchStore.Get(r.Context(), batchID)
	if err != nil {
		s.logger.Printf("fetch batch failed batch_id=%s err=%v", batchID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load batch"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "batch not found"})
		return
	}

	var item *domain.BatchItem
	for i := range batch.Items {
		if batch.Items[i].Index == index {
			item = &batch.Items[i]
			break
		}
	}
	if item == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "item not found"})
		return
	}

	switch item.Status {
	case domain.ItemStatusSucceeded:
	case domain.ItemStatusFailed:
		writeJSON(w, http.StatusConflict, map[string]string{"error": item.Error})
		return
	default:
		writeJSON(w, http.StatusConflict, map[string]string{"error": "item is not processed yet"})
		return
	}

	data, err := s.readOutput(r.Context(), batch, *item)
	if err != nil {
		s.logger.Printf("read output failed batch_id=%s index=%d err=%v", batchID, index, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read output"})
		return
	}

	filename := pipeline.OutputFilename(item.Filename, item.Format)
	w.Header().Set("Content-Type", contentTypeForFormat(item.Format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) readOutput(ctx context.Context, batch domain.Batch, item domain.BatchItem) ([]byte, error) {
	if batch.SourceType == domain.SourceTypeLocalFile {
		return os.ReadFile(item.OutputKey)
	}
	return s.storage.ReadObject(ctx, item.OutputKey)
}

func (s *Server) verifySourcesExist(ctx context.Context, batch domain.Batch) error {
	for _, item := range batch.Items {
		switch batch.SourceType {
		case domain.SourceTypeLocalFile:
			if _, err := os.Stat(item.SourceKey); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("source image is missing: %s", item.Filename)
				}
				return fmt.Errorf("source image check failed for %s: %w", item.Filename, err)
			}
		default:
			exists, err := s.storage.ObjectExists(ctx, item.SourceKey)
			if err != nil {
				return fmt.Errorf("source image check failed for %s: %w", item.Filename, err)
			}
			if !exists {
				return fmt.Errorf("source image is missing: %s", item.Filename)
			}
		}
	}
	return nil
}

func batchResponse(batch domain.Batch) map[string]any {
	items := make([]map[string]any, 0, len(batch.Items))
	for _, item := range batch.Items {
		entry := map[string]any{
			"index":    item.Index,
			"filename": item.Filename,
			"status":   item.Status,
		}
		if item.Status == domain.ItemStatusSucceeded {
			entry["output_filename"] = pipeline.OutputFilename(item.Filename, item.Format)
			entry["format"] = item.Format
			entry["width"] = item.Width
			entry["height"] = item.Height
			entry["bytes"] = item.Bytes
			entry["download_url"] = fmt.Sprintf("/v1/batches/%s/items/%d/download", batch.ID, item.Index)
		}
		if item.Error != "" {
			entry["error"] = item.Error
		}
		items = append(items, entry)
	}

	resp := map[string]any{
		"batch_id":    batch.ID,
		"user_id":     batch.UserID,
		"status":      batch.Status,
		"source_type": batch.SourceType,
		"spec":        batch.Spec,
		"items":       items,
		"created_at":  batch.CreatedAt,
		"updated_at":  batch.UpdatedAt,
	}
	if batch.Warning != "" {
		resp["warning"] = batch.Warning
	}
	return resp
}

func parseSpec(raw string) (domain.TransformSpec, error) {
	var spec domain.TransformSpec
	if strings.TrimSpace(raw) == "" {
		return spec, nil
	}

	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&spec); err != nil {
		return domain.TransformSpec{}, fmt.Errorf("invalid spec: %w", err)
	}
	return spec, nil
}

func readUpload(fileHeader *multipart.FileHeader) ([]byte, error) {
	file, err := fileHeader.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("file is empty")
	}
	return data, nil
}

func sanitizeFilename(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func contentTypeForFormat(format string) string {
	if strings.EqualFold(format, domain.FormatJPEG) {
		return "image/jpeg"
	}
	return "image/png"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
