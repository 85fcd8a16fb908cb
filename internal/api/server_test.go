package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/cutoutlabs/cutout/internal/domain"
	"github.com/cutoutlabs/cutout/internal/queue"
	"github.com/cutoutlabs/cutout/internal/store"
)

type fakeEnqueuer struct {
	mu       sync.Mutex
	payloads []queue.ProcessBatchPayload
	err      error
}

func (f *fakeEnqueuer) EnqueueProcessBatch(_ context.Context, payload queue.ProcessBatchPayload) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{
		ID:    fmt.Sprintf("task-%d", len(f.payloads)),
		Queue: "default",
		State: asynq.TaskStatePending,
	}, nil
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (f *fakeStorage) ObjectExists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeStorage) ReadObject(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func (f *fakeStorage) WriteObject(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeEnqueuer, store.BatchStore, *fakeStorage) {
	t.Helper()
	enqueuer := &fakeEnqueuer{}
	batchStore := store.NewMemoryBatchStore()
	objects := newFakeStorage()
	srv := NewServer(log.New(io.Discard, "", 0), enqueuer, batchStore, objects, Options{})
	return srv, enqueuer, batchStore, objects
}

func multipartUpload(t *testing.T, files map[string][]byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, data := range files {
		part, err := writer.CreateFormFile(uploadField, name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write form field: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var parsed map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return parsed
}

func TestCreateBatchStoresSourcesAndBatch(t *testing.T) {
	srv, _, batchStore, objects := newTestServer(t)

	body, contentType := multipartUpload(t, map[string][]byte{
		"cat.png": []byte("cat-bytes"),
		"dog.png": []byte("dog-bytes"),
	}, map[string]string{
		"spec": `{"brightness":1.2,"format":"png"}`,
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Cutout-User-ID", "user-7")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}

	resp := decodeBody(t, rec)
	batchID, _ := resp["batch_id"].(string)
	if batchID == "" {
		t.Fatal("expected batch_id in response")
	}

	batch, ok, err := batchStore.Get(context.Background(), batchID)
	if err != nil || !ok {
		t.Fatalf("stored batch missing: ok=%v err=%v", ok, err)
	}
	if batch.UserID != "user-7" {
		t.Fatalf("expected user-7, got %s", batch.UserID)
	}
	if len(batch.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(batch.Items))
	}
	if batch.Spec.Brightness != 1.2 {
		t.Fatalf("expected brightness 1.2, got %v", batch.Spec.Brightness)
	}

	for _, item := range batch.Items {
		exists, err := objects.ObjectExists(context.Background(), item.SourceKey)
		if err != nil || !exists {
			t.Fatalf("expected source object %s to exist: exists=%v err=%v", item.SourceKey, exists, err)
		}
		if !strings.HasPrefix(item.SourceKey, "sources/"+batchID+"/") {
			t.Fatalf("unexpected source key %s", item.SourceKey)
		}
	}
}

func TestCreateBatchTruncatesOversizedUpload(t *testing.T) {
	srv, _, batchStore, _ := newTestServer(t)

	files := map[string][]byte{}
	for i := 0; i < domain.MaxBatchFiles+3; i++ {
		files[fmt.Sprintf("img-%d.png", i)] = []byte("data")
	}

	body, contentType := multipartUpload(t, files, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}

	resp := decodeBody(t, rec)
	warning, _ := resp["warning"].(string)
	if warning == "" {
		t.Fatal("expected truncation warning")
	}

	batch, _, _ := batchStore.Get(context.Background(), resp["batch_id"].(string))
	if len(batch.Items) != domain.MaxBatchFiles {
		t.Fatalf("expected %d items after truncation, got %d", domain.MaxBatchFiles, len(batch.Items))
	}
}

func TestCreateBatchRejectsInvalidSpec(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	body, contentType := multipartUpload(t, map[string][]byte{"a.png": []byte("data")}, map[string]string{
		"spec": `{"brightness":5.0}`,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestStartBatchEnqueuesAndMarksQueued(t *testing.T) {
	srv, enqueuer, batchStore, objects := newTestServer(t)
	ctx := context.Background()

	_ = objects.WriteObject(ctx, "sources/batch-1/0_a.png", []byte("data"), "image/png")
	seedBatch(t, batchStore, domain.Batch{
		ID:         "batch-1",
		UserID:     "user-1",
		Status:     domain.BatchStatusCreated,
		SourceType: domain.SourceTypeObjectStore,
		Items: []domain.BatchItem{
			{Index: 0, Filename: "a.png", SourceKey: "sources/batch-1/0_a.png", Status: domain.ItemStatusPending},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/batches/batch-1/start", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(enqueuer.payloads) != 1 {
		t.Fatalf("expected 1 enqueued payload, got %d", len(enqueuer.payloads))
	}
	if enqueuer.payloads[0].BatchID != "batch-1" || len(enqueuer.payloads[0].Items) != 1 {
		t.Fatalf("unexpected payload: %+v", enqueuer.payloads[0])
	}

	batch, _, _ := batchStore.Get(ctx, "batch-1")
	if batch.Status != domain.BatchStatusQueued {
		t.Fatalf("expected status queued, got %s", batch.Status)
	}
}

func TestStartBatchRejectsMissingSource(t *testing.T) {
	srv, enqueuer, batchStore, _ := newTestServer(t)

	seedBatch(t, batchStore, domain.Batch{
		ID:         "batch-2",
		Status:     domain.BatchStatusCreated,
		SourceType: domain.SourceTypeObjectStore,
		Items: []domain.BatchItem{
			{Index: 0, Filename: "gone.png", SourceKey: "sources/batch-2/0_gone.png", Status: domain.ItemStatusPending},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/batches/batch-2/start", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(enqueuer.payloads) != 0 {
		t.Fatal("expected no enqueue on missing source")
	}
}

func TestStartBatchRejectsAlreadyStarted(t *testing.T) {
	srv, _, batchStore, objects := newTestServer(t)

	_ = objects.WriteObject(context.Background(), "sources/batch-3/0_a.png", []byte("data"), "image/png")
	seedBatch(t, batchStore, domain.Batch{
		ID:         "batch-3",
		Status:     domain.BatchStatusQueued,
		SourceType: domain.SourceTypeObjectStore,
		Items: []domain.BatchItem{
			{Index: 0, Filename: "a.png", SourceKey: "sources/batch-3/0_a.png", Status: domain.ItemStatusPending},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/batches/batch-3/start", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestGetBatchNotFound(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/batches/missing", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDownloadItemStreamsOutput(t *testing.T) {
	srv, _, batchStore, objects := newTestServer(t)
	ctx := context.Background()

	outputKey := "outputs/batch-4/0_portrait_nobg.png"
	_ = objects.WriteObject(ctx, outputKey, []byte("png-bytes"), "image/png")
	seedBatch(t, batchStore, domain.Batch{
		ID:         "batch-4",
		Status:     domain.BatchStatusCompleted,
		SourceType: domain.SourceTypeObjectStore,
		Items: []domain.BatchItem{
			{
				Index:     0,
				Filename:  "portrait.jpg",
				SourceKey: "sources/batch-4/0_portrait.jpg",
				OutputKey: outputKey,
				Format:    domain.FormatPNG,
				Status:    domain.ItemStatusSucceeded,
			},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/batches/batch-4/items/0/download", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "png-bytes" {
		t.Fatalf("unexpected body %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %s", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "portrait_nobg.png") {
		t.Fatalf("expected download name with _nobg suffix, got %q", cd)
	}
}

func TestDownloadFailedItemConflict(t *testing.T) {
	srv, _, batchStore, _ := newTestServer(t)

	seedBatch(t, batchStore, domain.Batch{
		ID:         "batch-5",
		Status:     domain.BatchStatusCompleted,
		SourceType: domain.SourceTypeObjectStore,
		Items: []domain.BatchItem{
			{
				Index:     0,
				Filename:  "broken.png",
				SourceKey: "sources/batch-5/0_broken.png",
				Status:    domain.ItemStatusFailed,
				Error:     "could not process broken.png: input is not a valid image",
			},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/batches/batch-5/items/0/download", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if msg, _ := resp["error"].(string); !strings.Contains(msg, "could not process broken.png") {
		t.Fatalf("expected per-item error message, got %q", msg)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/batches":                            "/v1/batches",
		"/v1/batches/abc":                        "/v1/batches/{id}",
		"/v1/batches/abc/start":                  "/v1/batches/{id}/start",
		"/v1/batches/abc/items/2/download":       "/v1/batches/{id}/items/{index}/download",
		"/healthz":                               "/healthz",
		"/metrics":                               "/metrics",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%s) = %s, want %s", path, got, want)
		}
	}
}

func seedBatch(t *testing.T, batchStore store.BatchStore, batch domain.Batch) {
	t.Helper()
	now := time.Now().UTC()
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
		batch.UpdatedAt = now
	}
	batch.Spec.ApplyDefaults()
	if err := batchStore.Create(context.Background(), batch); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
}
