package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cutoutlabs/cutout/internal/domain"
)

type MemoryBatchStore struct {
	mu      sync.RWMutex
	batches map[string]domain.Batch
	stats   []domain.BatchStats
}

func NewMemoryBatchStore() *MemoryBatchStore {
	return &MemoryBatchStore{
		batches: make(map[string]domain.Batch),
	}
}

func (s *MemoryBatchStore) Create(_ context.Context, batch domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batch.ID] = cloneBatch(batch)
	return nil
}

func (s *MemoryBatchStore) Get(_ context.Context, id string) (domain.Batch, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[id]
	if !ok {
		return domain.Batch{}, false, nil
	}
	return cloneBatch(batch), true, nil
}

func (s *MemoryBatchStore) UpdateStatus(_ context.Context, id, status string) (domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[id]
	if !ok {
		return domain.Batch{}, ErrBatchNotFound
	}

	batch.Status = status
	batch.UpdatedAt = time.Now().UTC()
	s.batches[id] = batch
	return cloneBatch(batch), nil
}

func (s *MemoryBatchStore) UpdateItem(_ context.Context, id string, item domain.BatchItem) (domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[id]
	if !ok {
		return domain.Batch{}, ErrBatchNotFound
	}

	updated := false
	for i := range batch.Items {
		if batch.Items[i].Index == item.Index {
			batch.Items[i] = item
			updated = true
			break
		}
	}
	if !updated {
		return domain.Batch{}, fmt.Errorf("batch %s has no item with index %d", id, item.Index)
	}

	batch.UpdatedAt = time.Now().UTC()
	s.batches[id] = batch
	return cloneBatch(batch), nil
}

func (s *MemoryBatchStore) CreateBatchStats(_ context.Context, stats domain.BatchStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, stats)
	return nil
}

func cloneBatch(batch domain.Batch) domain.Batch {
	out := batch
	out.Items = append([]domain.BatchItem(nil), batch.Items...)
	return out
}
