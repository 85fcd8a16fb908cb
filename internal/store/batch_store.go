package store

import (
	"context"
	"errors"

	"github.com/cutoutlabs/cutout/internal/domain"
)

var ErrBatchNotFound = errors.New("batch not found")

type BatchStore interface {
	Create(ctx context.Context, batch domain.Batch) error
	Get(ctx context.Context, id string) (domain.Batch, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Batch, error)
	// UpdateItem folds one item's processing result back into the batch,
	// matched by item index.
	UpdateItem(ctx context.Context, id string, item domain.BatchItem) (domain.Batch, error)
}

type StatsStore interface {
	CreateBatchStats(ctx context.Context, stats domain.BatchStats) error
}
