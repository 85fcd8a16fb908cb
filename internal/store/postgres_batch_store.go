package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/cutoutlabs/cutout/internal/domain"
)

const batchSchemaSQL = `
CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	spec JSONB NOT NULL,
	items JSONB NOT NULL,
	warning TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_stats (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	batch_id TEXT NOT NULL,
	items_succeeded INT NOT NULL,
	items_failed INT NOT NULL,
	pixels_processed BIGINT NOT NULL,
	output_bytes BIGINT NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

type PostgresBatchStore struct {
	db *sql.DB
}

func NewPostgresBatchStore(ctx context.Context, dsn string) (*PostgresBatchStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresBatchStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresBatchStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, batchSchemaSQL); err != nil {
		return fmt.Errorf("ensure batches schema: %w", err)
	}
	return nil
}

func (s *PostgresBatchStore) Close() error {
	return s.db.Close()
}

func (s *PostgresBatchStore) Create(ctx context.Context, batch domain.Batch) error {
	specJSON, err := json.Marshal(batch.Spec)
	if err != nil {
		return fmt.Errorf("marshal batch spec: %w", err)
	}
	itemsJSON, err := json.Marshal(batch.Items)
	if err != nil {
		return fmt.Errorf("marshal batch items: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO batches (id, user_id, status, source_type, webhook_url, spec, items, warning, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		batch.ID,
		batch.UserID,
		batch.Status,
		batch.SourceType,
		batch.WebhookURL,
		specJSON,
		itemsJSON,
		batch.Warning,
		batch.CreatedAt,
		batch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	return nil
}

func (s *PostgresBatchStore) Get(ctx context.Context, id string) (domain.Batch, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, user_id, status, source_type, webhook_url, spec, items, warning, created_at, updated_at
		 FROM batches
		 WHERE id = $1`,
		id,
	)
	return scanBatch(row)
}

func (s *PostgresBatchStore) UpdateStatus(ctx context.Context, id, status string) (domain.Batch, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE batches
		 SET status = $1, updated_at = $2
		 WHERE id = $3`,
		status,
		now,
		id,
	)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("update batch status: %w", err)
	}

	batch, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Batch{}, err
	}
	if !ok {
		return domain.Batch{}, ErrBatchNotFound
	}

	return batch, nil
}

func (s *PostgresBatchStore) UpdateItem(ctx context.Context, id string, item domain.BatchItem) (domain.Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("begin item update: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(
		ctx,
		`SELECT items FROM batches WHERE id = $1 FOR UPDATE`,
		id,
	)

	var itemsJSON []byte
	if err := row.Scan(&itemsJSON); err != nil {
		if err == sql.ErrNoRows {
			return domain.Batch{}, ErrBatchNotFound
		}
		return domain.Batch{}, fmt.Errorf("query batch items: %w", err)
	}

	var items []domain.BatchItem
	if err := json.Unmarshal(itemsJSON, &items); err != nil {
		return domain.Batch{}, fmt.Errorf("unmarshal batch items: %w", err)
	}

	updated := false
	for i := range items {
		if items[i].Index == item.Index {
			items[i] = item
			updated = true
			break
		}
	}
	if !updated {
		return domain.Batch{}, fmt.Errorf("batch %s has no item with index %d", id, item.Index)
	}

	newItemsJSON, err := json.Marshal(items)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("marshal batch items: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE batches SET items = $1, updated_at = $2 WHERE id = $3`,
		newItemsJSON,
		time.Now().UTC(),
		id,
	); err != nil {
		return domain.Batch{}, fmt.Errorf("update batch items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Batch{}, fmt.Errorf("commit item update: %w", err)
	}

	batch, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Batch{}, err
	}
	if !ok {
		return domain.Batch{}, ErrBatchNotFound
	}
	return batch, nil
}

func (s *PostgresBatchStore) CreateBatchStats(ctx context.Context, stats domain.BatchStats) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO batch_stats (user_id, batch_id, items_succeeded, items_failed, pixels_processed, output_bytes, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		stats.UserID,
		stats.BatchID,
		stats.ItemsSucceeded,
		stats.ItemsFailed,
		stats.PixelsProcessed,
		stats.OutputBytes,
		stats.ComputeTimeMS,
		stats.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch stats: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (domain.Batch, bool, error) {
	var (
		batch     domain.Batch
		specJSON  []byte
		itemsJSON []byte
	)
	if err := row.Scan(
		&batch.ID,
		&batch.UserID,
		&batch.Status,
		&batch.SourceType,
		&batch.WebhookURL,
		&specJSON,
		&itemsJSON,
		&batch.Warning,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return domain.Batch{}, false, nil
		}
		return domain.Batch{}, false, fmt.Errorf("query batch: %w", err)
	}

	if err := json.Unmarshal(specJSON, &batch.Spec); err != nil {
		return domain.Batch{}, false, fmt.Errorf("unmarshal batch spec: %w", err)
	}
	if err := json.Unmarshal(itemsJSON, &batch.Items); err != nil {
		return domain.Batch{}, false, fmt.Errorf("unmarshal batch items: %w", err)
	}

	return batch, true, nil
}
