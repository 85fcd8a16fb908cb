package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cutoutlabs/cutout/internal/domain"
)

// LocalFileFetcher and LocalFileEmitter serve local_file batches, where
// each item's SourceKey is a path on the worker's filesystem.
type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request, item Item) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, domain.SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(item.SourceKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", item.SourceKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, item Item, data []byte, format string, _, _ int) (string, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return "", errors.New("output directory is required")
	}

	batchDir := filepath.Join(e.OutputDir, sanitizePathToken(req.BatchID))
	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	// Index prefix keeps outputs distinct when two uploads share a stem.
	fullPath := filepath.Join(batchDir, fmt.Sprintf("%d_%s", item.Index, OutputFilename(item.Filename, format)))
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write output file: %w", err)
	}
	return fullPath, nil
}
