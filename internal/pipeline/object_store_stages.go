package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/cutoutlabs/cutout/internal/domain"
	"github.com/cutoutlabs/cutout/internal/storage"
)

type ObjectStoreFetcher struct {
	Storage *storage.Client
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request, item Item) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, domain.SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, item.SourceKey)
}

type ObjectStoreEmitter struct {
	Storage      *storage.Client
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, item Item, data []byte, format string, _, _ int) (string, error) {
	if e.Storage == nil {
		return "", errors.New("storage client is required")
	}

	// Index prefix keeps outputs distinct when two uploads share a stem.
	objectKey := path.Join(
		defaultOutputPrefix(e.OutputPrefix),
		sanitizePathToken(req.BatchID),
		fmt.Sprintf("%d_%s", item.Index, OutputFilename(item.Filename, format)),
	)

	if err := e.Storage.WriteObject(ctx, objectKey, data, contentTypeForFormat(format)); err != nil {
		return "", err
	}
	return objectKey, nil
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "outputs"
	}
	return prefix
}
