package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cutoutlabs/cutout/internal/domain"
)

var (
	ErrDecode          = errors.New("input is not a valid image")
	ErrModelInvocation = errors.New("background removal failed")

	ErrUnsupportedSourceType = errors.New("unsupported source_type")
)

type Request struct {
	BatchID    string
	SourceType string
	Spec       domain.TransformSpec
	Items      []Item
}

// Item identifies one source image of a batch. For object_store batches
// SourceKey is an object key; for local_file batches it is a filesystem path.
type Item struct {
	Index     int
	Filename  string
	SourceKey string
}

// ItemResult is the per-image outcome. A failed item carries its error
// message and never prevents sibling items from producing results.
type ItemResult struct {
	Index       int
	Filename    string
	OutputKey   string
	Format      string
	Bytes       int
	SourceBytes int
	Width       int
	Height      int
	Success     bool
	Error       string
}

type Result struct {
	Items     []ItemResult
	Truncated bool
}

func (r Result) Succeeded() int {
	n := 0
	for _, item := range r.Items {
		if item.Success {
			n++
		}
	}
	return n
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request, item Item) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, item Item, data []byte, format string, width, height int) (string, error)
}

type Processor struct {
	fetcher     Fetcher
	remover     Remover
	transformer Transformer
	emitter     Emitter
}

func NewLocalProcessor(outputDir string, remover Remover) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir}, remover)
}

func NewProcessor(fetcher Fetcher, emitter Emitter, remover Remover) (*Processor, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	if remover == nil {
		return nil, errors.New("background remover is required")
	}

	transformer, err := newTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}

	return &Processor{
		fetcher:     fetcher,
		remover:     remover,
		transformer: transformer,
		emitter:     emitter,
	}, nil
}

// Process runs every item of the batch independently and in parallel,
// bounded by MaxBatchFiles. Results are collected as items complete, so
// their order is unspecified; callers must match results by filename or
// index, never by position. A panic-free failing item becomes a failed
// ItemResult instead of aborting its siblings.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.BatchID) == "" {
		return Result{}, errors.New("batch_id is required")
	}
	if len(req.Items) == 0 {
		return Result{}, errors.New("batch must contain at least one item")
	}

	items := req.Items
	truncated := false
	if len(items) > domain.MaxBatchFiles {
		items = items[:domain.MaxBatchFiles]
		truncated = true
	}

	results := make(chan ItemResult, len(items))
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(item Item) {
			defer wg.Done()
			results <- p.processItem(ctx, req, item)
		}(item)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := Result{Items: make([]ItemResult, 0, len(items)), Truncated: truncated}
	for res := range results {
		out.Items = append(out.Items, res)
	}
	return out, nil
}

func (p *Processor) processItem(ctx context.Context, req Request, item Item) ItemResult {
	result, err := p.transformItem(ctx, req, item)
	if err != nil {
		return ItemResult{
			Index:    item.Index,
			Filename: item.Filename,
			Error:    fmt.Sprintf("could not process %s: %v", item.Filename, err),
		}
	}
	return result
}

func (p *Processor) transformItem(ctx context.Context, req Request, item Item) (ItemResult, error) {
	source, err := p.fetcher.Fetch(ctx, req, item)
	if err != nil {
		return ItemResult{}, fmt.Errorf("fetch source: %w", err)
	}

	if _, _, err := image.Decode(bytes.NewReader(source)); err != nil {
		return ItemResult{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	removed, err := p.remover.Remove(ctx, source)
	if err != nil {
		return ItemResult{}, fmt.Errorf("%w: %v", ErrModelInvocation, err)
	}

	data, format, width, height, err := p.transformer.Transform(ctx, removed, req.Spec)
	if err != nil {
		// The transformer only sees model output here, so a decode
		// failure means the model returned garbage.
		if errors.Is(err, ErrDecode) {
			return ItemResult{}, fmt.Errorf("%w: undecodable model output: %v", ErrModelInvocation, err)
		}
		return ItemResult{}, fmt.Errorf("transform: %w", err)
	}

	outputKey, err := p.emitter.Emit(ctx, req, item, data, format, width, height)
	if err != nil {
		return ItemResult{}, fmt.Errorf("emit output: %w", err)
	}

	return ItemResult{
		Index:       item.Index,
		Filename:    item.Filename,
		OutputKey:   outputKey,
		Format:      format,
		Bytes:       len(data),
		SourceBytes: len(source),
		Width:       width,
		Height:      height,
		Success:     true,
	}, nil
}

// OutputFilename derives the download name for a transformed image:
// "<stem>_nobg.png" (or .jpg for jpeg output).
func OutputFilename(sourceName, format string) string {
	base := filepath.Base(sourceName)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = "image"
	}
	return fmt.Sprintf("%s_nobg.%s", sanitizePathToken(stem), outputExtension(format))
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
