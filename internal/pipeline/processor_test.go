package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"

	"github.com/cutoutlabs/cutout/internal/domain"
)

func TestProcessYieldsOneResultPerItem(t *testing.T) {
	fetcher := newMemoryFetcher()
	filenames := []string{"a.png", "b.png", "c.png"}
	items := make([]Item, 0, len(filenames))
	for i, name := range filenames {
		key := fmt.Sprintf("sources/batch-1/%d_%s", i, name)
		fetcher.put(key, solidPNG(t, 4, 4, color.NRGBA{R: 50, G: 60, B: 70, A: 255}))
		items = append(items, Item{Index: i, Filename: name, SourceKey: key})
	}

	processor := newTestProcessor(t, fetcher, identityRemover{})

	spec := domain.TransformSpec{}
	spec.ApplyDefaults()

	result, err := processor.Process(context.Background(), Request{
		BatchID:    "batch-1",
		SourceType: domain.SourceTypeObjectStore,
		Spec:       spec,
		Items:      items,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(result.Items) != len(filenames) {
		t.Fatalf("expected %d results, got %d", len(filenames), len(result.Items))
	}
	if result.Truncated {
		t.Fatal("expected no truncation for batch of 3")
	}

	// Completion order is unspecified; match results by filename, not
	// position.
	seen := map[string]bool{}
	for _, item := range result.Items {
		if !item.Success {
			t.Fatalf("expected item %s to succeed, got error %q", item.Filename, item.Error)
		}
		seen[item.Filename] = true
	}
	for _, name := range filenames {
		if !seen[name] {
			t.Fatalf("missing result for %s", name)
		}
	}
}

func TestProcessTruncatesOversizedBatch(t *testing.T) {
	fetcher := newMemoryFetcher()
	var items []Item
	for i := 0; i < domain.MaxBatchFiles+3; i++ {
		name := fmt.Sprintf("img%d.png", i)
		key := fmt.Sprintf("sources/batch-2/%d_%s", i, name)
		fetcher.put(key, solidPNG(t, 2, 2, color.NRGBA{R: 1, G: 2, B: 3, A: 255}))
		items = append(items, Item{Index: i, Filename: name, SourceKey: key})
	}

	processor := newTestProcessor(t, fetcher, identityRemover{})

	spec := domain.TransformSpec{}
	spec.ApplyDefaults()

	result, err := processor.Process(context.Background(), Request{
		BatchID:    "batch-2",
		SourceType: domain.SourceTypeObjectStore,
		Spec:       spec,
		Items:      items,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(result.Items) != domain.MaxBatchFiles {
		t.Fatalf("expected exactly %d results, got %d", domain.MaxBatchFiles, len(result.Items))
	}
	if !result.Truncated {
		t.Fatal("expected truncation flag for oversized batch")
	}
}

func TestProcessIsolatesDecodeFailure(t *testing.T) {
	fetcher := newMemoryFetcher()
	fetcher.put("sources/batch-3/0_good.png", solidPNG(t, 2, 2, color.NRGBA{R: 9, G: 9, B: 9, A: 255}))
	fetcher.put("sources/batch-3/1_bad.png", []byte("definitely not a png"))

	processor := newTestProcessor(t, fetcher, identityRemover{})

	spec := domain.TransformSpec{}
	spec.ApplyDefaults()

	result, err := processor.Process(context.Background(), Request{
		BatchID:    "batch-3",
		SourceType: domain.SourceTypeObjectStore,
		Spec:       spec,
		Items: []Item{
			{Index: 0, Filename: "good.png", SourceKey: "sources/batch-3/0_good.png"},
			{Index: 1, Filename: "bad.png", SourceKey: "sources/batch-3/1_bad.png"},
		},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(result.Items) != 2 {
		t.Fatalf("expected 2 results, got %d", len(result.Items))
	}

	for _, item := range result.Items {
		switch item.Filename {
		case "good.png":
			if !item.Success {
				t.Fatalf("expected good.png to succeed, got %q", item.Error)
			}
		case "bad.png":
			if item.Success {
				t.Fatal("expected bad.png to fail")
			}
			if !strings.Contains(item.Error, "could not process bad.png") {
				t.Fatalf("expected structured failure message, got %q", item.Error)
			}
		default:
			t.Fatalf("unexpected result filename %s", item.Filename)
		}
	}
}

func TestProcessIsolatesModelFailure(t *testing.T) {
	fetcher := newMemoryFetcher()
	fetcher.put("sources/batch-4/0_a.png", solidPNG(t, 2, 2, color.NRGBA{R: 9, G: 9, B: 9, A: 255}))

	processor := newTestProcessor(t, fetcher, failingRemover{})

	spec := domain.TransformSpec{}
	spec.ApplyDefaults()

	result, err := processor.Process(context.Background(), Request{
		BatchID:    "batch-4",
		SourceType: domain.SourceTypeObjectStore,
		Spec:       spec,
		Items:      []Item{{Index: 0, Filename: "a.png", SourceKey: "sources/batch-4/0_a.png"}},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if result.Items[0].Success {
		t.Fatal("expected model failure to fail the item")
	}
	if !strings.Contains(result.Items[0].Error, "background removal failed") {
		t.Fatalf("expected model invocation error, got %q", result.Items[0].Error)
	}
}

// The 2x2 solid-red scenario: an identity remover keeps the image opaque, so
// compositing over blue changes nothing; a remover that zeroes alpha makes
// the output solid blue.
func TestProcessRedSquareCompositeScenario(t *testing.T) {
	red := solidPNG(t, 2, 2, color.NRGBA{R: 255, G: 0, B: 0, A: 255})

	spec := domain.TransformSpec{AddBackgroundColor: true, BackgroundColor: "#0000FF"}
	spec.ApplyDefaults()

	run := func(t *testing.T, remover Remover, want color.NRGBA) {
		t.Helper()

		fetcher := newMemoryFetcher()
		fetcher.put("sources/batch-5/0_red.png", red)
		emitter := newMemoryEmitter()
		processor, err := NewProcessor(fetcher, emitter, remover)
		if err != nil {
			t.Fatalf("new processor: %v", err)
		}

		result, err := processor.Process(context.Background(), Request{
			BatchID:    "batch-5",
			SourceType: domain.SourceTypeObjectStore,
			Spec:       spec,
			Items:      []Item{{Index: 0, Filename: "red.png", SourceKey: "sources/batch-5/0_red.png"}},
		})
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if !result.Items[0].Success {
			t.Fatalf("expected success, got %q", result.Items[0].Error)
		}

		out := emitter.get(result.Items[0].OutputKey)
		decoded := decodeNRGBA(t, out)
		for i := 0; i < len(decoded.Pix); i += 4 {
			got := color.NRGBA{R: decoded.Pix[i], G: decoded.Pix[i+1], B: decoded.Pix[i+2], A: decoded.Pix[i+3]}
			if got != want {
				t.Fatalf("expected %+v, got %+v at offset %d", want, got, i)
			}
		}
	}

	t.Run("opaque foreground hides background", func(t *testing.T) {
		run(t, identityRemover{}, color.NRGBA{R: 255, G: 0, B: 0, A: 255})
	})
	t.Run("transparent foreground reveals background", func(t *testing.T) {
		run(t, transparentRemover{}, color.NRGBA{R: 0, G: 0, B: 255, A: 255})
	})
}

func TestOutputFilename(t *testing.T) {
	if got := OutputFilename("portrait.jpg", domain.FormatPNG); got != "portrait_nobg.png" {
		t.Fatalf("expected portrait_nobg.png, got %s", got)
	}
	if got := OutputFilename("photo.png", domain.FormatJPEG); got != "photo_nobg.jpg" {
		t.Fatalf("expected photo_nobg.jpg, got %s", got)
	}
	if got := OutputFilename("weird name!.png", domain.FormatPNG); got != "weird_name__nobg.png" {
		t.Fatalf("expected sanitized name, got %s", got)
	}
}

func newTestProcessor(t *testing.T, fetcher Fetcher, remover Remover) *Processor {
	t.Helper()

	processor, err := NewProcessor(fetcher, newMemoryEmitter(), remover)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return processor
}

type identityRemover struct{}

func (identityRemover) Remove(_ context.Context, input []byte) ([]byte, error) {
	return input, nil
}

// transparentRemover simulates a model that classifies every pixel as
// background: it zeroes the alpha channel.
type transparentRemover struct{}

func (transparentRemover) Remove(_ context.Context, input []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, err
	}
	out := toNRGBA(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type failingRemover struct{}

func (failingRemover) Remove(_ context.Context, _ []byte) ([]byte, error) {
	return nil, errors.New("model server unreachable")
}

type memoryFetcher struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryFetcher() *memoryFetcher {
	return &memoryFetcher{objects: make(map[string][]byte)}
}

func (f *memoryFetcher) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func (f *memoryFetcher) Fetch(_ context.Context, _ Request, item Item) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[item.SourceKey]
	if !ok {
		return nil, fmt.Errorf("object %s not found", item.SourceKey)
	}
	return data, nil
}

type memoryEmitter struct {
	mu      sync.Mutex
	outputs map[string][]byte
}

func newMemoryEmitter() *memoryEmitter {
	return &memoryEmitter{outputs: make(map[string][]byte)}
}

func (e *memoryEmitter) Emit(_ context.Context, req Request, item Item, data []byte, format string, _, _ int) (string, error) {
	key := fmt.Sprintf("outputs/%s/%d_%s", req.BatchID, item.Index, OutputFilename(item.Filename, format))
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputs[key] = append([]byte(nil), data...)
	return key, nil
}

func (e *memoryEmitter) get(key string) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outputs[key]
}
