package domain

import (
	"errors"
	"fmt"
	"image/color"
	"strings"
	"time"
)

// MaxBatchFiles caps how many images a single batch may process. Uploads
// beyond the cap are truncated with a warning, never rejected.
const MaxBatchFiles = 5

const (
	BatchStatusCreated    = "created"
	BatchStatusQueued     = "queued"
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"

	ItemStatusPending   = "pending"
	ItemStatusSucceeded = "succeeded"
	ItemStatusFailed    = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeObjectStore = "object_store"

	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

const (
	DefaultBrightness = 1.0
	DefaultContrast   = 1.0
	DefaultQuality    = 95

	MinEnhanceFactor = 0.1
	MaxEnhanceFactor = 2.0
)

// SizeRatio is the requested output aspect ratio, e.g. {4, 3}. The output
// keeps the original image height; only the width is derived from the ratio.
type SizeRatio struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// TransformSpec describes every effect applied to each image of a batch. It
// is read-only once the batch is created and shared by all items.
type TransformSpec struct {
	AddBackgroundColor bool       `json:"add_background_color,omitempty"`
	BackgroundColor    string     `json:"background_color,omitempty"`
	Brightness         float64    `json:"brightness,omitempty"`
	Contrast           float64    `json:"contrast,omitempty"`
	Quality            int        `json:"quality,omitempty"`
	SizeRatio          *SizeRatio `json:"size_ratio,omitempty"`
	Format             string     `json:"format,omitempty"`
}

// ApplyDefaults fills zero values in before validation. A zero spec is a
// valid spec: no recolor, no resize, neutral enhancement, lossless output.
func (s *TransformSpec) ApplyDefaults() {
	if s.Brightness == 0 {
		s.Brightness = DefaultBrightness
	}
	if s.Contrast == 0 {
		s.Contrast = DefaultContrast
	}
	if s.Quality == 0 {
		s.Quality = DefaultQuality
	}
	if strings.TrimSpace(s.Format) == "" {
		s.Format = FormatPNG
	}
	s.Format = strings.ToLower(strings.TrimSpace(s.Format))
}

func (s TransformSpec) Validate() error {
	if s.Brightness < MinEnhanceFactor || s.Brightness > MaxEnhanceFactor {
		return fmt.Errorf("brightness must be between %.1f and %.1f", MinEnhanceFactor, MaxEnhanceFactor)
	}
	if s.Contrast < MinEnhanceFactor || s.Contrast > MaxEnhanceFactor {
		return fmt.Errorf("contrast must be between %.1f and %.1f", MinEnhanceFactor, MaxEnhanceFactor)
	}
	if s.Quality < 1 || s.Quality > 100 {
		return errors.New("quality must be between 1 and 100")
	}
	if s.Format != FormatPNG && s.Format != FormatJPEG {
		return fmt.Errorf("unsupported output format: %s", s.Format)
	}
	if s.SizeRatio != nil {
		if s.SizeRatio.Width <= 0 || s.SizeRatio.Height <= 0 {
			return errors.New("size_ratio width and height must be positive")
		}
	}
	if s.AddBackgroundColor {
		if _, err := ParseHexColor(s.BackgroundColor); err != nil {
			return fmt.Errorf("background_color: %w", err)
		}
	}
	return nil
}

// BackgroundRGBA returns the configured background as an opaque color. Only
// meaningful when AddBackgroundColor is set; Validate guarantees it parses.
func (s TransformSpec) BackgroundRGBA() (color.NRGBA, error) {
	return ParseHexColor(s.BackgroundColor)
}

// ParseHexColor parses "#RRGGBB" into an opaque NRGBA.
func ParseHexColor(in string) (color.NRGBA, error) {
	in = strings.TrimSpace(in)
	if len(in) != 7 || in[0] != '#' {
		return color.NRGBA{}, fmt.Errorf("expected #RRGGBB, got %q", in)
	}

	var rgb [3]uint8
	for i := 0; i < 3; i++ {
		hi, err := hexNibble(in[1+i*2])
		if err != nil {
			return color.NRGBA{}, err
		}
		lo, err := hexNibble(in[2+i*2])
		if err != nil {
			return color.NRGBA{}, err
		}
		rgb[i] = hi<<4 | lo
	}
	return color.NRGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255}, nil
}

func hexNibble(c byte) (uint8, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", string(c))
	}
}

// BatchItem is one uploaded image inside a batch. Index is stable across the
// batch lifetime; processing results are folded back in by index.
type BatchItem struct {
	Index     int    `json:"index"`
	Filename  string `json:"filename"`
	SourceKey string `json:"source_key"`
	OutputKey string `json:"output_key,omitempty"`
	Format    string `json:"format,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type Batch struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	WebhookURL string
	Spec       TransformSpec
	Items      []BatchItem
	Warning    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate checks a batch before it is persisted. Spec defaults must have
// been applied already.
func (b Batch) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return errors.New("batch id is required")
	}
	sourceType := strings.ToLower(strings.TrimSpace(b.SourceType))
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeObjectStore {
		return fmt.Errorf("unsupported source_type: %s", b.SourceType)
	}
	if len(b.Items) == 0 {
		return errors.New("batch must contain at least one image")
	}
	if len(b.Items) > MaxBatchFiles {
		return fmt.Errorf("batch may contain at most %d images", MaxBatchFiles)
	}
	for i, item := range b.Items {
		if strings.TrimSpace(item.Filename) == "" {
			return fmt.Errorf("items[%d].filename is required", i)
		}
		if strings.TrimSpace(item.SourceKey) == "" {
			return fmt.Errorf("items[%d].source_key is required", i)
		}
	}
	return b.Spec.Validate()
}
