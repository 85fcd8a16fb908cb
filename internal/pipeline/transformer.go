package pipeline

import (
	"context"

	"github.com/cutoutlabs/cutout/internal/domain"
)

// Transformer applies the post-removal effects of a TransformSpec to a
// single already background-removed image: brightness, contrast, aspect
// ratio resize, optional solid-color recomposition, and output encoding.
type Transformer interface {
	Transform(ctx context.Context, input []byte, spec domain.TransformSpec) (data []byte, format string, width, height int, err error)
}

// Remover is the black-box background-removal model invocation: encoded
// image bytes in, encoded image bytes with transparent background out.
type Remover interface {
	Remove(ctx context.Context, input []byte) ([]byte, error)
}

func normalizeOutputFormat(format string) string {
	switch format {
	case "jpg", "jpeg":
		return domain.FormatJPEG
	default:
		return domain.FormatPNG
	}
}

func outputExtension(format string) string {
	if normalizeOutputFormat(format) == domain.FormatJPEG {
		return "jpg"
	}
	return "png"
}

func contentTypeForFormat(format string) string {
	if normalizeOutputFormat(format) == domain.FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}
