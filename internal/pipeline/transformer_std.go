package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/nfnt/resize"

	"github.com/cutoutlabs/cutout/internal/domain"
	_ "golang.org/x/image/webp"
)

type stdlibTransformer struct{}

func (t stdlibTransformer) Transform(ctx context.Context, input []byte, spec domain.TransformSpec) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}

	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	img := toNRGBA(src)

	// Enhancement factors of exactly 1.0 must leave pixels untouched.
	if spec.Brightness != 1.0 {
		applyBrightness(img, spec.Brightness)
	}
	if spec.Contrast != 1.0 {
		applyContrast(img, spec.Contrast)
	}

	if spec.SizeRatio != nil {
		img, err = resizeToRatio(img, *spec.SizeRatio)
		if err != nil {
			return nil, "", 0, 0, err
		}
	}

	if spec.AddBackgroundColor {
		bg, err := spec.BackgroundRGBA()
		if err != nil {
			return nil, "", 0, 0, err
		}
		img = compositeOverColor(img, bg)
	}

	format := normalizeOutputFormat(spec.Format)
	output, err := encodeImage(img, format, spec.Quality)
	if err != nil {
		return nil, "", 0, 0, err
	}

	bounds := img.Bounds()
	return output, format, bounds.Dx(), bounds.Dy(), nil
}

// applyBrightness scales every color channel by factor, clamped to [0, 255].
// Alpha is untouched.
func applyBrightness(img *image.NRGBA, factor float64) {
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = clampByte(float64(img.Pix[i]) * factor)
		img.Pix[i+1] = clampByte(float64(img.Pix[i+1]) * factor)
		img.Pix[i+2] = clampByte(float64(img.Pix[i+2]) * factor)
	}
}

// applyContrast interpolates each channel between the image's mean gray
// level and the original value: out = mean + (in - mean) * factor.
func applyContrast(img *image.NRGBA, factor float64) {
	mean := meanLuminance(img)
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = clampByte(mean + (float64(img.Pix[i])-mean)*factor)
		img.Pix[i+1] = clampByte(mean + (float64(img.Pix[i+1])-mean)*factor)
		img.Pix[i+2] = clampByte(mean + (float64(img.Pix[i+2])-mean)*factor)
	}
}

func meanLuminance(img *image.NRGBA) float64 {
	bounds := img.Bounds()
	pixels := bounds.Dx() * bounds.Dy()
	if pixels == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(img.Pix); i += 4 {
		r := float64(img.Pix[i])
		g := float64(img.Pix[i+1])
		b := float64(img.Pix[i+2])
		sum += 0.299*r + 0.587*g + 0.114*b
	}
	return sum / float64(pixels)
}

// resizeToRatio keeps the original height and derives the width from the
// requested width:height ratio, resampling with Lanczos3.
func resizeToRatio(img *image.NRGBA, ratio domain.SizeRatio) (*image.NRGBA, error) {
	bounds := img.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, errors.New("source image has invalid dimensions")
	}

	newW := RatioWidth(srcH, ratio)
	if newW < 1 {
		newW = 1
	}
	if newW == srcW {
		return img, nil
	}

	resized := resize.Resize(uint(newW), uint(srcH), img, resize.Lanczos3)
	return toNRGBA(resized), nil
}

// RatioWidth computes the ratio-policy output width for an image of the
// given height: round(height / ratio_h * ratio_w).
func RatioWidth(height int, ratio domain.SizeRatio) int {
	return int(math.Round(float64(height) / float64(ratio.Height) * float64(ratio.Width)))
}

// compositeOverColor alpha-composites the foreground over an opaque solid
// background of the same size. The result has alpha 255 everywhere.
func compositeOverColor(fg *image.NRGBA, bg color.NRGBA) *image.NRGBA {
	bounds := fg.Bounds()
	dst := image.NewNRGBA(bounds)
	draw.Draw(dst, bounds, image.NewUniform(bg), image.Point{}, draw.Src)
	draw.Draw(dst, bounds, fg, bounds.Min, draw.Over)
	return dst
}

func encodeImage(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case domain.FormatJPEG:
		if quality <= 0 || quality > 100 {
			quality = domain.DefaultQuality
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case domain.FormatPNG:
		// PNG is lossless; the quality knob only affects jpeg output.
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	return buf.Bytes(), nil
}

func toNRGBA(src image.Image) *image.NRGBA {
	if nrgba, ok := src.(*image.NRGBA); ok {
		return nrgba
	}
	bounds := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Src)
	return dst
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(math.Round(v))
}
