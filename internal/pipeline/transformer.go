package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/dunamismax/pixelprompt/internal/dispatch"
)

const (
	DefaultJPEGQuality = 90
	DefaultMaxPixels   = 50_000_000
)

// Transformer decodes an image once, applies a plan in order and encodes
// the result as JPEG. Either the whole plan applies or an error is returned.
type Transformer interface {
	Name() string
	Apply(ctx context.Context, input []byte, plan []dispatch.Operation) (Encoded, error)
}

type Encoded struct {
	Data   []byte
	Format Format
	Width  int
	Height int
}

type Options struct {
	JPEGQuality int
	MaxPixels   int
}

func (o Options) withDefaults() Options {
	if o.JPEGQuality <= 0 || o.JPEGQuality > 100 {
		o.JPEGQuality = DefaultJPEGQuality
	}
	if o.MaxPixels <= 0 {
		o.MaxPixels = DefaultMaxPixels
	}
	return o
}

// NewTransformer returns the backend selected at build time: libvips with
// the govips tag, imaging otherwise.
func NewTransformer(opts Options) (Transformer, error) {
	return newTransformer(opts.withDefaults())
}

// checkDimensions reads only the header so oversized images are rejected
// before their pixels are allocated.
func checkDimensions(input []byte, maxPixels int) (Format, error) {
	sniffed := SniffFormat(input)
	if len(input) == 0 {
		return sniffed, &DecodeError{Format: sniffed, Err: ErrEmptyImage}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		return sniffed, &DecodeError{Format: sniffed, Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return sniffed, &DecodeError{Format: sniffed, Err: fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height)}
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return sniffed, &DecodeError{
			Format: sniffed,
			Err:    fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height),
		}
	}
	return sniffed, nil
}
