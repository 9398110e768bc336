//go:build govips && cgo

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/pixelprompt/internal/dispatch"
)

var sepiaMatrix = [][]float64{
	{0.393, 0.769, 0.189},
	{0.349, 0.686, 0.168},
	{0.272, 0.534, 0.131},
}

type govipsTransformer struct {
	opts Options
}

func (t govipsTransformer) Name() string { return "libvips" }

func (t govipsTransformer) Apply(ctx context.Context, input []byte, plan []dispatch.Operation) (Encoded, error) {
	if err := ctx.Err(); err != nil {
		return Encoded{}, err
	}

	sniffed, err := checkDimensions(input, t.opts.MaxPixels)
	if err != nil {
		return Encoded{}, err
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return Encoded{}, &DecodeError{Format: sniffed, Err: err}
	}
	defer func() { img.Close() }()

	if err := img.AutoRotate(); err != nil {
		return Encoded{}, &DecodeError{Format: sniffed, Err: err}
	}

	if len(plan) == 0 {
		return Encoded{Data: input, Format: sniffed, Width: img.Width(), Height: img.Height()}, nil
	}

	// JPEG has no alpha, and flattening up front keeps every band-wise
	// operation working on three channels.
	if img.HasAlpha() {
		if err := img.Flatten(&vips.Color{R: 255, G: 255, B: 255}); err != nil {
			return Encoded{}, &TransformError{Index: 0, Operation: "flatten", Err: err}
		}
	}
	if err := img.ToColorSpace(vips.InterpretationSRGB); err != nil {
		return Encoded{}, &DecodeError{Format: sniffed, Err: err}
	}

	for i, op := range plan {
		if err := ctx.Err(); err != nil {
			return Encoded{}, err
		}
		next, err := applyGovipsOp(img, op)
		if err != nil {
			return Encoded{}, &TransformError{Index: i, Operation: string(op.Kind), Err: err}
		}
		if next != img {
			img.Close()
			img = next
		}
	}

	params := vips.NewJpegExportParams()
	params.Quality = t.opts.JPEGQuality
	data, _, err := img.ExportJpeg(params)
	if err != nil {
		return Encoded{}, &TransformError{Index: len(plan), Operation: "encode", Err: err}
	}

	return Encoded{Data: data, Format: FormatJPEG, Width: img.Width(), Height: img.Height()}, nil
}

// applyGovipsOp mutates img in place and returns it, except for operations
// that have to rebuild the image.
func applyGovipsOp(img *vips.ImageRef, op dispatch.Operation) (*vips.ImageRef, error) {
	var err error
	switch op.Kind {
	case dispatch.KindBlur:
		if op.Sigma <= 0 {
			return nil, fmt.Errorf("blur sigma must be positive, got %v", op.Sigma)
		}
		err = img.GaussianBlur(op.Sigma)
	case dispatch.KindSharpen:
		if op.Sigma <= 0 {
			return nil, fmt.Errorf("sharpen sigma must be positive, got %v", op.Sigma)
		}
		err = img.Sharpen(op.Sigma, 1, 2)
	case dispatch.KindGrayscale:
		if err = img.ToColorSpace(vips.InterpretationBW); err == nil {
			err = img.ToColorSpace(vips.InterpretationSRGB)
		}
	case dispatch.KindSepia:
		err = img.Recomb(sepiaMatrix)
	case dispatch.KindBrightness, dispatch.KindDarkness:
		if op.Factor <= 0 {
			return nil, fmt.Errorf("brightness factor must be positive, got %v", op.Factor)
		}
		err = img.Linear([]float64{op.Factor, op.Factor, op.Factor}, []float64{0, 0, 0})
	case dispatch.KindSaturation, dispatch.KindDesaturation:
		if op.Factor < 0 {
			return nil, fmt.Errorf("saturation factor must not be negative, got %v", op.Factor)
		}
		err = img.Modulate(1, op.Factor, 0)
	case dispatch.KindFlip:
		err = img.Flip(vips.DirectionHorizontal)
	case dispatch.KindRotate:
		err = rotateGovips(img, op.Angle)
	case dispatch.KindInvert:
		err = img.Invert()
	case dispatch.KindResize:
		err = fitGovips(img, op.Width, op.Height)
	case dispatch.KindNormalize:
		return normalizeGovips(img)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOp, op.Kind)
	}
	if err != nil {
		return nil, err
	}
	return img, nil
}

func rotateGovips(img *vips.ImageRef, angle int) error {
	angle %= 360
	if angle < 0 {
		angle += 360
	}
	switch angle {
	case 0:
		return nil
	case 90:
		return img.Rotate(vips.Angle90)
	case 180:
		return img.Rotate(vips.Angle180)
	case 270:
		return img.Rotate(vips.Angle270)
	default:
		white := &vips.ColorRGBA{R: 255, G: 255, B: 255, A: 255}
		return img.Similarity(1, float64(angle), white, 0, 0, 0, 0)
	}
}

func fitGovips(img *vips.ImageRef, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("resize bounds must be positive, got %dx%d", width, height)
	}
	scale := min(float64(width)/float64(img.Width()), float64(height)/float64(img.Height()))
	if scale >= 1 {
		return nil
	}
	return img.Resize(scale, vips.KernelLanczos3)
}

// normalizeGovips round-trips through image.Image so both backends share
// the same level stretch.
func normalizeGovips(img *vips.ImageRef) (*vips.ImageRef, error) {
	data, _, err := img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, err
	}
	decoded, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, stretchLevels(decoded)); err != nil {
		return nil, err
	}
	return vips.NewImageFromBuffer(buf.Bytes())
}
