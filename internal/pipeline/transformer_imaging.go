package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/pixelprompt/internal/dispatch"
	_ "golang.org/x/image/webp"
)

type imagingTransformer struct {
	opts Options
}

func (t imagingTransformer) Name() string { return "imaging" }

func (t imagingTransformer) Apply(ctx context.Context, input []byte, plan []dispatch.Operation) (Encoded, error) {
	if err := ctx.Err(); err != nil {
		return Encoded{}, err
	}

	sniffed, err := checkDimensions(input, t.opts.MaxPixels)
	if err != nil {
		return Encoded{}, err
	}

	src, err := imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(true))
	if err != nil {
		return Encoded{}, &DecodeError{Format: sniffed, Err: err}
	}

	// An empty plan is a passthrough: the caller gets its own bytes back.
	if len(plan) == 0 {
		bounds := src.Bounds()
		return Encoded{Data: input, Format: sniffed, Width: bounds.Dx(), Height: bounds.Dy()}, nil
	}

	img := flattenOnWhite(src)
	for i, op := range plan {
		if err := ctx.Err(); err != nil {
			return Encoded{}, err
		}
		img, err = applyImagingOp(img, op)
		if err != nil {
			return Encoded{}, &TransformError{Index: i, Operation: string(op.Kind), Err: err}
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(t.opts.JPEGQuality)); err != nil {
		return Encoded{}, &TransformError{Index: len(plan), Operation: "encode", Err: err}
	}

	bounds := img.Bounds()
	return Encoded{Data: buf.Bytes(), Format: FormatJPEG, Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

// flattenOnWhite composites translucent pixels onto white so they survive
// JPEG encoding the same way the libvips backend renders them.
func flattenOnWhite(src image.Image) image.Image {
	if o, ok := src.(interface{ Opaque() bool }); ok && o.Opaque() {
		return src
	}
	b := src.Bounds()
	return imaging.Overlay(imaging.New(b.Dx(), b.Dy(), color.White), src, image.Pt(0, 0), 1.0)
}

func applyImagingOp(img image.Image, op dispatch.Operation) (out image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	switch op.Kind {
	case dispatch.KindBlur:
		if op.Sigma <= 0 {
			return nil, fmt.Errorf("blur sigma must be positive, got %v", op.Sigma)
		}
		return imaging.Blur(img, op.Sigma), nil
	case dispatch.KindSharpen:
		if op.Sigma <= 0 {
			return nil, fmt.Errorf("sharpen sigma must be positive, got %v", op.Sigma)
		}
		return imaging.Sharpen(img, op.Sigma), nil
	case dispatch.KindGrayscale:
		return imaging.Grayscale(img), nil
	case dispatch.KindSepia:
		return imaging.AdjustFunc(img, sepiaTone), nil
	case dispatch.KindBrightness, dispatch.KindDarkness:
		if op.Factor <= 0 {
			return nil, fmt.Errorf("brightness factor must be positive, got %v", op.Factor)
		}
		return imaging.AdjustFunc(img, scaleChannels(op.Factor)), nil
	case dispatch.KindSaturation, dispatch.KindDesaturation:
		if op.Factor < 0 {
			return nil, fmt.Errorf("saturation factor must not be negative, got %v", op.Factor)
		}
		return imaging.AdjustSaturation(img, (op.Factor-1)*100), nil
	case dispatch.KindFlip:
		return imaging.FlipH(img), nil
	case dispatch.KindRotate:
		// imaging rotates counter-clockwise.
		return imaging.Rotate(img, -float64(op.Angle%360), color.White), nil
	case dispatch.KindInvert:
		return imaging.Invert(img), nil
	case dispatch.KindResize:
		if op.Width <= 0 || op.Height <= 0 {
			return nil, fmt.Errorf("resize bounds must be positive, got %dx%d", op.Width, op.Height)
		}
		return imaging.Fit(img, op.Width, op.Height, imaging.Lanczos), nil
	case dispatch.KindNormalize:
		return stretchLevels(img), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOp, op.Kind)
	}
}

func sepiaTone(c color.NRGBA) color.NRGBA {
	r, g, b := float64(c.R), float64(c.G), float64(c.B)
	return color.NRGBA{
		R: clamp8(0.393*r + 0.769*g + 0.189*b),
		G: clamp8(0.349*r + 0.686*g + 0.168*b),
		B: clamp8(0.272*r + 0.534*g + 0.131*b),
		A: c.A,
	}
}

func scaleChannels(factor float64) func(color.NRGBA) color.NRGBA {
	return func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: clamp8(float64(c.R) * factor),
			G: clamp8(float64(c.G) * factor),
			B: clamp8(float64(c.B) * factor),
			A: c.A,
		}
	}
}

// stretchLevels maps each channel's observed range onto 0..255. Fully
// transparent pixels do not contribute to the range.
func stretchLevels(img image.Image) image.Image {
	src := imaging.Clone(img)
	lo := [3]uint8{255, 255, 255}
	hi := [3]uint8{}
	for i := 0; i+3 < len(src.Pix); i += 4 {
		if src.Pix[i+3] == 0 {
			continue
		}
		for c := 0; c < 3; c++ {
			v := src.Pix[i+c]
			lo[c] = min(lo[c], v)
			hi[c] = max(hi[c], v)
		}
	}

	return imaging.AdjustFunc(src, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: stretch(c.R, lo[0], hi[0]),
			G: stretch(c.G, lo[1], hi[1]),
			B: stretch(c.B, lo[2], hi[2]),
			A: c.A,
		}
	})
}

func stretch(v, lo, hi uint8) uint8 {
	if hi <= lo {
		return v
	}
	return clamp8((float64(v) - float64(lo)) * 255 / float64(hi-lo))
}

func clamp8(v float64) uint8 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(math.Round(v))
	}
}
