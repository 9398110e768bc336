package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/dunamismax/pixelprompt/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransformer(opts Options) imagingTransformer {
	return imagingTransformer{opts: opts.withDefaults()}
}

func TestApplyEmptyPlanReturnsInputUnchanged(t *testing.T) {
	input := encodePNG(t, gradientImage(32, 16))

	got, err := newTestTransformer(Options{}).Apply(context.Background(), input, nil)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(input, got.Data), "pixels must pass through untouched")
	assert.Equal(t, FormatPNG, got.Format)
	assert.Equal(t, 32, got.Width)
	assert.Equal(t, 16, got.Height)
}

func TestApplyEncodesJPEG(t *testing.T) {
	input := encodePNG(t, gradientImage(64, 48))
	plan := []dispatch.Operation{dispatch.Blur(), dispatch.Grayscale()}

	got, err := newTestTransformer(Options{}).Apply(context.Background(), input, plan)
	require.NoError(t, err)
	assert.Equal(t, FormatJPEG, got.Format)
	assert.Equal(t, FormatJPEG, SniffFormat(got.Data))
	assert.Equal(t, 64, got.Width)
	assert.Equal(t, 48, got.Height)

	out := decodeBytes(t, got.Data)
	c := nrgbaAt(out, 32, 24)
	assert.InDelta(t, int(c.R), int(c.G), 3)
	assert.InDelta(t, int(c.G), int(c.B), 3)
}

func TestApplyFlattensTransparencyOntoWhite(t *testing.T) {
	tests := []struct {
		name string
		fill color.NRGBA
		want color.NRGBA
	}{
		{name: "fully transparent", fill: color.NRGBA{}, want: color.NRGBA{R: 255, G: 255, B: 255, A: 255}},
		{name: "half transparent red", fill: color.NRGBA{R: 255, A: 128}, want: color.NRGBA{R: 255, G: 127, B: 127, A: 255}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := encodePNG(t, uniformImage(16, 16, tt.fill))

			got, err := newTestTransformer(Options{}).Apply(context.Background(), input, []dispatch.Operation{dispatch.Blur()})
			require.NoError(t, err)
			require.Equal(t, FormatJPEG, got.Format)

			c := nrgbaAt(decodeBytes(t, got.Data), 8, 8)
			assert.InDelta(t, int(tt.want.R), int(c.R), 8)
			assert.InDelta(t, int(tt.want.G), int(c.G), 8)
			assert.InDelta(t, int(tt.want.B), int(c.B), 8)
		})
	}
}

func TestApplyDecodeErrors(t *testing.T) {
	tests := []struct {
		name       string
		input      []byte
		wantFormat Format
	}{
		{"garbage", []byte("not an image at all"), FormatUnknown},
		{"truncated jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00}, FormatJPEG},
		{"empty", nil, FormatUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestTransformer(Options{}).Apply(context.Background(), tt.input, []dispatch.Operation{dispatch.Blur()})
			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, tt.wantFormat, decodeErr.Format)
		})
	}
}

func TestApplyRejectsTooManyPixels(t *testing.T) {
	input := encodePNG(t, gradientImage(20, 20))

	_, err := newTestTransformer(Options{MaxPixels: 100}).Apply(context.Background(), input, []dispatch.Operation{dispatch.Invert()})
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.ErrorIs(t, err, ErrTooManyPixels)
}

func TestApplyReportsFailingStep(t *testing.T) {
	input := encodePNG(t, gradientImage(16, 16))
	plan := []dispatch.Operation{
		dispatch.Grayscale(),
		{Kind: dispatch.KindBlur, Sigma: -1},
		dispatch.Invert(),
	}

	got, err := newTestTransformer(Options{}).Apply(context.Background(), input, plan)
	var transformErr *TransformError
	require.ErrorAs(t, err, &transformErr)
	assert.Equal(t, 1, transformErr.Index)
	assert.Equal(t, "blur", transformErr.Operation)
	assert.Empty(t, got.Data, "partial output must be discarded")
}

func TestApplyUnsupportedOperation(t *testing.T) {
	input := encodePNG(t, gradientImage(8, 8))

	_, err := newTestTransformer(Options{}).Apply(context.Background(), input, []dispatch.Operation{{Kind: "posterize"}})
	assert.ErrorIs(t, err, ErrUnsupportedOp)
}

func TestApplyHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestTransformer(Options{}).Apply(ctx, encodePNG(t, gradientImage(8, 8)), []dispatch.Operation{dispatch.Blur()})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestImagingOperations(t *testing.T) {
	gray := color.NRGBA{R: 100, G: 100, B: 100, A: 255}

	t.Run("invert", func(t *testing.T) {
		out := mustApply(t, uniformImage(2, 2, color.NRGBA{R: 10, G: 20, B: 30, A: 255}), dispatch.Invert())
		assert.Equal(t, color.NRGBA{R: 245, G: 235, B: 225, A: 255}, nrgbaAt(out, 0, 0))
	})

	t.Run("brightness", func(t *testing.T) {
		out := mustApply(t, uniformImage(2, 2, gray), dispatch.Brighten())
		assert.Equal(t, uint8(150), nrgbaAt(out, 1, 1).R)
	})

	t.Run("brightness clamps", func(t *testing.T) {
		out := mustApply(t, uniformImage(2, 2, color.NRGBA{R: 250, G: 250, B: 250, A: 255}), dispatch.Brighten())
		assert.Equal(t, uint8(255), nrgbaAt(out, 0, 0).G)
	})

	t.Run("darkness", func(t *testing.T) {
		out := mustApply(t, uniformImage(2, 2, gray), dispatch.Darken())
		assert.Equal(t, uint8(60), nrgbaAt(out, 0, 0).B)
	})

	t.Run("grayscale", func(t *testing.T) {
		out := mustApply(t, uniformImage(2, 2, color.NRGBA{R: 200, G: 100, B: 50, A: 255}), dispatch.Grayscale())
		c := nrgbaAt(out, 0, 0)
		assert.Equal(t, c.R, c.G)
		assert.Equal(t, c.G, c.B)
	})

	t.Run("sepia", func(t *testing.T) {
		out := mustApply(t, uniformImage(2, 2, gray), dispatch.Sepia())
		assert.Equal(t, color.NRGBA{R: 135, G: 120, B: 94, A: 255}, nrgbaAt(out, 0, 0))
	})

	t.Run("saturation", func(t *testing.T) {
		src := uniformImage(2, 2, color.NRGBA{R: 200, G: 100, B: 100, A: 255})
		more := nrgbaAt(mustApply(t, src, dispatch.Saturate()), 0, 0)
		less := nrgbaAt(mustApply(t, src, dispatch.Desaturate()), 0, 0)
		assert.Greater(t, int(more.R)-int(more.G), 100)
		assert.Less(t, int(less.R)-int(less.G), 100)
	})

	t.Run("flip", func(t *testing.T) {
		src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
		src.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
		src.SetNRGBA(1, 0, color.NRGBA{B: 255, A: 255})
		out := mustApply(t, src, dispatch.FlipHorizontal())
		assert.Equal(t, uint8(255), nrgbaAt(out, 0, 0).B)
		assert.Equal(t, uint8(255), nrgbaAt(out, 1, 0).R)
	})

	t.Run("rotate is clockwise", func(t *testing.T) {
		src := uniformImage(4, 2, color.NRGBA{A: 255})
		src.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
		out := mustApply(t, src, dispatch.Rotate(90))
		assert.Equal(t, image.Rect(0, 0, 2, 4), out.Bounds())
		assert.Equal(t, uint8(255), nrgbaAt(out, 1, 0).R)
	})

	t.Run("rotate arbitrary angle grows canvas", func(t *testing.T) {
		out := mustApply(t, gradientImage(40, 20), dispatch.Rotate(45))
		assert.Greater(t, out.Bounds().Dx(), 40)
		assert.Greater(t, out.Bounds().Dy(), 20)
	})

	t.Run("rotate zero and full turn keep size", func(t *testing.T) {
		for _, angle := range []int{0, 360, -360} {
			out := mustApply(t, gradientImage(40, 20), dispatch.Rotate(angle))
			assert.Equal(t, image.Rect(0, 0, 40, 20), out.Bounds(), "angle %d", angle)
		}
	})

	t.Run("normalize stretches levels", func(t *testing.T) {
		src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
		src.SetNRGBA(0, 0, color.NRGBA{R: 50, G: 50, B: 50, A: 255})
		src.SetNRGBA(1, 0, color.NRGBA{R: 200, G: 200, B: 200, A: 255})
		out := mustApply(t, src, dispatch.NormalizeLevels())
		assert.Equal(t, color.NRGBA{A: 255}, nrgbaAt(out, 0, 0))
		assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, nrgbaAt(out, 1, 0))
	})

	t.Run("normalize flat image is unchanged", func(t *testing.T) {
		out := mustApply(t, uniformImage(2, 2, gray), dispatch.NormalizeLevels())
		assert.Equal(t, gray, nrgbaAt(out, 1, 1))
	})

	t.Run("blur softens edges", func(t *testing.T) {
		src := uniformImage(20, 4, color.NRGBA{A: 255})
		for y := 0; y < 4; y++ {
			for x := 10; x < 20; x++ {
				src.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
			}
		}
		out := mustApply(t, src, dispatch.Blur())
		edge := nrgbaAt(out, 10, 2).R
		assert.Greater(t, edge, uint8(0))
		assert.Less(t, edge, uint8(255))
	})

	t.Run("sharpen keeps bounds", func(t *testing.T) {
		out := mustApply(t, gradientImage(30, 10), dispatch.Sharpen())
		assert.Equal(t, image.Rect(0, 0, 30, 10), out.Bounds())
	})
}

func TestResizeFitsWithoutUpscaling(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"landscape", 1600, 1200, 800, 600},
		{"wide", 1000, 500, 800, 400},
		{"tall", 600, 1200, 300, 600},
		{"already small", 400, 300, 400, 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := mustApply(t, image.NewNRGBA(image.Rect(0, 0, tt.w, tt.h)), dispatch.Resize())
			assert.Equal(t, tt.wantW, out.Bounds().Dx())
			assert.Equal(t, tt.wantH, out.Bounds().Dy())
		})
	}
}

func TestImagingOperationParameterErrors(t *testing.T) {
	src := gradientImage(4, 4)
	bad := []dispatch.Operation{
		{Kind: dispatch.KindBlur},
		{Kind: dispatch.KindSharpen, Sigma: -2},
		{Kind: dispatch.KindBrightness},
		{Kind: dispatch.KindSaturation, Factor: -1},
		{Kind: dispatch.KindResize, Width: 0, Height: 10},
	}
	for _, op := range bad {
		t.Run(op.String(), func(t *testing.T) {
			_, err := applyImagingOp(src, op)
			assert.Error(t, err)
		})
	}
}

func mustApply(t *testing.T, img image.Image, op dispatch.Operation) image.Image {
	t.Helper()
	out, err := applyImagingOp(img, op)
	require.NoError(t, err)
	return out
}
