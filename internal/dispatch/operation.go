package dispatch

import (
	"fmt"
	"strconv"
)

// Kind names a supported transform.
type Kind string

const (
	KindBlur         Kind = "blur"
	KindGrayscale    Kind = "grayscale"
	KindSepia        Kind = "sepia"
	KindBrightness   Kind = "brightness"
	KindDarkness     Kind = "darkness"
	KindSaturation   Kind = "saturation"
	KindDesaturation Kind = "desaturation"
	KindFlip         Kind = "flip"
	KindRotate       Kind = "rotate"
	KindSharpen      Kind = "sharpen"
	KindInvert       Kind = "invert"
	KindResize       Kind = "resize"
	KindNormalize    Kind = "normalize"
)

const (
	DefaultBlurSigma    = 3.0
	DefaultSharpenSigma = 1.0
	DefaultBrightness   = 1.5
	DefaultDarkness     = 0.6
	DefaultSaturation   = 1.8
	DefaultDesaturation = 0.5
	DefaultRotateAngle  = 90
	DefaultResizeWidth  = 800
	DefaultResizeHeight = 600
)

// Operation is a single concrete transform. Only the fields relevant to Kind
// are meaningful.
type Operation struct {
	Kind   Kind    `json:"kind" yaml:"kind"`
	Sigma  float64 `json:"sigma,omitempty" yaml:"sigma,omitempty"`
	Factor float64 `json:"factor,omitempty" yaml:"factor,omitempty"`
	Angle  int     `json:"angle,omitempty" yaml:"angle,omitempty"`
	Width  int     `json:"width,omitempty" yaml:"width,omitempty"`
	Height int     `json:"height,omitempty" yaml:"height,omitempty"`
}

func Blur() Operation            { return Operation{Kind: KindBlur, Sigma: DefaultBlurSigma} }
func Grayscale() Operation       { return Operation{Kind: KindGrayscale} }
func Sepia() Operation           { return Operation{Kind: KindSepia} }
func Brighten() Operation        { return Operation{Kind: KindBrightness, Factor: DefaultBrightness} }
func Darken() Operation          { return Operation{Kind: KindDarkness, Factor: DefaultDarkness} }
func Saturate() Operation        { return Operation{Kind: KindSaturation, Factor: DefaultSaturation} }
func Desaturate() Operation      { return Operation{Kind: KindDesaturation, Factor: DefaultDesaturation} }
func FlipHorizontal() Operation  { return Operation{Kind: KindFlip} }
func Rotate(angle int) Operation { return Operation{Kind: KindRotate, Angle: angle} }
func Sharpen() Operation         { return Operation{Kind: KindSharpen, Sigma: DefaultSharpenSigma} }
func Invert() Operation          { return Operation{Kind: KindInvert} }
func NormalizeLevels() Operation { return Operation{Kind: KindNormalize} }

func Resize() Operation {
	return Operation{Kind: KindResize, Width: DefaultResizeWidth, Height: DefaultResizeHeight}
}

// String renders the operation the way it is reported to callers.
func (o Operation) String() string {
	switch o.Kind {
	case KindRotate:
		return "rotate(" + strconv.Itoa(o.Angle) + ")"
	case KindResize:
		return fmt.Sprintf("resize(%dx%d)", o.Width, o.Height)
	default:
		return string(o.Kind)
	}
}

// withDefaults fills zero parameters from the kind's constants so that rule
// files only need to name the kind.
func (o Operation) withDefaults() Operation {
	switch o.Kind {
	case KindBlur:
		if o.Sigma == 0 {
			o.Sigma = DefaultBlurSigma
		}
	case KindSharpen:
		if o.Sigma == 0 {
			o.Sigma = DefaultSharpenSigma
		}
	case KindBrightness:
		if o.Factor == 0 {
			o.Factor = DefaultBrightness
		}
	case KindDarkness:
		if o.Factor == 0 {
			o.Factor = DefaultDarkness
		}
	case KindSaturation:
		if o.Factor == 0 {
			o.Factor = DefaultSaturation
		}
	case KindDesaturation:
		if o.Factor == 0 {
			o.Factor = DefaultDesaturation
		}
	case KindRotate:
		if o.Angle == 0 {
			o.Angle = DefaultRotateAngle
		}
	case KindResize:
		if o.Width == 0 {
			o.Width = DefaultResizeWidth
		}
		if o.Height == 0 {
			o.Height = DefaultResizeHeight
		}
	}
	return o
}

func knownKind(k Kind) bool {
	switch k {
	case KindBlur, KindGrayscale, KindSepia, KindBrightness, KindDarkness,
		KindSaturation, KindDesaturation, KindFlip, KindRotate, KindSharpen,
		KindInvert, KindResize, KindNormalize:
		return true
	default:
		return false
	}
}

// Names renders a plan as its reported operation names.
func Names(plan []Operation) []string {
	out := make([]string, 0, len(plan))
	for _, op := range plan {
		out = append(out, op.String())
	}
	return out
}
