package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/pixelprompt/internal/dispatch"
)

var (
	ErrEmptyInstruction   = errors.New("instruction is required")
	ErrInstructionTooLong = errors.New("instruction is too long")
	ErrEmptyImage         = errors.New("image is required")
	ErrImageTooLarge      = errors.New("image exceeds the maximum allowed size")
	ErrTooManyPixels      = errors.New("image dimensions exceed the pixel limit")
	ErrUnsupportedOp      = errors.New("unsupported operation")
)

// BlockedError reports an instruction that resolved to no operations.
type BlockedError struct {
	Block dispatch.Block
}

func (e *BlockedError) Error() string {
	return "edit blocked: " + e.Block.Reason
}

// DecodeError means the input bytes could not be turned into an image. No
// operation has run when it is returned.
type DecodeError struct {
	Format Format
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s image: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TransformError names the plan step that failed. The partially transformed
// image is discarded.
type TransformError struct {
	Index     int
	Operation string
	Err       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("apply %s (step %d): %v", e.Operation, e.Index, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// Limits bounds what callers may hand to the Editor.
type Limits struct {
	MaxImageBytes       int
	MaxInstructionBytes int
}

const (
	DefaultMaxImageBytes       = 10 << 20
	DefaultMaxInstructionBytes = 2 << 10
)

func (l Limits) withDefaults() Limits {
	if l.MaxImageBytes <= 0 {
		l.MaxImageBytes = DefaultMaxImageBytes
	}
	if l.MaxInstructionBytes <= 0 {
		l.MaxInstructionBytes = DefaultMaxInstructionBytes
	}
	return l
}

// ValidateInput performs the checks every caller runs before Edit.
func ValidateInput(image []byte, instruction string, limits Limits) error {
	limits = limits.withDefaults()

	trimmed := strings.TrimSpace(instruction)
	if trimmed == "" {
		return ErrEmptyInstruction
	}
	if len(trimmed) > limits.MaxInstructionBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrInstructionTooLong, len(trimmed), limits.MaxInstructionBytes)
	}
	if len(image) == 0 {
		return ErrEmptyImage
	}
	if len(image) > limits.MaxImageBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrImageTooLarge, len(image), limits.MaxImageBytes)
	}
	return nil
}

// IsClientError reports whether err was caused by the request rather than
// by the service.
func IsClientError(err error) bool {
	var (
		blocked *BlockedError
		decode  *DecodeError
	)
	switch {
	case errors.As(err, &blocked), errors.As(err, &decode):
		return true
	case errors.Is(err, ErrEmptyInstruction), errors.Is(err, ErrInstructionTooLong),
		errors.Is(err, ErrEmptyImage), errors.Is(err, ErrImageTooLarge),
		errors.Is(err, ErrSourceOutsideRoot):
		return true
	default:
		return false
	}
}
