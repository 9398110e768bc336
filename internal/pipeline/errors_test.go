package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/dunamismax/pixelprompt/internal/dispatch"
	"github.com/stretchr/testify/assert"
)

func TestValidateInput(t *testing.T) {
	limits := Limits{MaxImageBytes: 8, MaxInstructionBytes: 10}

	tests := []struct {
		name        string
		image       []byte
		instruction string
		want        error
	}{
		{"ok", []byte("12345678"), "blur", nil},
		{"blank instruction", []byte("1"), "  \t", ErrEmptyInstruction},
		{"long instruction", []byte("1"), strings.Repeat("a", 11), ErrInstructionTooLong},
		{"surrounding space does not count", []byte("1"), "   blur it   ", nil},
		{"empty image", nil, "blur", ErrEmptyImage},
		{"large image", []byte("123456789"), "blur", ErrImageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInput(tt.image, tt.instruction, limits)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidateInputDefaults(t *testing.T) {
	assert.NoError(t, ValidateInput(make([]byte, DefaultMaxImageBytes), "blur", Limits{}))
	assert.ErrorIs(t, ValidateInput(make([]byte, DefaultMaxImageBytes+1), "blur", Limits{}), ErrImageTooLarge)
	assert.ErrorIs(t, ValidateInput([]byte("x"), strings.Repeat("b", DefaultMaxInstructionBytes+1), Limits{}), ErrInstructionTooLong)
}

func TestIsClientError(t *testing.T) {
	blocked := &BlockedError{Block: dispatch.Block{RuleID: "remove_background", Reason: "no"}}
	decode := &DecodeError{Format: FormatUnknown, Err: errors.New("bad header")}
	transform := &TransformError{Index: 0, Operation: "blur", Err: errors.New("boom")}

	assert.True(t, IsClientError(blocked))
	assert.True(t, IsClientError(fmt.Errorf("edit stage: %w", decode)))
	assert.True(t, IsClientError(ErrEmptyImage))
	assert.False(t, IsClientError(transform))
	assert.False(t, IsClientError(errors.New("storage down")))

	assert.Contains(t, transform.Error(), "blur")
	assert.Contains(t, blocked.Error(), "no")
}
