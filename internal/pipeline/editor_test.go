package pipeline

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dunamismax/pixelprompt/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTransformer struct {
	Transformer
	calls atomic.Int32
}

func (c *countingTransformer) Apply(ctx context.Context, input []byte, plan []dispatch.Operation) (Encoded, error) {
	c.calls.Add(1)
	return c.Transformer.Apply(ctx, input, plan)
}

func newTestEditor(t *testing.T) (*Editor, *countingTransformer) {
	t.Helper()
	rules, err := dispatch.DefaultTable()
	require.NoError(t, err)

	counter := &countingTransformer{Transformer: newTestTransformer(Options{})}
	editor, err := NewEditor(rules, counter, Limits{})
	require.NoError(t, err)
	return editor, counter
}

func TestEditBlurAndGrayscale(t *testing.T) {
	editor, _ := newTestEditor(t)
	input := encodeJPEG(t, gradientImage(120, 80))

	result, err := editor.Edit(context.Background(), input, "blur the image and make it grayscale")
	require.NoError(t, err)

	assert.Equal(t, []string{"blur", "grayscale"}, result.AppliedOperations)
	assert.Equal(t, []string{"blur", "grayscale"}, result.RuleIDs)
	assert.Equal(t, FormatJPEG, result.Format)
	assert.Equal(t, FormatJPEG, result.InputFormat)
	assert.Equal(t, "image/jpeg", result.ContentType())
	assert.Equal(t, 120, result.Width)
	assert.Equal(t, 80, result.Height)
	assert.False(t, bytes.Equal(input, result.Image))
	assert.True(t, strings.HasPrefix(result.ModelLabel, "keyword-rules/2025.1+"), result.ModelLabel)
	assert.GreaterOrEqual(t, result.Timing.Total, result.Timing.Transform)

	out := decodeBytes(t, result.Image)
	c := nrgbaAt(out, 60, 40)
	assert.InDelta(t, int(c.R), int(c.B), 3)
}

func TestEditBlockedNeverDecodes(t *testing.T) {
	editor, counter := newTestEditor(t)

	result, err := editor.Edit(context.Background(), []byte("not even an image"), "remove background")
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "remove_background", blocked.Block.RuleID)
	assert.NotEmpty(t, blocked.Block.Reason)
	assert.NotEmpty(t, blocked.Block.Suggestions)
	assert.Empty(t, result.Image)
	assert.Zero(t, counter.calls.Load())
}

func TestEditUnrecognizedInstruction(t *testing.T) {
	editor, counter := newTestEditor(t)

	_, err := editor.Edit(context.Background(), encodePNG(t, gradientImage(8, 8)), "make it purple sparkly")
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.True(t, blocked.Block.Unrecognized)
	assert.Equal(t, editor.Keywords(), blocked.Block.Suggestions)
	assert.Zero(t, counter.calls.Load())
}

func TestEditCorruptImage(t *testing.T) {
	editor, _ := newTestEditor(t)

	_, err := editor.Edit(context.Background(), []byte{0x00, 0x01, 0x02, 0x03}, "blur")
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, FormatUnknown, decodeErr.Format)
	assert.True(t, IsClientError(err))
}

func TestEditConcurrentCallsAreIndependent(t *testing.T) {
	editor, _ := newTestEditor(t)
	input := encodePNG(t, gradientImage(64, 64))

	want, err := editor.Edit(context.Background(), input, "sepia and flip")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := editor.Edit(context.Background(), input, "sepia and flip")
			if err != nil {
				t.Errorf("edit: %v", err)
				return
			}
			if !bytes.Equal(want.Image, got.Image) {
				t.Errorf("concurrent edit produced different bytes")
			}
		}()
	}
	wg.Wait()
}

func TestEditorPlanIsDryRun(t *testing.T) {
	editor, counter := newTestEditor(t)

	got := editor.Plan("rotate 45 and resize")
	require.False(t, got.Blocked())
	assert.Equal(t, []dispatch.Operation{dispatch.Resize(), dispatch.Rotate(45)}, got.Plan)
	assert.Zero(t, counter.calls.Load())
}

func TestNewEditorRequiresCollaborators(t *testing.T) {
	rules, err := dispatch.DefaultTable()
	require.NoError(t, err)

	_, err = NewEditor(nil, newTestTransformer(Options{}), Limits{})
	assert.Error(t, err)
	_, err = NewEditor(rules, nil, Limits{})
	assert.Error(t, err)

	editor, err := NewEditor(rules, newTestTransformer(Options{}), Limits{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxImageBytes, editor.Limits().MaxImageBytes)
	assert.Equal(t, "keyword-rules/2025.1+imaging", editor.ModelLabel())
}
