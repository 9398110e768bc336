package dispatch

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func defaultTable(t *testing.T) *Table {
	t.Helper()
	table, err := DefaultTable()
	require.NoError(t, err)
	return table
}

func TestResolvePlans(t *testing.T) {
	table := defaultTable(t)

	tests := []struct {
		name        string
		instruction string
		want        []Operation
		wantRules   []string
	}{
		{
			name:        "blur and grayscale keep table order",
			instruction: "blur the image and make it grayscale",
			want:        []Operation{Blur(), Grayscale()},
			wantRules:   []string{"blur", "grayscale"},
		},
		{
			name:        "mentioned order does not change plan order",
			instruction: "make it grayscale, then blur it",
			want:        []Operation{Blur(), Grayscale()},
			wantRules:   []string{"blur", "grayscale"},
		},
		{
			name:        "resize runs before sharpen",
			instruction: "Sharpen it and resize for the web",
			want:        []Operation{Resize(), Sharpen()},
			wantRules:   []string{"resize", "sharpen"},
		},
		{
			name:        "rotate picks up the angle",
			instruction: "rotate 45 degrees",
			want:        []Operation{Rotate(45)},
			wantRules:   []string{"rotate"},
		},
		{
			name:        "unblur sharpens instead of blurring",
			instruction: "please unblur this",
			want:        []Operation{Sharpen()},
			wantRules:   []string{"sharpen"},
		},
		{
			name:        "reduce brightness only darkens",
			instruction: "reduce brightness a little",
			want:        []Operation{Darken()},
			wantRules:   []string{"darkness"},
		},
		{
			name:        "desaturate does not saturate",
			instruction: "desaturate the colors",
			want:        []Operation{Desaturate()},
			wantRules:   []string{"desaturation"},
		},
		{
			name:        "case and width are folded",
			instruction: "ＩＮＶＥＲＴ   the COLORS",
			want:        []Operation{Invert()},
			wantRules:   []string{"invert"},
		},
		{
			name:        "withdraw is not a drawing request",
			instruction: "withdraw a little brightness",
			want:        []Operation{Brighten()},
			wantRules:   []string{"brightness"},
		},
		{
			name:        "full width rotate keeps its angle",
			instruction: "ＲＯＴＡＴＥ ４５ degrees",
			want:        []Operation{Rotate(45)},
			wantRules:   []string{"rotate"},
		},
		{
			name:        "everything at once",
			instruction: "resize, rotate by 180, mirror, blur, sepia, brighten, saturate, invert and normalize",
			want: []Operation{
				Resize(), Rotate(180), FlipHorizontal(), Blur(), Sepia(),
				Brighten(), Saturate(), Invert(), NormalizeLevels(),
			},
			wantRules: []string{
				"resize", "rotate", "flip", "blur", "sepia",
				"brightness", "saturation", "invert", "normalize",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table.Resolve(tt.instruction)
			require.False(t, got.Blocked(), "unexpected block: %+v", got.Block)
			if diff := cmp.Diff(tt.want, got.Plan); diff != "" {
				t.Fatalf("plan mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.wantRules, got.RuleIDs)
		})
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	table := defaultTable(t)
	instruction := "rotate 30 and make it black and white"

	first := table.Resolve(instruction)
	second := table.Resolve(instruction)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("resolve is not deterministic (-first +second):\n%s", diff)
	}
}

func TestResolveBlockingShortCircuits(t *testing.T) {
	table := defaultTable(t)

	tests := []struct {
		instruction string
		ruleID      string
	}{
		{"remove background", "remove_background"},
		{"Remove the background and blur it", "remove_background"},
		{"make it grayscale then cut out the dog", "isolate_subject"},
		{"draw a cat and rotate 90", "generate_content"},
	}

	for _, tt := range tests {
		t.Run(tt.instruction, func(t *testing.T) {
			got := table.Resolve(tt.instruction)
			require.True(t, got.Blocked())
			assert.Empty(t, got.Plan)
			assert.Empty(t, got.RuleIDs)
			assert.Equal(t, tt.ruleID, got.Block.RuleID)
			assert.False(t, got.Block.Unrecognized)
			assert.NotEmpty(t, got.Block.Reason)
			assert.NotEmpty(t, got.Block.Suggestions)
		})
	}

	bg := table.Resolve("remove background")
	assert.Contains(t, strings.ToLower(bg.Block.Reason), "background removal")
}

func TestResolveUnrecognized(t *testing.T) {
	table := defaultTable(t)

	got := table.Resolve("make it purple sparkly")
	require.True(t, got.Blocked())
	assert.Empty(t, got.Plan)
	assert.True(t, got.Block.Unrecognized)
	assert.Equal(t, UnrecognizedReason, got.Block.Reason)
	assert.Equal(t, table.Keywords(), got.Block.Suggestions)
	assert.NotEmpty(t, got.Block.Suggestions)
}

func TestExtractRotateAngle(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"rotate 45 degrees", 45},
		{"rotate", 90},
		{"rotate abc", 90},
		{"Rotate the image by 30", 30},
		{"rotate -15", -15},
		{"rotation of 270°", 270},
		{"rotate 99999999999999999999999", 90},
		{"blur 5 times then rotate", 90},
		{"ＲＯＴＡＴＥ ４５ degrees", 45},
		{"rotate the picture by 45", 45},
		{"rotate the picture by about 45", 90},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractRotateAngle(tt.raw))
		})
	}
}

func TestResolveConcurrentReaders(t *testing.T) {
	table := defaultTable(t)
	want := table.Resolve("blur and sharpen and flip")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				got := table.Resolve("blur and sharpen and flip")
				if !cmp.Equal(want, got) {
					t.Errorf("concurrent resolve diverged: %v", cmp.Diff(want, got))
					return
				}
			}
		}()
	}
	wg.Wait()
}
