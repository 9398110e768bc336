package dispatch

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Transformer chains carry state, so each call borrows its own.
var foldChains = sync.Pool{
	New: func() any {
		return transform.Chain(
			norm.NFKC,
			width.Fold,
			cases.Fold(),
			runes.Remove(runes.In(unicode.Cf)),
		)
	},
}

// Normalize returns the matching form of an instruction: NFKC, width folded,
// case folded, with format characters removed and whitespace collapsed to
// single spaces.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}

	s := strings.ToValidUTF8(raw, "")

	tr := foldChains.Get().(transform.Transformer)
	folded, _, err := transform.String(tr, s)
	tr.Reset()
	foldChains.Put(tr)
	if err != nil {
		folded = strings.ToLower(s)
	}

	return strings.Join(strings.Fields(folded), " ")
}
