package pipeline

import (
	"time"

	"github.com/dunamismax/pixelprompt/internal/dispatch"
)

// Timing breaks an edit down into its two phases.
type Timing struct {
	Resolve   time.Duration
	Transform time.Duration
	Total     time.Duration
}

// Result is everything a caller needs to report a successful edit.
type Result struct {
	Image             []byte
	Format            Format
	InputFormat       Format
	Width             int
	Height            int
	AppliedOperations []string
	RuleIDs           []string
	Plan              []dispatch.Operation
	ModelLabel        string
	Timing            Timing
}

func (r Result) ContentType() string {
	return r.Format.ContentType()
}

func (r Result) ProcessingTimeMS() int64 {
	return r.Timing.Total.Milliseconds()
}

func (r Result) Pixels() int64 {
	return int64(r.Width) * int64(r.Height)
}
