package ratelimit

import (
	"context"
	"strings"
	"time"
)

type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter charges cost tokens to subject's bucket.
type Limiter interface {
	AllowN(ctx context.Context, subject string, cost int) (Decision, error)
}

func subjectKey(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "anonymous"
	}
	return subject
}
