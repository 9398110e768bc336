package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalTokenBucket keeps per-subject buckets in process memory. It is used
// when no Redis is configured and in tests.
type LocalTokenBucket struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	capacity int
	refill   rate.Limit
	now      func() time.Time
}

func NewLocalTokenBucket(capacity int, window time.Duration) (*LocalTokenBucket, error) {
	if capacity <= 0 {
		return nil, errors.New("capacity must be positive")
	}
	if window <= 0 {
		return nil, errors.New("window must be positive")
	}
	return &LocalTokenBucket{
		buckets:  make(map[string]*rate.Limiter),
		capacity: capacity,
		refill:   rate.Every(window / time.Duration(capacity)),
		now:      time.Now,
	}, nil
}

func (l *LocalTokenBucket) AllowN(_ context.Context, subject string, cost int) (Decision, error) {
	cost = max(cost, 1)
	now := l.now()
	lim := l.bucket(subjectKey(subject))

	res := lim.ReserveN(now, cost)
	if !res.OK() {
		return Decision{Limit: int64(l.capacity), RetryAfter: time.Duration(float64(time.Second) * float64(cost) / float64(l.refill))}, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Decision{
			Limit:      int64(l.capacity),
			Remaining:  max(int64(lim.TokensAt(now)), 0),
			RetryAfter: delay,
		}, nil
	}
	return Decision{
		Allowed:   true,
		Limit:     int64(l.capacity),
		Remaining: max(int64(lim.TokensAt(now)), 0),
	}, nil
}

func (l *LocalTokenBucket) bucket(subject string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.buckets[subject]
	if !ok {
		lim = rate.NewLimiter(l.refill, l.capacity)
		l.buckets[subject] = lim
	}
	return lim
}
