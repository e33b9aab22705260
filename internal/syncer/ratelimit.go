package syncer

import (
	"sync"
	"time"

	"github.com/rob-otix-ai/cto-flow-sub001/internal/epicerr"
)

// rateLimiter enforces a fixed one-hour window on outbound tracker calls.
// Once the budget is spent, calls are refused up front with a RateLimitError
// carrying the time until the window resets. The guard never queues or
// retries; the configured retry budget belongs to the caller, not here.
type rateLimiter struct {
	mu          sync.Mutex
	limit       int
	windowStart time.Time
	count       int
	now         func() time.Time
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{limit: limit, now: time.Now}
}

// allow consumes one slot of the budget, or returns a RateLimitError.
// A non-positive limit disables the guard.
func (l *rateLimiter) allow() error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= time.Hour {
		l.windowStart = now
		l.count = 0
	}
	if l.count >= l.limit {
		return &epicerr.RateLimitError{Limit: l.limit, Wait: l.windowStart.Add(time.Hour).Sub(now)}
	}
	l.count++
	return nil
}

// remaining reports how many calls the current window still permits.
func (l *rateLimiter) remaining() int {
	if l == nil || l.limit <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.windowStart.IsZero() || l.now().Sub(l.windowStart) >= time.Hour {
		return l.limit
	}
	return l.limit - l.count
}
