package syncer

import (
	"errors"
	"testing"
	"time"

	"github.com/rob-otix-ai/cto-flow-sub001/internal/epicerr"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	l := newRateLimiter(3)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := l.allow(); err != nil {
			t.Fatalf("call %d refused: %v", i+1, err)
		}
	}
	err := l.allow()
	var rl *epicerr.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rl.Limit != 3 || rl.Wait != time.Hour {
		t.Fatalf("RateLimitError = %+v", rl)
	}

	// Mid-window the wait time shrinks but the refusal stands.
	now = base.Add(40 * time.Minute)
	if !errors.As(l.allow(), &rl) || rl.Wait != 20*time.Minute {
		t.Fatalf("mid-window wait = %v, want 20m", rl.Wait)
	}

	// A full hour resets the window.
	now = base.Add(time.Hour)
	if err := l.allow(); err != nil {
		t.Fatalf("post-reset call refused: %v", err)
	}
	if got := l.remaining(); got != 2 {
		t.Fatalf("remaining = %d, want 2", got)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	t.Parallel()
	l := newRateLimiter(0)
	for i := 0; i < 100; i++ {
		if err := l.allow(); err != nil {
			t.Fatalf("unlimited limiter refused: %v", err)
		}
	}
	if l.remaining() != -1 {
		t.Fatalf("remaining = %d, want -1", l.remaining())
	}
}
