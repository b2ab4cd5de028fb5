package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/quillscan/quillscan/internal/models"
	"github.com/quillscan/quillscan/pkg/logger"
)

// Limiter tracks a single backoff window shared by every caller using the same
// provider instance. All waiters resume together when the deadline passes;
// there is no fair queueing beyond the shared deadline.
type Limiter struct {
	mu        sync.Mutex
	provider  string
	limited   bool
	startedAt time.Time
	endsAt    time.Time
	log       logger.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter for one provider instance.
func New(provider string, log logger.Logger) *Limiter {
	return &Limiter{
		provider: provider,
		log:      log,
		now:      time.Now,
	}
}

// Set opens (or extends) the backoff window. Deadlines only grow: a concurrent
// shorter window never shrinks an already-promised backoff.
func (l *Limiter) Set(retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	deadline := l.now().Add(retryAfter)
	if l.limited && deadline.Before(l.endsAt) {
		return
	}

	if !l.limited {
		l.startedAt = l.now()
	}
	l.limited = true
	l.endsAt = deadline

	l.log.Warn("provider rate limited",
		logger.String("provider", l.provider),
		logger.Duration("retryAfter", retryAfter),
		logger.Time("retryAt", deadline),
	)
}

// Wait blocks until the current window has passed, then clears it. Returns
// immediately when not limited. Honors ctx cancellation.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		if !l.limited {
			l.mu.Unlock()
			return nil
		}
		remaining := l.endsAt.Sub(l.now())
		if remaining <= 0 {
			l.limited = false
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
			// Re-check: another caller may have extended the window.
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}

// Limited reports whether a window is currently open.
func (l *Limiter) Limited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limited && l.endsAt.After(l.now())
}

// Info snapshots the window for surfacing on jobs and results. Returns nil
// when not limited.
func (l *Limiter) Info() *models.RateLimitInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.limited || !l.endsAt.After(l.now()) {
		return nil
	}

	return &models.RateLimitInfo{
		IsRateLimited: true,
		RetryAfter:    int(l.endsAt.Sub(l.now()).Seconds() + 0.5),
		StartedAt:     l.startedAt,
		RetryAt:       l.endsAt,
	}
}
