// Package ratelimit provides the process-local token-bucket limiters that
// guard the Telegram and AI APIs. A limiter combines a global bucket
// (requests per minute), a per-entity backoff map fed by remote rate-limit
// signals (FloodWait, HTTP 429), and optional per-entity call spacing.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxBackoffWait bounds how long Acquire blocks on an entity backoff before
// failing fast so the calling job can be requeued instead of holding a worker.
const maxBackoffWait = 60 * time.Second

// ExceededError is returned when an entity's backoff exceeds the wait budget.
// Callers should treat it as retryable and requeue after RetryAfter.
type ExceededError struct {
	Entity     string
	RetryAfter time.Duration
}

// Error implements error.
func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: retry after %s", e.Entity, e.RetryAfter)
}

// Stats is a snapshot of limiter state.
type Stats struct {
	RPM               int      `json:"rpm"`
	RemainingTokens   float64  `json:"remaining_tokens"`
	TotalAcquired     int64    `json:"total_acquired"`
	TotalBackoffs     int64    `json:"total_backoffs"`
	EntitiesInBackoff []string `json:"entities_in_backoff"`
}

// Limiter enforces a global requests-per-minute budget with per-entity
// backoff and spacing. Safe for concurrent use.
type Limiter struct {
	mu sync.Mutex

	bucket  *rate.Limiter
	rpm     int
	spacing time.Duration

	backoffUntil map[string]time.Time
	lastCall     map[string]time.Time

	totalAcquired int64
	totalBackoffs int64

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a limiter with the given requests-per-minute budget and
// minimum spacing between calls to the same entity (zero disables spacing).
func New(rpm int, spacing time.Duration) *Limiter {
	if rpm <= 0 {
		rpm = 30
	}
	return &Limiter{
		bucket:       rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		rpm:          rpm,
		spacing:      spacing,
		backoffUntil: make(map[string]time.Time),
		lastCall:     make(map[string]time.Time),
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// SetRPM replaces the requests-per-minute budget at runtime.
func (l *Limiter) SetRPM(rpm int) {
	if rpm <= 0 {
		return
	}
	l.mu.Lock()
	l.rpm = rpm
	l.bucket.SetLimit(rate.Limit(float64(rpm) / 60.0))
	l.bucket.SetBurst(rpm)
	l.mu.Unlock()
}

// Acquire blocks until a token is available and the entity is out of backoff
// and spacing. It returns *ExceededError without blocking when the entity's
// remaining backoff exceeds 60 s, and the context error if ctx is canceled
// while waiting. Pass an empty entity for global-only acquisition.
func (l *Limiter) Acquire(ctx context.Context, entity string) error {
	if entity != "" {
		if err := l.waitEntity(ctx, entity); err != nil {
			return err
		}
	}
	if err := l.bucket.Wait(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.totalAcquired++
	if entity != "" {
		l.lastCall[entity] = l.now()
	}
	l.mu.Unlock()
	return nil
}

func (l *Limiter) waitEntity(ctx context.Context, entity string) error {
	for {
		l.mu.Lock()
		now := l.now()
		wait := time.Duration(0)
		if until, ok := l.backoffUntil[entity]; ok {
			if until.After(now) {
				wait = until.Sub(now)
			} else {
				delete(l.backoffUntil, entity)
			}
		}
		if wait > maxBackoffWait {
			l.mu.Unlock()
			return &ExceededError{Entity: entity, RetryAfter: wait}
		}
		if wait == 0 && l.spacing > 0 {
			if last, ok := l.lastCall[entity]; ok {
				if next := last.Add(l.spacing); next.After(now) {
					wait = next.Sub(now)
				}
			}
		}
		l.mu.Unlock()
		if wait == 0 {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// SetBackoff records a remote rate-limit signal for an entity: future
// acquisitions for it wait until now+d, and the global bucket is drained so
// unrelated entities slow down too.
func (l *Limiter) SetBackoff(entity string, d time.Duration) {
	l.mu.Lock()
	l.backoffUntil[entity] = l.now().Add(d)
	l.totalBackoffs++
	// Drain remaining tokens. ReserveN with the current token count consumes
	// them without blocking.
	if n := int(l.bucket.Tokens()); n > 0 {
		l.bucket.AllowN(l.now(), n)
	}
	l.mu.Unlock()
}

// InBackoff reports whether the entity currently has an active backoff.
func (l *Limiter) InBackoff(entity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.backoffUntil[entity]
	return ok && until.After(l.now())
}

// GetStats returns a snapshot of the limiter state.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var entities []string
	for e, until := range l.backoffUntil {
		if until.After(now) {
			entities = append(entities, e)
		}
	}
	return Stats{
		RPM:               l.rpm,
		RemainingTokens:   l.bucket.Tokens(),
		TotalAcquired:     l.totalAcquired,
		TotalBackoffs:     l.totalBackoffs,
		EntitiesInBackoff: entities,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
