// Package rategate admits outbound remote calls under a concurrency
// bound and a minimum inter-request spacing, and centralizes the retry
// policy for transient remote failures.
package rategate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Settings configures a Gate. Zero values fall back to safe defaults.
type Settings struct {
	// MaxConcurrent bounds in-flight admitted tasks.
	MaxConcurrent int
	// MinSpacing is the minimum interval between successive dispatches.
	MinSpacing time.Duration
	// MaxAttempts bounds the retry policy exposed by RetryDelay.
	MaxAttempts int
	// BaseDelay seeds the exponential retry delay (BaseDelay * 2^attempt).
	BaseDelay time.Duration
	// WaitObserve, when set, receives the admission wait in seconds.
	WaitObserve func(seconds float64)
}

// Gate is the single admission point for the remote API. It never
// retries by itself; callers drive their own loops off RetryDelay.
type Gate struct {
	sem         *semaphore.Weighted
	limiter     *rate.Limiter
	maxAttempts int
	baseDelay   time.Duration
	waitObserve func(float64)
}

// New builds a Gate from settings.
func New(s Settings) *Gate {
	if s.MaxConcurrent < 1 {
		s.MaxConcurrent = 1
	}
	if s.MaxAttempts < 1 {
		s.MaxAttempts = 5
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if s.MinSpacing > 0 {
		limiter = rate.NewLimiter(rate.Every(s.MinSpacing), 1)
	}
	return &Gate{
		sem:         semaphore.NewWeighted(int64(s.MaxConcurrent)),
		limiter:     limiter,
		maxAttempts: s.MaxAttempts,
		baseDelay:   s.BaseDelay,
		waitObserve: s.WaitObserve,
	}
}

// Do admits one task: it blocks for a concurrency slot and a spacing
// token, then runs fn. Cancellation while waiting discards the task and
// surfaces the context error. label is free-form attribution for logs.
func (g *Gate) Do(ctx context.Context, label string, fn func(context.Context) error) error {
	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("op=rategate.Do acquire %s: %w", label, err)
	}
	defer g.sem.Release(1)
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("op=rategate.Do spacing %s: %w", label, err)
	}
	if g.waitObserve != nil {
		g.waitObserve(time.Since(start).Seconds())
	}
	return fn(ctx)
}

// MaxAttempts returns the policy's attempt bound.
func (g *Gate) MaxAttempts() int { return g.maxAttempts }

// BaseDelay returns the seed of the exponential retry delay.
func (g *Gate) BaseDelay() time.Duration { return g.baseDelay }

// RetryDelay is the retry policy hook. attempt is the 1-based number of
// the attempt that just failed. It returns the backoff before the next
// attempt and whether a retry is allowed at all.
func (g *Gate) RetryDelay(err error, attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt >= g.maxAttempts || !IsTransient(err) {
		return 0, false
	}
	return g.baseDelay << uint(attempt), true
}

// StatusError carries an HTTP status code through the error chain so
// the transient classifier can see it.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d", e.Op, e.Code)
}

// transientStatus lists the remote statuses worth retrying: throttling,
// bad gateway, gateway timeout, and the CDN origin-timeout 524.
var transientStatus = map[int]bool{
	429: true,
	502: true,
	504: true,
	524: true,
}

// IsTransient classifies an error as a retryable remote failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return transientStatus[se.Code]
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "socket hang up") ||
		strings.Contains(msg, "connection reset by peer")
}
