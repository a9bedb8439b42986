// Package retryengine implements the cross-request retry/backoff policy: a
// decorrelated-jitter schedule for 429s, full-jitter exponential backoff for
// other retryable statuses, Retry-After precedence, and a cumulative delay
// budget that bounds how long one logical request may spend waiting.
package retryengine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/voici5986/grok2api-sub000/internal/config"
)

// ErrBudgetExhausted is returned when the next delay would push the
// cumulative wait past the configured retry budget.
var ErrBudgetExhausted = errors.New("retryengine: retry budget exhausted")

// ErrAttemptsExhausted is returned when the maximum number of retries has
// been used without success.
var ErrAttemptsExhausted = errors.New("retryengine: retries exhausted")

// Context tracks retry state across one logical request's attempts. The
// decorrelated-jitter state (lastDelay) persists across attempts within a
// single Context, matching the upstream's per-call RetryContext lifetime.
type Context struct {
	attempt      int
	maxRetry     int
	retryCodes   map[int]bool
	totalDelay   time.Duration
	retryBudget  time.Duration
	backoffBase  time.Duration
	backoffFactor float64
	backoffMax   time.Duration
	lastDelay    time.Duration

	LastStatus int
	LastErr    error
}

// New builds a Context from the gateway's retry configuration.
func New(cfg *config.Config) *Context {
	return newContext(cfg, nil)
}

// NewExcluding builds a Context like New but with the given statuses
// removed from the retryable set. The chat entrypoint uses this to exclude
// 429 from C2's local retry so the outer cross-token fallover loop (§4.2,
// §4.9) can switch credentials instead of burning the retry budget on one
// exhausted token.
func NewExcluding(cfg *config.Config, exclude ...int) *Context {
	return newContext(cfg, exclude)
}

func newContext(cfg *config.Config, exclude []int) *Context {
	codes := make(map[int]bool, len(cfg.RetryStatusCodes))
	for _, c := range cfg.RetryStatusCodes {
		codes[c] = true
	}
	for _, c := range exclude {
		delete(codes, c)
	}
	return &Context{
		maxRetry:      cfg.MaxRetry,
		retryCodes:    codes,
		retryBudget:   cfg.RetryBudget,
		backoffBase:   cfg.BackoffBase,
		backoffFactor: cfg.BackoffFactor,
		backoffMax:    cfg.BackoffMax,
		lastDelay:     cfg.BackoffBase,
	}
}

// Attempt returns the 1-based attempt number about to be made (1 for the
// first try).
func (c *Context) Attempt() int { return c.attempt + 1 }

// ShouldRetry reports whether another attempt is permitted for statusCode.
func (c *Context) ShouldRetry(statusCode int) bool {
	if c.attempt >= c.maxRetry {
		return false
	}
	if !c.retryCodes[statusCode] {
		return false
	}
	return c.totalDelay < c.retryBudget
}

// RecordError records a failed attempt and advances the attempt counter.
func (c *Context) RecordError(statusCode int, err error) {
	c.LastStatus = statusCode
	c.LastErr = err
	c.attempt++
}

// CalculateDelay computes the backoff delay for statusCode. retryAfter, when
// non-nil and positive, always wins (clamped to backoffMax). 429 uses
// decorrelated jitter seeded from the previous delay; every other retryable
// status uses full-jitter exponential backoff keyed on the attempt count.
func (c *Context) CalculateDelay(statusCode int, retryAfter *time.Duration) (time.Duration, error) {
	if retryAfter != nil && *retryAfter > 0 {
		delay := *retryAfter
		if delay > c.backoffMax {
			delay = c.backoffMax
		}
		c.lastDelay = delay
		return delay, nil
	}

	if statusCode == 429 {
		delay, err := uniformDuration(c.backoffBase, c.lastDelay*3)
		if err != nil {
			return 0, err
		}
		if delay > c.backoffMax {
			delay = c.backoffMax
		}
		c.lastDelay = delay
		return delay, nil
	}

	expDelay := time.Duration(float64(c.backoffBase) * math.Pow(c.backoffFactor, float64(c.attempt)))
	upper := expDelay
	if upper > c.backoffMax {
		upper = c.backoffMax
	}
	return uniformDuration(0, upper)
}

// RecordDelay adds delay to the cumulative total spent waiting.
func (c *Context) RecordDelay(delay time.Duration) {
	c.totalDelay += delay
}

// WithinBudget reports whether adding delay to the running total would stay
// within the configured retry budget.
func (c *Context) WithinBudget(delay time.Duration) bool {
	return c.totalDelay+delay <= c.retryBudget
}

// Attempt is a unit of retryable work. It must return (result, statusCode,
// err): statusCode is used to decide retry eligibility and is ignored when
// err is nil.
type Attempt[T any] func(ctx context.Context, attemptNum int) (T, int, error)

// RetryAfterFunc extracts a Retry-After duration from a failed attempt's
// error, or nil if none was present.
type RetryAfterFunc func(err error) *time.Duration

// Run drives fn through the retry/backoff schedule until it succeeds, the
// error is non-retryable, attempts are exhausted, or the budget is spent.
func Run[T any](ctx context.Context, rc *Context, fn Attempt[T], retryAfterOf RetryAfterFunc) (T, error) {
	var zero T

	for {
		result, status, err := fn(ctx, rc.Attempt())
		if err == nil {
			return result, nil
		}

		rc.RecordError(status, err)

		if !rc.ShouldRetry(status) {
			if rc.retryCodes[status] {
				return zero, fmt.Errorf("%w: last status %d: %w", ErrAttemptsExhausted, status, err)
			}
			return zero, err
		}

		var retryAfter *time.Duration
		if retryAfterOf != nil {
			retryAfter = retryAfterOf(err)
		}

		delay, derr := rc.CalculateDelay(status, retryAfter)
		if derr != nil {
			return zero, derr
		}

		if !rc.WithinBudget(delay) {
			return zero, fmt.Errorf("%w: last status %d: %w", ErrBudgetExhausted, status, err)
		}
		rc.RecordDelay(delay)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// uniformDuration returns a uniformly distributed duration in [lo, hi). If
// hi <= lo, lo is returned without sampling.
func uniformDuration(lo, hi time.Duration) (time.Duration, error) {
	if hi <= lo {
		return lo, nil
	}
	span := int64(hi - lo)
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return 0, fmt.Errorf("retryengine: sampling jitter: %w", err)
	}
	return lo + time.Duration(n.Int64()), nil
}
