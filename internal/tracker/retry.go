package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JohanCodinha/epicsync/internal/logger"
)

// RateBudget is the single rate-limit budget shared across all workers.
// When any call sees a 429, every subsequent call waits until the shared
// deadline passes. One synchronized value, not per-worker state.
type RateBudget struct {
	mu    sync.Mutex
	until time.Time
}

// NewRateBudget creates an empty budget with no pending delay.
func NewRateBudget() *RateBudget {
	return &RateBudget{}
}

// Delay records a server-requested pause. Later deadlines win.
func (rb *RateBudget) Delay(d time.Duration) {
	if d <= 0 {
		return
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	deadline := time.Now().Add(d)
	if deadline.After(rb.until) {
		rb.until = deadline
	}
}

// Wait blocks until the shared deadline has passed or ctx is done.
func (rb *RateBudget) Wait(ctx context.Context) error {
	rb.mu.Lock()
	until := rb.until
	rb.mu.Unlock()

	d := time.Until(until)
	if d <= 0 {
		return nil
	}

	logger.Debug("tracker: rate budget pausing for %s", d.Round(time.Millisecond))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryPolicy controls how tracker calls are retried.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // first backoff delay, doubled each attempt
	MaxDelay    time.Duration // backoff cap
	CallTimeout time.Duration // per-attempt timeout
}

// DefaultRetryPolicy matches the tracker defaults: three attempts, 500ms
// base backoff capped at 10s, 30s per call.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// Retryer wraps tracker calls with the retry policy and the shared rate
// budget. Network calls are the only suspension points in the sync engine,
// and they all go through Do.
type Retryer struct {
	policy RetryPolicy
	budget *RateBudget
}

// NewRetryer creates a Retryer. A nil budget gets a private one.
func NewRetryer(policy RetryPolicy, budget *RateBudget) *Retryer {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if budget == nil {
		budget = NewRateBudget()
	}
	return &Retryer{policy: policy, budget: budget}
}

// Do runs fn, retrying transient and rate-limited failures with exponential
// backoff up to MaxAttempts. Rate-limit delays feed the shared budget so
// parallel workers back off together. Non-retryable errors return
// immediately.
func (r *Retryer) Do(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	delay := r.policy.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := r.budget.Wait(ctx); err != nil {
			return err
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if r.policy.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.policy.CallTimeout)
		}
		err := fn(callCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsRetryable(err) {
			return err
		}

		if ra := RetryAfterOf(err); ra > 0 {
			r.budget.Delay(ra)
		}

		if attempt == r.policy.MaxAttempts {
			break
		}

		logger.Warn("tracker: %s failed (attempt %d/%d), retrying in %s: %v",
			what, attempt, r.policy.MaxAttempts, delay, err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		delay *= 2
		if r.policy.MaxDelay > 0 && delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", what, r.policy.MaxAttempts, lastErr)
}
