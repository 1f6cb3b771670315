// Package retry runs stage attempts under a bounded exponential backoff
// whose attempt counter is owned (and persisted) by the caller.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/blackwell-systems/bookledger/internal/failure"
)

// ErrBudgetExhausted is returned once a stage has used all of its attempts.
var ErrBudgetExhausted = errors.New("attempt budget exhausted")

// Policy bounds the attempts of a single stage.
type Policy struct {
	MaxAttempts    int
	Min            time.Duration
	Max            time.Duration
	Factor         float64
	AttemptTimeout time.Duration
}

// DefaultPolicy is five attempts between 500ms and 30s, each allowed to
// outlast the default ledger confirmation wait.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		Min:            500 * time.Millisecond,
		Max:            30 * time.Second,
		Factor:         2,
		AttemptTimeout: 3 * time.Minute,
	}
}

// Delay returns the wait before the given (1-based) attempt number.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	b := &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor, Jitter: true}
	return b.ForAttempt(float64(attempt - 2))
}

// Func is one attempt. attempt is 1-based across process restarts.
type Func func(ctx context.Context, attempt int) error

// FailHook records a failed attempt before the next one is scheduled.
// Returning an error aborts the run.
type FailHook func(attempt int, err error) error

// Run calls fn until it succeeds, fails permanently, or the budget is spent.
// used is the number of attempts already consumed by earlier runs.
func (p Policy) Run(ctx context.Context, used int, fn Func, onFail FailHook) error {
	var last error
	for attempt := used + 1; ; attempt++ {
		if attempt > p.MaxAttempts {
			if last == nil {
				return fmt.Errorf("%w (%d attempts)", ErrBudgetExhausted, used)
			}
			return fmt.Errorf("%w (%d attempts): %w", ErrBudgetExhausted, attempt-1, last)
		}
		if attempt > used+1 {
			if err := Sleep(ctx, p.Delay(attempt)); err != nil {
				return err
			}
		}

		err := p.attempt(ctx, attempt, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		last = err
		if onFail != nil {
			if herr := onFail(attempt, err); herr != nil {
				return herr
			}
		}
		if !failure.Retriable(err) {
			return err
		}
	}
}

func (p Policy) attempt(ctx context.Context, attempt int, fn Func) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx, attempt)
	}
	actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(actx, attempt)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
