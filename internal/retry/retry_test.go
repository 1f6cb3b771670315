package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/bookledger/internal/failure"
	"github.com/blackwell-systems/bookledger/internal/retry"
)

func fastPolicy(max int) retry.Policy {
	return retry.Policy{MaxAttempts: max, Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2, AttemptTimeout: time.Second}
}

func TestRun_SucceedsAfterTransientFailures(t *testing.T) {
	var calls, recorded int
	err := fastPolicy(5).Run(context.Background(), 0, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, func(attempt int, err error) error {
		recorded = attempt
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, recorded)
}

func TestRun_StopsOnPermanentError(t *testing.T) {
	var calls int
	err := fastPolicy(5).Run(context.Background(), 0, func(ctx context.Context, attempt int) error {
		calls++
		return failure.New(failure.RejectedByLedger, "pay", errors.New("insufficient funds"))
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, failure.Is(err, failure.RejectedByLedger))
	assert.NotErrorIs(t, err, retry.ErrBudgetExhausted)
}

func TestRun_ExhaustsBudget(t *testing.T) {
	var calls int
	last := errors.New("timeout")
	err := fastPolicy(3).Run(context.Background(), 0, func(ctx context.Context, attempt int) error {
		calls++
		return last
	}, nil)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, retry.ErrBudgetExhausted)
	assert.ErrorIs(t, err, last)
}

func TestRun_ResumesFromPersistedAttempts(t *testing.T) {
	var attempts []int
	err := fastPolicy(5).Run(context.Background(), 3, func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		return errors.New("still down")
	}, nil)
	assert.ErrorIs(t, err, retry.ErrBudgetExhausted)
	assert.Equal(t, []int{4, 5}, attempts)
}

func TestRun_BudgetAlreadySpent(t *testing.T) {
	err := fastPolicy(2).Run(context.Background(), 2, func(ctx context.Context, attempt int) error {
		t.Fatal("fn must not be called once the budget is spent")
		return nil
	}, nil)
	assert.ErrorIs(t, err, retry.ErrBudgetExhausted)
}

func TestRun_HookErrorAborts(t *testing.T) {
	hookErr := errors.New("persist failed")
	err := fastPolicy(5).Run(context.Background(), 0, func(ctx context.Context, attempt int) error {
		return errors.New("flaky")
	}, func(int, error) error { return hookErr })
	assert.ErrorIs(t, err, hookErr)
}

func TestRun_AttemptTimeout(t *testing.T) {
	p := fastPolicy(1)
	p.AttemptTimeout = 5 * time.Millisecond
	err := p.Run(context.Background(), 0, func(ctx context.Context, attempt int) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fastPolicy(5).Run(ctx, 0, func(ctx context.Context, attempt int) error {
		return ctx.Err()
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelay_Bounded(t *testing.T) {
	p := retry.Policy{MaxAttempts: 10, Min: 10 * time.Millisecond, Max: 40 * time.Millisecond, Factor: 2}
	assert.Zero(t, p.Delay(1))
	for attempt := 2; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		assert.LessOrEqual(t, d, 40*time.Millisecond, "attempt %d", attempt)
	}
}
