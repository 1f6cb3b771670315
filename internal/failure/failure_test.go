package failure_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blackwell-systems/bookledger/internal/failure"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := errors.New("insufficient funds")
	err := fmt.Errorf("purchase: %w", failure.New(failure.RejectedByLedger, "pay", base))

	assert.Equal(t, failure.RejectedByLedger, failure.KindOf(err))
	assert.True(t, failure.Is(err, failure.RejectedByLedger))
	assert.ErrorIs(t, err, base)
	assert.False(t, failure.Retriable(err))
}

func TestKindOf_UnclassifiedIsTransient(t *testing.T) {
	err := errors.New("connection reset")
	assert.Equal(t, failure.TransientIO, failure.KindOf(err))
	assert.True(t, failure.Retriable(err))
}

func TestRetriable(t *testing.T) {
	assert.False(t, failure.Retriable(nil))
	assert.False(t, failure.Retriable(context.Canceled))
	assert.True(t, failure.Retriable(failure.New(failure.StaleConfirmationTimeout, "wait", errors.New("slow"))))
	assert.True(t, failure.Retriable(failure.New(failure.IndexConflict, "put", errors.New("409"))))
	assert.False(t, failure.Retriable(failure.New(failure.RejectedByStore, "add", errors.New("too big"))))
}

func TestNew_NilPassesThrough(t *testing.T) {
	assert.NoError(t, failure.New(failure.TransientIO, "op", nil))
}

func TestErrorString(t *testing.T) {
	err := failure.New(failure.RejectedByLedger, "pay", errors.New("stale price"))
	assert.Equal(t, "pay: RejectedByLedger: stale price", err.Error())
	assert.Equal(t, "GrantFailedAfterPayment", failure.GrantFailedAfterPayment.String())
}
