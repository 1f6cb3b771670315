// Package failure classifies errors crossing the content store, ledger and
// index boundaries so orchestrators can decide between retrying, re-polling
// and terminating a job.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the class of a boundary error.
type Kind int

const (
	// TransientIO covers network errors and timeouts. Retried with backoff.
	TransientIO Kind = iota
	// RejectedByStore is a permanent content store refusal.
	RejectedByStore
	// RejectedByLedger is a permanent ledger refusal (insufficient funds, stale price, ...).
	RejectedByLedger
	// StaleConfirmationTimeout means a submitted transaction has not reached
	// finality yet. The transaction is re-polled, never resubmitted.
	StaleConfirmationTimeout
	// IndexConflict is resolved by last-write-wins and never surfaced to users.
	IndexConflict
	// GrantFailedAfterPayment marks a confirmed payment whose access grant failed.
	GrantFailedAfterPayment
)

func (k Kind) String() string {
	switch k {
	case TransientIO:
		return "TransientIOError"
	case RejectedByStore:
		return "RejectedByStore"
	case RejectedByLedger:
		return "RejectedByLedger"
	case StaleConfirmationTimeout:
		return "StaleConfirmationTimeout"
	case IndexConflict:
		return "IndexConflict"
	case GrantFailedAfterPayment:
		return "GrantFailedAfterPayment"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as a TransientIO error.
func Transient(op string, err error) error { return New(TransientIO, op, err) }

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified errors are treated as transient, except context cancellation.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return TransientIO
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// Retriable reports whether another attempt may succeed.
func Retriable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case RejectedByStore, RejectedByLedger:
		return false
	}
	return true
}
