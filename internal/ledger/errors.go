package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/filecoin-project/go-jsonrpc"

	"github.com/blackwell-systems/bookledger/internal/failure"
)

const (
	ERejected = iota + jsonrpc.FirstUserCode
)

// RPCErrors carries typed ledger errors across the JSON-RPC boundary.
var RPCErrors = jsonrpc.NewErrors()

func init() {
	RPCErrors.Register(ERejected, new(*Rejection))
}

// Reason is why the ledger refused a call.
type Reason string

const (
	ReasonInsufficientFunds Reason = "insufficient_funds"
	ReasonBookInactive      Reason = "book_inactive"
	ReasonStalePrice        Reason = "stale_price"
	ReasonDuplicateBook     Reason = "duplicate_fingerprints"
	ReasonUnknownBook       Reason = "unknown_book"
	ReasonUnknownTx         Reason = "unknown_tx"
	ReasonInvalid           Reason = "invalid_request"
)

// Rejection is a permanent ledger refusal.
type Rejection struct {
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("ledger rejected: %s", r.Reason)
	}
	return fmt.Sprintf("ledger rejected: %s: %s", r.Reason, r.Detail)
}

func (r *Rejection) MarshalJSON() ([]byte, error) {
	type plain Rejection
	return json.Marshal((*plain)(r))
}

func (r *Rejection) UnmarshalJSON(b []byte) error {
	type plain Rejection
	return json.Unmarshal(b, (*plain)(r))
}

func reject(reason Reason, format string, args ...interface{}) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// RejectionOf returns the ledger rejection in err's chain, if any.
func RejectionOf(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// IsRejected reports whether err is a ledger rejection for reason.
func IsRejected(err error, reason Reason) bool {
	r, ok := RejectionOf(err)
	return ok && r.Reason == reason
}

// classify maps transport and node errors onto the failure taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := RejectionOf(err); ok {
		return failure.New(failure.RejectedByLedger, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	return failure.Transient(op, err)
}
