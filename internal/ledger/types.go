// Package ledger is the client side of the authoritative book ledger: the
// node API, a JSON-RPC transport for it, confirmation waiting, an event
// subscription and an in-process simulated ledger for dev mode and tests.
package ledger

import (
	"context"

	logging "github.com/ipfs/go-log/v2"

	"github.com/blackwell-systems/bookledger/internal/catalog"
)

var log = logging.Logger("ledger")

// BookEntry is a book as recorded on the ledger.
type BookEntry struct {
	ID                 uint64 `json:"id"`
	Publisher          string `json:"publisher"`
	Title              string `json:"title"`
	PriceMinorUnits    int64  `json:"price_minor_units"`
	RoyaltyPercent     int    `json:"royalty_percent"`
	ContentFingerprint string `json:"content_fingerprint"`
	CoverFingerprint   string `json:"cover_fingerprint"`
	Active             bool   `json:"active"`
	TotalSales         int64  `json:"total_sales"`
	TxID               string `json:"tx_id"`
}

// ApplyTo overwrites the fields of an index row the ledger is authoritative
// for. Author, description and update time stay as they are.
func (e *BookEntry) ApplyTo(row *catalog.Book) {
	row.LedgerID = e.ID
	row.PublisherID = e.Publisher
	row.Title = e.Title
	row.PriceMinorUnits = e.PriceMinorUnits
	row.RoyaltyPercent = e.RoyaltyPercent
	row.ContentFingerprint = e.ContentFingerprint
	row.CoverFingerprint = e.CoverFingerprint
	row.Active = e.Active
	row.TotalSales = e.TotalSales
}

// RecordRequest is the record-book call.
type RecordRequest struct {
	Publisher          string `json:"publisher"`
	Title              string `json:"title"`
	PriceMinorUnits    int64  `json:"price_minor_units"`
	RoyaltyPercent     int    `json:"royalty_percent"`
	ContentFingerprint string `json:"content_fingerprint"`
	CoverFingerprint   string `json:"cover_fingerprint"`
}

// PayRequest is the payment call. Amount must equal the book's current price.
type PayRequest struct {
	Buyer    string `json:"buyer"`
	LedgerID uint64 `json:"ledger_id"`
	Amount   int64  `json:"amount"`
}

// Lookup is the result of a fingerprint search. TxID is set whenever a
// record transaction exists; LedgerID only once it has been included.
type Lookup struct {
	Found    bool   `json:"found"`
	TxID     string `json:"tx_id,omitempty"`
	LedgerID uint64 `json:"ledger_id,omitempty"`
}

// PaymentLookup is the result of a payment search.
type PaymentLookup struct {
	Found bool   `json:"found"`
	TxID  string `json:"tx_id,omitempty"`
}

// Receipt reports the inclusion state of a transaction. Block is zero while
// the transaction is pending.
type Receipt struct {
	TxID          string `json:"tx_id"`
	Block         uint64 `json:"block"`
	Confirmations uint64 `json:"confirmations"`
	Reverted      bool   `json:"reverted,omitempty"`
	RevertReason  string `json:"revert_reason,omitempty"`
	LedgerID      uint64 `json:"ledger_id,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
}

// Included reports whether the transaction made it into a block.
func (r *Receipt) Included() bool { return r != nil && r.Block > 0 }

// EventKind names a ledger event.
type EventKind string

const (
	EventBookRecorded EventKind = "BookRecorded"
	EventBookUpdated  EventKind = "BookUpdated"
	EventPaymentMade  EventKind = "PaymentMade"
)

// Event is one entry of the ledger's event log. Seq is strictly increasing.
// Book is the entry as it stood after the event, for payments included.
type Event struct {
	Seq      uint64     `json:"seq"`
	Kind     EventKind  `json:"kind"`
	Block    uint64     `json:"block"`
	LedgerID uint64     `json:"ledger_id"`
	TxID     string     `json:"tx_id,omitempty"`
	Buyer    string     `json:"buyer,omitempty"`
	Amount   int64      `json:"amount,omitempty"`
	Book     *BookEntry `json:"book,omitempty"`
}

// API is the ledger node surface.
type API interface {
	RecordBook(ctx context.Context, req RecordRequest) (string, error)
	FindBookByFingerprints(ctx context.Context, contentFP, coverFP string) (Lookup, error)
	GetBook(ctx context.Context, ledgerID uint64) (*BookEntry, error)
	Pay(ctx context.Context, req PayRequest) (string, error)
	FindPayment(ctx context.Context, buyer string, ledgerID uint64) (PaymentLookup, error)
	GetReceipt(ctx context.Context, txID string) (*Receipt, error)
	EventsSince(ctx context.Context, after uint64, limit int) ([]Event, error)
	Head(ctx context.Context) (uint64, error)
}
