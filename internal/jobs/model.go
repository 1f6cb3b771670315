package jobs

import (
	"time"

	"github.com/blackwell-systems/bookledger/internal/catalog"
	"github.com/blackwell-systems/bookledger/internal/util"
)

// PublicationJob is the resumable unit of work wrapping one book submission.
// The embedded asset's Status is the job's current stage.
type PublicationJob struct {
	JobID       string `json:"job_id"`
	PublisherID string `json:"publisher_id"`
	catalog.BookAsset

	// TxID is the record-book transaction once submitted or discovered.
	TxID            string                 `json:"tx_id,omitempty"`
	ContentUploaded bool                   `json:"content_uploaded"`
	CoverUploaded   bool                   `json:"cover_uploaded"`
	Attempts        map[catalog.Status]int `json:"attempts"`
	AbortRequested  bool                   `json:"abort_requested"`
	LastError       string                 `json:"last_error,omitempty"`
	LastErrorKind   string                 `json:"last_error_kind,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Stage returns the job's current stage.
func (j *PublicationJob) Stage() catalog.Status { return j.Status }

// AttemptsAt returns the attempts already spent on stage.
func (j *PublicationJob) AttemptsAt(stage catalog.Status) int {
	return j.Attempts[stage]
}

// PaymentStatus is the settlement state of a purchase.
type PaymentStatus string

const (
	PaymentPending              PaymentStatus = "PaymentPending"
	PaymentConfirmed            PaymentStatus = "PaymentConfirmed"
	AccessGranted               PaymentStatus = "AccessGranted"
	PaymentConfirmedGrantFailed PaymentStatus = "PaymentConfirmedGrantFailed"
	PaymentRejected             PaymentStatus = "PaymentRejected"
)

// Terminal reports whether the purchase needs no further work.
func (s PaymentStatus) Terminal() bool {
	return s == AccessGranted || s == PaymentRejected
}

// Purchase stage names used as attempt keys.
const (
	StagePay     = "pay"
	StageConfirm = "confirm"
	StageGrant   = "grant"

	// StageGrantRetry counts background grant retries after the grant
	// stage gave up.
	StageGrantRetry = "grant_retry"
)

// PurchaseRecord is one buyer's purchase of one book. PurchaseID is empty
// until the payment transaction is known.
type PurchaseRecord struct {
	PurchaseID    string         `json:"purchase_id,omitempty"`
	BuyerID       string         `json:"buyer_id"`
	LedgerID      uint64         `json:"ledger_id"`
	Status        PaymentStatus  `json:"status"`
	TxID          string         `json:"tx_id,omitempty"`
	Amount        int64          `json:"amount"`
	Attempts      map[string]int `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	LastErrorKind string         `json:"last_error_kind,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// PublicationJobID derives the job id from the publication's natural key,
// so resubmitting identical content lands on the same job.
func PublicationJobID(publisherID, contentFP, coverFP string) string {
	return "pub-" + util.HashParts(32, publisherID, contentFP, coverFP)
}

// PurchaseID derives the purchase id from the buyer, book and payment.
func PurchaseID(buyerID string, ledgerID uint64, txID string) string {
	return "pur-" + util.HashParts(32, buyerID, formatUint(ledgerID), txID)
}

// PublicationLockKey is the advisory lock guarding one publication job.
func PublicationLockKey(jobID string) string { return "publication/" + jobID }

// PurchaseLockKey is the advisory lock guarding one (buyer, book) pair.
func PurchaseLockKey(buyerID string, ledgerID uint64) string {
	return "purchase/" + buyerID + "/" + formatUint(ledgerID)
}
