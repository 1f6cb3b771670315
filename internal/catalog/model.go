package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle stage of a published book.
type Status string

const (
	StatusDrafted         Status = "Drafted"
	StatusAssetsUploading Status = "AssetsUploading"
	StatusAssetsPinned    Status = "AssetsPinned"
	StatusLedgerRecording Status = "LedgerRecording"
	StatusLedgerConfirmed Status = "LedgerConfirmed"
	StatusIndexSyncing    Status = "IndexSyncing"
	StatusPublished       Status = "Published"
	StatusFailed          Status = "Failed"
)

// Terminal reports whether no further stage follows s.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusFailed
}

// HasLedgerID reports whether a book in status s must carry a ledger id.
func (s Status) HasLedgerID() bool {
	switch s {
	case StatusLedgerConfirmed, StatusIndexSyncing, StatusPublished:
		return true
	}
	return false
}

// pastUploading reports whether s lies beyond the upload stage.
func (s Status) pastUploading() bool {
	switch s {
	case StatusDrafted, StatusAssetsUploading, StatusFailed:
		return false
	}
	return true
}

// BookAsset is one published (or publishing) book.
type BookAsset struct {
	ContentFingerprint string `json:"content_fingerprint"`
	CoverFingerprint   string `json:"cover_fingerprint"`
	LedgerID           uint64 `json:"ledger_id,omitempty"`
	Title              string `json:"title"`
	AuthorName         string `json:"author_name"`
	Description        string `json:"description,omitempty"`
	PriceMinorUnits    int64  `json:"price_minor_units"`
	RoyaltyPercent     int    `json:"royalty_percent"`
	Status             Status `json:"status"`
}

// CheckInvariants verifies the ledger id and fingerprint rules for the
// asset's current status.
func (b *BookAsset) CheckInvariants() error {
	if b.Status.HasLedgerID() != (b.LedgerID != 0) {
		return fmt.Errorf("book %q: ledger id %d inconsistent with status %s", b.Title, b.LedgerID, b.Status)
	}
	if b.Status.pastUploading() && (b.ContentFingerprint == "" || b.CoverFingerprint == "") {
		return fmt.Errorf("book %q: status %s requires both fingerprints", b.Title, b.Status)
	}
	return nil
}

// Draft is a publisher's submission before anything has been uploaded.
type Draft struct {
	PublisherID     string
	Title           string
	AuthorName      string
	Description     string
	PriceMinorUnits int64
	RoyaltyPercent  int
	PDF             []byte
	Cover           []byte
}

// ErrInvalidDraft is returned by Validate for malformed drafts.
var ErrInvalidDraft = errors.New("invalid draft")

// Validate checks the draft's fields.
func (d *Draft) Validate() error {
	var problems []string
	if strings.TrimSpace(d.PublisherID) == "" {
		problems = append(problems, "publisher id is required")
	}
	if strings.TrimSpace(d.Title) == "" {
		problems = append(problems, "title is required")
	}
	if d.PriceMinorUnits <= 0 {
		problems = append(problems, "price must be positive")
	}
	if d.RoyaltyPercent < 0 || d.RoyaltyPercent > 100 {
		problems = append(problems, "royalty must be between 0 and 100")
	}
	if len(d.PDF) == 0 {
		problems = append(problems, "pdf is empty")
	}
	if len(d.Cover) == 0 {
		problems = append(problems, "cover is empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDraft, strings.Join(problems, "; "))
	}
	return nil
}

// Asset returns the BookAsset a draft starts out as.
func (d *Draft) Asset() BookAsset {
	return BookAsset{
		Title:           strings.TrimSpace(d.Title),
		AuthorName:      strings.TrimSpace(d.AuthorName),
		Description:     strings.TrimSpace(d.Description),
		PriceMinorUnits: d.PriceMinorUnits,
		RoyaltyPercent:  d.RoyaltyPercent,
		Status:          StatusDrafted,
	}
}

// Book is the index projection of a ledger-recorded book.
type Book struct {
	LedgerID           uint64    `json:"ledger_id"`
	Title              string    `json:"title"`
	AuthorName         string    `json:"author_name"`
	Description        string    `json:"description,omitempty"`
	PublisherID        string    `json:"publisher_id,omitempty"`
	PriceMinorUnits    int64     `json:"price_minor_units"`
	RoyaltyPercent     int       `json:"royalty_percent"`
	ContentFingerprint string    `json:"content_fingerprint"`
	CoverFingerprint   string    `json:"cover_fingerprint"`
	Active             bool      `json:"active"`
	TotalSales         int64     `json:"total_sales"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Entitlement grants a buyer fetch access to one book.
type Entitlement struct {
	BuyerID    string    `json:"buyer_id"`
	LedgerID   uint64    `json:"ledger_id"`
	PurchaseID string    `json:"purchase_id"`
	TxID       string    `json:"tx_id"`
	GrantedAt  time.Time `json:"granted_at"`
}
