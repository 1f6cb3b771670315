package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const purchaseColumns = `buyer_id, ledger_id, purchase_id, status, tx_id, amount, attempts,
	last_error, last_error_kind, created_at, updated_at`

// UpsertPurchase writes the record keyed by (buyer, ledger id).
func (s *Store) UpsertPurchase(ctx context.Context, p *PurchaseRecord) error {
	if p.BuyerID == "" || p.LedgerID == 0 {
		return fmt.Errorf("upsert purchase: buyer and ledger id required")
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Attempts == nil {
		p.Attempts = map[string]int{}
	}
	attempts, err := json.Marshal(p.Attempts)
	if err != nil {
		return fmt.Errorf("upsert purchase: %w", err)
	}
	var purchaseID sql.NullString
	if p.PurchaseID != "" {
		purchaseID = sql.NullString{String: p.PurchaseID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(buyer_id, ledger_id) DO UPDATE SET
			purchase_id = excluded.purchase_id,
			status = excluded.status,
			tx_id = excluded.tx_id,
			amount = excluded.amount,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			last_error_kind = excluded.last_error_kind,
			updated_at = excluded.updated_at
	`,
		p.BuyerID, p.LedgerID, purchaseID, string(p.Status), p.TxID, p.Amount, string(attempts),
		p.LastError, p.LastErrorKind, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert purchase %s/%d: %w", p.BuyerID, p.LedgerID, err)
	}
	return nil
}

// GetPurchase returns the record with the given purchase id.
func (s *Store) GetPurchase(ctx context.Context, purchaseID string) (*PurchaseRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE purchase_id = ?`, purchaseID)
	return scanPurchase(row)
}

// PurchaseByNaturalKey returns the buyer's record for a book.
func (s *Store) PurchaseByNaturalKey(ctx context.Context, buyerID string, ledgerID uint64) (*PurchaseRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE buyer_id = ? AND ledger_id = ?`, buyerID, ledgerID)
	return scanPurchase(row)
}

// ListIncompletePurchases returns records still needing work, oldest first.
func (s *Store) ListIncompletePurchases(ctx context.Context) ([]*PurchaseRecord, error) {
	return s.queryPurchases(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE status IN (?, ?, ?)
		ORDER BY created_at`,
		string(PaymentPending), string(PaymentConfirmed), string(PaymentConfirmedGrantFailed))
}

// ListPurchasesByStatus returns records in status, oldest first.
func (s *Store) ListPurchasesByStatus(ctx context.Context, status PaymentStatus) ([]*PurchaseRecord, error) {
	return s.queryPurchases(ctx, `
		SELECT `+purchaseColumns+` FROM purchases WHERE status = ? ORDER BY created_at`, string(status))
}

// ListPurchases returns a buyer's records, most recent first.
func (s *Store) ListPurchases(ctx context.Context, buyerID string) ([]*PurchaseRecord, error) {
	return s.queryPurchases(ctx, `
		SELECT `+purchaseColumns+` FROM purchases WHERE buyer_id = ? ORDER BY updated_at DESC`, buyerID)
}

func (s *Store) queryPurchases(ctx context.Context, query string, args ...interface{}) ([]*PurchaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query purchases: %w", err)
	}
	defer rows.Close()
	var out []*PurchaseRecord
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPurchase(sc scanner) (*PurchaseRecord, error) {
	var (
		p                    PurchaseRecord
		purchaseID           sql.NullString
		status, attempts     string
		createdAt, updatedAt string
	)
	err := sc.Scan(&p.BuyerID, &p.LedgerID, &purchaseID, &status, &p.TxID, &p.Amount, &attempts,
		&p.LastError, &p.LastErrorKind, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan purchase: %w", err)
	}
	p.PurchaseID = purchaseID.String
	p.Status = PaymentStatus(status)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.Attempts = map[string]int{}
	if err := json.Unmarshal([]byte(attempts), &p.Attempts); err != nil {
		return nil, fmt.Errorf("decode attempts of %s/%d: %w", p.BuyerID, p.LedgerID, err)
	}
	return &p, nil
}
