// Package purchase settles book purchases: it pays the ledger price once,
// waits for the payment to confirm and grants the buyer access in the index.
// A grant that fails after payment is retried in the background and never
// rolls the payment back.
package purchase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/blackwell-systems/bookledger/internal/cache"
	"github.com/blackwell-systems/bookledger/internal/catalog"
	"github.com/blackwell-systems/bookledger/internal/contentstore"
	"github.com/blackwell-systems/bookledger/internal/index"
	"github.com/blackwell-systems/bookledger/internal/jobs"
	"github.com/blackwell-systems/bookledger/internal/journal"
	"github.com/blackwell-systems/bookledger/internal/ledger"
	"github.com/blackwell-systems/bookledger/internal/metrics"
	"github.com/blackwell-systems/bookledger/internal/retry"
)

var log = logging.Logger("purchase")

// ErrNotEntitled is returned by Fetch when the buyer has no access grant.
var ErrNotEntitled = errors.New("no entitlement for this book")

// Ledger is the part of the ledger client purchases use.
type Ledger interface {
	GetBook(ctx context.Context, ledgerID uint64) (*ledger.BookEntry, error)
	Pay(ctx context.Context, req ledger.PayRequest) (string, error)
	FindPayment(ctx context.Context, buyer string, ledgerID uint64) (ledger.PaymentLookup, error)
	WaitConfirmed(ctx context.Context, txID string, minConfirmations uint64) (*ledger.Receipt, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Content contentstore.Store
	Ledger  Ledger
	Index   index.Store
	Jobs    *jobs.Store
	Cache   *cache.Manager
	Journal *journal.Journal
	Metrics *metrics.Metrics
}

// Config tunes an Orchestrator.
type Config struct {
	Retry            retry.Policy
	MinConfirmations uint64
	LockTTL          time.Duration
	Concurrency      int
}

// Orchestrator settles purchases.
type Orchestrator struct {
	Deps
	cfg Config
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Orchestrator{Deps: deps, cfg: cfg}
}

// Purchase buys ledgerID for buyerID at the price the ledger holds now and
// returns the purchase id. Calls for the same buyer and book are
// serialized; an existing purchase that was not rejected is returned as is
// (or driven forward if still pending) and is never paid a second time.
//
// A rejected payment is not an error: the record ends PaymentRejected and
// carries the ledger's reason.
func (o *Orchestrator) Purchase(ctx context.Context, buyerID string, ledgerID uint64) (string, error) {
	if buyerID == "" || ledgerID == 0 {
		return "", xerrors.New("purchase: buyer and ledger id required")
	}

	lease, err := o.Jobs.Lock(ctx, jobs.PurchaseLockKey(buyerID, ledgerID), o.cfg.LockTTL)
	if err != nil {
		return "", err
	}
	defer o.release(lease)

	rec, err := o.Jobs.PurchaseByNaturalKey(ctx, buyerID, ledgerID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		rec = &jobs.PurchaseRecord{BuyerID: buyerID, LedgerID: ledgerID}
		if err := o.begin(ctx, rec); err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	case rec.Status == jobs.PaymentRejected:
		log.Infow("retrying previously rejected purchase", "buyer", buyerID, "ledger_id", ledgerID, "reason", rec.LastError)
		if err := o.begin(ctx, rec); err != nil {
			return "", err
		}
	case rec.Status == jobs.PaymentPending, rec.Status == jobs.PaymentConfirmed:
		log.Infow("resuming pending purchase", "purchase", rec.PurchaseID, "status", rec.Status)
	default:
		return rec.PurchaseID, nil
	}

	err = o.drive(ctx, rec)
	return rec.PurchaseID, err
}

// begin persists the intent to pay before any ledger call is made.
func (o *Orchestrator) begin(ctx context.Context, rec *jobs.PurchaseRecord) error {
	from := rec.Status
	rec.PurchaseID = ""
	rec.Status = jobs.PaymentPending
	rec.TxID = ""
	rec.Amount = 0
	rec.Attempts = map[string]int{}
	rec.LastError, rec.LastErrorKind = "", ""
	if err := o.Jobs.UpsertPurchase(ctx, rec); err != nil {
		return err
	}
	o.Metrics.Purchase(string(rec.Status))
	o.record(rec, from, nil)
	return nil
}

// GetStatus returns the purchase with the given id.
func (o *Orchestrator) GetStatus(ctx context.Context, purchaseID string) (*jobs.PurchaseRecord, error) {
	return o.Jobs.GetPurchase(ctx, purchaseID)
}

// StatusFor returns the purchase of ledgerID by buyerID.
func (o *Orchestrator) StatusFor(ctx context.Context, buyerID string, ledgerID uint64) (*jobs.PurchaseRecord, error) {
	return o.Jobs.PurchaseByNaturalKey(ctx, buyerID, ledgerID)
}

// Recover drives purchases left PaymentPending or PaymentConfirmed by an
// earlier process, a few at a time. Failed grants belong to the
// GrantRetrier.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	pending, err := o.Jobs.ListIncompletePurchases(ctx)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	driven := make([]bool, len(pending))
	for i, rec := range pending {
		if rec.Status == jobs.PaymentConfirmedGrantFailed {
			continue
		}
		i, buyerID, ledgerID := i, rec.BuyerID, rec.LedgerID
		g.Go(func() error {
			ok, err := o.resume(ctx, buyerID, ledgerID)
			if err != nil {
				log.Errorw("recovering purchase", "buyer", buyerID, "ledger_id", ledgerID, "error", err)
				return xerrors.Errorf("resuming purchase %s/%d: %w", buyerID, ledgerID, err)
			}
			driven[i] = ok
			return nil
		})
	}
	err = g.Wait()
	n := 0
	for _, d := range driven {
		if d {
			n++
		}
	}
	return n, err
}

// resume drives one purchase if no other worker holds it.
func (o *Orchestrator) resume(ctx context.Context, buyerID string, ledgerID uint64) (bool, error) {
	lease, err := o.Jobs.TryLock(ctx, jobs.PurchaseLockKey(buyerID, ledgerID), o.cfg.LockTTL)
	if errors.Is(err, jobs.ErrLocked) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer o.release(lease)

	// Re-read under the lock; the listing may be stale.
	rec, err := o.Jobs.PurchaseByNaturalKey(ctx, buyerID, ledgerID)
	if err != nil {
		return false, err
	}
	if rec.Status != jobs.PaymentPending && rec.Status != jobs.PaymentConfirmed {
		return false, nil
	}
	return true, o.drive(ctx, rec)
}

// Fetch returns the local path of a purchased book's PDF, downloading and
// verifying it on first use.
func (o *Orchestrator) Fetch(ctx context.Context, buyerID string, ledgerID uint64) (string, error) {
	ok, err := o.Index.HasEntitlement(ctx, buyerID, ledgerID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: buyer %s, book %d", ErrNotEntitled, buyerID, ledgerID)
	}
	book, err := o.Index.GetBook(ctx, ledgerID)
	if err != nil {
		return "", xerrors.Errorf("looking up book %d: %w", ledgerID, err)
	}
	fp := book.ContentFingerprint

	if o.Cache.Exists(cache.Assets, fp) {
		path := o.Cache.Path(cache.Assets, fp)
		if err := cache.VerifyFile(path, fp); err == nil {
			return path, nil
		}
		log.Warnw("cached asset failed verification, refetching", "ledger_id", ledgerID, "fingerprint", fp)
	}

	var data []byte
	err = o.cfg.Retry.Run(ctx, 0, func(ctx context.Context, _ int) error {
		var ferr error
		data, ferr = o.Content.Fetch(ctx, fp)
		return ferr
	}, nil)
	if err != nil {
		return "", xerrors.Errorf("fetching %s: %w", fp, err)
	}
	return o.Cache.Store(cache.Assets, fp, bytes.NewReader(data))
}

func (o *Orchestrator) release(lease *jobs.Lease) {
	// A cancelled call must still free its lock.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		log.Warnw("releasing purchase lock", "key", lease.Key, "error", err)
	}
}

func (o *Orchestrator) record(rec *jobs.PurchaseRecord, from jobs.PaymentStatus, err error) {
	e := journal.Entry{
		Subject: "purchase",
		ID:      fmt.Sprintf("%s/%d", rec.BuyerID, rec.LedgerID),
		From:    string(from),
		To:      string(rec.Status),
	}
	if err != nil {
		e.Error = err.Error()
		e.ErrorKind = rec.LastErrorKind
	}
	if jerr := o.Journal.Append(e); jerr != nil {
		log.Warnw("journal append failed", "buyer", rec.BuyerID, "ledger_id", rec.LedgerID, "error", jerr)
	}
}

func entitlement(rec *jobs.PurchaseRecord) catalog.Entitlement {
	return catalog.Entitlement{
		BuyerID:    rec.BuyerID,
		LedgerID:   rec.LedgerID,
		PurchaseID: rec.PurchaseID,
		TxID:       rec.TxID,
		GrantedAt:  time.Now().UTC(),
	}
}
