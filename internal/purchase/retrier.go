package purchase

import (
	"context"
	"errors"
	"time"

	"golang.org/x/xerrors"

	"github.com/blackwell-systems/bookledger/internal/failure"
	"github.com/blackwell-systems/bookledger/internal/jobs"
)

// GrantRetrier re-attempts access grants for purchases whose payment
// confirmed but whose entitlement write failed. Each purchase gets at most
// MaxAttempts background tries; after that it stays visibly in
// PaymentConfirmedGrantFailed for an operator.
type GrantRetrier struct {
	orch        *Orchestrator
	maxAttempts int
	interval    time.Duration
}

// NewGrantRetrier creates a retrier sweeping every interval.
func NewGrantRetrier(o *Orchestrator, maxAttempts int, interval time.Duration) *GrantRetrier {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &GrantRetrier{orch: o, maxAttempts: maxAttempts, interval: interval}
}

// Run sweeps until ctx is done.
func (r *GrantRetrier) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Warnw("grant sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Sweep makes one grant attempt for every eligible purchase and returns
// how many reached AccessGranted. A purchase that cannot be retried does not
// hold up the rest; the first such error is returned after the sweep.
func (r *GrantRetrier) Sweep(ctx context.Context) (int, error) {
	failed, err := r.orch.Jobs.ListPurchasesByStatus(ctx, jobs.PaymentConfirmedGrantFailed)
	if err != nil {
		return 0, err
	}
	granted := 0
	var first error
	for _, rec := range failed {
		if rec.Attempts[jobs.StageGrantRetry] >= r.maxAttempts {
			continue
		}
		ok, err := r.retry(ctx, rec.BuyerID, rec.LedgerID)
		if err != nil {
			if ctx.Err() != nil {
				return granted, ctx.Err()
			}
			log.Warnw("grant retry skipped", "purchase", rec.PurchaseID, "buyer", rec.BuyerID, "ledger_id", rec.LedgerID, "error", err)
			if first == nil {
				first = xerrors.Errorf("retrying grant for %s/%d: %w", rec.BuyerID, rec.LedgerID, err)
			}
			continue
		}
		if ok {
			granted++
		}
	}
	return granted, first
}

func (r *GrantRetrier) retry(ctx context.Context, buyerID string, ledgerID uint64) (bool, error) {
	o := r.orch
	lease, err := o.Jobs.TryLock(ctx, jobs.PurchaseLockKey(buyerID, ledgerID), o.cfg.LockTTL)
	if errors.Is(err, jobs.ErrLocked) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer o.release(lease)

	rec, err := o.Jobs.PurchaseByNaturalKey(ctx, buyerID, ledgerID)
	if err != nil {
		return false, err
	}
	if rec.Status != jobs.PaymentConfirmedGrantFailed {
		return false, nil
	}

	o.Metrics.GrantRetry()
	attempt := rec.Attempts[jobs.StageGrantRetry] + 1
	gerr := o.Index.PutEntitlement(ctx, entitlement(rec))
	if gerr == nil {
		log.Infow("access granted on retry", "purchase", rec.PurchaseID, "attempt", attempt)
		return true, o.transition(ctx, rec, jobs.AccessGranted, nil)
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	rec.Attempts[jobs.StageGrantRetry] = attempt
	rec.LastError = failure.New(failure.GrantFailedAfterPayment, "grant", gerr).Error()
	rec.LastErrorKind = failure.GrantFailedAfterPayment.String()
	if err := o.Jobs.UpsertPurchase(ctx, rec); err != nil {
		return false, err
	}
	o.record(rec, rec.Status, gerr)
	if attempt >= r.maxAttempts {
		o.Metrics.GrantExhausted()
		log.Errorw("grant retries exhausted, operator action required", "purchase", rec.PurchaseID,
			"buyer", rec.BuyerID, "ledger_id", rec.LedgerID, "tx", rec.TxID, "attempts", attempt, "error", gerr)
		return false, nil
	}
	log.Warnw("grant retry failed", "purchase", rec.PurchaseID, "attempt", attempt, "error", gerr)
	return false, nil
}
