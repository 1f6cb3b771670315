package purchase

import (
	"context"
	"errors"

	"golang.org/x/xerrors"

	"github.com/blackwell-systems/bookledger/internal/failure"
	"github.com/blackwell-systems/bookledger/internal/jobs"
	"github.com/blackwell-systems/bookledger/internal/ledger"
	"github.com/blackwell-systems/bookledger/internal/retry"
)

// drive advances rec until it is terminal, granted-failed or left pending
// on a slow confirmation.
func (o *Orchestrator) drive(ctx context.Context, rec *jobs.PurchaseRecord) error {
	for {
		switch rec.Status {
		case jobs.PaymentPending:
			if rec.TxID == "" {
				err := o.runStage(ctx, rec, jobs.StagePay, func(ctx context.Context, _ int) error {
					return o.pay(ctx, rec)
				})
				if err != nil {
					return o.settleError(ctx, rec, err)
				}
			}
			var rc *ledger.Receipt
			err := o.runStage(ctx, rec, jobs.StageConfirm, func(ctx context.Context, _ int) error {
				var werr error
				rc, werr = o.Ledger.WaitConfirmed(ctx, rec.TxID, o.cfg.MinConfirmations)
				return werr
			})
			if err != nil {
				return o.settleError(ctx, rec, err)
			}
			if rc.Amount > 0 {
				rec.Amount = rc.Amount
			}
			if err := o.transition(ctx, rec, jobs.PaymentConfirmed, nil); err != nil {
				return err
			}

		case jobs.PaymentConfirmed:
			err := o.runStage(ctx, rec, jobs.StageGrant, func(ctx context.Context, _ int) error {
				return o.Index.PutEntitlement(ctx, entitlement(rec))
			})
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				return o.grantFailed(ctx, rec, err)
			}
			if err := o.transition(ctx, rec, jobs.AccessGranted, nil); err != nil {
				return err
			}

		default:
			return nil
		}
	}
}

// pay resolves an earlier payment for the pair or submits a new one at the
// current ledger price. The transaction id is persisted before returning.
func (o *Orchestrator) pay(ctx context.Context, rec *jobs.PurchaseRecord) error {
	prev, err := o.Ledger.FindPayment(ctx, rec.BuyerID, rec.LedgerID)
	if err != nil {
		return err
	}
	if prev.Found {
		log.Infow("found earlier payment", "buyer", rec.BuyerID, "ledger_id", rec.LedgerID, "tx", prev.TxID)
		rec.TxID = prev.TxID
	} else {
		book, err := o.Ledger.GetBook(ctx, rec.LedgerID)
		if err != nil {
			return err
		}
		if !book.Active {
			return failure.New(failure.RejectedByLedger, "pay",
				&ledger.Rejection{Reason: ledger.ReasonBookInactive, Detail: "book is not for sale"})
		}
		rec.Amount = book.PriceMinorUnits
		txID, err := o.Ledger.Pay(ctx, ledger.PayRequest{
			Buyer:    rec.BuyerID,
			LedgerID: rec.LedgerID,
			Amount:   book.PriceMinorUnits,
		})
		if err != nil {
			return err
		}
		rec.TxID = txID
		log.Infow("payment submitted", "buyer", rec.BuyerID, "ledger_id", rec.LedgerID, "amount", rec.Amount, "tx", txID)
	}
	rec.PurchaseID = jobs.PurchaseID(rec.BuyerID, rec.LedgerID, rec.TxID)
	return o.Jobs.UpsertPurchase(ctx, rec)
}

// runStage runs fn under the stage's attempt budget, persisting each
// failed attempt.
func (o *Orchestrator) runStage(ctx context.Context, rec *jobs.PurchaseRecord, stage string, fn retry.Func) error {
	return o.cfg.Retry.Run(ctx, rec.Attempts[stage], fn, func(attempt int, err error) error {
		rec.Attempts[stage] = attempt
		rec.LastError = err.Error()
		rec.LastErrorKind = failure.KindOf(err).String()
		o.Metrics.Failure(stage, rec.LastErrorKind)
		log.Warnw("purchase attempt failed", "purchase", rec.PurchaseID, "buyer", rec.BuyerID,
			"ledger_id", rec.LedgerID, "stage", stage, "attempt", attempt, "error", err)
		return o.Jobs.UpsertPurchase(ctx, rec)
	})
}

// settleError handles a pay or confirm stage that gave up.
func (o *Orchestrator) settleError(ctx context.Context, rec *jobs.PurchaseRecord, err error) error {
	switch {
	case ctx.Err() != nil:
		return err
	case failure.Is(err, failure.RejectedByLedger):
		if rec.PurchaseID == "" {
			rec.PurchaseID = jobs.PurchaseID(rec.BuyerID, rec.LedgerID, rec.TxID)
		}
		rec.LastError = err.Error()
		rec.LastErrorKind = failure.RejectedByLedger.String()
		log.Infow("payment rejected", "buyer", rec.BuyerID, "ledger_id", rec.LedgerID, "error", err)
		return o.transition(ctx, rec, jobs.PaymentRejected, err)
	case rec.TxID != "":
		// The payment may still confirm and is never resubmitted. It stays
		// pending with a fresh confirmation budget for the next sweep.
		rec.Attempts[jobs.StageConfirm] = 0
		if perr := o.Jobs.UpsertPurchase(ctx, rec); perr != nil {
			return perr
		}
		if !errors.Is(err, retry.ErrBudgetExhausted) {
			return xerrors.Errorf("purchase %s: %w", rec.PurchaseID, err)
		}
		o.record(rec, rec.Status, err)
		log.Warnw("payment not yet confirmed, leaving pending", "purchase", rec.PurchaseID, "tx", rec.TxID, "error", err)
		return nil
	default:
		rec.Attempts[jobs.StagePay] = 0
		if perr := o.Jobs.UpsertPurchase(ctx, rec); perr != nil {
			return perr
		}
		return xerrors.Errorf("purchase %s/%d: %w", rec.BuyerID, rec.LedgerID, err)
	}
}

// grantFailed records that money moved but access did not.
func (o *Orchestrator) grantFailed(ctx context.Context, rec *jobs.PurchaseRecord, cause error) error {
	err := failure.New(failure.GrantFailedAfterPayment, "grant", cause)
	rec.LastError = err.Error()
	rec.LastErrorKind = failure.GrantFailedAfterPayment.String()
	log.Errorw("access grant failed after payment, queued for retry", "purchase", rec.PurchaseID,
		"buyer", rec.BuyerID, "ledger_id", rec.LedgerID, "tx", rec.TxID, "error", cause)
	return o.transition(ctx, rec, jobs.PaymentConfirmedGrantFailed, err)
}

func (o *Orchestrator) transition(ctx context.Context, rec *jobs.PurchaseRecord, to jobs.PaymentStatus, cause error) error {
	from := rec.Status
	rec.Status = to
	if cause == nil {
		rec.LastError, rec.LastErrorKind = "", ""
	}
	if err := o.Jobs.UpsertPurchase(ctx, rec); err != nil {
		rec.Status = from
		return err
	}
	o.Metrics.Purchase(string(to))
	o.record(rec, from, cause)
	log.Infow("purchase advanced", "purchase", rec.PurchaseID, "from", from, "to", to)
	return nil
}
