package publish

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/blackwell-systems/bookledger/internal/cache"
	"github.com/blackwell-systems/bookledger/internal/catalog"
	"github.com/blackwell-systems/bookledger/internal/failure"
	"github.com/blackwell-systems/bookledger/internal/index"
	"github.com/blackwell-systems/bookledger/internal/jobs"
	"github.com/blackwell-systems/bookledger/internal/ledger"
	"github.com/blackwell-systems/bookledger/internal/retry"
)

// errNotPinned sends a job back to AssetsUploading to re-request its pins.
var errNotPinned = errors.New("asset not pinned")

// drive advances job one stage at a time until it is terminal.
func (o *Orchestrator) drive(ctx context.Context, job *jobs.PublicationJob, lease *jobs.Lease) error {
	// Assets whose pin was confirmed during this run's upload stage.
	verified := map[string]bool{}

	for !job.Status.Terminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := lease.Extend(ctx, o.cfg.LockTTL); err != nil {
			return xerrors.Errorf("job %s: lost lock: %w", job.JobID, err)
		}
		aborted, err := o.Jobs.AbortRequested(ctx, job.JobID)
		if err != nil {
			return err
		}
		if aborted {
			job.AbortRequested = true
			return o.fail(ctx, job, ErrAborted)
		}

		stage := job.Status
		switch stage {
		case catalog.StatusDrafted:
			err = o.advance(ctx, job, catalog.StatusAssetsUploading)

		case catalog.StatusAssetsUploading:
			err = o.runStage(ctx, job, func(ctx context.Context, _ int) error {
				return o.uploadAssets(ctx, job, verified)
			})
			if err == nil {
				err = o.advance(ctx, job, catalog.StatusAssetsPinned)
			}

		case catalog.StatusAssetsPinned:
			err = o.verifyPins(ctx, job, verified)
			switch {
			case errors.Is(err, errNotPinned):
				err = o.repin(ctx, job, err)
			case err == nil:
				err = o.advance(ctx, job, catalog.StatusLedgerRecording)
			}

		case catalog.StatusLedgerRecording:
			var rc *ledger.Receipt
			err = o.runStage(ctx, job, func(ctx context.Context, _ int) error {
				var rerr error
				rc, rerr = o.recordOnLedger(ctx, job)
				return rerr
			})
			if err == nil {
				job.LedgerID = rc.LedgerID
				err = o.advance(ctx, job, catalog.StatusLedgerConfirmed)
			}

		case catalog.StatusLedgerConfirmed:
			err = o.advance(ctx, job, catalog.StatusIndexSyncing)

		case catalog.StatusIndexSyncing:
			err = o.runStage(ctx, job, func(ctx context.Context, _ int) error {
				return o.syncIndex(ctx, job)
			})
			if err == nil {
				err = o.advance(ctx, job, catalog.StatusPublished)
			}

		default:
			err = xerrors.Errorf("job %s: unknown stage %q", job.JobID, stage)
		}

		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			var se *stageError
			if errors.As(err, &se) {
				return o.fail(ctx, job, se.err)
			}
			return err
		}
	}

	if job.Status == catalog.StatusPublished {
		o.unstage(job)
	}
	return nil
}

// stageError marks a stage outcome that terminates the job.
type stageError struct{ err error }

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// runStage runs fn under the job's retry budget for its current stage,
// persisting each failed attempt before the next is scheduled.
func (o *Orchestrator) runStage(ctx context.Context, job *jobs.PublicationJob, fn retry.Func) error {
	stage := job.Status
	err := o.cfg.Retry.Run(ctx, job.Attempts[stage], fn, func(attempt int, err error) error {
		o.noteFailure(job, stage, attempt, err)
		log.Warnw("stage attempt failed", "job", job.JobID, "stage", stage, "attempt", attempt, "kind", failure.KindOf(err), "error", err)
		return o.Jobs.UpsertPublication(ctx, job)
	})
	if err == nil || ctx.Err() != nil {
		return err
	}
	if errors.Is(err, retry.ErrBudgetExhausted) || !failure.Retriable(err) {
		return &stageError{err: err}
	}
	return err
}

func (o *Orchestrator) noteFailure(job *jobs.PublicationJob, stage catalog.Status, attempt int, err error) {
	job.Attempts[stage] = attempt
	job.LastError = err.Error()
	job.LastErrorKind = errorKind(stage, err)
	o.Metrics.Failure(string(stage), job.LastErrorKind)
	o.record(job, stage, err)
}

func errorKind(stage catalog.Status, err error) string {
	switch {
	case errors.Is(err, ErrAborted):
		return "Aborted"
	case stage == catalog.StatusAssetsUploading && failure.Is(err, failure.RejectedByStore):
		return "AssetUploadRejected"
	default:
		return failure.KindOf(err).String()
	}
}

// advance persists the move into the next stage.
func (o *Orchestrator) advance(ctx context.Context, job *jobs.PublicationJob, to catalog.Status) error {
	from := job.Status
	job.Status = to
	job.LastError, job.LastErrorKind = "", ""
	if err := o.Jobs.UpsertPublication(ctx, job); err != nil {
		job.Status = from
		return err
	}
	o.Metrics.Stage(string(to))
	o.record(job, from, nil)
	log.Infow("stage advanced", "job", job.JobID, "from", from, "to", to, "ledger_id", job.LedgerID)
	return nil
}

// fail moves the job to Failed with cause as its last error. Uploaded and
// pinned content is left in place for a later resubmission.
func (o *Orchestrator) fail(ctx context.Context, job *jobs.PublicationJob, cause error) error {
	from := job.Status
	msg := cause.Error()
	if job.LedgerID != 0 {
		msg = fmt.Sprintf("%s (ledger id %d, tx %s)", msg, job.LedgerID, job.TxID)
	}
	job.Status = catalog.StatusFailed
	job.LedgerID = 0
	job.LastError = msg
	job.LastErrorKind = errorKind(from, cause)
	if err := o.Jobs.UpsertPublication(ctx, job); err != nil {
		return err
	}
	o.Metrics.Stage(string(catalog.StatusFailed))
	o.record(job, from, cause)
	log.Errorw("publication failed", "job", job.JobID, "stage", from, "kind", job.LastErrorKind, "error", msg)
	return nil
}

// uploadAssets adds and pins both assets. Content already pinned is not
// added or pinned again; content already added is only re-pinned.
func (o *Orchestrator) uploadAssets(ctx context.Context, job *jobs.PublicationJob, verified map[string]bool) error {
	type asset struct {
		fp       string
		uploaded *bool
	}
	assets := []asset{
		{job.ContentFingerprint, &job.ContentUploaded},
		{job.CoverFingerprint, &job.CoverUploaded},
	}
	added := make([]bool, len(assets))
	pinned := make([]bool, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range assets {
		i, a, already := i, a, *a.uploaded
		g.Go(func() error {
			ok, err := o.Content.IsPinned(gctx, a.fp)
			if err != nil {
				return err
			}
			if ok {
				added[i], pinned[i] = true, true
				return nil
			}
			if !already {
				data, err := o.Cache.Load(cache.Staged, a.fp)
				if err != nil {
					return failure.New(failure.RejectedByStore, "upload",
						xerrors.Errorf("draft bytes for %s are no longer staged, resubmit the draft: %w", a.fp, err))
				}
				fp, err := o.Content.Add(gctx, data)
				if err != nil {
					return err
				}
				if fp != a.fp {
					return failure.New(failure.RejectedByStore, "upload",
						xerrors.Errorf("store returned fingerprint %s, expected %s", fp, a.fp))
				}
				added[i] = true
			}
			return o.Content.Pin(gctx, a.fp)
		})
	}
	err := g.Wait()

	changed := false
	for i, a := range assets {
		if added[i] && !*a.uploaded {
			*a.uploaded = true
			changed = true
		}
		if pinned[i] {
			verified[a.fp] = true
		}
	}
	if changed {
		if perr := o.Jobs.UpsertPublication(ctx, job); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// verifyPins checks both assets report pinned, skipping those whose pin
// was already observed during this run.
func (o *Orchestrator) verifyPins(ctx context.Context, job *jobs.PublicationJob, verified map[string]bool) error {
	for _, fp := range []string{job.ContentFingerprint, job.CoverFingerprint} {
		if verified[fp] {
			continue
		}
		ok, err := o.Content.IsPinned(ctx, fp)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", errNotPinned, fp, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", errNotPinned, fp)
		}
		verified[fp] = true
	}
	return nil
}

// repin returns the job to AssetsUploading, charging the failed
// verification to that stage's budget.
func (o *Orchestrator) repin(ctx context.Context, job *jobs.PublicationJob, cause error) error {
	used := job.Attempts[catalog.StatusAssetsUploading] + 1
	o.noteFailure(job, catalog.StatusAssetsUploading, used, cause)
	if used >= o.cfg.Retry.MaxAttempts {
		job.Status = catalog.StatusAssetsUploading
		return &stageError{err: fmt.Errorf("%w (%d attempts): %w", retry.ErrBudgetExhausted, used, cause)}
	}
	from := job.Status
	job.Status = catalog.StatusAssetsUploading
	if err := o.Jobs.UpsertPublication(ctx, job); err != nil {
		return err
	}
	o.record(job, from, cause)
	log.Warnw("pin verification failed, re-pinning", "job", job.JobID, "attempt", used, "error", cause)
	return nil
}

// recordOnLedger makes sure exactly one ledger entry exists for the job's
// fingerprints and waits for it to reach finality. A transaction already
// known to the job is only ever re-polled.
func (o *Orchestrator) recordOnLedger(ctx context.Context, job *jobs.PublicationJob) (*ledger.Receipt, error) {
	if job.TxID == "" {
		txID, err := o.findOrRecord(ctx, job)
		if err != nil {
			return nil, err
		}
		job.TxID = txID
		if err := o.Jobs.UpsertPublication(ctx, job); err != nil {
			return nil, err
		}
	}

	rc, err := o.Ledger.WaitConfirmed(ctx, job.TxID, o.cfg.MinConfirmations)
	if err != nil {
		if failure.Is(err, failure.RejectedByLedger) {
			// The transaction is gone for good; a restart must record anew.
			log.Warnw("record transaction rejected", "job", job.JobID, "tx", job.TxID, "error", err)
			job.TxID = ""
		}
		return nil, err
	}
	if rc.LedgerID == 0 {
		return nil, failure.New(failure.RejectedByLedger, "record",
			xerrors.Errorf("confirmed transaction %s carries no ledger id", job.TxID))
	}
	return rc, nil
}

// syncIndex writes the confirmed ledger entry into the index. The entry may
// predate the job when another publisher recorded the same assets first;
// its row then keeps that publisher's author and description.
func (o *Orchestrator) syncIndex(ctx context.Context, job *jobs.PublicationJob) error {
	entry, err := o.Ledger.GetBook(ctx, job.LedgerID)
	if err != nil {
		return err
	}
	row, err := o.Index.GetBook(ctx, job.LedgerID)
	switch {
	case errors.Is(err, index.ErrNotFound):
		row = &catalog.Book{}
	case err != nil:
		return err
	}
	if entry.Publisher == job.PublisherID || row.LedgerID == 0 {
		row.AuthorName = job.AuthorName
		row.Description = job.Description
	}
	entry.ApplyTo(row)
	if entry.Publisher != job.PublisherID {
		log.Warnw("assets already recorded by another publisher", "job", job.JobID, "ledger_id", entry.ID, "publisher", entry.Publisher)
	}
	return o.Index.PutBook(ctx, *row)
}

func (o *Orchestrator) findOrRecord(ctx context.Context, job *jobs.PublicationJob) (string, error) {
	lookup := func() (string, bool, error) {
		l, err := o.Ledger.FindBookByFingerprints(ctx, job.ContentFingerprint, job.CoverFingerprint)
		if err != nil {
			return "", false, err
		}
		return l.TxID, l.Found, nil
	}

	if txID, found, err := lookup(); err != nil || found {
		if found {
			log.Infow("ledger entry already exists", "job", job.JobID, "tx", txID)
		}
		return txID, err
	}

	txID, err := o.Ledger.RecordBook(ctx, ledger.RecordRequest{
		Publisher:          job.PublisherID,
		Title:              job.Title,
		PriceMinorUnits:    job.PriceMinorUnits,
		RoyaltyPercent:     job.RoyaltyPercent,
		ContentFingerprint: job.ContentFingerprint,
		CoverFingerprint:   job.CoverFingerprint,
	})
	if ledger.IsRejected(err, ledger.ReasonDuplicateBook) {
		// Someone recorded it between our lookup and our call.
		found := false
		if txID, found, err = lookup(); err == nil && !found {
			err = failure.Transient("record", xerrors.New("duplicate reported but no entry found"))
		}
		return txID, err
	}
	return txID, err
}

func (o *Orchestrator) unstage(job *jobs.PublicationJob) {
	for _, fp := range []string{job.ContentFingerprint, job.CoverFingerprint} {
		if err := o.Cache.Remove(cache.Staged, fp); err != nil {
			log.Warnw("removing staged bytes", "job", job.JobID, "fingerprint", fp, "error", err)
		}
	}
}
