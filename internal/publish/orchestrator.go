// Package publish drives book submissions through upload, pin verification,
// ledger recording and index sync, persisting every step in the Job Ledger
// so a job resumes from its current stage after a crash.
package publish

import (
	"context"
	"errors"
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

var log = logging.Logger("publish")

// ErrAborted is recorded as the last error of a job stopped by an abort request.
var ErrAborted = errors.New("aborted")

// Ledger is the part of the ledger client the orchestrator uses.
type Ledger interface {
	RecordBook(ctx context.Context, req ledger.RecordRequest) (string, error)
	FindBookByFingerprints(ctx context.Context, contentFP, coverFP string) (ledger.Lookup, error)
	WaitConfirmed(ctx context.Context, txID string, minConfirmations uint64) (*ledger.Receipt, error)
	GetBook(ctx context.Context, ledgerID uint64) (*ledger.BookEntry, error)
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

// Orchestrator runs publication jobs.
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

// Submit registers a draft and drives its job to a terminal status. The job
// id is derived from the publisher and the content fingerprints, so
// resubmitting identical content returns the existing job instead of
// creating a second one. A Failed job is restarted from AssetsUploading with
// fresh attempt budgets.
//
// A job ending Failed is not an error: its status and last error are
// persisted for the caller to inspect.
func (o *Orchestrator) Submit(ctx context.Context, d catalog.Draft) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	contentFP, err := contentstore.Fingerprint(d.PDF)
	if err != nil {
		return "", err
	}
	coverFP, err := contentstore.Fingerprint(d.Cover)
	if err != nil {
		return "", err
	}
	jobID := jobs.PublicationJobID(d.PublisherID, contentFP, coverFP)

	if err := o.Cache.Stage(contentFP, d.PDF); err != nil {
		return "", xerrors.Errorf("staging pdf: %w", err)
	}
	if err := o.Cache.Stage(coverFP, d.Cover); err != nil {
		return "", xerrors.Errorf("staging cover: %w", err)
	}

	lease, err := o.Jobs.TryLock(ctx, jobs.PublicationLockKey(jobID), o.cfg.LockTTL)
	if errors.Is(err, jobs.ErrLocked) {
		log.Infow("job already running elsewhere", "job", jobID)
		return jobID, nil
	}
	if err != nil {
		return "", err
	}
	defer o.release(lease)

	job, err := o.Jobs.GetPublication(ctx, jobID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		asset := d.Asset()
		asset.ContentFingerprint = contentFP
		asset.CoverFingerprint = coverFP
		job = &jobs.PublicationJob{
			JobID:       jobID,
			PublisherID: d.PublisherID,
			BookAsset:   asset,
			Attempts:    map[catalog.Status]int{},
		}
		if err := o.Jobs.UpsertPublication(ctx, job); err != nil {
			return "", err
		}
		o.record(job, "", nil)
		log.Infow("publication submitted", "job", jobID, "title", job.Title)
	case err != nil:
		return "", err
	case job.Status == catalog.StatusFailed:
		if err := o.restart(ctx, job); err != nil {
			return "", err
		}
	default:
		log.Infow("resubmission of existing job", "job", jobID, "status", job.Status)
	}

	return jobID, o.drive(ctx, job, lease)
}

func (o *Orchestrator) restart(ctx context.Context, job *jobs.PublicationJob) error {
	if err := o.Jobs.ClearAbort(ctx, job.JobID); err != nil {
		return err
	}
	from := job.Status
	job.Status = catalog.StatusAssetsUploading
	job.Attempts = map[catalog.Status]int{}
	job.AbortRequested = false
	job.LastError, job.LastErrorKind = "", ""
	if err := o.Jobs.UpsertPublication(ctx, job); err != nil {
		return err
	}
	o.record(job, from, nil)
	log.Infow("restarting failed job", "job", job.JobID)
	return nil
}

// Resume drives an existing job from its current stage. If another worker
// holds the job, the current status is returned with jobs.ErrLocked.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) (catalog.Status, error) {
	lease, err := o.Jobs.TryLock(ctx, jobs.PublicationLockKey(jobID), o.cfg.LockTTL)
	if errors.Is(err, jobs.ErrLocked) {
		job, gerr := o.Jobs.GetPublication(ctx, jobID)
		if gerr != nil {
			return "", gerr
		}
		return job.Status, err
	}
	if err != nil {
		return "", err
	}
	defer o.release(lease)

	job, err := o.Jobs.GetPublication(ctx, jobID)
	if err != nil {
		return "", err
	}
	err = o.drive(ctx, job, lease)
	return job.Status, err
}

// GetStatus returns the persisted job.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*jobs.PublicationJob, error) {
	return o.Jobs.GetPublication(ctx, jobID)
}

// Abort asks the job to stop before its next stage. A call already in
// flight completes and its result is recorded.
func (o *Orchestrator) Abort(ctx context.Context, jobID string) error {
	job, err := o.Jobs.GetPublication(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return xerrors.Errorf("job %s is already %s", jobID, job.Status)
	}
	return o.Jobs.RequestAbort(ctx, jobID)
}

// PinStatus reports whether the job's PDF and cover are pinned right now.
func (o *Orchestrator) PinStatus(ctx context.Context, jobID string) (content, cover bool, err error) {
	job, err := o.Jobs.GetPublication(ctx, jobID)
	if err != nil {
		return false, false, err
	}
	if content, err = o.Content.IsPinned(ctx, job.ContentFingerprint); err != nil {
		return false, false, err
	}
	cover, err = o.Content.IsPinned(ctx, job.CoverFingerprint)
	return content, cover, err
}

// Recover resumes every incomplete job, a few at a time. Jobs held by
// another worker are skipped. It returns the number of jobs driven.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	pending, err := o.Jobs.ListIncompletePublications(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	log.Infow("recovering publication jobs", "count", len(pending))

	// Jobs fail independently: no group context.
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	driven := make([]bool, len(pending))
	for i, job := range pending {
		i, jobID := i, job.JobID
		g.Go(func() error {
			status, err := o.Resume(ctx, jobID)
			if errors.Is(err, jobs.ErrLocked) {
				return nil
			}
			if err != nil {
				log.Errorw("recovering job", "job", jobID, "error", err)
				return xerrors.Errorf("resuming %s: %w", jobID, err)
			}
			driven[i] = true
			log.Infow("recovered job", "job", jobID, "status", status)
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

func (o *Orchestrator) release(lease *jobs.Lease) {
	// A cancelled run must still free its lock.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		log.Warnw("releasing job lock", "key", lease.Key, "error", err)
	}
}

// record journals a transition into job's current status.
func (o *Orchestrator) record(job *jobs.PublicationJob, from catalog.Status, err error) {
	e := journal.Entry{
		Subject: "publication",
		ID:      job.JobID,
		From:    string(from),
		To:      string(job.Status),
		Attempt: job.Attempts[from],
	}
	if err != nil {
		e.Error = err.Error()
		e.ErrorKind = job.LastErrorKind
	}
	if jerr := o.Journal.Append(e); jerr != nil {
		log.Warnw("journal append failed", "job", job.JobID, "error", jerr)
	}
}
