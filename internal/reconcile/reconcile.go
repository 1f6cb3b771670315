// Package reconcile mirrors ledger-owned book fields into the index by
// consuming the ledger event stream. The consumed position is kept in the
// Job Ledger, so a restart continues where the last run stopped.
package reconcile

import (
	"context"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/blackwell-systems/bookledger/internal/catalog"
	"github.com/blackwell-systems/bookledger/internal/index"
	"github.com/blackwell-systems/bookledger/internal/jobs"
	"github.com/blackwell-systems/bookledger/internal/ledger"
	"github.com/blackwell-systems/bookledger/internal/metrics"
	"github.com/blackwell-systems/bookledger/internal/retry"
)

var log = logging.Logger("reconcile")

// CursorName is the Job Ledger cursor holding the last applied event.
const CursorName = "ledger-events"

// Subscriber opens ledger event streams.
type Subscriber interface {
	Subscribe(ctx context.Context, opts ledger.SubscribeOptions) (*ledger.Subscription, error)
}

// Reconciler applies ledger events to the index.
type Reconciler struct {
	ledger   Subscriber
	index    index.Store
	jobs     *jobs.Store
	metrics  *metrics.Metrics
	policy   retry.Policy
	interval time.Duration
}

// New creates a Reconciler. interval is the polling interval of the event
// stream once caught up; zero uses the ledger client's.
func New(l Subscriber, idx index.Store, js *jobs.Store, m *metrics.Metrics, policy retry.Policy, interval time.Duration) *Reconciler {
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	return &Reconciler{ledger: l, index: idx, jobs: js, metrics: m, policy: policy, interval: interval}
}

// Run consumes events until ctx is done or the stream fails permanently.
// The subscription is closed on return.
func (r *Reconciler) Run(ctx context.Context) error {
	after, err := r.jobs.Cursor(ctx, CursorName)
	if err != nil {
		return err
	}
	sub, err := r.ledger.Subscribe(ctx, ledger.SubscribeOptions{After: after, Interval: r.interval})
	if err != nil {
		return err
	}
	defer sub.Close()
	log.Infow("reconciling ledger events", "after", after)

	for e := range sub.C {
		if err := r.Apply(ctx, e); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return xerrors.Errorf("applying event %d: %w", e.Seq, err)
		}
		if err := r.jobs.SetCursor(ctx, CursorName, e.Seq); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sub.Err()
}

// Apply merges one event into the index. Applying an event twice has the
// same result as applying it once.
func (r *Reconciler) Apply(ctx context.Context, e ledger.Event) error {
	r.metrics.LedgerEvent(string(e.Kind))
	switch e.Kind {
	case ledger.EventBookRecorded, ledger.EventBookUpdated, ledger.EventPaymentMade:
		if e.Book == nil {
			log.Warnw("event without book", "seq", e.Seq, "kind", e.Kind, "ledger_id", e.LedgerID)
			return nil
		}
		return r.policy.Run(ctx, 0, func(ctx context.Context, _ int) error {
			return r.mergeBook(ctx, e.Book)
		}, func(attempt int, err error) error {
			log.Warnw("index merge failed", "seq", e.Seq, "ledger_id", e.LedgerID, "attempt", attempt, "error", err)
			return nil
		})
	default:
		log.Debugw("ignoring event", "seq", e.Seq, "kind", e.Kind)
		return nil
	}
}

// mergeBook overwrites the ledger-owned fields of the index row, sales
// count included, and keeps the fields only the publisher's draft carries.
func (r *Reconciler) mergeBook(ctx context.Context, b *ledger.BookEntry) error {
	row, err := r.index.GetBook(ctx, b.ID)
	switch {
	case errors.Is(err, index.ErrNotFound):
		row = &catalog.Book{}
	case err != nil:
		return err
	}
	b.ApplyTo(row)
	log.Debugw("merging ledger book", "ledger_id", b.ID, "price", b.PriceMinorUnits, "active", b.Active, "sales", b.TotalSales)
	return r.index.PutBook(ctx, *row)
}
