package ledger

import (
	"context"
	"errors"
	"time"

	"golang.org/x/xerrors"

	"github.com/blackwell-systems/bookledger/internal/failure"
)

// Options tunes confirmation polling.
type Options struct {
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 2 * time.Minute
	}
}

// Client wraps a node API, classifies its errors and adds confirmation
// waiting and event subscription.
type Client struct {
	api  API
	opts Options
}

// NewClient wraps api.
func NewClient(api API, opts Options) *Client {
	opts.setDefaults()
	return &Client{api: api, opts: opts}
}

func (c *Client) RecordBook(ctx context.Context, req RecordRequest) (string, error) {
	txID, err := c.api.RecordBook(ctx, req)
	return txID, classify("record book", err)
}

func (c *Client) FindBookByFingerprints(ctx context.Context, contentFP, coverFP string) (Lookup, error) {
	l, err := c.api.FindBookByFingerprints(ctx, contentFP, coverFP)
	return l, classify("find book", err)
}

func (c *Client) GetBook(ctx context.Context, ledgerID uint64) (*BookEntry, error) {
	b, err := c.api.GetBook(ctx, ledgerID)
	return b, classify("get book", err)
}

func (c *Client) Pay(ctx context.Context, req PayRequest) (string, error) {
	txID, err := c.api.Pay(ctx, req)
	return txID, classify("pay", err)
}

func (c *Client) FindPayment(ctx context.Context, buyer string, ledgerID uint64) (PaymentLookup, error) {
	p, err := c.api.FindPayment(ctx, buyer, ledgerID)
	return p, classify("find payment", err)
}

func (c *Client) GetReceipt(ctx context.Context, txID string) (*Receipt, error) {
	r, err := c.api.GetReceipt(ctx, txID)
	return r, classify("get receipt", err)
}

func (c *Client) Head(ctx context.Context) (uint64, error) {
	h, err := c.api.Head(ctx)
	return h, classify("head", err)
}

// WaitConfirmed polls the receipt of txID until it has minConfirmations.
// It never resubmits: when the confirm timeout passes first the returned
// error is a StaleConfirmationTimeout and the caller re-polls later. A
// deadline on ctx that expires first is reported the same way.
// A reverted transaction yields a RejectedByLedger error.
func (c *Client) WaitConfirmed(ctx context.Context, txID string, minConfirmations uint64) (*Receipt, error) {
	if minConfirmations == 0 {
		minConfirmations = 1
	}
	start := time.Now()
	deadline := time.NewTimer(c.opts.ConfirmTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.opts.PollInterval)
	defer tick.Stop()

	var last *Receipt
	for {
		rc, err := c.GetReceipt(ctx, txID)
		switch {
		case err != nil && !failure.Retriable(err):
			return nil, err
		case err != nil:
			log.Warnw("polling receipt", "tx", txID, "error", err)
		case rc.Reverted:
			return rc, failure.New(failure.RejectedByLedger, "wait confirmed",
				&Rejection{Reason: Reason(rc.RevertReason), Detail: "transaction " + txID + " reverted"})
		case rc.Included() && rc.Confirmations >= minConfirmations:
			return rc, nil
		default:
			last = rc
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return last, stale(txID, last, minConfirmations, time.Since(start))
			}
			return nil, ctx.Err()
		case <-deadline.C:
			return last, stale(txID, last, minConfirmations, c.opts.ConfirmTimeout)
		case <-tick.C:
		}
	}
}

func stale(txID string, last *Receipt, want uint64, after time.Duration) error {
	have := uint64(0)
	if last != nil {
		have = last.Confirmations
	}
	return failure.New(failure.StaleConfirmationTimeout, "wait confirmed",
		xerrors.Errorf("tx %s has %d/%d confirmations after %s", txID, have, want, after.Round(time.Millisecond)))
}

// SubscribeOptions configures an event subscription.
type SubscribeOptions struct {
	// After is the last sequence number already consumed.
	After uint64
	// Buffer bounds the number of undelivered events. Defaults to 64.
	Buffer int
	// Interval between polls when caught up. Defaults to the client poll interval.
	Interval time.Duration
}

// Subscription is a cancellable stream of ledger events.
type Subscription struct {
	C <-chan Event

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Close unsubscribes and waits for the poller to stop.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Err returns the error that ended the stream, if any. Valid after C is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Subscribe streams events after opts.After. The channel is closed when ctx
// ends, Close is called, or the node returns a permanent error.
func (c *Client) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Interval <= 0 {
		opts.Interval = c.opts.PollInterval
	}
	if _, err := c.Head(ctx); err != nil {
		return nil, xerrors.Errorf("subscribing: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Event, opts.Buffer)
	sub := &Subscription{C: ch, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer close(ch)
		after := opts.After
		for {
			events, err := c.api.EventsSince(ctx, after, opts.Buffer)
			if err != nil {
				err = classify("events", err)
				if ctx.Err() != nil {
					return
				}
				if !failure.Retriable(err) {
					sub.err = err
					return
				}
				log.Warnw("polling events", "after", after, "error", err)
			}
			for _, e := range events {
				select {
				case ch <- e:
					after = e.Seq
				case <-ctx.Done():
					return
				}
			}
			if len(events) == opts.Buffer {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(opts.Interval):
			}
		}
	}()
	return sub, nil
}
