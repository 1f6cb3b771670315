package ledger_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/bookledger/internal/failure"
	"github.com/blackwell-systems/bookledger/internal/ledger"
)

var goBasics = ledger.RecordRequest{
	Publisher:          "pub-1",
	Title:              "Go Basics",
	PriceMinorUnits:    1000,
	RoyaltyPercent:     10,
	ContentFingerprint: "bafkreicontent",
	CoverFingerprint:   "bafkreicover",
}

func fastClient(api ledger.API) *ledger.Client {
	return ledger.NewClient(api, ledger.Options{PollInterval: 5 * time.Millisecond, ConfirmTimeout: 100 * time.Millisecond})
}

func TestSim_RecordAndLookup(t *testing.T) {
	ctx := context.Background()
	sim := ledger.NewSim(ledger.SimOptions{AutoMine: true, FirstBookID: 42})
	c := fastClient(sim)

	txID, err := c.RecordBook(ctx, goBasics)
	require.NoError(t, err)

	rc, err := c.WaitConfirmed(ctx, txID, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), rc.LedgerID)

	l, err := c.FindBookByFingerprints(ctx, goBasics.ContentFingerprint, goBasics.CoverFingerprint)
	require.NoError(t, err)
	assert.True(t, l.Found)
	assert.Equal(t, txID, l.TxID)
	assert.Equal(t, uint64(42), l.LedgerID)

	book, err := c.GetBook(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), book.PriceMinorUnits)
	assert.True(t, book.Active)

	_, err = c.RecordBook(ctx, goBasics)
	assert.True(t, failure.Is(err, failure.RejectedByLedger))
	assert.True(t, ledger.IsRejected(err, ledger.ReasonDuplicateBook))
	assert.Equal(t, 1, sim.Books())
}

func TestSim_PaymentRules(t *testing.T) {
	ctx := context.Background()
	sim := ledger.NewSim(ledger.SimOptions{AutoMine: true})
	id := sim.Seed(ledger.BookEntry{ID: 42, Title: "Go Basics", PriceMinorUnits: 1000, Active: true})
	c := fastClient(sim)

	sim.Credit("0xAB", 500)
	_, err := c.Pay(ctx, ledger.PayRequest{Buyer: "0xAB", LedgerID: id, Amount: 1000})
	assert.True(t, ledger.IsRejected(err, ledger.ReasonInsufficientFunds))
	assert.False(t, failure.Retriable(err))

	sim.Credit("0xAB", 500)
	_, err = c.Pay(ctx, ledger.PayRequest{Buyer: "0xAB", LedgerID: id, Amount: 900})
	assert.True(t, ledger.IsRejected(err, ledger.ReasonStalePrice))

	_, err = c.Pay(ctx, ledger.PayRequest{Buyer: "0xAB", LedgerID: 7, Amount: 1000})
	assert.True(t, ledger.IsRejected(err, ledger.ReasonUnknownBook))

	sim.SetActive(id, false)
	_, err = c.Pay(ctx, ledger.PayRequest{Buyer: "0xAB", LedgerID: id, Amount: 1000})
	assert.True(t, ledger.IsRejected(err, ledger.ReasonBookInactive))

	sim.SetActive(id, true)
	txID, err := c.Pay(ctx, ledger.PayRequest{Buyer: "0xAB", LedgerID: id, Amount: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(0), sim.Balance("0xAB"))

	p, err := c.FindPayment(ctx, "0xAB", id)
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentLookup{Found: true, TxID: txID}, p)
}

func TestWaitConfirmed_TimeoutThenRepoll(t *testing.T) {
	ctx := context.Background()
	sim := ledger.NewSim(ledger.SimOptions{})
	c := fastClient(sim)

	txID, err := c.RecordBook(ctx, goBasics)
	require.NoError(t, err)

	_, err = c.WaitConfirmed(ctx, txID, 2)
	assert.True(t, failure.Is(err, failure.StaleConfirmationTimeout))

	sim.Mine(2)
	rc, err := c.WaitConfirmed(ctx, txID, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rc.Confirmations)
	assert.Equal(t, 1, sim.Calls().RecordBook, "waiting must never resubmit")
}

func TestWaitConfirmed_CallerDeadlineIsStale(t *testing.T) {
	sim := ledger.NewSim(ledger.SimOptions{})
	c := ledger.NewClient(sim, ledger.Options{PollInterval: 5 * time.Millisecond, ConfirmTimeout: time.Minute})

	txID, err := c.RecordBook(context.Background(), goBasics)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.WaitConfirmed(ctx, txID, 1)
	assert.True(t, failure.Is(err, failure.StaleConfirmationTimeout), "got %v", err)
	assert.True(t, failure.Retriable(err))

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = c.WaitConfirmed(ctx, txID, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitConfirmed_TransientErrorsArePolledThrough(t *testing.T) {
	ctx := context.Background()
	sim := ledger.NewSim(ledger.SimOptions{AutoMine: true})
	c := fastClient(sim)

	txID, err := c.RecordBook(ctx, goBasics)
	require.NoError(t, err)
	sim.FailNext("GetReceipt", errors.New("connection refused"))

	_, err = c.WaitConfirmed(ctx, txID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, sim.Calls().GetReceipt)
}

func TestWaitConfirmed_Reverted(t *testing.T) {
	ctx := context.Background()
	sim := ledger.NewSim(ledger.SimOptions{AutoMine: true})
	id := sim.Seed(ledger.BookEntry{Title: "Go Basics", PriceMinorUnits: 1000, Active: true})
	sim.Credit("0xAB", 1000)
	c := fastClient(sim)

	txID, err := c.Pay(ctx, ledger.PayRequest{Buyer: "0xAB", LedgerID: id, Amount: 1000})
	require.NoError(t, err)
	require.True(t, sim.Revert(txID, string(ledger.ReasonInsufficientFunds)))

	_, err = c.WaitConfirmed(ctx, txID, 1)
	assert.True(t, failure.Is(err, failure.RejectedByLedger))
	assert.Equal(t, int64(1000), sim.Balance("0xAB"))
}

func TestWaitConfirmed_UnknownTx(t *testing.T) {
	c := fastClient(ledger.NewSim(ledger.SimOptions{}))
	_, err := c.WaitConfirmed(context.Background(), "0xdeadbeef", 1)
	assert.True(t, ledger.IsRejected(err, ledger.ReasonUnknownTx))
}

func TestSubscribe_DeliversInOrderAndCloses(t *testing.T) {
	ctx := context.Background()
	sim := ledger.NewSim(ledger.SimOptions{AutoMine: true})
	c := fastClient(sim)

	id := sim.Seed(ledger.BookEntry{Title: "A", PriceMinorUnits: 10, Active: true})
	sim.SetPrice(id, 20)

	sub, err := c.Subscribe(ctx, ledger.SubscribeOptions{Buffer: 1, Interval: 5 * time.Millisecond})
	require.NoError(t, err)

	first := <-sub.C
	assert.Equal(t, ledger.EventBookRecorded, first.Kind)
	second := <-sub.C
	assert.Equal(t, ledger.EventBookUpdated, second.Kind)
	assert.Equal(t, int64(20), second.Book.PriceMinorUnits)

	sim.SetActive(id, false)
	third := <-sub.C
	assert.Equal(t, uint64(3), third.Seq)
	assert.False(t, third.Book.Active)

	sub.Close()
	_, open := <-sub.C
	assert.False(t, open)
	assert.NoError(t, sub.Err())
}

func TestSubscribe_ResumesAfterCursor(t *testing.T) {
	ctx := context.Background()
	sim := ledger.NewSim(ledger.SimOptions{})
	c := fastClient(sim)
	sim.Seed(ledger.BookEntry{Title: "A", PriceMinorUnits: 10, Active: true})
	sim.Seed(ledger.BookEntry{Title: "B", PriceMinorUnits: 10, Active: true})

	sub, err := c.Subscribe(ctx, ledger.SubscribeOptions{After: 1, Interval: 5 * time.Millisecond})
	require.NoError(t, err)
	defer sub.Close()

	e := <-sub.C
	assert.Equal(t, uint64(2), e.Seq)
	assert.Equal(t, "B", e.Book.Title)
}

func TestRPC_RoundTrip(t *testing.T) {
	ctx := context.Background()
	sim := ledger.NewSim(ledger.SimOptions{AutoMine: true})
	srv := httptest.NewServer(ledger.AuthHandler("s3cret", ledger.NewRPCHandler(sim)))
	defer srv.Close()

	header := map[string][]string{"Authorization": {"Bearer s3cret"}}
	api, closer, err := ledger.NewRPCClient(ctx, srv.URL, header)
	require.NoError(t, err)
	defer closer()
	c := fastClient(api)

	txID, err := c.RecordBook(ctx, goBasics)
	require.NoError(t, err)
	rc, err := c.WaitConfirmed(ctx, txID, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rc.LedgerID)

	_, err = c.RecordBook(ctx, goBasics)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.RejectedByLedger), "typed error must survive the wire: %v", err)
	assert.True(t, ledger.IsRejected(err, ledger.ReasonDuplicateBook))

	events, err := api.EventsSince(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Go Basics", events[0].Book.Title)
}

func TestRPC_Unauthorized(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(ledger.AuthHandler("s3cret", ledger.NewRPCHandler(ledger.NewSim(ledger.SimOptions{}))))
	defer srv.Close()

	api, closer, err := ledger.NewRPCClient(ctx, srv.URL, nil)
	require.NoError(t, err)
	defer closer()

	_, err = fastClient(api).Head(ctx)
	require.Error(t, err)
	assert.True(t, failure.Retriable(err))
}
