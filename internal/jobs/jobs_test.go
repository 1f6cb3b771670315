package jobs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/bookledger/internal/catalog"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newJob(publisher, content, cover string) *PublicationJob {
	return &PublicationJob{
		JobID:       PublicationJobID(publisher, content, cover),
		PublisherID: publisher,
		BookAsset: catalog.BookAsset{
			ContentFingerprint: content,
			CoverFingerprint:   cover,
			Title:              "Go Basics",
			AuthorName:         "Ada",
			PriceMinorUnits:    1000,
			RoyaltyPercent:     10,
			Status:             catalog.StatusAssetsUploading,
		},
	}
}

func TestOpen_CreatesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "iteration %d", i)

		var version int
		require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
		assert.Equal(t, currentSchemaVersion, version)

		var mode string
		require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode)
		require.NoError(t, s.Close())
	}
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestIDs_Deterministic(t *testing.T) {
	a := PublicationJobID("pub", "c1", "v1")
	assert.Equal(t, a, PublicationJobID("pub", "c1", "v1"))
	assert.NotEqual(t, a, PublicationJobID("pub", "c1", "v2"))
	assert.NotEqual(t, PublicationJobID("pu", "bc1", "v1"), a)
	assert.Len(t, a, len("pub-")+32)

	p := PurchaseID("0xAB", 42, "0x1")
	assert.Equal(t, p, PurchaseID("0xAB", 42, "0x1"))
	assert.NotEqual(t, p, PurchaseID("0xAB", 42, "0x2"))
	assert.NotEqual(t, p, PurchaseID("0xAB", 4, "0x1"))
}

func TestPublication_UpsertAndLookup(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	j := newJob("pub-1", "bafkreic", "bafkreiv")
	j.Attempts = map[catalog.Status]int{catalog.StatusAssetsUploading: 2}
	require.NoError(t, s.UpsertPublication(ctx, j))

	got, err := s.GetPublication(ctx, j.JobID)
	require.NoError(t, err)
	assert.Equal(t, "Go Basics", got.Title)
	assert.Equal(t, catalog.StatusAssetsUploading, got.Stage())
	assert.Equal(t, 2, got.AttemptsAt(catalog.StatusAssetsUploading))

	byKey, err := s.PublicationByNaturalKey(ctx, "pub-1", "bafkreic", "bafkreiv")
	require.NoError(t, err)
	assert.Equal(t, j.JobID, byKey.JobID)

	_, err = s.PublicationByNaturalKey(ctx, "pub-2", "bafkreic", "bafkreiv")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetPublication(ctx, "pub-missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// Second upsert updates in place.
	got.Status = catalog.StatusLedgerConfirmed
	got.LedgerID = 42
	got.TxID = "0xabc"
	got.ContentUploaded, got.CoverUploaded = true, true
	require.NoError(t, s.UpsertPublication(ctx, got))

	again, err := s.GetPublication(ctx, j.JobID)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), again.LedgerID)
	assert.Equal(t, "0xabc", again.TxID)
	assert.True(t, again.ContentUploaded)
	assert.Equal(t, got.CreatedAt.UnixNano(), again.CreatedAt.UnixNano())
}

func TestPublication_RejectsInvariantViolations(t *testing.T) {
	s := openTemp(t)
	j := newJob("pub-1", "c", "v")
	j.Status = catalog.StatusPublished // no ledger id
	assert.Error(t, s.UpsertPublication(context.Background(), j))
}

func TestPublication_ListIncomplete(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	running := newJob("p", "c1", "v1")
	done := newJob("p", "c2", "v2")
	done.Status, done.LedgerID = catalog.StatusPublished, 1
	failed := newJob("p", "c3", "v3")
	failed.Status = catalog.StatusFailed
	for _, j := range []*PublicationJob{running, done, failed} {
		require.NoError(t, s.UpsertPublication(ctx, j))
	}

	inc, err := s.ListIncompletePublications(ctx)
	require.NoError(t, err)
	require.Len(t, inc, 1)
	assert.Equal(t, running.JobID, inc[0].JobID)

	all, err := s.ListPublications(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPublication_AbortIsSticky(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	j := newJob("p", "c", "v")
	require.NoError(t, s.UpsertPublication(ctx, j))

	require.NoError(t, s.RequestAbort(ctx, j.JobID))
	// A worker holding a stale copy must not clear the flag.
	require.NoError(t, s.UpsertPublication(ctx, j))
	aborted, err := s.AbortRequested(ctx, j.JobID)
	require.NoError(t, err)
	assert.True(t, aborted)

	require.NoError(t, s.ClearAbort(ctx, j.JobID))
	aborted, err = s.AbortRequested(ctx, j.JobID)
	require.NoError(t, err)
	assert.False(t, aborted)

	assert.ErrorIs(t, s.RequestAbort(ctx, "pub-missing"), ErrNotFound)
}

func TestPurchase_UpsertAndLookup(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	p := &PurchaseRecord{BuyerID: "0xAB", LedgerID: 42, Status: PaymentPending, Amount: 1000}
	require.NoError(t, s.UpsertPurchase(ctx, p))

	// Intent rows have no purchase id yet; several may coexist.
	other := &PurchaseRecord{BuyerID: "0xCD", LedgerID: 42, Status: PaymentPending, Amount: 1000}
	require.NoError(t, s.UpsertPurchase(ctx, other))

	p.TxID = "0x1"
	p.PurchaseID = PurchaseID(p.BuyerID, p.LedgerID, p.TxID)
	p.Status = PaymentConfirmed
	p.Attempts = map[string]int{StagePay: 1}
	require.NoError(t, s.UpsertPurchase(ctx, p))

	got, err := s.GetPurchase(ctx, p.PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, PaymentConfirmed, got.Status)
	assert.Equal(t, 1, got.Attempts[StagePay])

	byKey, err := s.PurchaseByNaturalKey(ctx, "0xAB", 42)
	require.NoError(t, err)
	assert.Equal(t, p.PurchaseID, byKey.PurchaseID)

	_, err = s.PurchaseByNaturalKey(ctx, "0xAB", 7)
	assert.ErrorIs(t, err, ErrNotFound)

	inc, err := s.ListIncompletePurchases(ctx)
	require.NoError(t, err)
	assert.Len(t, inc, 2)

	p.Status = AccessGranted
	require.NoError(t, s.UpsertPurchase(ctx, p))
	inc, err = s.ListIncompletePurchases(ctx)
	require.NoError(t, err)
	assert.Len(t, inc, 1)

	mine, err := s.ListPurchases(ctx, "0xAB")
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	pending, err := s.ListPurchasesByStatus(ctx, PaymentPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0xCD", pending[0].BuyerID)
}

func TestLocks_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	lease, err := s.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = s.TryLock(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	other, err := s.TryLock(ctx, "other", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Extend(ctx, time.Minute))
	require.NoError(t, lease.Release(ctx))

	again, err := s.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, lease.Owner, again.Owner)

	// The old lease no longer owns the lock.
	assert.ErrorIs(t, lease.Extend(ctx, time.Minute), ErrLocked)
	require.NoError(t, lease.Release(ctx))
	_, err = s.TryLock(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestLocks_ExpiredLockIsTaken(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	_, err := s.TryLock(ctx, "k", -time.Second)
	require.NoError(t, err)
	_, err = s.TryLock(ctx, "k", time.Minute)
	assert.NoError(t, err)
}

func TestLocks_WaitersSerialize(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := openTemp(t)

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := s.Lock(ctx, "shared", time.Minute)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			assert.NoError(t, lease.Release(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestLocks_WaitHonorsContext(t *testing.T) {
	s := openTemp(t)
	_, err := s.TryLock(context.Background(), "k", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Lock(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCursors(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	v, err := s.Cursor(ctx, "reconcile")
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, s.SetCursor(ctx, "reconcile", 7))
	require.NoError(t, s.SetCursor(ctx, "reconcile", 9))
	v, err = s.Cursor(ctx, "reconcile")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), v)
}
