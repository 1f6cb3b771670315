package index_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/bookledger/internal/catalog"
	"github.com/blackwell-systems/bookledger/internal/failure"
	"github.com/blackwell-systems/bookledger/internal/index"
)

func init() { gin.SetMode(gin.TestMode) }

var secret = []byte("test-secret")

func book(id uint64, title string, price int64) catalog.Book {
	return catalog.Book{
		LedgerID:           id,
		Title:              title,
		AuthorName:         "Ada",
		PriceMinorUnits:    price,
		RoyaltyPercent:     10,
		ContentFingerprint: "bafkreicontent" + title,
		CoverFingerprint:   "bafkreicover" + title,
		Active:             true,
	}
}

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s index.Store) {
	ctx := context.Background()

	require.NoError(t, s.PutBook(ctx, book(42, "Go Basics", 1000)))
	require.NoError(t, s.PutBook(ctx, book(7, "Rust Basics", 1500)))

	// Upsert is last-write-wins on ledger id.
	updated := book(42, "Go Basics", 1200)
	updated.TotalSales = 3
	require.NoError(t, s.PutBook(ctx, updated))
	require.NoError(t, s.PutBook(ctx, updated))

	got, err := s.GetBook(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), got.PriceMinorUnits)
	assert.Equal(t, int64(3), got.TotalSales)
	assert.False(t, got.UpdatedAt.IsZero())

	_, err = s.GetBook(ctx, 999)
	assert.ErrorIs(t, err, index.ErrNotFound)

	all, total, err := s.ListBooks(ctx, catalog.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, all, 2)
	assert.Equal(t, uint64(7), all[0].LedgerID)

	page, total, err := s.ListBooks(ctx, catalog.Filter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, uint64(42), page[0].LedgerID)

	hits, total, err := s.ListBooks(ctx, catalog.Filter{Search: "rust"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "Rust Basics", hits[0].Title)

	inactive := book(7, "Rust Basics", 1500)
	inactive.Active = false
	require.NoError(t, s.PutBook(ctx, inactive))
	active, total, err := s.ListBooks(ctx, catalog.Filter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, uint64(42), active[0].LedgerID)

	has, err := s.HasEntitlement(ctx, "0xAB", 42)
	require.NoError(t, err)
	assert.False(t, has)

	ent := catalog.Entitlement{BuyerID: "0xAB", LedgerID: 42, PurchaseID: "p1", TxID: "0x1"}
	require.NoError(t, s.PutEntitlement(ctx, ent))
	require.NoError(t, s.PutEntitlement(ctx, ent))
	has, err = s.HasEntitlement(ctx, "0xAB", 42)
	require.NoError(t, err)
	assert.True(t, has)

	ents, err := s.ListEntitlements(ctx, "0xAB")
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "p1", ents[0].PurchaseID)

	ents, err = s.ListEntitlements(ctx, "0xCD")
	require.NoError(t, err)
	assert.Empty(t, ents)
}

func TestMemory(t *testing.T) {
	exerciseStore(t, index.NewMemory())
}

func TestGorm_SQLite(t *testing.T) {
	g, err := index.OpenGorm(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer func() { _ = g.Close() }()
	exerciseStore(t, g)
}

func newServer(t *testing.T, store index.Store) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(index.NewServer(store, index.ServerOptions{JWTSecret: secret, CORSOrigin: "http://localhost:3000"}))
	t.Cleanup(srv.Close)
	return srv
}

func orchestratorToken(t *testing.T) string {
	t.Helper()
	tok, err := index.IssueToken(secret, "bookledger", index.RoleOrchestrator, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestClient_AgainstServer(t *testing.T) {
	srv := newServer(t, index.NewMemory())
	exerciseStore(t, index.NewClient(srv.URL, orchestratorToken(t), 0))
}

func TestServer_WritesRequireOrchestratorRole(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t, index.NewMemory())

	err := index.NewClient(srv.URL, "", 0).PutBook(ctx, book(1, "A", 10))
	assert.ErrorIs(t, err, index.ErrUnauthorized)

	readerTok, err := index.IssueToken(secret, "ui", "reader", time.Hour)
	require.NoError(t, err)
	err = index.NewClient(srv.URL, readerTok, 0).PutBook(ctx, book(1, "A", 10))
	assert.ErrorIs(t, err, index.ErrUnauthorized)

	otherTok, err := index.IssueToken([]byte("other"), "x", index.RoleOrchestrator, time.Hour)
	require.NoError(t, err)
	err = index.NewClient(srv.URL, otherTok, 0).PutBook(ctx, book(1, "A", 10))
	assert.ErrorIs(t, err, index.ErrUnauthorized)

	expired, err := index.IssueToken(secret, "x", index.RoleOrchestrator, -time.Minute)
	require.NoError(t, err)
	err = index.NewClient(srv.URL, expired, 0).PutBook(ctx, book(1, "A", 10))
	assert.ErrorIs(t, err, index.ErrUnauthorized)

	// Reads stay public.
	_, _, err = index.NewClient(srv.URL, "", 0).ListBooks(ctx, catalog.Filter{})
	assert.NoError(t, err)
}

func TestServer_SanitizesFreeText(t *testing.T) {
	ctx := context.Background()
	store := index.NewMemory()
	c := index.NewClient(newServer(t, store).URL, orchestratorToken(t), 0)

	b := book(5, "<b>Go</b> Basics", 1000)
	b.Description = `<a href="javascript:alert(1)">click</a> me`
	require.NoError(t, c.PutBook(ctx, b))

	got, err := store.GetBook(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "Go Basics", got.Title)
	assert.Equal(t, "click me", got.Description)
}

func TestServer_PlainTextSurvivesUnescaped(t *testing.T) {
	ctx := context.Background()
	store := index.NewMemory()
	c := index.NewClient(newServer(t, store).URL, orchestratorToken(t), 0)

	b := book(6, "Tom & Jerry", 1000)
	b.AuthorName = "O'Brien & Sons"
	b.Description = `The "quoted" <i>edition</i>.`
	require.NoError(t, c.PutBook(ctx, b))

	got, err := c.GetBook(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, "Tom & Jerry", got.Title)
	assert.Equal(t, "O'Brien & Sons", got.AuthorName)
	assert.Equal(t, `The "quoted" edition.`, got.Description)
}

func TestServer_ConflictSurfacesAsIndexConflict(t *testing.T) {
	ctx := context.Background()
	store := index.NewMemory()
	store.FailNext("put_book", index.ErrConflict)
	c := index.NewClient(newServer(t, store).URL, orchestratorToken(t), 0)

	err := c.PutBook(ctx, book(5, "A", 10))
	assert.True(t, failure.Is(err, failure.IndexConflict))
	assert.True(t, failure.Retriable(err))
	require.NoError(t, c.PutBook(ctx, book(5, "A", 10)))
}

func TestServer_RejectsBadRequests(t *testing.T) {
	srv := newServer(t, index.NewMemory())

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/books/abc", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+orchestratorToken(t))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/books/3", strings.NewReader(`{"ledger_id": 4, "title": "x", "price_minor_units": 1}`))
	req.Header.Set("Authorization", "Bearer "+orchestratorToken(t))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
