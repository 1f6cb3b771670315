package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/bookledger/internal/catalog"
	"github.com/blackwell-systems/bookledger/internal/config"
	"github.com/blackwell-systems/bookledger/internal/jobs"
)

func TestParseLedgerID(t *testing.T) {
	id, err := parseLedgerID("42")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)

	for _, bad := range []string{"", "0", "-1", "abc", "4.2"} {
		_, err := parseLedgerID(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseCredit(t *testing.T) {
	account, amount, err := parseCredit("0xAB=1000")
	require.NoError(t, err)
	assert.Equal(t, "0xAB", account)
	assert.Equal(t, int64(1000), amount)

	for _, bad := range []string{"0xAB", "=10", "0xAB=", "0xAB=-5", "0xAB=x"} {
		_, _, err := parseCredit(bad)
		assert.Error(t, err, bad)
	}
}

func TestSetupColor_OffWhenNotATerminal(t *testing.T) {
	saved := color.NoColor
	defer func() { color.NoColor = saved }()

	f, err := os.Create(filepath.Join(t.TempDir(), "out.txt"))
	require.NoError(t, err)
	defer f.Close()

	color.NoColor = false
	setupColor(f)
	assert.True(t, color.NoColor)
	assert.False(t, isTerminal(f))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestLoadDraft_DefaultsFromPDFMetadata(t *testing.T) {
	dir := t.TempDir()
	pdf := writeFile(t, dir, "book.pdf", "%PDF-1.4\n1 0 obj\n<<\n/Title (Go Basics)\n/Author (Ada)\n>>\nendobj\n")
	cover := writeFile(t, dir, "cover.png", "cover bytes")

	d, err := loadDraft(publishParams{pdf: pdf, cover: cover, publisher: "0xAB", price: 1000, royalty: 10})
	require.NoError(t, err)
	assert.Equal(t, "Go Basics", d.Title)
	assert.Equal(t, "Ada", d.AuthorName)
	assert.Equal(t, []byte("cover bytes"), d.Cover)

	d, err = loadDraft(publishParams{pdf: pdf, cover: cover, publisher: "0xAB", price: 1000, title: "Given", author: "Someone"})
	require.NoError(t, err)
	assert.Equal(t, "Given", d.Title)
	assert.Equal(t, "Someone", d.AuthorName)
}

func TestLoadDraft_TitleFromFilename(t *testing.T) {
	dir := t.TempDir()
	pdf := writeFile(t, dir, "go-basics.pdf", "%PDF-1.4 no metadata")
	cover := writeFile(t, dir, "cover.png", "cover")

	d, err := loadDraft(publishParams{pdf: pdf, cover: cover, publisher: "0xAB", price: 1000})
	require.NoError(t, err)
	assert.Equal(t, "go-basics", d.Title)
}

func TestLoadDraft_Invalid(t *testing.T) {
	dir := t.TempDir()
	pdf := writeFile(t, dir, "book.pdf", "%PDF-1.4")
	cover := writeFile(t, dir, "cover.png", "cover")

	_, err := loadDraft(publishParams{pdf: pdf, cover: cover, publisher: "0xAB", price: 0})
	assert.ErrorIs(t, err, catalog.ErrInvalidDraft)

	_, err = loadDraft(publishParams{pdf: filepath.Join(dir, "missing.pdf"), cover: cover, publisher: "0xAB", price: 1})
	assert.Error(t, err)
}

func devConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Dev: true,
		Ledger: config.LedgerConfig{
			MinConfirmations: 1,
			PollInterval:     2 * time.Millisecond,
			ConfirmTimeout:   time.Second,
		},
		Jobs: config.JobsConfig{
			DBPath:      filepath.Join(dir, "jobs.db"),
			JournalPath: filepath.Join(dir, "journal.jsonl"),
			LockTTL:     time.Minute,
		},
		Retry: config.RetryConfig{
			MaxAttempts:    3,
			MinBackoff:     time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			AttemptTimeout: 2 * time.Second,
		},
		Grant:    config.GrantConfig{MaxAttempts: 2, SweepInterval: 10 * time.Millisecond},
		Defaults: config.DefaultsConfig{CacheDir: filepath.Join(dir, "cache"), Concurrency: 2},
		Index:    config.IndexConfig{Listen: "127.0.0.1:0", Timeout: time.Second},
	}
}

func TestServices_DevPublishAndPurchase(t *testing.T) {
	ctx := context.Background()
	c := devConfig(t)
	s, err := openServices(ctx, c)
	require.NoError(t, err)
	defer s.Close()

	jobID, err := s.publisher.Submit(ctx, catalog.Draft{
		PublisherID:     "0xPUB",
		Title:           "Go Basics",
		AuthorName:      "Ada",
		PriceMinorUnits: 1000,
		RoyaltyPercent:  10,
		PDF:             []byte("pdf bytes A"),
		Cover:           []byte("cover bytes B"),
	})
	require.NoError(t, err)
	job, err := s.publisher.GetStatus(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusPublished, job.Status, job.LastError)
	require.NotZero(t, job.LedgerID)

	s.sim.Credit("0xAB", 1000)
	_, err = s.purchaser.Purchase(ctx, "0xAB", job.LedgerID)
	require.NoError(t, err)
	rec, err := s.purchaser.StatusFor(ctx, "0xAB", job.LedgerID)
	require.NoError(t, err)
	assert.Equal(t, jobs.AccessGranted, rec.Status)

	path, err := s.purchaser.Fetch(ctx, "0xAB", job.LedgerID)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("pdf bytes A"), got)

	// Router: status polling, index reads and metrics.
	ts := httptest.NewServer(newRouter(c, s))
	defer ts.Close()

	assert.Equal(t, http.StatusOK, getStatus(t, ts.URL+"/jobs/"+jobID))
	assert.Equal(t, http.StatusNotFound, getStatus(t, ts.URL+"/jobs/pub-unknown"))
	assert.Equal(t, http.StatusOK, getStatus(t, ts.URL+"/purchases/"+rec.PurchaseID))
	assert.Equal(t, http.StatusOK, getStatus(t, ts.URL+"/books/"+strconv.FormatUint(job.LedgerID, 10)))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "bookledger_publication_stage_entered_total")
	assert.Contains(t, string(body), "bookledger_purchase_status_total")
}

func TestServices_InvalidConfig(t *testing.T) {
	c := devConfig(t)
	c.Dev = false
	_, err := openServices(context.Background(), c)
	assert.Error(t, err)
}

func getStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}
