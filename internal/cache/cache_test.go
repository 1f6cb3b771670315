package cache_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/blackwell-systems/bookledger/internal/cache"
	"github.com/blackwell-systems/bookledger/internal/contentstore"
)

func fingerprint(t *testing.T, data string) string {
	t.Helper()
	fp, err := contentstore.Fingerprint([]byte(data))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	return fp
}

func TestPath_Layout(t *testing.T) {
	m := cache.New("/base")
	got := m.Path(cache.Assets, "bafkreiabc")
	want := filepath.Join("/base", "assets", "bafkreiabc")
	if got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}

func TestExists_False(t *testing.T) {
	m := cache.New("/no/such/base")
	if m.Exists(cache.Staged, "bafkreiabc") {
		t.Error("Exists() should be false for missing file")
	}
}

func TestStore_WritesVerifiedContent(t *testing.T) {
	m := cache.New(t.TempDir())
	data := "test content for cache"
	fp := fingerprint(t, data)

	path, err := m.Store(cache.Assets, fp, strings.NewReader(data))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if path != m.Path(cache.Assets, fp) {
		t.Errorf("Store returned %q", path)
	}
	if !m.Exists(cache.Assets, fp) {
		t.Error("Exists() false after successful Store")
	}
}

func TestStore_WrongFingerprintFails(t *testing.T) {
	m := cache.New(t.TempDir())
	fp := fingerprint(t, "expected")

	if _, err := m.Store(cache.Assets, fp, strings.NewReader("something else")); err == nil {
		t.Fatal("Store with mismatching content should fail")
	}
	if m.Exists(cache.Assets, fp) {
		t.Error("mismatching content must not become visible")
	}
	entries, _ := os.ReadDir(filepath.Dir(m.Path(cache.Assets, fp)))
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestStageAndLoad(t *testing.T) {
	m := cache.New(t.TempDir())
	fp := fingerprint(t, "%PDF-1.7")

	if err := m.Stage(fp, []byte("%PDF-1.7")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	// Staging twice is a no-op.
	if err := m.Stage(fp, []byte("%PDF-1.7")); err != nil {
		t.Fatalf("second Stage: %v", err)
	}
	got, err := m.Load(cache.Staged, fp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "%PDF-1.7" {
		t.Errorf("Load = %q", got)
	}

	if err := m.Remove(cache.Staged, fp); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := m.Load(cache.Staged, fp); err == nil {
		t.Error("Load after Remove should fail")
	}
	if err := m.Remove(cache.Staged, fp); err != nil {
		t.Errorf("Remove of missing file: %v", err)
	}
}

func TestLoad_DetectsCorruption(t *testing.T) {
	m := cache.New(t.TempDir())
	fp := fingerprint(t, "original")
	if err := m.Stage(fp, []byte("original")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := os.WriteFile(m.Path(cache.Staged, fp), []byte("tampered"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load(cache.Staged, fp); err == nil {
		t.Error("Load should fail for corrupted file")
	}
}
