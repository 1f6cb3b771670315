package util_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/blackwell-systems/bookledger/internal/util"
)

func TestHashParts(t *testing.T) {
	a := util.HashParts(32, "ab", "c")
	b := util.HashParts(32, "a", "bc")
	if a == b {
		t.Error("HashParts should separate parts")
	}
	if len(a) != 32 {
		t.Errorf("len = %d, want 32", len(a))
	}
	if a != util.HashParts(32, "ab", "c") {
		t.Error("HashParts not deterministic")
	}
	if len(util.HashParts(0, "x")) != 64 {
		t.Error("n=0 should return the full digest")
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "sub", "dst.txt")

	if err := os.WriteFile(src, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := util.CopyFile(src, dst); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile dst: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("CopyFile content = %q, want %q", string(got), "hello")
	}
}

func TestCopyFile_MissingSrc(t *testing.T) {
	err := util.CopyFile("/no/src.txt", t.TempDir()+"/dst.txt")
	if err == nil {
		t.Error("expected error copying missing file, got nil")
	}
}

func TestEnsureDir(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")
	if err := util.EnsureDir(nested); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	fi, err := os.Stat(nested)
	if err != nil {
		t.Fatalf("Stat after EnsureDir: %v", err)
	}
	if !fi.IsDir() {
		t.Error("EnsureDir path is not a directory")
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	cases := []struct{ in, want string }{
		{"~/foo/bar", filepath.Join(home, "foo", "bar")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
	}
	for _, c := range cases {
		got := util.ExpandHome(c.in)
		if got != c.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
