package cache

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Store writes r to the cache path for fingerprint, verifying the content
// hashes to fingerprint before it becomes visible. Returns the final path.
func (m *Manager) Store(area Area, fingerprint string, r io.Reader) (string, error) {
	if err := m.EnsureDir(area); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	destPath := m.Path(area, fingerprint)
	f, err := os.CreateTemp(m.Path(area, ""), fingerprint+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("writing to cache: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("closing temp file: %w", err)
	}

	if err := VerifyFile(tmpPath, fingerprint); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return destPath, nil
}

// Stage keeps draft bytes until the job that owns them has pinned them.
func (m *Manager) Stage(fingerprint string, data []byte) error {
	if m.Exists(Staged, fingerprint) {
		return nil
	}
	_, err := m.Store(Staged, fingerprint, bytes.NewReader(data))
	return err
}

// Load reads a cached file and re-verifies it.
func (m *Manager) Load(area Area, fingerprint string) ([]byte, error) {
	path := m.Path(area, fingerprint)
	if err := VerifyFile(path, fingerprint); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}
