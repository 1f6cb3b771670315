// Package cache keeps draft bytes staged until their job is published and a
// verified local copy of delivered assets.
package cache

import (
	"os"
	"path/filepath"
)

// Area is a cache subdirectory.
type Area string

const (
	// Staged holds draft bytes of publication jobs that are not yet pinned.
	Staged Area = "staged"
	// Assets holds content fetched for buyers.
	Assets Area = "assets"
)

// Manager handles the local file cache.
type Manager struct {
	baseDir string
}

// New creates a cache Manager rooted at baseDir.
func New(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

// Path returns the full cache path for a fingerprint.
// Layout: <baseDir>/<area>/<fingerprint>
func (m *Manager) Path(area Area, fingerprint string) string {
	return filepath.Join(m.baseDir, string(area), fingerprint)
}

// Exists reports whether the cached file exists.
func (m *Manager) Exists(area Area, fingerprint string) bool {
	_, err := os.Stat(m.Path(area, fingerprint))
	return err == nil
}

// EnsureDir creates the directory for an area.
func (m *Manager) EnsureDir(area Area) error {
	return os.MkdirAll(filepath.Join(m.baseDir, string(area)), 0750)
}

// Remove deletes the cached file if it exists.
func (m *Manager) Remove(area Area, fingerprint string) error {
	err := os.Remove(m.Path(area, fingerprint))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
