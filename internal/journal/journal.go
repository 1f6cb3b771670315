// Package journal is an append-only JSONL history of job and purchase
// transitions, kept for operators alongside the Job Ledger.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry records one transition.
type Entry struct {
	Subject   string    `json:"subject"` // "publication" or "purchase"
	ID        string    `json:"id"`      // job id, or buyer/ledger id for purchases
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Journal is a JSONL append-only transition log. A nil *Journal discards
// everything.
type Journal struct {
	mu   sync.Mutex
	path string
}

// DefaultPath returns the default journal location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "bookledger", "journal.jsonl")
}

// Open opens (or creates) the journal at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	return &Journal{path: path}, nil
}

// Append adds an entry.
func (j *Journal) Append(e Entry) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f, string(data))
	return err
}

// Entries returns all entries, or only those for id when id is non-empty.
func (j *Journal) Entries(id string) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if id == "" || e.ID == id {
			entries = append(entries, e)
		}
	}
	return entries, sc.Err()
}
