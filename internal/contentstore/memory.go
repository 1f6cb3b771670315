package contentstore

import (
	"context"
	"sync"

	"golang.org/x/xerrors"

	"github.com/blackwell-systems/bookledger/internal/failure"
)

// Calls counts the operations a Memory store has served.
type Calls struct {
	Add      int
	Pin      int
	IsPinned int
	Fetch    int
}

// Memory is an in-process Store used in dev mode and tests.
type Memory struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	pins     map[string]bool
	calls    Calls
	maxSize  int
	failNext map[string][]error
	lostPins int
}

// NewMemory returns an empty store. maxSize bounds accepted blobs; zero means unbounded.
func NewMemory(maxSize int) *Memory {
	return &Memory{
		blobs:    make(map[string][]byte),
		pins:     make(map[string]bool),
		maxSize:  maxSize,
		failNext: make(map[string][]error),
	}
}

// FailNext makes the next call of op ("add", "pin", "is_pinned", "fetch") return err.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = append(m.failNext[op], err)
}

// LosePins makes the next n Pin calls acknowledge without pinning.
func (m *Memory) LosePins(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lostPins += n
}

// Calls returns a snapshot of the call counters.
func (m *Memory) Calls() Calls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Memory) injected(op string) error {
	errs := m.failNext[op]
	if len(errs) == 0 {
		return nil
	}
	m.failNext[op] = errs[1:]
	return errs[0]
}

func (m *Memory) Add(ctx context.Context, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Add++
	if err := m.injected("add"); err != nil {
		return "", err
	}
	if m.maxSize > 0 && len(data) > m.maxSize {
		return "", failure.New(failure.RejectedByStore, "add", xerrors.Errorf("blob of %d bytes exceeds limit %d", len(data), m.maxSize))
	}
	fp, err := Fingerprint(data)
	if err != nil {
		return "", err
	}
	if _, ok := m.blobs[fp]; !ok {
		m.blobs[fp] = append([]byte(nil), data...)
	}
	return fp, nil
}

func (m *Memory) Pin(ctx context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Pin++
	if err := m.injected("pin"); err != nil {
		return err
	}
	if _, ok := m.blobs[fingerprint]; !ok {
		return failure.New(failure.RejectedByStore, "pin", xerrors.Errorf("%s: %w", fingerprint, ErrNotFound))
	}
	if m.lostPins > 0 {
		m.lostPins--
		return nil
	}
	m.pins[fingerprint] = true
	return nil
}

func (m *Memory) IsPinned(ctx context.Context, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.IsPinned++
	if err := m.injected("is_pinned"); err != nil {
		return false, err
	}
	return m.pins[fingerprint], nil
}

func (m *Memory) Fetch(ctx context.Context, fingerprint string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Fetch++
	if err := m.injected("fetch"); err != nil {
		return nil, err
	}
	data, ok := m.blobs[fingerprint]
	if !ok {
		return nil, failure.New(failure.RejectedByStore, "fetch", xerrors.Errorf("%s: %w", fingerprint, ErrNotFound))
	}
	return append([]byte(nil), data...), nil
}
