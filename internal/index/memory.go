package index

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blackwell-systems/bookledger/internal/catalog"
)

type entKey struct {
	buyer    string
	ledgerID uint64
}

// Memory is an in-process Store.
type Memory struct {
	mu       sync.Mutex
	books    map[uint64]catalog.Book
	ents     map[entKey]catalog.Entitlement
	failNext map[string][]error
	writes   int
}

// NewMemory returns an empty index.
func NewMemory() *Memory {
	return &Memory{
		books:    make(map[uint64]catalog.Book),
		ents:     make(map[entKey]catalog.Entitlement),
		failNext: make(map[string][]error),
	}
}

// FailNext makes the next call of op ("put_book", "put_entitlement") return err.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = append(m.failNext[op], err)
}

// Writes returns the number of successful puts.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) injected(op string) error {
	errs := m.failNext[op]
	if len(errs) == 0 {
		return nil
	}
	m.failNext[op] = errs[1:]
	return errs[0]
}

func (m *Memory) PutBook(ctx context.Context, b catalog.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("put_book"); err != nil {
		return err
	}
	b.UpdatedAt = time.Now().UTC()
	m.books[b.LedgerID] = b
	m.writes++
	return nil
}

func (m *Memory) GetBook(ctx context.Context, ledgerID uint64) (*catalog.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[ledgerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (m *Memory) ListBooks(ctx context.Context, f catalog.Filter) ([]catalog.Book, int, error) {
	m.mu.Lock()
	all := make([]catalog.Book, 0, len(m.books))
	for _, b := range m.books {
		all = append(all, b)
	}
	m.mu.Unlock()

	unpaged := f
	unpaged.Offset, unpaged.Limit = 0, 0
	total := len(unpaged.Apply(all))
	return f.Apply(all), total, nil
}

func (m *Memory) PutEntitlement(ctx context.Context, e catalog.Entitlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("put_entitlement"); err != nil {
		return err
	}
	if e.GrantedAt.IsZero() {
		e.GrantedAt = time.Now().UTC()
	}
	m.ents[entKey{e.BuyerID, e.LedgerID}] = e
	m.writes++
	return nil
}

func (m *Memory) HasEntitlement(ctx context.Context, buyerID string, ledgerID uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ents[entKey{buyerID, ledgerID}]
	return ok, nil
}

func (m *Memory) ListEntitlements(ctx context.Context, buyerID string) ([]catalog.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []catalog.Entitlement
	for k, e := range m.ents {
		if k.buyer == buyerID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LedgerID < out[j].LedgerID })
	return out, nil
}
