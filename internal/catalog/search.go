package catalog

import (
	"sort"
	"strings"
)

// Filter selects books from an index listing.
type Filter struct {
	Search     string // matches title, author, or description
	ActiveOnly bool
	Offset     int
	Limit      int
}

// Apply returns the page of books matching all non-empty filter fields,
// ordered by ledger id.
func (f Filter) Apply(books []Book) []Book {
	var out []Book
	for _, b := range books {
		if f.ActiveOnly && !b.Active {
			continue
		}
		if f.Search != "" && !matchesSearch(b, f.Search) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LedgerID < out[j].LedgerID })
	return Page(out, f.Offset, f.Limit)
}

// Page slices books to [offset, offset+limit). A non-positive limit means no limit.
func Page(books []Book, offset, limit int) []Book {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(books) {
		return []Book{}
	}
	books = books[offset:]
	if limit > 0 && limit < len(books) {
		books = books[:limit]
	}
	return books
}

// ByLedgerID returns the book with the given ledger id, or nil.
func ByLedgerID(books []Book, id uint64) *Book {
	for i := range books {
		if books[i].LedgerID == id {
			return &books[i]
		}
	}
	return nil
}

func matchesSearch(b Book, q string) bool {
	q = strings.ToLower(q)
	return strings.Contains(strings.ToLower(b.Title), q) ||
		strings.Contains(strings.ToLower(b.AuthorName), q) ||
		strings.Contains(strings.ToLower(b.Description), q)
}
