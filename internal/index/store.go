// Package index is the queryable projection of ledger-recorded books and
// buyer entitlements: storage backends, the REST server that exposes them
// and a REST client the orchestrators use in remote deployments.
package index

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"

	"github.com/blackwell-systems/bookledger/internal/catalog"
)

var log = logging.Logger("index")

var (
	// ErrNotFound is returned when a book or entitlement does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a concurrent write collided with this one.
	ErrConflict = errors.New("conflicting write")
	// ErrUnauthorized is returned when the index refuses the caller's token.
	ErrUnauthorized = errors.New("unauthorized: check the index token")
)

// Store holds the index. Puts are upserts keyed by ledger id and by
// (buyer, ledger id); the last write wins.
type Store interface {
	PutBook(ctx context.Context, b catalog.Book) error
	GetBook(ctx context.Context, ledgerID uint64) (*catalog.Book, error)
	// ListBooks returns one page of matching books and the total match count.
	ListBooks(ctx context.Context, f catalog.Filter) ([]catalog.Book, int, error)
	PutEntitlement(ctx context.Context, e catalog.Entitlement) error
	HasEntitlement(ctx context.Context, buyerID string, ledgerID uint64) (bool, error)
	ListEntitlements(ctx context.Context, buyerID string) ([]catalog.Entitlement, error)
}
