// Package contentstore talks to the content-addressed blob store holding
// book PDFs and covers.
package contentstore

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/xerrors"

	"github.com/blackwell-systems/bookledger/internal/failure"
)

var log = logging.Logger("contentstore")

// ErrNotFound is returned by Fetch for unknown fingerprints.
var ErrNotFound = errors.New("content not found")

// Store is a content-addressed blob store.
type Store interface {
	// Add stores data and returns its fingerprint. Adding identical bytes is a no-op.
	Add(ctx context.Context, data []byte) (string, error)
	Pin(ctx context.Context, fingerprint string) error
	IsPinned(ctx context.Context, fingerprint string) (bool, error)
	Fetch(ctx context.Context, fingerprint string) ([]byte, error)
}

// Fingerprint returns the content identifier of data: a CIDv1 with the raw
// codec over a sha2-256 multihash.
func Fingerprint(data []byte) (string, error) {
	h, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", xerrors.Errorf("hashing content: %w", err)
	}
	return cid.NewCidV1(cid.Raw, h).String(), nil
}

// Verify checks that data hashes to fingerprint.
func Verify(fingerprint string, data []byte) error {
	want, err := cid.Decode(fingerprint)
	if err != nil {
		return failure.New(failure.RejectedByStore, "verify", xerrors.Errorf("bad fingerprint %q: %w", fingerprint, err))
	}
	got, err := want.Prefix().Sum(data)
	if err != nil {
		return xerrors.Errorf("hashing content: %w", err)
	}
	if !got.Equals(want) {
		return failure.New(failure.RejectedByStore, "verify", xerrors.Errorf("content hashes to %s, expected %s", got, want))
	}
	return nil
}

func parseFingerprint(fp string) (cid.Cid, error) {
	c, err := cid.Decode(fp)
	if err != nil {
		return cid.Undef, failure.New(failure.RejectedByStore, "parse", xerrors.Errorf("bad fingerprint %q: %w", fp, err))
	}
	return c, nil
}
