package cache

import (
	"fmt"
	"os"

	"github.com/blackwell-systems/bookledger/internal/contentstore"
)

// VerifyFile checks that the file at path hashes to fingerprint.
func VerifyFile(path, fingerprint string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading cached file: %w", err)
	}
	if err := contentstore.Verify(fingerprint, data); err != nil {
		return fmt.Errorf("cached file %s: %w", path, err)
	}
	return nil
}
