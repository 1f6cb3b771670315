package util

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// HashParts digests parts with a separator that cannot occur in them, so
// ("ab", "c") and ("a", "bc") never collide. The result is n hex characters.
func HashParts(n int, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = io.WriteString(h, p)
		_, _ = h.Write([]byte{0})
	}
	s := hex.EncodeToString(h.Sum(nil))
	if n > 0 && n < len(s) {
		s = s[:n]
	}
	return s
}
