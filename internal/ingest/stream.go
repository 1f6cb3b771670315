package ingest

import (
	"errors"
	"fmt"
	"io"
)

// ErrTooLarge is returned by ReadAll when a source exceeds the size limit.
var ErrTooLarge = errors.New("input too large")

// Reader is an io.Reader that counts bytes in-flight and refuses to read
// past a limit.
type Reader struct {
	r     io.Reader
	size  int64
	limit int64
}

// NewReader wraps r. A non-positive limit means no limit.
func NewReader(r io.Reader, limit int64) *Reader {
	return &Reader{r: r, limit: limit}
}

func (r *Reader) Read(p []byte) (n int, err error) {
	n, err = r.r.Read(p)
	if n > 0 {
		r.size += int64(n)
		if r.limit > 0 && r.size > r.limit {
			return n, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, r.limit)
		}
	}
	return
}

// Size returns the total bytes read so far.
func (r *Reader) Size() int64 { return r.size }

// ReadAll reads a whole source, failing early if it is known or found to
// be larger than limit.
func ReadAll(src *Source, limit int64) ([]byte, error) {
	if limit > 0 && src.Size > limit {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, src.Name, src.Size, limit)
	}
	rc, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(NewReader(rc, limit))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", src.Name, err)
	}
	return data, nil
}
