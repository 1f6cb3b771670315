package ingest

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Source holds a resolved input ready for reading.
type Source struct {
	// Name is the original filename (no directory), used for asset naming.
	Name string
	// Size is the byte count if known in advance (-1 if unknown).
	Size int64
	// Open returns a new ReadCloser. May be called once.
	Open func() (io.ReadCloser, error)
}

// Resolve determines the type of input and returns a Source.
// Supported formats:
//
//	/path/to/file.pdf          local file
//	https://example.com/f.pdf  HTTP URL
func Resolve(input string) (*Source, error) {
	switch {
	case strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://"):
		return resolveHTTP(input)
	case input == "":
		return nil, fmt.Errorf("no input given")
	default:
		return resolveFile(input)
	}
}

func resolveFile(path string) (*Source, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%q is a directory", path)
	}
	return &Source{
		Name: filepath.Base(path),
		Size: fi.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

func resolveHTTP(rawURL string) (*Source, error) {
	// HEAD for the size and a server-suggested filename.
	client := &http.Client{Timeout: 15 * time.Second}
	size := int64(-1)
	var header http.Header
	if resp, err := client.Head(rawURL); err == nil {
		if resp.StatusCode == http.StatusOK {
			if resp.ContentLength > 0 {
				size = resp.ContentLength
			}
			header = resp.Header
		}
		resp.Body.Close()
	}

	return &Source{
		Name: downloadName(rawURL, header),
		Size: size,
		Open: func() (io.ReadCloser, error) {
			r, err := client.Get(rawURL)
			if err != nil {
				return nil, err
			}
			if r.StatusCode != http.StatusOK {
				r.Body.Close()
				return nil, fmt.Errorf("GET %s: status %d", rawURL, r.StatusCode)
			}
			return r.Body, nil
		},
	}, nil
}

// downloadName prefers the Content-Disposition filename, then the last
// segment of the URL path.
func downloadName(rawURL string, h http.Header) string {
	usable := func(name string) bool { return name != "" && name != "." && name != "/" }
	if _, params, err := mime.ParseMediaType(h.Get("Content-Disposition")); err == nil {
		if name := path.Base(params["filename"]); params["filename"] != "" && usable(name) {
			return name
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if name := path.Base(u.Path); usable(name) {
			return name
		}
	}
	return "download"
}
