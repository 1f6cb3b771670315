package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/blackwell-systems/bookledger/internal/failure"
)

const defaultAPIBase = "http://127.0.0.1:5001"

// Kubo is a Store backed by the Kubo (go-ipfs) RPC API.
type Kubo struct {
	apiBase string
	http    *http.Client
}

// NewKubo creates a client for the RPC API at apiBase.
// If apiBase is empty, the local daemon default is used.
func NewKubo(apiBase string, timeout time.Duration) *Kubo {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute // generous for large uploads
	}
	return &Kubo{
		apiBase: strings.TrimRight(apiBase, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Add stores data as a single raw block so the returned identifier is the
// same as Fingerprint(data).
func (k *Kubo) Add(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("data", "blob")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("cid-codec", "raw")
	q.Set("mhtype", "sha2-256")
	q.Set("allow-big-block", "true")

	var out struct {
		Key  string `json:"Key"`
		Size int64  `json:"Size"`
	}
	if err := k.call(ctx, "block/put", q, &body, mw.FormDataContentType(), &out); err != nil {
		return "", err
	}
	c, err := parseFingerprint(out.Key)
	if err != nil {
		return "", err
	}
	log.Debugw("block stored", "cid", c, "size", out.Size)
	return c.String(), nil
}

// Pin requests a recursive pin.
func (k *Kubo) Pin(ctx context.Context, fingerprint string) error {
	c, err := parseFingerprint(fingerprint)
	if err != nil {
		return err
	}
	q := url.Values{"arg": {c.String()}}
	return k.call(ctx, "pin/add", q, nil, "", nil)
}

// IsPinned reports whether the fingerprint holds a recursive pin.
func (k *Kubo) IsPinned(ctx context.Context, fingerprint string) (bool, error) {
	c, err := parseFingerprint(fingerprint)
	if err != nil {
		return false, err
	}
	q := url.Values{"arg": {c.String()}, "type": {"recursive"}}
	var out struct {
		Keys map[string]struct {
			Type string `json:"Type"`
		} `json:"Keys"`
	}
	err = k.call(ctx, "pin/ls", q, nil, "", &out)
	if err != nil {
		var re *rpcError
		if xerrors.As(err, &re) && strings.Contains(re.Message, "not pinned") {
			return false, nil
		}
		return false, err
	}
	_, ok := out.Keys[c.String()]
	return ok, nil
}

// Fetch returns the block for fingerprint after verifying its hash.
func (k *Kubo) Fetch(ctx context.Context, fingerprint string) ([]byte, error) {
	c, err := parseFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}
	req, err := k.newRequest(ctx, "block/get", url.Values{"arg": {c.String()}}, nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := k.http.Do(req)
	if err != nil {
		return nil, failure.Transient("fetch", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure.Transient("fetch", err)
	}
	if err := Verify(c.String(), data); err != nil {
		return nil, err
	}
	return data, nil
}

// call POSTs to an RPC command and decodes the JSON response into out.
func (k *Kubo) call(ctx context.Context, command string, q url.Values, body io.Reader, contentType string, out interface{}) error {
	req, err := k.newRequest(ctx, command, q, body, contentType)
	if err != nil {
		return err
	}
	resp, err := k.http.Do(req)
	if err != nil {
		return failure.Transient(command, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return failure.Transient(command, err)
		}
	}
	return nil
}

func (k *Kubo) newRequest(ctx context.Context, command string, q url.Values, body io.Reader, contentType string) (*http.Request, error) {
	u := k.apiBase + "/api/v0/" + command
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// rpcError is the error body Kubo returns on failure.
type rpcError struct {
	Status  int
	Message string `json:"Message"`
	Code    int    `json:"Code"`
	Type    string `json:"Type"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("kubo error %d: %s", e.Status, e.Message)
}

// checkStatus returns a classified error for non-2xx responses.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	re := &rpcError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, re); err != nil || re.Message == "" {
		re.Message = strings.TrimSpace(string(raw))
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return failure.New(failure.RejectedByStore, "", fmt.Errorf("%w: %w", ErrNotFound, re))
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return failure.Transient("", re)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return failure.New(failure.RejectedByStore, "", re)
	default:
		return failure.Transient("", re)
	}
}
