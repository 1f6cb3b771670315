package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/blackwell-systems/bookledger/internal/catalog"
	"github.com/blackwell-systems/bookledger/internal/failure"
)

// Client is a Store that talks to a remote index server.
type Client struct {
	apiBase string
	token   string
	http    *http.Client
}

var _ Store = (*Client)(nil)

// NewClient creates a Client for the server at apiBase. token is sent as a
// bearer token on writes.
func NewClient(apiBase, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// doJSON sends a request and decodes the JSON response into out.
func (c *Client) doJSON(ctx context.Context, method, u string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return failure.Transient(method+" "+u, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// url builds an API URL from path segments.
func (c *Client) url(parts ...string) string {
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return c.apiBase + "/" + strings.Join(parts, "/")
}

// checkStatus returns a typed error for non-2xx responses.
func checkStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return failure.New(failure.IndexConflict, "", ErrConflict)
	default:
		body, _ := io.ReadAll(resp.Body)
		return failure.Transient("", fmt.Errorf("index API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
}

func (c *Client) PutBook(ctx context.Context, b catalog.Book) error {
	return c.doJSON(ctx, http.MethodPut, c.url("books", strconv.FormatUint(b.LedgerID, 10)), b, nil)
}

func (c *Client) GetBook(ctx context.Context, ledgerID uint64) (*catalog.Book, error) {
	var b catalog.Book
	if err := c.doJSON(ctx, http.MethodGet, c.url("books", strconv.FormatUint(ledgerID, 10)), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) ListBooks(ctx context.Context, f catalog.Filter) ([]catalog.Book, int, error) {
	q := url.Values{}
	if f.Search != "" {
		q.Set("q", f.Search)
	}
	if f.ActiveOnly {
		q.Set("active", "true")
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	u := c.url("books")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var page BookPage
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &page); err != nil {
		return nil, 0, err
	}
	return page.Books, page.Total, nil
}

func (c *Client) PutEntitlement(ctx context.Context, e catalog.Entitlement) error {
	return c.doJSON(ctx, http.MethodPut, c.url("entitlements", e.BuyerID, strconv.FormatUint(e.LedgerID, 10)), e, nil)
}

func (c *Client) HasEntitlement(ctx context.Context, buyerID string, ledgerID uint64) (bool, error) {
	err := c.doJSON(ctx, http.MethodGet, c.url("entitlements", buyerID, strconv.FormatUint(ledgerID, 10)), nil, nil)
	switch {
	case err == nil:
		return true, nil
	case err == ErrNotFound:
		return false, nil
	default:
		return false, err
	}
}

func (c *Client) ListEntitlements(ctx context.Context, buyerID string) ([]catalog.Entitlement, error) {
	var out struct {
		Entitlements []catalog.Entitlement `json:"entitlements"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.url("entitlements", buyerID), nil, &out); err != nil {
		return nil, err
	}
	return out.Entitlements, nil
}
