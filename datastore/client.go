// Package datastore is a small client for the PostgREST API of the hosted data store.
// Access rules are enforced by the data store itself; the client only carries the key.
package datastore

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

	"github.com/rs/zerolog"
)

const restPath = "/rest/v1/"

type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New returns a client for the data store at baseURL, e.g. `https://abc.supabase.co`.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrNoCredential
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("datastore: base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("datastore: base url %q has no host", baseURL)
	}
	c := &Client{
		baseURL:    u,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Select fetches the rows of table matching q and decodes them into dst, a pointer to a slice.
func (c *Client) Select(ctx context.Context, table string, q Query, dst any) error {
	return c.do(ctx, http.MethodGet, table, q.Values(), nil, dst)
}

// Update applies patch to the row with the given id and decodes the updated rows into dst.
func (c *Client) Update(ctx context.Context, table string, id int64, patch any, dst any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("datastore: encode patch: %w", err)
	}
	values := url.Values{}
	values.Set("id", "eq."+strconv.FormatInt(id, 10))
	return c.do(ctx, http.MethodPatch, table, values, body, dst)
}

func (c *Client) do(ctx context.Context, method, table string, values url.Values, body []byte, dst any) error {
	u := c.baseURL.JoinPath(restPath, table)
	u.RawQuery = values.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("datastore: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("datastore: %s %s: %w", method, table, err)
	}
	defer res.Body.Close()
	c.log.Debug().
		Str("method", method).
		Str("table", table).
		Int("code", res.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Data store request")

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return readAPIError(res)
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
		return fmt.Errorf("datastore: decode %s: %w", table, err)
	}
	return nil
}

func readAPIError(res *http.Response) error {
	apiErr := &APIError{Status: res.StatusCode}
	b, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil || json.Unmarshal(b, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(b))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(res.StatusCode)
		}
	}
	return apiErr
}
