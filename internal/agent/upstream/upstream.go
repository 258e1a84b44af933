// Package upstream performs origin fetches on behalf of the interception
// layer, normalizing responses into cache entries.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/plankcoach/plankagent/internal/agent/cache"
	"github.com/plankcoach/plankagent/internal/config"
)

// hop-by-hop headers are connection-scoped and never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client fetches from the configured app origin.
type Client struct {
	base       *url.URL
	httpClient *http.Client
}

func New(cfg config.UpstreamConfig) (*Client, error) {
	base, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse origin %q: %w", cfg.Origin, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream: origin %q must be an absolute URL", cfg.Origin)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:       base,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Fetch forwards r to the origin and reads the full response. The incoming
// request's path, query, method, headers, and body carry over; only the
// scheme and host are rewritten.
func (c *Client) Fetch(ctx context.Context, r *http.Request) (cache.Entry, error) {
	target := *r.URL
	target.Scheme = c.base.Scheme
	target.Host = c.base.Host

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header = r.Header.Clone()
	for _, name := range hopByHopHeaders {
		req.Header.Del(name)
	}

	return c.do(req)
}

// FetchPath fetches a bare GET of an origin path. Used for manifest
// precaching, where no live request exists.
func (c *Client) FetchPath(ctx context.Context, path string) (cache.Entry, error) {
	target := *c.base
	target.Path = path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("upstream: build request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (cache.Entry, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("upstream: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("upstream: read %s: %w", req.URL.Path, err)
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}
	return cache.Entry{
		Status:   resp.StatusCode,
		Headers:  headers,
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}
