// Package upstream forwards sanitized requests to the AI API chosen by the
// caller. It never retries: a request that may have reached the upstream is
// not sent twice.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when the upstream did not answer in time.
	ErrTimeout = errors.New("upstream timeout")
	// ErrUnreachable is returned for connection-level failures.
	ErrUnreachable = errors.New("upstream unreachable")
)

// DefaultTimeout bounds the wait for upstream response headers.
const DefaultTimeout = 30 * time.Second

// Request is one outbound call. Host has already passed the allowlist.
type Request struct {
	Method   string
	Host     string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Client talks to upstream AI APIs over a shared connection pool.
type Client struct {
	scheme string
	skip   map[string]bool
	http   *http.Client
}

// New creates a Client. timeout bounds connection setup and the wait for
// response headers; response bodies may stream for as long as the caller's
// context allows. skipHeaders are stripped in addition to hop-by-hop headers.
func New(scheme string, timeout time.Duration, skipHeaders ...string) *Client {
	if scheme == "" {
		scheme = "https"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	skip := make(map[string]bool, len(skipHeaders))
	for _, h := range skipHeaders {
		skip[http.CanonicalHeaderKey(h)] = true
	}
	return &Client{
		scheme: scheme,
		skip:   skip,
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   timeout,
				ResponseHeaderTimeout: timeout,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   100,
				IdleConnTimeout:       90 * time.Second,
			},
			// Redirects go back to the caller; following one could leave the allowlist.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// URL is the absolute upstream URL for r.
func (c *Client) URL(r Request) string {
	path := r.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := c.scheme + "://" + r.Host + path
	if r.RawQuery != "" {
		u += "?" + r.RawQuery
	}
	return u
}

// Do sends r. The caller must close the response body. Errors wrap
// ErrTimeout, ErrUnreachable or the context's error when the caller left.
func (c *Client) Do(ctx context.Context, r Request) (*http.Response, error) {
	url := c.URL(r)
	req, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	c.copyHeaders(req.Header, r.Header)
	req.ContentLength = int64(len(r.Body))
	if len(r.Body) == 0 {
		req.Body = http.NoBody
	}

	slog.Debug("upstream: request", "method", r.Method, "host", r.Host, "path", r.Path, "bytes", len(r.Body))
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	slog.Debug("upstream: response", "host", r.Host, "status", resp.StatusCode, "elapsed", time.Since(start))
	return resp, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("upstream: %w", context.Canceled)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("upstream: %w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("upstream: %w: %v", ErrUnreachable, err)
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Content-Length":      true,
	// Dropped so the transport negotiates gzip and decodes it before restoration.
	"Accept-Encoding": true,
}

// copyHeaders copies caller headers, excluding hop-by-hop, routing and
// session headers and anything named in Connection.
func (c *Client) copyHeaders(dst, src http.Header) {
	connHeaders := make(map[string]bool)
	for _, v := range src.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				connHeaders[http.CanonicalHeaderKey(f)] = true
			}
		}
	}
	for k, vv := range src {
		ck := http.CanonicalHeaderKey(k)
		if hopHeaders[ck] || c.skip[ck] || connHeaders[ck] {
			continue
		}
		for _, v := range vv {
			dst.Add(ck, v)
		}
	}
}

// CopyResponseHeaders copies upstream response headers to the caller,
// dropping hop-by-hop headers and Content-Length, which restoration changes.
func CopyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		ck := http.CanonicalHeaderKey(k)
		if hopHeaders[ck] {
			continue
		}
		for _, v := range vv {
			dst.Add(ck, v)
		}
	}
}

// IsStreaming reports whether resp should be relayed incrementally.
func IsStreaming(resp *http.Response) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	return strings.HasPrefix(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson") ||
		resp.ContentLength < 0 && len(resp.TransferEncoding) > 0 && resp.TransferEncoding[0] == "chunked"
}

// IsEventStream reports whether resp is server-sent events.
func IsEventStream(resp *http.Response) bool {
	return strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream")
}
