// Package fetch provides the HTTP layer of the installer: a keep-alive
// client restricted to HTTP/1.1, a bounded parallel download pool, and a
// thread-safe multi-row progress display.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	// maxResponseBytes caps in-memory GET bodies. Streaming downloads are
	// exempt.
	maxResponseBytes = 10 << 20

	maxRedirects = 10

	defaultTimeout = 30 * time.Second

	// maxIdleConns bounds the keep-alive pool.
	maxIdleConns = 8

	userAgent = "twine/1.0"
)

// ErrResponseTooLarge is returned when a capped GET exceeds maxResponseBytes.
var ErrResponseTooLarge = errors.New("response larger than 10 MiB")

// StatusError reports a non-2xx response.
type StatusError struct {
	Host       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d", e.Host, e.StatusCode)
}

// Response is a fully buffered GET result. 3xx responses are consumed by
// the redirect policy; 4xx/5xx are returned here so callers can tell a 404
// from a transport failure.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client wraps an http.Client configured for registry traffic: HTTP/1.1
// only, per-origin keep-alive connection reuse bounded at 8 idle entries,
// 30 second dial/TLS/header timeouts, and a redirect policy of at most 10
// hops that refuses HTTPS-to-HTTP downgrades.
type Client struct {
	http *http.Client
}

// NewClient builds a Client with its own transport (and therefore its own
// connection pool).
func NewClient() *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: defaultTimeout,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"http/1.1"},
		},
		// Empty map disables the HTTP/2 upgrade path entirely.
		TLSNextProto:          map[string]func(string, *tls.Conn) http.RoundTripper{},
		ForceAttemptHTTP2:     false,
		TLSHandshakeTimeout:   defaultTimeout,
		ResponseHeaderTimeout: defaultTimeout,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConns,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Client{
		http: &http.Client{
			Transport:     transport,
			CheckRedirect: checkRedirect,
		},
	}
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if req.URL.Scheme == "http" && via[0].URL.Scheme == "https" {
		return fmt.Errorf("refusing redirect downgrade to %s", req.URL)
	}
	return nil
}

func (c *Client) request(ctx context.Context, rawurl string) (*http.Response, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawurl, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%s: unsupported scheme %q", u.Host, u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u.Host, err)
	}
	return res, nil
}

// Get performs a single GET and buffers the body, enforcing the 10 MiB
// cap. The connection is returned to the keep-alive pool when the server
// allows it.
func (c *Client) Get(ctx context.Context, rawurl string) (*Response, error) {
	res, err := c.request(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("GET %s: reading body: %w", res.Request.URL.Host, err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("GET %s: %w", res.Request.URL.Host, ErrResponseTooLarge)
	}

	return &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
	}, nil
}

// DownloadTo streams a 200 response body to w one chunk at a time,
// invoking progress after each chunk with the received and total byte
// counts (total is -1 when the server sent no length). No size cap
// applies. It returns the number of bytes written.
func (c *Client) DownloadTo(ctx context.Context, rawurl string, w io.Writer, progress func(received, total int64)) (int64, error) {
	res, err := c.request(ctx, rawurl)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return 0, &StatusError{Host: res.Request.URL.Host, StatusCode: res.StatusCode}
	}

	total := res.ContentLength
	var received int64
	buf := make([]byte, 32*1024)
	for {
		n, err := res.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return received, fmt.Errorf("writing download: %w", werr)
			}
			received += int64(n)
			if progress != nil {
				progress(received, total)
			}
		}
		if err == io.EOF {
			return received, nil
		}
		if err != nil {
			return received, fmt.Errorf("GET %s: reading body: %w", res.Request.URL.Host, err)
		}
	}
}
