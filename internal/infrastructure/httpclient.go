package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"github.com/pkgforge/soar-dl/internal/domain"
)

// Client is the shared HTTP transport: authenticated, retrying, and
// range-aware. It is safe for concurrent use.
type Client struct {
	http    *http.Client
	cfg     domain.HTTPConfig
	headers http.Header
	logger  *zap.Logger
}

// StreamResponse is an open byte stream plus the response metadata callers
// need to drive resume and naming decisions.
type StreamResponse struct {
	Status   int
	Header   http.Header
	FinalURL string
	Body     io.ReadCloser
}

// NewClient builds the shared transport. extra headers are applied to
// every request and can be overridden per call.
func NewClient(cfg domain.HTTPConfig, extra http.Header, logger *zap.Logger) (*Client, error) {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: cfg.HeaderTimeout,
		Proxy:                 http.ProxyFromEnvironment,
	}

	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		switch proxyURL.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(proxyURL)
		case "socks5", "socks5h":
			socksDialer, err := proxy.FromURL(proxyURL, dialer)
			if err != nil {
				return nil, fmt.Errorf("socks proxy %q: %w", cfg.Proxy, err)
			}
			contextDialer, ok := socksDialer.(proxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("socks proxy %q: dialer does not support contexts", cfg.Proxy)
			}
			transport.Proxy = nil
			transport.DialContext = contextDialer.DialContext
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
		}
	}

	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		cfg:     cfg,
		headers: extra,
		logger:  logger,
	}, nil
}

// Do executes an idempotent request, retrying connection errors and 5xx
// responses with exponential backoff. The final response is returned
// regardless of status; callers classify it.
func (c *Client) Do(ctx context.Context, method, rawURL string, headers http.Header) (*http.Response, error) {
	attempts := c.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 4
	}
	delay := c.cfg.RetryInitial
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			c.logger.Debug("retrying request",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, domain.ErrCancelled
			}
			delay *= 2
			if cap := c.cfg.RetryCap; cap > 0 && delay > cap {
				delay = cap
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			return nil, &domain.NetworkError{Err: err}
		}
		c.applyHeaders(req, headers)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, domain.ErrCancelled
			}
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = &domain.HTTPError{Status: resp.StatusCode, URL: rawURL}
			resp.Body.Close()
			continue
		}
		return resp, nil
	}

	var httpErr *domain.HTTPError
	if errors.As(lastErr, &httpErr) {
		return nil, httpErr
	}
	return nil, &domain.NetworkError{Transient: true, Err: lastErr}
}

// GetJSON fetches a URL and decodes its JSON body into v.
func (c *Client) GetJSON(ctx context.Context, rawURL string, headers http.Header, v any) error {
	resp, err := c.Do(ctx, http.MethodGet, rawURL, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, rawURL); err != nil {
		return err
	}
	if err := decodeJSON(resp.Body, v); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", rawURL, err)
	}
	return nil
}

// Head issues a HEAD request. The response body is already closed.
func (c *Client) Head(ctx context.Context, rawURL string, headers http.Header) (*http.Response, error) {
	resp, err := c.Do(ctx, http.MethodHead, rawURL, headers)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return resp, nil
}

// Stream opens a byte stream. When rangeFrom > 0 a byte-range request is
// issued; the caller inspects Status to learn whether the server honored
// it (206) or restarted from zero (200). The body enforces the configured
// idle-read timeout.
func (c *Client) Stream(ctx context.Context, rawURL string, headers http.Header, rangeFrom int64) (*StreamResponse, error) {
	merged := cloneHeader(headers)
	if rangeFrom > 0 {
		merged.Set("Range", fmt.Sprintf("bytes=%d-", rangeFrom))
	}

	resp, err := c.Do(ctx, http.MethodGet, rawURL, merged)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, rawURL)
	}

	body := resp.Body
	if c.cfg.IdleReadTimeout > 0 {
		body = newIdleTimeoutReader(resp.Body, c.cfg.IdleReadTimeout)
	}

	return &StreamResponse{
		Status:   resp.StatusCode,
		Header:   resp.Header,
		FinalURL: resp.Request.URL.String(),
		Body:     body,
	}, nil
}

func (c *Client) applyHeaders(req *http.Request, headers http.Header) {
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for key, values := range c.headers {
		req.Header[key] = values
	}
	for key, values := range headers {
		req.Header[key] = values
	}
}

func classifyStatus(status int, rawURL string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &domain.AuthError{Status: status, URL: rawURL}
	default:
		return &domain.HTTPError{Status: status, URL: rawURL}
	}
}

// shouldFallback reports whether a mirror response warrants retrying the
// primary API host.
func shouldFallback(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusUnauthorized ||
		status == http.StatusForbidden ||
		status >= 500
}

// ParseHeaderFlags converts repeated "KEY:VALUE" flags into a header map.
// Malformed entries are skipped.
func ParseHeaderFlags(flags []string) http.Header {
	headers := make(http.Header)
	for _, flag := range flags {
		key, value, ok := strings.Cut(flag, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		headers.Add(key, value)
	}
	return headers
}

func cloneHeader(h http.Header) http.Header {
	cloned := make(http.Header, len(h))
	for key, values := range h {
		cloned[key] = append([]string(nil), values...)
	}
	return cloned
}

// idleTimeoutReader closes the underlying body when no Read completes
// within the configured window, surfacing a transient network error.
type idleTimeoutReader struct {
	body    io.ReadCloser
	timeout time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	expired bool
	closed  bool
}

func newIdleTimeoutReader(body io.ReadCloser, timeout time.Duration) *idleTimeoutReader {
	r := &idleTimeoutReader{body: body, timeout: timeout}
	r.timer = time.AfterFunc(timeout, r.expire)
	return r
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)

	r.mu.Lock()
	expired := r.expired
	if !expired && !r.closed {
		r.timer.Reset(r.timeout)
	}
	r.mu.Unlock()

	if expired {
		return n, &domain.NetworkError{Transient: true, Err: errors.New("idle read timeout")}
	}
	return n, err
}

func (r *idleTimeoutReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.timer.Stop()
	r.mu.Unlock()
	return r.body.Close()
}

func (r *idleTimeoutReader) expire() {
	r.mu.Lock()
	r.expired = true
	r.mu.Unlock()
	r.body.Close()
}
