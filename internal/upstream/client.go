// Package upstream implements the one-shot outbound HTTP client described in
// spec §4.A: proxy selection, an SSRF-hardened transport, and cookie-expiry
// detection. It is grounded on the teacher's internal/httputil/client.go
// (a shared http.Client factory with a tuned Transport) generalized from a
// single trusted-destination client into a per-call client that can be
// pointed at an arbitrary proxy and that classifies platform-semantic
// failures (cookie expiry) separately from transport failures.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/otistx/backend/internal/storage"
)

// Default timeouts per spec §4.A.
const (
	DefaultDataTimeout = 10 * time.Second
	DefaultAuthTimeout = 15 * time.Second
)

// Request describes a single outbound call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Options configures how a single Request is dispatched.
type Options struct {
	Proxy *storage.ProxyEntry // nil means no proxy (direct)
	// Timeout overrides the default 10s/15s budget for this call.
	Timeout time.Duration
	// IsAuthEndpoint selects the 15s auth-endpoint default when Timeout is zero.
	IsAuthEndpoint bool
	// DetectCookieExpiry enables the platform-error/401/403 -> ErrCookieExpired
	// classification. SMS-provider endpoints (which don't share the platform's
	// envelope) leave this false.
	DetectCookieExpiry bool
}

// Result is the structured outcome of a Call.
type Result struct {
	StatusCode int
	Headers    http.Header // includes multi-valued Set-Cookie
	Body       []byte
}

// platformEnvelope is the minimal shape shared by platform JSON responses,
// used only to sniff the "error" field for cookie-expiry detection.
type platformEnvelope struct {
	Error json.Number `json:"error"`
}

// Client dispatches one-shot outbound requests with an SSRF-hardened
// transport. It holds no retry/failover logic itself: callers (the rental
// orchestrator, voucher pipeline, rapid-shipper lookup) own the retry budget
// and proxy rotation, per spec §4.A's "Retry/failover policy for callers".
type Client struct {
	userAgent string
}

// New builds a Client. userAgent is sent on every outbound request.
func New(userAgent string) *Client {
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (compatible; otistx-backend/1.0)"
	}
	return &Client{userAgent: userAgent}
}

// Call dispatches req once, through opts.Proxy if set, subject to the SSRF
// guard on both the target host and the proxy host.
func (c *Client) Call(ctx context.Context, req Request, opts Options) (Result, error) {
	if err := checkURL(req.URL); err != nil {
		return Result{}, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultDataTimeout
		if opts.IsAuthEndpoint {
			timeout = DefaultAuthTimeout
		}
	}

	httpClient, err := c.buildClient(opts.Proxy, timeout)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return Result{}, fmt.Errorf("upstream: build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("upstream: transport error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("upstream: read body: %w", err)
	}

	result := Result{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}

	if opts.DetectCookieExpiry {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return result, ErrCookieExpired
		}
		var env platformEnvelope
		if json.Unmarshal(body, &env) == nil && env.Error != "" && env.Error != "0" {
			return result, ErrCookieExpired
		}
	}

	return result, nil
}

// buildClient assembles an *http.Client whose Transport dials through an
// SSRF guard and, if proxy is non-nil, through that proxy (itself subject to
// the same guard).
func (c *Client) buildClient(proxy *storage.ProxyEntry, timeout time.Duration) (*http.Client, error) {
	dialer := &net.Dialer{Timeout: timeout}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			if err := checkHost(host); err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}

	if proxy != nil {
		if err := checkURL(proxy.Address); err != nil {
			return nil, fmt.Errorf("upstream: proxy host rejected: %w", err)
		}
		proxyURL, err := url.Parse(proxy.Address)
		if err != nil {
			return nil, fmt.Errorf("upstream: invalid proxy address %q: %w", proxy.Address, err)
		}
		if proxy.Username != "" {
			proxyURL.User = url.UserPassword(proxy.Username, proxy.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

// IsTransient reports whether err is a retryable transport-level failure
// (as opposed to a semantic CookieExpired error, which per §9's design note
// must never be retried).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCookieExpired) || errors.Is(err, ErrBlockedHost) {
		return false
	}
	return true
}
