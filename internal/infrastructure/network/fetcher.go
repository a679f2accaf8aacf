package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/version"
)

const (
	// MaxBodySize caps response bodies returned to plugins.
	MaxBodySize  = 10 * 1024 * 1024
	maxRedirects = 10
)

type authorizerKey struct{}

// HTTPFetcher implements ports.OutboundFetcher with DNS pinning.
type HTTPFetcher struct {
	base     *http.Transport
	resolver Resolver
	logger   *slog.Logger
	agent    string
}

var _ ports.OutboundFetcher = (*HTTPFetcher)(nil)

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithResolver replaces the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(f *HTTPFetcher) {
		f.resolver = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *HTTPFetcher) {
		f.logger = l
	}
}

// NewHTTPFetcher creates a fetcher.
func NewHTTPFetcher(opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		base: &http.Transport{
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		resolver: net.DefaultResolver,
		logger:   slog.Default(),
		agent:    version.Get().UserAgent(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Do performs req. The host of the request and of every redirect is
// authorized, resolved once, checked against private ranges, and the
// connection is pinned to the checked address.
func (f *HTTPFetcher) Do(ctx context.Context, req *ports.OutboundRequest, authorize ports.HostAuthorizer) (*ports.OutboundResponse, error) {
	if authorize == nil {
		return nil, errors.New("no host authorizer")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(context.WithValue(ctx, authorizerKey{}, authorize), method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("User-Agent", f.agent)
	for key, values := range req.Headers {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	client := &http.Client{
		Transport: &dnsPinningTransport{base: f.base, resolver: f.resolver},
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	truncated := false
	if len(data) > MaxBodySize {
		data = data[:MaxBodySize]
		truncated = true
		f.logger.WarnContext(ctx, "HTTP response body truncated", "url", req.URL, "max_size_mb", MaxBodySize/(1024*1024))
	}

	headers := make(map[string][]string, len(resp.Header))
	for key, values := range resp.Header {
		headers[key] = values
	}
	return &ports.OutboundResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       data,
		Truncated:  truncated,
	}, nil
}

// dnsPinningTransport prevents DNS rebinding by resolving once, validating
// the address, and dialing exactly that address.
type dnsPinningTransport struct {
	base     *http.Transport
	resolver Resolver
}

func (t *dnsPinningTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", req.URL.Scheme)
	}
	authorize, _ := req.Context().Value(authorizerKey{}).(ports.HostAuthorizer)
	if authorize == nil {
		return nil, errors.New("no host authorizer")
	}
	hostname := req.URL.Hostname()
	allowPrivate, err := authorize(hostname)
	if err != nil {
		return nil, err
	}

	ip, err := resolveAndValidate(req.Context(), t.resolver, hostname, allowPrivate)
	if err != nil {
		return nil, fmt.Errorf("SSRF protection: %w", err)
	}

	port := req.URL.Port()
	if port == "" {
		if req.URL.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	pinned := t.base.Clone()
	pinned.DialContext = func(dialCtx context.Context, network, _ string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		return dialer.DialContext(dialCtx, network, net.JoinHostPort(ip.String(), port))
	}
	if req.URL.Scheme == "https" {
		if pinned.TLSClientConfig == nil {
			pinned.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		pinned.TLSClientConfig.ServerName = hostname
	}
	defer pinned.CloseIdleConnections()
	return pinned.RoundTrip(req)
}
