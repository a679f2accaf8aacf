package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/mcphost/internal/application/ports"
)

type staticResolver map[string][]netip.Addr

func (r staticResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	ips, ok := r[host]
	if !ok {
		return nil, fmt.Errorf("no such host %s", host)
	}
	return ips, nil
}

func allowOnly(hosts map[string]bool) ports.HostAuthorizer {
	return func(host string) (bool, error) {
		private, ok := hosts[host]
		if !ok {
			return false, errors.New("host_not_allowed: " + host)
		}
		return private, nil
	}
}

func TestIsPrivateOrReservedIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.20.0.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"::1", true},
		{"fe80::1", true},
		{"::ffff:127.0.0.1", true},
		{"8.8.8.8", false},
		{"2606:4700:4700::1111", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.private, IsPrivateOrReservedIP(netip.MustParseAddr(tt.ip)))
		})
	}
}

func TestResolveAndValidate(t *testing.T) {
	resolver := staticResolver{
		"public.example":   {netip.MustParseAddr("93.184.216.34")},
		"rebind.example":   {netip.MustParseAddr("93.184.216.34"), netip.MustParseAddr("127.0.0.1")},
		"internal.example": {netip.MustParseAddr("10.0.0.7")},
	}
	ctx := context.Background()

	ip, err := resolveAndValidate(ctx, resolver, "public.example", false)
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", ip.String())

	_, err = resolveAndValidate(ctx, resolver, "rebind.example", false)
	assert.ErrorContains(t, err, "127.0.0.1")

	_, err = resolveAndValidate(ctx, resolver, "internal.example", false)
	assert.Error(t, err)
	ip, err = resolveAndValidate(ctx, resolver, "internal.example", true)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", ip.String())

	_, err = resolveAndValidate(ctx, resolver, "169.254.169.254", false)
	assert.Error(t, err)

	_, err = resolveAndValidate(ctx, resolver, "missing.example", true)
	assert.Error(t, err)
}

func TestHTTPFetcher_PrivateRequiresGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "mcphost/"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	req := &ports.OutboundRequest{URL: srv.URL + "/ping", Headers: map[string][]string{"X-Test": {"yes"}}}

	_, err := f.Do(context.Background(), req, allowOnly(map[string]bool{"127.0.0.1": false}))
	assert.ErrorContains(t, err, "SSRF protection")

	resp, err := f.Do(context.Background(), req, allowOnly(map[string]bool{"127.0.0.1": true}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(resp.Body))
	assert.False(t, resp.Truncated)
}

func TestHTTPFetcher_RedirectIsAuthorized(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secret"))
	}))
	defer target.Close()
	_, port, err := net.SplitHostPort(target.Listener.Addr().String())
	require.NoError(t, err)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://metadata.internal:"+port+"/", http.StatusFound)
	}))
	defer origin.Close()

	f := NewHTTPFetcher(WithResolver(staticResolver{"metadata.internal": {netip.MustParseAddr("127.0.0.1")}}))
	_, err = f.Do(context.Background(), &ports.OutboundRequest{URL: origin.URL}, allowOnly(map[string]bool{"127.0.0.1": true}))
	assert.ErrorContains(t, err, "host_not_allowed: metadata.internal")
}

func TestHTTPFetcher_TruncatesLargeBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", MaxBodySize+10)))
	}))
	defer srv.Close()

	resp, err := NewHTTPFetcher().Do(context.Background(), &ports.OutboundRequest{URL: srv.URL}, allowOnly(map[string]bool{"127.0.0.1": true}))
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Len(t, resp.Body, MaxBodySize)
}
