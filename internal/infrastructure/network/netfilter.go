// Package network provides the SSRF-safe HTTP client plugins reach the
// outside world through.
package network

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),      // "this" network
	netip.MustParsePrefix("127.0.0.0/8"),    // IPv4 loopback
	netip.MustParsePrefix("10.0.0.0/8"),     // RFC1918
	netip.MustParsePrefix("172.16.0.0/12"),  // RFC1918
	netip.MustParsePrefix("192.168.0.0/16"), // RFC1918
	netip.MustParsePrefix("100.64.0.0/10"),  // carrier-grade NAT
	netip.MustParsePrefix("169.254.0.0/16"), // link-local, cloud metadata
	netip.MustParsePrefix("::1/128"),        // IPv6 loopback
	netip.MustParsePrefix("fc00::/7"),       // IPv6 unique local
	netip.MustParsePrefix("fe80::/10"),      // IPv6 link-local
	netip.MustParsePrefix("224.0.0.0/4"),    // IPv4 multicast
	netip.MustParsePrefix("ff00::/8"),       // IPv6 multicast
}

// IsPrivateOrReservedIP reports whether ip is loopback, private, link-local,
// or multicast.
func IsPrivateOrReservedIP(ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, prefix := range privateRanges {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver looks up host addresses.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// resolveAndValidate resolves host once and returns an address to pin the
// connection to. Every resolved address must pass the private range check
// unless allowPrivate.
func resolveAndValidate(ctx context.Context, resolver Resolver, host string, allowPrivate bool) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		if !allowPrivate && IsPrivateOrReservedIP(ip) {
			return netip.Addr{}, fmt.Errorf("destination %s is a private or reserved address", host)
		}
		return ip, nil
	}

	ips, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to resolve host: %w", err)
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("host %s has no addresses", host)
	}
	if !allowPrivate {
		for _, ip := range ips {
			if IsPrivateOrReservedIP(ip) {
				return netip.Addr{}, fmt.Errorf("destination %s resolves to private or reserved address %s (requires an explicit grant of the host)", host, ip)
			}
		}
	}
	return ips[0].Unmap(), nil
}

var _ Resolver = (*net.Resolver)(nil)
