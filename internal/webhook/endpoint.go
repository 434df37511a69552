package webhook

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/fuomag9/comments-collator/internal/apperr"
)

// Resolver looks up the addresses of a host
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// EndpointGuard rejects registration endpoints that point back into the deployment network
type EndpointGuard struct {
	allowPrivate bool
	resolver     Resolver
}

// NewEndpointGuard creates a guard. allowPrivate lifts the address checks for local development.
// resolver may be nil.
func NewEndpointGuard(allowPrivate bool, resolver Resolver) *EndpointGuard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &EndpointGuard{allowPrivate: allowPrivate, resolver: resolver}
}

var metadataHosts = []string{
	"169.254.169.254",
	"169.254.170.2",
	"fd00:ec2::254",
	"metadata.google.internal",
}

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// Check validates rawURL as an http(s) delivery endpoint
func (g *EndpointGuard) Check(ctx context.Context, rawURL string) error {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.Validation("webhook.endpoint", "valid endpoint URL is required")
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return apperr.Validation("webhook.endpoint", "valid endpoint URL is required")
	}
	for _, blocked := range metadataHosts {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return apperr.Validation("webhook.endpoint", "endpoint host is not allowed")
		}
	}
	if g.allowPrivate {
		return nil
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return apperr.Validation("webhook.endpoint", "endpoint host is not allowed")
	}

	addrs, err := g.addresses(ctx, host)
	if err != nil {
		return apperr.Validation("webhook.endpoint", fmt.Sprintf("endpoint host does not resolve: %s", host))
	}
	for _, addr := range addrs {
		if !public(addr) {
			return apperr.Validation("webhook.endpoint", fmt.Sprintf("endpoint address %s is not allowed", addr))
		}
	}
	return nil
}

func (g *EndpointGuard) addresses(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return addrs, nil
}

func public(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsUnspecified() || addr.IsMulticast() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsPrivate() {
		return false
	}
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}
