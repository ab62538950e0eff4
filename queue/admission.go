package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

var ErrAdmissionRejected = errors.New("url rejected")

// Resolver is the part of net.Resolver the admission check needs.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Admission decides whether an arbitrary URL may be fetched. Only public
// http(s) hosts pass; every address a name resolves to must be public.
type Admission struct {
	resolver Resolver
}

// NewAdmission uses net.DefaultResolver when r is nil.
func NewAdmission(r Resolver) *Admission {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Admission{resolver: r}
}

var nonPublicPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

func (a *Admission) Check(ctx context.Context, target string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return nil, reject("unparseable url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, reject("scheme %q not allowed", u.Scheme)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil, reject("missing host")
	}
	if isLocalName(host) {
		return nil, reject("host %q is local", host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if !IsPublicAddr(addr) {
			return nil, reject("address %s is not public", addr)
		}
		return u, nil
	}

	addrs, err := a.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, reject("resolve %s: %v", host, err)
	}
	if len(addrs) == 0 {
		return nil, reject("host %q has no addresses", host)
	}
	for _, ia := range addrs {
		addr, ok := netip.AddrFromSlice(ia.IP)
		if !ok || !IsPublicAddr(addr) {
			return nil, reject("host %q resolves to non-public %s", host, ia.IP)
		}
	}
	return u, nil
}

// IsPublicAddr reports whether addr is routable on the public internet.
func IsPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() ||
		addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() {
		return false
	}
	for _, p := range nonPublicPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

func isLocalName(host string) bool {
	return host == "localhost" ||
		strings.HasSuffix(host, ".localhost") ||
		host == "localhost.localdomain" ||
		strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".internal")
}

func reject(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAdmissionRejected, fmt.Sprintf(format, args...))
}
