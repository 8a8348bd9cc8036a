// Package access filters control connections by client address.
//
// It takes the place of TCP wrappers: a denied list checked first, then an
// optional allowed list. Entries are single IPs or CIDR networks.
package access

import (
	"fmt"
	"net"
	"net/netip"
)

// Filter decides whether a remote address may talk to the daemon.
type Filter struct {
	allowAny bool
	allowed  []netip.Prefix
	denied   []netip.Prefix
}

// Config mirrors the access section of the daemon configuration.
type Config struct {
	AllowAny       bool
	AllowedClients []string
	DeniedClients  []string
}

// New parses the client lists. Invalid entries are an error.
func New(cfg Config) (*Filter, error) {
	allowed, err := parsePatterns(cfg.AllowedClients)
	if err != nil {
		return nil, fmt.Errorf("allowed_clients: %w", err)
	}
	denied, err := parsePatterns(cfg.DeniedClients)
	if err != nil {
		return nil, fmt.Errorf("denied_clients: %w", err)
	}
	return &Filter{allowAny: cfg.AllowAny, allowed: allowed, denied: denied}, nil
}

// ParsePattern accepts "10.0.0.1", "10.0.0.0/8", "::1" or "fd00::/8".
func ParsePattern(pattern string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(pattern); err == nil {
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(pattern)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid client pattern %q", pattern)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func parsePatterns(patterns []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(patterns))
	for _, p := range patterns {
		prefix, err := ParsePattern(p)
		if err != nil {
			return nil, err
		}
		out = append(out, prefix)
	}
	return out, nil
}

// Allowed reports whether addr may connect. The denied list wins over the
// allowed list; an empty allowed list admits everyone not denied.
func (f *Filter) Allowed(addr net.Addr) bool {
	if f == nil || f.allowAny {
		return true
	}

	ip, ok := addrIP(addr)
	if !ok {
		return false
	}

	for _, p := range f.denied {
		if p.Contains(ip) {
			return false
		}
	}

	if len(f.allowed) == 0 {
		return true
	}
	for _, p := range f.allowed {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func addrIP(addr net.Addr) (netip.Addr, bool) {
	if addr == nil {
		return netip.Addr{}, false
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		ip, ok := netip.AddrFromSlice(tcp.IP)
		return ip.Unmap(), ok
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr().Unmap(), true
}
