package sip

import (
	"fmt"
	"net/netip"
	"strings"
)

// SourceACL decides which source addresses may signal the server. An empty
// ACL allows every source. It is read-only after creation.
type SourceACL struct {
	prefixes []netip.Prefix
}

// NewSourceACL parses a list of IP addresses and CIDR ranges, e.g.
// ["203.0.113.10", "198.51.100.0/24"].
func NewSourceACL(hosts []string) (*SourceACL, error) {
	acl := &SourceACL{prefixes: make([]netip.Prefix, 0, len(hosts))}
	for _, h := range hosts {
		prefix, err := parseCIDROrIP(strings.TrimSpace(h))
		if err != nil {
			return nil, fmt.Errorf("invalid allowed source %q: %w", h, err)
		}
		acl.prefixes = append(acl.prefixes, prefix)
	}
	return acl, nil
}

// Allow reports whether addr may signal. A nil or empty ACL allows all.
func (a *SourceACL) Allow(addr netip.Addr) bool {
	if a == nil || len(a.prefixes) == 0 {
		return true
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of configured prefixes.
func (a *SourceACL) Len() int {
	if a == nil {
		return 0
	}
	return len(a.prefixes)
}

// parseCIDROrIP parses a string as either a CIDR prefix or a single IP address.
// Single IPs are converted to /32 (IPv4) or /128 (IPv6) prefixes.
func parseCIDROrIP(s string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix.Masked(), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("not a valid ip or cidr: %s", s)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
