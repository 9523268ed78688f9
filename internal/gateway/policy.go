package gateway

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/ameshkov/ssme/internal/hoststore"
)

// accessPolicy decides if a client is allowed to reach the domain.
type accessPolicy struct {
	allow []netip.Prefix
	deny  []netip.Prefix
}

// newAccessPolicy parses p.  It returns nil if p has no rules.
func newAccessPolicy(p *hoststore.AccessPolicy) (ap *accessPolicy, err error) {
	if p == nil || (len(p.Allow) == 0 && len(p.Deny) == 0) {
		return nil, nil
	}

	ap = &accessPolicy{}

	ap.allow, err = parsePrefixes(p.Allow)
	if err != nil {
		return nil, fmt.Errorf("allow: %w", err)
	}

	ap.deny, err = parsePrefixes(p.Deny)
	if err != nil {
		return nil, fmt.Errorf("deny: %w", err)
	}

	return ap, nil
}

// allows returns true if addr is in the allow-list, when there is one, and
// isn't in the deny-list.
func (p *accessPolicy) allows(addr netip.Addr) (ok bool) {
	addr = addr.Unmap()

	if len(p.allow) > 0 && !containsAddr(p.allow, addr) {
		return false
	}

	return !containsAddr(p.deny, addr)
}

// allowsRemote is like allows but takes the remote address of a request.
// Unparseable addresses are never allowed.
func (p *accessPolicy) allowsRemote(remoteAddr string) (ok bool) {
	ap, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return false
	}

	return p.allows(ap.Addr())
}

// containsAddr returns true if any of prefixes contains addr.
func containsAddr(prefixes []netip.Prefix, addr netip.Addr) (ok bool) {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}

	return false
}

// parsePrefixes parses each element of ss either as a CIDR prefix or as a
// single IP address.
func parsePrefixes(ss []string) (prefixes []netip.Prefix, err error) {
	for i, s := range ss {
		var p netip.Prefix
		p, err = parsePrefix(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("at index %d: %w", i, err)
		}

		prefixes = append(prefixes, p)
	}

	return prefixes, nil
}

// parsePrefix parses s as a prefix or as an address.
func parsePrefix(s string) (p netip.Prefix, err error) {
	if strings.Contains(s, "/") {
		p, err = netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}

		return unmapPrefix(p)
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}

	addr = addr.Unmap()

	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// unmapPrefix converts an IPv4-mapped IPv6 prefix into the IPv4 one, since
// client addresses are unmapped before matching.  Mapped prefixes shorter
// than the mapping itself are rejected.  p is masked in any case.
func unmapPrefix(p netip.Prefix) (unmapped netip.Prefix, err error) {
	const mappedBits = 96

	addr := p.Addr()
	if !addr.Is4In6() {
		return p.Masked(), nil
	}

	if p.Bits() < mappedBits {
		return netip.Prefix{}, fmt.Errorf("ipv4-mapped prefix %s is shorter than /%d", p, mappedBits)
	}

	return netip.PrefixFrom(addr.Unmap(), p.Bits()-mappedBits).Masked(), nil
}
