// SPDX-License-Identifier: MIT

// Package netutil parses, normalizes and matches client IP addresses
// against whitelist patterns. Every externally ingested address passes
// through CanonicalIP before it is hashed or stored, so the same address
// in different spellings always produces the same index key.
package netutil

import (
	"net/http"
	"net/netip"
	"strings"
)

// IsIP reports whether s is a valid IPv4 or IPv6 address.
func IsIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

// IsCIDR reports whether s is a valid CIDR pattern.
func IsCIDR(s string) bool {
	if !strings.Contains(s, "/") {
		return false
	}
	_, err := netip.ParsePrefix(s)
	return err == nil
}

// IPInCIDR reports whether ip falls inside the cidr pattern.
// Invalid inputs match nothing.
func IPInCIDR(ip, cidr string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return false
	}
	return prefix.Masked().Contains(addr.Unmap())
}

// Normalize converts an IP or CIDR pattern into its stored form.
// IPv4 inputs are widened to the containing /24 to cluster NAT pools;
// IPv6 addresses become /128 and IPv6 CIDRs keep their prefix length.
// Unparseable input is returned unchanged.
func Normalize(ipOrCIDR string) string {
	if strings.Contains(ipOrCIDR, "/") {
		ipStr, _, ok := strings.Cut(ipOrCIDR, "/")
		if !ok {
			return ipOrCIDR
		}
		addr, err := netip.ParseAddr(ipStr)
		if err != nil {
			return ipOrCIDR
		}
		if addr.Is4() {
			return widen24(addr).String()
		}
		if prefix, err := netip.ParsePrefix(ipOrCIDR); err == nil {
			return prefix.Masked().String()
		}
		return addr.String() + "/128"
	}

	addr, err := netip.ParseAddr(ipOrCIDR)
	if err != nil {
		return ipOrCIDR
	}
	if addr.Is4() {
		return widen24(addr).String()
	}
	return addr.String() + "/128"
}

func widen24(addr netip.Addr) netip.Prefix {
	prefix, _ := addr.Prefix(24)
	return prefix
}

// Match checks ip against stored patterns in order, supporting both CIDR
// and exact-IP forms. It returns the first matching pattern. An invalid
// client IP matches nothing.
func Match(ip string, patterns []string) (bool, string) {
	if !IsIP(ip) {
		return false, ""
	}
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if IsCIDR(pattern) {
			if IPInCIDR(ip, pattern) {
				return true, pattern
			}
		} else if ip == pattern {
			return true, pattern
		}
	}
	return false, ""
}

// CanonicalIP normalizes an address string into its canonical textual
// form: compressed IPv6, dotted IPv4, IPv4-mapped IPv6 kept as IPv6.
// Unparseable input is returned unchanged.
func CanonicalIP(s string) string {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return s
	}
	return addr.String()
}

// Examples returns up to n host addresses inside cidr, for diagnostics.
func Examples(cidr string, n int) []string {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil
	}
	prefix = prefix.Masked()
	if prefix.IsSingleIP() {
		return []string{prefix.Addr().String()}
	}
	out := make([]string, 0, n)
	addr := prefix.Addr()
	// Skip the network address, mirroring hosts() enumeration.
	for addr = addr.Next(); prefix.Contains(addr) && len(out) < n; addr = addr.Next() {
		out = append(out, addr.String())
	}
	return out
}

// ClientIP extracts the canonicalized client address from a request,
// preferring the first X-Forwarded-For hop, then X-Real-IP, then the
// socket peer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return CanonicalIP(strings.TrimSpace(first))
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return CanonicalIP(strings.TrimSpace(real))
	}
	host := r.RemoteAddr
	if ap, err := netip.ParseAddrPort(host); err == nil {
		return ap.Addr().String()
	}
	return CanonicalIP(host)
}
