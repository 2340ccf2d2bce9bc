/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2020 WireGuard LLC. All Rights Reserved.
 */

// Package addr implements the address algebra that parameterizes the
// translation data path: RFC 6052 IPv4-in-IPv6 embedding/extraction under a
// configurable PLAT prefix, and CLAT IPv6 address derivation.
package addr

import (
	"fmt"
	"net"
)

// IP is an IPv4 or an IPv6 address, always stored in its 16-byte form.
type IP struct {
	Addr [16]byte
}

func (ip IP) String() string { return net.IP(ip.Addr[:]).String() }

// IP converts ip into a standard library net.IP.
func (ip IP) IP() net.IP { return net.IP(ip.Addr[:]) }

// Is4 reports whether ip is an IPv4-mapped address.
func (ip IP) Is4() bool {
	for i := 0; i < 10; i++ {
		if ip.Addr[i] != 0 {
			return false
		}
	}
	return ip.Addr[10] == 0xff && ip.Addr[11] == 0xff
}

// Is6 reports whether ip is a genuine IPv6 address (not IPv4-mapped).
func (ip IP) Is6() bool { return !ip.Is4() }

// To4 returns the 4-byte form, or nil if ip is not IPv4-mapped.
func (ip IP) To4() []byte {
	if !ip.Is4() {
		return nil
	}
	return ip.Addr[12:16]
}

// IPv4 builds an IPv4-mapped IP from four octets.
func IPv4(b0, b1, b2, b3 byte) (ip IP) {
	ip.Addr[10], ip.Addr[11] = 0xff, 0xff
	ip.Addr[12], ip.Addr[13], ip.Addr[14], ip.Addr[15] = b0, b1, b2, b3
	return ip
}

// IPv6 builds an IP from a raw 16-byte big-endian address.
func IPv6(b [16]byte) IP { return IP{Addr: b} }

// ParseIP parses either dotted-quad or colon-hex notation.
func ParseIP(s string) (ip IP, ok bool) {
	netIP := net.ParseIP(s)
	if netIP == nil {
		return IP{}, false
	}
	copy(ip.Addr[:], netIP.To16())
	return ip, true
}

func (ip IP) MarshalText() ([]byte, error) { return []byte(ip.String()), nil }

func (ip *IP) UnmarshalText(text []byte) error {
	parsed, ok := ParseIP(string(text))
	if !ok {
		return fmt.Errorf("addr.IP: bad address %q", text)
	}
	*ip = parsed
	return nil
}

// Prefix is a compact address/prefix-length pair, the CLAT analogue of
// wgcfg.CIDR: every subnet the daemon reasons about (the PLAT prefix, the
// local IPv4 pool, the uplink's /64) is one of these.
type Prefix struct {
	IP  IP
	Len uint8 // 0-32 for an IPv4 prefix, 0-128 for an IPv6 prefix
}

// ParsePrefix parses CIDR notation such as "64:ff9b::/96" or
// "192.0.0.0/29".
func ParsePrefix(s string) (Prefix, error) {
	netIP, netAddr, err := net.ParseCIDR(s)
	if err != nil {
		return Prefix{}, err
	}
	var p Prefix
	copy(p.IP.Addr[:], netIP.To16())
	ones, _ := netAddr.Mask.Size()
	p.Len = uint8(ones)
	return p, nil
}

func (p Prefix) String() string {
	bits := 128
	if p.IP.Is4() {
		bits = 32
	}
	n := net.IPNet{IP: p.IP.IP(), Mask: net.CIDRMask(int(p.Len), bits)}
	return n.String()
}

// Contains reports whether ip falls within p, comparing only the first
// p.Len bits of the address.
func (p Prefix) Contains(ip IP) bool {
	if p.IP.Is4() != ip.Is4() {
		return false
	}
	start := 0
	if p.IP.Is4() {
		start = 12
	}
	remaining := int(p.Len)
	for i := start; i < 16 && remaining > 0; i++ {
		bits := remaining
		if bits > 8 {
			bits = 8
		}
		mask := byte(0xff << uint(8-bits))
		if p.IP.Addr[i]&mask != ip.Addr[i]&mask {
			return false
		}
		remaining -= 8
	}
	return true
}

func (p Prefix) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Prefix) UnmarshalText(text []byte) error {
	parsed, err := ParsePrefix(string(text))
	if err != nil {
		return fmt.Errorf("addr.Prefix: %w", err)
	}
	*p = parsed
	return nil
}
