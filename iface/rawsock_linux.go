//go:build linux

package iface

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RawSocket is the translator's IPv6 send path: AF_INET6, SOCK_RAW,
// IPPROTO_RAW, non-blocking, with an optional SO_MARK for policy routing.
type RawSocket struct {
	fd int
}

// OpenRawIPv6Send creates the translator's only egress path for IPv6
// traffic. mark is the SO_MARK value to set for policy routing; pass 0 to
// leave it unset.
func OpenRawIPv6Send(mark int) (*RawSocket, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("iface: open raw ipv6 socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("iface: set nonblocking: %w", err)
	}
	// IPV6_HDRINCL is implied by IPPROTO_RAW on Linux; the translator
	// supplies the complete IPv6 header itself, so no checksum offload
	// offset is requested.
	if mark != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, mark); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("iface: SO_MARK: %w", err)
		}
	}
	return &RawSocket{fd: fd}, nil
}

func (r *RawSocket) Fd() int { return r.fd }

// Send writes a complete IPv6 packet (already translated) to its
// destination. The kernel routes using the packet's own destination field;
// the sockaddr is derived from it only to satisfy sendto's addressing
// requirement for a raw socket in this mode.
func (r *RawSocket) Send(pkt []byte) error {
	if len(pkt) < 24+16 {
		return fmt.Errorf("iface: packet too short to carry an ipv6 header")
	}
	var dst [16]byte
	copy(dst[:], pkt[24:40])
	sa := &unix.SockaddrInet6{Addr: dst}
	return unix.Sendto(r.fd, pkt, 0, sa)
}

func (r *RawSocket) Close() error {
	return unix.Close(r.fd)
}
