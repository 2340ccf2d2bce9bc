//go:build linux

// Package iface owns the kernel-facing endpoints: the TUN device, the raw
// IPv6 send socket, and the memory-mapped AF_PACKET receive ring, plus the
// netlink plumbing the Configurator uses to install addresses and read the
// uplink's assigned prefix.
package iface

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Netlink message layout constants. Raw construction is used instead of a
// netlink library, matching the pack's own precedent for one-shot
// RTM_NEWADDR/RTM_NEWLINK/RTM_GETROUTE requests.
const (
	nlmsgHdrLen  = 16
	ifaddrmsgLen = 8
	ifinfomsgLen = 16
	rtmsgLen     = 12
	rtaHdrLen    = 4
)

func rtaAlignLen(l int) int {
	const align = 4
	return (l + align - 1) &^ (align - 1)
}

// nlSocket opens and binds an unconnected NETLINK_ROUTE socket for a single
// request/response exchange.
func nlSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return -1, fmt.Errorf("netlink socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netlink bind: %w", err)
	}
	return fd, nil
}

func putNlmsghdr(buf []byte, msgType, flags uint16, seq uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint16(buf[4:6], msgType)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
}

func putRtattr(buf []byte, off int, rtaType uint16, data []byte) int {
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+len(data)))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], rtaType)
	copy(buf[off+rtaHdrLen:], data)
	return off + rtaAlignLen(rtaHdrLen+len(data))
}

// InterfaceIndex looks up the kernel ifindex for a named interface.
func InterfaceIndex(name string) (int32, error) {
	ifc, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("looking up interface %q: %w", name, err)
	}
	return int32(ifc.Index), nil
}

// recvAck reads a single netlink response and translates NLMSG_ERROR into a
// Go error (nil error code means success-ACK).
func recvAck(fd int) error {
	buf := make([]byte, 4096)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return fmt.Errorf("netlink recv: %w", err)
	}
	if n < nlmsgHdrLen {
		return fmt.Errorf("netlink response too short")
	}
	if binary.LittleEndian.Uint16(buf[4:6]) != unix.NLMSG_ERROR {
		return nil
	}
	if n < nlmsgHdrLen+4 {
		return fmt.Errorf("truncated NLMSG_ERROR")
	}
	errno := int32(binary.LittleEndian.Uint32(buf[nlmsgHdrLen : nlmsgHdrLen+4]))
	if errno == 0 {
		return nil
	}
	return unix.Errno(-errno)
}

// AddAddress installs ip/prefixLen on the named interface as
// "ip addr add <ip>/<prefixLen> dev <name>" would. family must be
// unix.AF_INET or unix.AF_INET6.
func AddAddress(ifIndex int32, family uint8, prefixLen uint8, ip []byte) error {
	addrAttrLen := rtaAlignLen(rtaHdrLen + len(ip))
	total := nlmsgHdrLen + ifaddrmsgLen + 2*addrAttrLen
	buf := make([]byte, total)

	putNlmsghdr(buf, unix.RTM_NEWADDR, unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_REPLACE, 1)

	off := nlmsgHdrLen
	buf[off] = family
	buf[off+1] = prefixLen
	buf[off+2] = 0
	buf[off+3] = unix.RT_SCOPE_UNIVERSE
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifIndex))

	off = nlmsgHdrLen + ifaddrmsgLen
	off = putRtattr(buf, off, unix.IFA_LOCAL, ip)
	off = putRtattr(buf, off, unix.IFA_ADDRESS, ip)
	_ = off

	return nlRequest(buf)
}

// AddAnycastAddress installs ip on the interface as an ordinary /128
// address through AddAddress (RTM_NEWADDR), so neighbor solicitations for
// it are answered by the kernel. It does not use the kernel's IPv6 anycast
// mechanism: the kernel treats the address as one of its own unicast
// addresses. The caller never routes traffic sourced from this address —
// it is the CLAT's own /128.
func AddAnycastAddress(ifIndex int32, ip [16]byte) error {
	return AddAddress(ifIndex, unix.AF_INET6, 128, ip[:])
}

// SetLinkUp brings an interface administratively up.
func SetLinkUp(ifIndex int32) error {
	buf := make([]byte, nlmsgHdrLen+ifinfomsgLen)
	putNlmsghdr(buf, unix.RTM_NEWLINK, unix.NLM_F_REQUEST|unix.NLM_F_ACK, 1)
	off := nlmsgHdrLen
	buf[off] = unix.AF_UNSPEC
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifIndex))
	binary.LittleEndian.PutUint32(buf[off+8:off+12], unix.IFF_UP)
	binary.LittleEndian.PutUint32(buf[off+12:off+16], unix.IFF_UP)
	return nlRequest(buf)
}

func nlRequest(msg []byte) error {
	fd, err := nlSocket()
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	if err := unix.Sendto(fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("netlink send: %w", err)
	}
	return recvAck(fd)
}

// UplinkPrefix64 dumps the global-unicast IPv6 addresses assigned to
// ifIndex and returns the /64 network part of the first one returned by
// the kernel whose prefix length is 64 or shorter; addresses with a longer
// prefix are skipped.
func UplinkPrefix64(ifIndex int32) ([8]byte, error) {
	var zero [8]byte

	buf := make([]byte, nlmsgHdrLen+ifaddrmsgLen)
	putNlmsghdr(buf, unix.RTM_GETADDR, unix.NLM_F_REQUEST|unix.NLM_F_DUMP, 1)
	buf[nlmsgHdrLen] = unix.AF_INET6

	fd, err := nlSocket()
	if err != nil {
		return zero, err
	}
	defer unix.Close(fd)

	if err := unix.Sendto(fd, buf, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return zero, fmt.Errorf("netlink send: %w", err)
	}

	resp := make([]byte, 65536)
done:
	for {
		n, _, err := unix.Recvfrom(fd, resp, 0)
		if err != nil {
			return zero, fmt.Errorf("netlink recv: %w", err)
		}
		remain := resp[:n]
		for len(remain) >= nlmsgHdrLen {
			msgLen := binary.LittleEndian.Uint32(remain[0:4])
			msgType := binary.LittleEndian.Uint16(remain[4:6])
			if msgLen < nlmsgHdrLen || int(msgLen) > len(remain) {
				break
			}
			switch msgType {
			case unix.NLMSG_DONE:
				break done
			case unix.NLMSG_ERROR:
				return zero, fmt.Errorf("RTM_GETADDR: netlink error")
			case unix.RTM_NEWADDR:
				payload := remain[nlmsgHdrLen:msgLen]
				if len(payload) >= ifaddrmsgLen {
					ifaFamily := payload[0]
					ifaPrefixLen := payload[1]
					ifaScope := payload[3]
					gotIfIndex := int32(binary.LittleEndian.Uint32(payload[4:8]))
					if ifaFamily == unix.AF_INET6 && gotIfIndex == ifIndex && ifaScope == unix.RT_SCOPE_UNIVERSE {
						attrs := payload[ifaddrmsgLen:]
						if ip, ok := findRtattr(attrs, unix.IFA_ADDRESS); ok && len(ip) == 16 && ifaPrefixLen <= 64 {
							var p [8]byte
							copy(p[:], ip[:8])
							return p, nil
						}
					}
				}
			}
			remain = remain[msgLen:]
		}
	}
	return zero, fmt.Errorf("no global IPv6 address found on interface")
}

func findRtattr(attrs []byte, wantType uint16) ([]byte, bool) {
	for len(attrs) >= rtaHdrLen {
		rtaLen := binary.LittleEndian.Uint16(attrs[0:2])
		rtaType := binary.LittleEndian.Uint16(attrs[2:4])
		if int(rtaLen) < rtaHdrLen || int(rtaLen) > len(attrs) {
			return nil, false
		}
		data := attrs[rtaHdrLen:rtaLen]
		if rtaType == wantType {
			return data, true
		}
		attrs = attrs[rtaAlignLen(int(rtaLen)):]
	}
	return nil, false
}

// HasRoute performs a routing probe for dst: it issues an RTM_GETROUTE
// request and reports whether the kernel resolved a route. A NLMSG_ERROR of
// ENETUNREACH/EHOSTUNREACH means no route (the candidate address is free);
// a route reply or a zero error code means the kernel already has routing
// state for it, and any other error code is returned as an error.
func HasRoute(dst [4]byte) (bool, error) {
	dstAttrLen := rtaAlignLen(rtaHdrLen + 4)
	total := nlmsgHdrLen + rtmsgLen + dstAttrLen
	buf := make([]byte, total)

	putNlmsghdr(buf, unix.RTM_GETROUTE, unix.NLM_F_REQUEST, 1)
	off := nlmsgHdrLen
	buf[off] = unix.AF_INET   // rtm_family
	buf[off+1] = 32           // rtm_dst_len
	buf[off+4] = unix.RT_TABLE_MAIN
	buf[off+8] = unix.RTN_UNICAST
	putRtattr(buf, nlmsgHdrLen+rtmsgLen, unix.RTA_DST, dst[:])

	fd, err := nlSocket()
	if err != nil {
		return false, err
	}
	defer unix.Close(fd)

	if err := unix.Sendto(fd, buf, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return false, fmt.Errorf("netlink send: %w", err)
	}

	resp := make([]byte, 4096)
	n, _, err := unix.Recvfrom(fd, resp, 0)
	if err != nil {
		return false, fmt.Errorf("netlink recv: %w", err)
	}
	if n < nlmsgHdrLen {
		return false, fmt.Errorf("netlink response too short")
	}
	msgType := binary.LittleEndian.Uint16(resp[4:6])
	if msgType == unix.NLMSG_ERROR {
		if n < nlmsgHdrLen+4 {
			return false, fmt.Errorf("truncated NLMSG_ERROR")
		}
		errno := -int32(binary.LittleEndian.Uint32(resp[nlmsgHdrLen : nlmsgHdrLen+4]))
		switch unix.Errno(errno) {
		case unix.ENETUNREACH, unix.EHOSTUNREACH:
			return false, nil
		case 0:
			return true, nil
		default:
			return false, unix.Errno(errno)
		}
	}
	return true, nil
}
