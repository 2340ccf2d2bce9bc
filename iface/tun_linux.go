//go:build linux

package iface

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	cloneDevicePath = "/dev/net/tun"
	ifReqSize       = unix.IFNAMSIZ + 64
)

// ErrProtocolMismatch is returned by Read when a delivered frame's IP
// version nibble is not 4 — checked against the payload itself since the
// device is opened with IFF_NO_PI and carries no packet-information header.
var ErrProtocolMismatch = errors.New("iface: packet version nibble is not IPv4")

// Tun is the CLAT's owned kernel virtual interface: an IPv4 read/write fd,
// configured with no persistent ownership and no TAP mode.
type Tun struct {
	fd    *os.File
	name  string
	index int32
}

// CreateTUN opens /dev/net/tun and attaches a fresh (non-persistent) TUN
// device named name, non-blocking so it can be driven from the Supervisor's
// poll-based event loop instead of a dedicated reader goroutine.
func CreateTUN(name string) (*Tun, error) {
	nfd, err := unix.Open(cloneDevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return nil, err
	}
	fd := os.NewFile(uintptr(nfd), cloneDevicePath)

	var ifr [ifReqSize]byte
	nameBytes := []byte(name)
	if len(nameBytes) >= unix.IFNAMSIZ {
		fd.Close()
		return nil, errors.New("iface: interface name too long")
	}
	copy(ifr[:], nameBytes)
	binary.LittleEndian.PutUint16(ifr[16:], unix.IFF_TUN|unix.IFF_NO_PI)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd.Fd(), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		fd.Close()
		return nil, errno
	}

	t := &Tun{fd: fd}
	actualName, err := t.readName()
	if err != nil {
		fd.Close()
		return nil, err
	}
	t.name = actualName

	index, err := InterfaceIndex(actualName)
	if err != nil {
		fd.Close()
		return nil, err
	}
	t.index = index

	return t, nil
}

// File exposes the underlying descriptor for the Supervisor's poll set.
func (t *Tun) File() *os.File { return t.fd }

// Fd returns the raw descriptor, for unix.Poll.
func (t *Tun) Fd() int { return int(t.fd.Fd()) }

// Index returns the kernel ifindex, used by the Configurator to install
// ipv4_local and bring the interface up.
func (t *Tun) Index() int32 { return t.index }

func (t *Tun) Name() string { return t.name }

func (t *Tun) readName() (string, error) {
	var ifr [ifReqSize]byte
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, t.fd.Fd(), uintptr(unix.TUNGETIFF), uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		return "", errors.New("iface: failed to get tun device name: " + strconv.FormatInt(int64(errno), 10))
	}
	nameBuf := ifr[:unix.IFNAMSIZ]
	if i := bytes.IndexByte(nameBuf, 0); i != -1 {
		nameBuf = nameBuf[:i]
	}
	return string(nameBuf), nil
}

// SetMTU sets the device's effective IPv4 MTU.
func (t *Tun) SetMTU(n int) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	var ifr [ifReqSize]byte
	copy(ifr[:], t.name)
	binary.LittleEndian.PutUint32(ifr[16:20], uint32(n))
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCSIFMTU), uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		return errors.New("iface: failed to set tun MTU")
	}
	return nil
}

// MTU reads back the device's current MTU.
func (t *Tun) MTU() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var ifr [ifReqSize]byte
	copy(ifr[:], t.name)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCGIFMTU), uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		return 0, errors.New("iface: failed to get tun MTU: " + strconv.FormatInt(int64(errno), 10))
	}
	return int(binary.LittleEndian.Uint32(ifr[16:20])), nil
}

// Up brings the device administratively up via netlink, a prerequisite to
// live translation.
func (t *Tun) Up() error { return SetLinkUp(t.index) }

// Read delivers exactly one IPv4 packet. Since the device is opened with
// IFF_NO_PI there is no framing header on the wire at all; the payload is
// validated against its own version nibble instead of a kernel-supplied
// ethertype, to keep a single code path whether or not IFF_NO_PI is honored
// by the kernel build the daemon runs on.
func (t *Tun) Read(buf []byte) (int, error) {
	n, err := t.fd.Read(buf)
	if err != nil {
		return n, err
	}
	if n > 0 && buf[0]>>4 != 4 {
		return n, ErrProtocolMismatch
	}
	return n, nil
}

// Write sends one IPv4 packet to the tunnel.
func (t *Tun) Write(buf []byte) (int, error) {
	return t.fd.Write(buf)
}

// Close releases the device; the kernel removes the non-persistent
// interface immediately.
func (t *Tun) Close() error {
	return t.fd.Close()
}
