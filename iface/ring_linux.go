//go:build linux

package iface

import (
	"fmt"

	"github.com/google/gopacket/afpacket"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// Ring is the memory-mapped AF_PACKET receive ring: an AF_PACKET socket set
// to v3 TPACKET memory-mapped ring, bound to the uplink interface with
// afpacket's default protocol (every EtherType, not only ETH_P_IPV6) and no
// packet-type selection; the classifier alone narrows what reaches
// userspace, and non-IPv6 frames that pass it are dropped by the
// translator's version check. afpacket.TPacket supplies the mmap'd
// ring and slot bookkeeping; this type narrows its general-purpose capture
// API to the one thing the Supervisor needs: drain ready frames and hand
// the IPv6 payload (link layer already stripped for a packet socket bound
// with SOCK_DGRAM semantics) to the translator.
type Ring struct {
	handle *afpacket.TPacket
}

const (
	ringFrameSize = 1 << 12 // 4096, a multiple of the page size and of ethernet MTU-sized frames
	ringBlockSize = ringFrameSize * 128
	ringNumBlocks = 8
	ringBlockTimeoutMillis = 64
)

// OpenRing binds a TPACKETv3 ring to ifaceName. No EtherType or
// PACKET_OTHERHOST selection is made here; frames of every protocol and
// packet type are captured until SetClassifier installs the filter.
func OpenRing(ifaceName string) (*Ring, error) {
	h, err := afpacket.NewTPacket(
		afpacket.OptInterface(ifaceName),
		afpacket.OptFrameSize(ringFrameSize),
		afpacket.OptBlockSize(ringBlockSize),
		afpacket.OptNumBlocks(ringNumBlocks),
		afpacket.OptBlockTimeout(ringBlockTimeoutMillis*1e6),
		afpacket.OptPollTimeout(-1),
		afpacket.SocketDgram,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("iface: open afpacket ring on %s: %w", ifaceName, err)
	}
	return &Ring{handle: h}, nil
}

// SetClassifier installs or replaces the kernel-level classifier program.
// The Configurator calls it once at startup; a later change of the uplink
// prefix ends the event loop instead of re-arming the classifier.
func (r *Ring) SetClassifier(program []bpf.RawInstruction) error {
	return r.handle.SetBPF(program)
}

// Fd exposes the ring's socket descriptor for the Supervisor's poll set.
func (r *Ring) Fd() int {
	return int(r.handle.SocketFd())
}

// NextFrame returns the IPv6 payload of the next ready frame, with any
// leading link-layer header already stripped by the kernel for this socket
// type, or (nil, unix.EAGAIN) if the ring has nothing ready — the caller
// (the Supervisor's poll loop) treats that identically to a would-block
// condition on any other descriptor.
func (r *Ring) NextFrame() ([]byte, error) {
	data, _, err := r.handle.ZeroCopyReadPacketData()
	if err != nil {
		if err == afpacket.ErrTimeout {
			return nil, unix.EAGAIN
		}
		return nil, err
	}
	return data, nil
}

// ClearError performs a zero-length peek for use when read_fd6 reports an
// error condition, so the kernel clears SO_ERROR and readiness stops firing
// every iteration.
func (r *Ring) ClearError() error {
	_, err := unix.Recvfrom(r.Fd(), nil, unix.MSG_PEEK|unix.MSG_DONTWAIT)
	return err
}

func (r *Ring) Close() error {
	r.handle.Close()
	return nil
}
