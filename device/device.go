//go:build linux

// Package device implements the Supervisor / Event Loop: a single
// cooperative loop, one readiness-multiplex step per iteration over
// {read_fd6, fd4}, plus periodic uplink prefix-change detection.
package device

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"golang.zx2c4.com/clat464/addr"
	"golang.zx2c4.com/clat464/config"
	"golang.zx2c4.com/clat464/iface"
	"golang.zx2c4.com/clat464/ratelimiter"
	"golang.zx2c4.com/clat464/xlat"
)

// InterfacePollFrequency bounds how often the Supervisor re-checks the
// uplink for a prefix change: every few seconds, never faster than once
// per second.
const InterfacePollFrequency = 3 * time.Second

// pollTimeoutMillis bounds each Ppoll call so the loop still reaches its
// periodic prefix-change check even when neither descriptor is ever ready.
const pollTimeoutMillis = 1000

// Device owns every fd the Supervisor multiplexes: fd4 (the TUN device),
// write_fd6 (the raw send socket), read_fd6 (the packet ring).
type Device struct {
	log Logger

	tun *iface.Tun
	raw *iface.RawSocket
	ring *iface.Ring

	translator *xlat.Translator
	limiter    *ratelimiter.Limiter
	stats      Stats

	cfg config.Config

	running int32 // atomic bool, set false by SIGTERM/SIGINT or tun EOF

	scratch [65536 + 64]byte // the single scratch buffer every translate call writes into
}

// New builds a Device around already-open, already-privileged endpoints.
// Opening those endpoints is the Configurator's job (config package) and
// happens before privilege.Drop; New itself performs no syscalls.
func New(log Logger, tun *iface.Tun, raw *iface.RawSocket, ring *iface.Ring, cfg config.Config) *Device {
	d := &Device{
		log:  log,
		tun:  tun,
		raw:  raw,
		ring: ring,
		cfg:  cfg,
	}
	d.translator = xlat.NewTranslator(xlat.Config{
		Plat:        cfg.PlatSubnet,
		CLATAddress: cfg.IPv6LocalSubnet,
		IPv4Local:   cfg.IPv4Local,
		MTU:         cfg.MTU,
		IPv4MTU:     cfg.IPv4MTU,
	})
	d.limiter = new(ratelimiter.Limiter)
	d.limiter.Init()
	atomic.StoreInt32(&d.running, 1)
	return d
}

// Stop requests the loop to exit after the current iteration; called from
// the SIGTERM/SIGINT handler.
func (d *Device) Stop() {
	atomic.StoreInt32(&d.running, 0)
}

func (d *Device) isRunning() bool {
	return atomic.LoadInt32(&d.running) != 0
}

// Stats returns a snapshot of the daemon's packet counters.
func (d *Device) Stats() Snapshot {
	return d.stats.Snapshot()
}

// Run is the Supervisor's event loop. It blocks until Stop is called, a
// tunnel read hits EOF, or prefix-change detection fires, and returns nil
// for a clean/prefix-change exit. probePrefixChange is supplied by the
// caller (the Configurator borrows the netlink plumbing in iface).
func (d *Device) Run(probePrefixChange func() (changed bool, err error)) error {
	fds := []unix.PollFd{
		{Fd: int32(d.ring.Fd()), Events: unix.POLLIN},
		{Fd: int32(d.tun.Fd()), Events: unix.POLLIN},
	}

	lastPoll := time.Now()

	for d.isRunning() {
		n, err := unix.Ppoll(fds, timespecMillis(pollTimeoutMillis), nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			d.log.Errorf("poll: %v", err)
			continue
		}

		if n > 0 {
			ringRevents := fds[0].Revents
			if ringRevents&unix.POLLIN != 0 {
				d.drainRing()
			}
			if ringRevents&(unix.POLLERR|unix.POLLHUP) != 0 {
				if err := d.ring.ClearError(); err != nil {
					d.log.Warnf("packet ring error condition: %v", err)
				}
			}

			tunRevents := fds[1].Revents
			if tunRevents != 0 {
				if err := d.readTunOnce(); err != nil {
					if _, eof := err.(errEOF); eof {
						d.log.Info("tunnel device removed, exiting")
						d.Stop()
					} else {
						d.log.Warnf("tunnel read: %v", err)
					}
				}
			}
		}

		if time.Since(lastPoll) >= InterfacePollFrequency {
			lastPoll = time.Now()
			changed, err := probePrefixChange()
			if err != nil {
				d.log.Warnf("prefix-change probe: %v", err)
			} else if changed {
				d.log.Info("uplink prefix changed, exiting for restart")
				d.Stop()
			}
		}
	}

	d.limiter.Close()
	return nil
}

func timespecMillis(ms int) *unix.Timespec {
	ts := unix.NsecToTimespec(int64(ms) * 1e6)
	return &ts
}

// drainRing handles every frame currently ready on the packet ring,
// translating IPv6 -> IPv4 and writing the result to the tunnel.
func (d *Device) drainRing() {
	for {
		frame, err := d.ring.NextFrame()
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			d.log.Warnf("packet ring read: %v", err)
			return
		}

		out, terr := d.translator.TranslateV6ToV4(frame, d.scratch[:])
		if terr != nil {
			d.stats.AddDropped()
			continue
		}

		if _, werr := d.tun.Write(out); werr != nil {
			d.log.Warnf("tunnel write: %v", werr)
			continue
		}
		d.stats.AddIPv6ToIPv4()
	}
}

// readTunOnce reads and translates exactly one IPv4 packet, so a single
// busy source never starves the ring side of the poll loop.
func (d *Device) readTunOnce() error {
	buf := make([]byte, d.cfg.MTU+64)
	n, err := d.tun.Read(buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return errEOF{}
		}
		return err
	}
	if n == 0 {
		return errEOF{}
	}

	out, terr := d.translator.TranslateV4ToV6(buf[:n], d.scratch[:])
	if terr != nil {
		switch terr {
		case xlat.ErrNeedFragNeeded:
			d.emitFragNeeded(buf[:n])
		}
		d.stats.AddDropped()
		return nil
	}

	if serr := d.raw.Send(out); serr != nil {
		d.log.Warnf("raw ipv6 send: %v", serr)
		return nil
	}
	d.stats.AddIPv4ToIPv6()
	return nil
}

// emitFragNeeded builds and writes back an ICMPv4 "fragmentation needed"
// reply, rate-limited per source address.
func (d *Device) emitFragNeeded(orig []byte) {
	if len(orig) < 20 {
		return
	}
	src := addr.IPv4(orig[12], orig[13], orig[14], orig[15])
	if !d.limiter.Allow(src.IP()) {
		return
	}

	reply := buildICMPv4Unreachable(orig, 3, 4, uint16(d.cfg.IPv4MTU))
	if _, err := d.tun.Write(reply); err != nil {
		d.log.Warnf("tunnel write (icmp frag-needed): %v", err)
		return
	}
	d.stats.AddICMPErrorSent()
}

type errEOF struct{}

func (errEOF) Error() string { return "EOF" }
