//go:build linux

package config

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"golang.zx2c4.com/clat464/addr"
	"golang.zx2c4.com/clat464/classify"
	"golang.zx2c4.com/clat464/iface"
)

// Logger is the narrow subset of device.Logger the Configurator needs;
// declared locally so this package doesn't import device (device imports
// config), keeping the dependency graph a DAG.
type Logger interface {
	Info(v ...interface{})
	Infof(f string, v ...interface{})
	Warnf(f string, v ...interface{})
}

// Endpoints bundles every fd/handle the Configurator opens on the caller's
// behalf, handed to privilege.Drop and then to device.New in sequence.
type Endpoints struct {
	Tun *iface.Tun
	Raw *iface.RawSocket
	Ring *iface.Ring
}

// Configure performs the daemon's startup sequence: resolve MTU, pick a
// local IPv4 address, derive the CLAT IPv6 address, install both, and
// attach the classifier. It is the only component in this codebase allowed
// to fail fatally — no partial configuration is viable.
func Configure(log Logger, rc RawConfig, tunName string) (Config, Endpoints, error) {
	var cfg Config
	var ep Endpoints

	if err := ValidatePlatPrefixLength(rc.PlatSubnet.Len); err != nil {
		return cfg, ep, fmt.Errorf("config: plat_prefix: %w", err)
	}
	cfg.PlatSubnet = rc.PlatSubnet
	cfg.IPv4LocalSubnet = rc.IPv4LocalSubnet
	cfg.DefaultPDPInterface = rc.DefaultPDPInterface
	cfg.NativeIPv6Interface = rc.NativeIPv6Interface
	if cfg.NativeIPv6Interface == "" {
		cfg.NativeIPv6Interface = cfg.DefaultPDPInterface
	}
	cfg.RoutingMark = rc.RoutingMark

	uplinkIndex, err := iface.InterfaceIndex(cfg.DefaultPDPInterface)
	if err != nil {
		return cfg, ep, fmt.Errorf("config: uplink interface: %w", err)
	}

	tun, err := iface.CreateTUN(tunName)
	if err != nil {
		return cfg, ep, fmt.Errorf("config: create tun: %w", err)
	}
	ep.Tun = tun

	uplinkMTU := MinMTU
	if ifc, err := net.InterfaceByName(cfg.DefaultPDPInterface); err == nil {
		uplinkMTU = ifc.MTU
	}
	mtu, ipv4mtu, err := ClampMTU(uplinkMTU, rc.IPv4MTU)
	if err != nil {
		return cfg, ep, err
	}
	if rc.MTU > 0 {
		mtu, ipv4mtu, err = ClampMTU(rc.MTU, rc.IPv4MTU)
		if err != nil {
			return cfg, ep, err
		}
	}
	cfg.MTU = mtu
	cfg.IPv4MTU = ipv4mtu

	if err := tun.SetMTU(ipv4mtu); err != nil {
		return cfg, ep, fmt.Errorf("config: set tun mtu: %w", err)
	}

	probe := func(ip addr.IP) (bool, error) {
		var b [4]byte
		copy(b[:], ip.To4())
		return iface.HasRoute(b)
	}
	ipv4Local, err := addr.SelectLocalIPv4(cfg.IPv4LocalSubnet, probe)
	if err != nil {
		return cfg, ep, fmt.Errorf("config: select local ipv4: %w", err)
	}
	cfg.IPv4Local = ipv4Local

	var v4bytes [4]byte
	copy(v4bytes[:], ipv4Local.To4())
	if err := iface.AddAddress(tun.Index(), unix.AF_INET, 32, v4bytes[:]); err != nil {
		return cfg, ep, fmt.Errorf("config: install ipv4_local: %w", err)
	}
	if err := tun.Up(); err != nil {
		return cfg, ep, fmt.Errorf("config: bring tun up: %w", err)
	}

	if rc.HaveIPv6LocalSubnet {
		cfg.IPv6LocalSubnet = rc.IPv6LocalSubnet
	} else {
		prefix64, err := iface.UplinkPrefix64(uplinkIndex)
		if err != nil {
			return cfg, ep, fmt.Errorf("config: read uplink prefix: %w", err)
		}
		cfg.IPv6LocalSubnet = DeriveCLATAddress(prefix64)
	}

	if err := iface.AddAnycastAddress(uplinkIndex, cfg.IPv6LocalSubnet.Addr); err != nil {
		return cfg, ep, fmt.Errorf("config: install ipv6_local_subnet: %w", err)
	}

	raw, err := iface.OpenRawIPv6Send(cfg.RoutingMark)
	if err != nil {
		return cfg, ep, fmt.Errorf("config: open raw ipv6 socket: %w", err)
	}
	ep.Raw = raw

	ring, err := iface.OpenRing(cfg.NativeIPv6Interface)
	if err != nil {
		return cfg, ep, fmt.Errorf("config: open packet ring: %w", err)
	}
	program, err := classify.Assemble(cfg.IPv6LocalSubnet.Addr)
	if err != nil {
		return cfg, ep, fmt.Errorf("config: assemble classifier: %w", err)
	}
	if err := ring.SetClassifier(program); err != nil {
		return cfg, ep, fmt.Errorf("config: attach classifier: %w", err)
	}
	ep.Ring = ring

	log.Infof("configured: plat=%s clat=%s ipv4_local=%s mtu=%d/%d",
		cfg.PlatSubnet, cfg.IPv6LocalSubnet, cfg.IPv4Local, cfg.MTU, cfg.IPv4MTU)

	return cfg, ep, nil
}

// ProbePrefixChange re-reads the uplink's current /64 and compares it
// against the /64 the Configurator derived ipv6_local_subnet from.
func ProbePrefixChange(uplinkIfaceName string, current addr.IP) (bool, error) {
	idx, err := iface.InterfaceIndex(uplinkIfaceName)
	if err != nil {
		return false, err
	}
	prefix64, err := iface.UplinkPrefix64(idx)
	if err != nil {
		return false, err
	}
	return prefix64 != addr.Prefix64(current), nil
}
