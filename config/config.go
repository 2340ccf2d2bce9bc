// Package config implements the process-wide Configuration record and the
// Configurator: MTU clamping, local IPv4 address selection, CLAT IPv6
// address derivation, and the effective-value computation that feeds the
// Translator, the classifier, and the I/O endpoints.
package config

import (
	"fmt"

	"golang.zx2c4.com/clat464/addr"
)

// Default values used throughout configuration and the Configurator.
const (
	MinMTU     = 1280
	MaxMTU     = 65535
	ipHeaderV6MinusV4 = 28 // mtu - ipv4mtu when not explicitly overridden
)

// DefaultIPv4LocalSubnet is RFC 7335's recommended CLAT pool.
var DefaultIPv4LocalSubnet = mustPrefix("192.0.0.0/29")

func mustPrefix(s string) addr.Prefix {
	p, err := addr.ParsePrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Config is the process-wide Configuration record. Every other component
// borrows it read-only; only the Configurator produces one, once at
// startup. A change of the uplink's assigned prefix ends the event loop
// instead of producing a new Config.
type Config struct {
	MTU     int
	IPv4MTU int

	PlatSubnet addr.Prefix // plat_subnet / plat_prefix

	IPv4LocalSubnet addr.Prefix
	IPv4Local       addr.IP

	IPv6LocalSubnet addr.IP // the CLAT's own /128

	DefaultPDPInterface   string
	NativeIPv6Interface   string

	RoutingMark int // SO_MARK value from "-n <net-id>"; 0 = unset
}

// Copy makes a deep copy of cfg. Config contains no slices or pointers, so
// the value copy returned here shares no state with cfg.
func (cfg Config) Copy() Config {
	return cfg
}

// ClampMTU bounds mtu to [MinMTU, MaxMTU] and derives ipv4mtu = mtu - 28
// unless explicit is a smaller positive value.
func ClampMTU(interfaceMTU int, explicitIPv4MTU int) (mtu, ipv4mtu int, err error) {
	mtu = interfaceMTU
	if mtu < MinMTU {
		mtu = MinMTU
	}
	if mtu > MaxMTU {
		mtu = MaxMTU
	}

	ipv4mtu = mtu - ipHeaderV6MinusV4
	if explicitIPv4MTU > 0 && explicitIPv4MTU < ipv4mtu {
		ipv4mtu = explicitIPv4MTU
	}
	if ipv4mtu+ipHeaderV6MinusV4 > mtu {
		return 0, 0, fmt.Errorf("config: ipv4mtu+28 > mtu invariant violated")
	}
	return mtu, ipv4mtu, nil
}

// ValidatePlatPrefixLength enforces RFC 6052 §2.2: requested must be one of
// the six independently valid embedding lengths {32, 40, 48, 56, 64, 96}; it
// is a fatal configuration error otherwise. This is distinct from the
// uplink's own assigned global-unicast prefix, which is always a /64 and is
// handled separately by DeriveCLATAddress.
func ValidatePlatPrefixLength(requested uint8) error {
	if !addr.ValidPrefixLength(requested) {
		return addr.ErrBadPrefixLength
	}
	return nil
}

// DeriveCLATAddress computes ipv6_local_subnet from the uplink's currently
// assigned /64.
func DeriveCLATAddress(uplinkPrefix64 [8]byte) addr.IP {
	return addr.DeriveCLATAddress(uplinkPrefix64)
}
