package config

import (
	"fmt"
	"strconv"
	"strings"

	"golang.zx2c4.com/clat464/addr"
)

// ParseError is a short reason plus the offending token, so a bad config
// file produces a useful fatal-configuration log line instead of a bare Go
// error.
type ParseError struct {
	Why      string
	Offender string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: '%s'", e.Why, e.Offender)
}

// RawConfig is the flat key=value form of the configuration file — not a
// sectioned shape, since this daemon has exactly one of everything it
// configures and no peer list.
type RawConfig struct {
	MTU                 int
	IPv4MTU             int
	PlatSubnet          addr.Prefix
	IPv4LocalSubnet     addr.Prefix
	IPv6LocalSubnet     addr.IP
	HaveIPv6LocalSubnet bool
	DefaultPDPInterface string
	NativeIPv6Interface string
	RoutingMark         int
}

// Parse reads a simple "key = value" text configuration file, one
// recognized key per line, comments starting with '#'.
func Parse(s string) (RawConfig, error) {
	var rc RawConfig
	rc.IPv4LocalSubnet = DefaultIPv4LocalSubnet

	lines := strings.Split(s, "\n")
	for lineNo, line := range lines {
		if pound := strings.IndexByte(line, '#'); pound >= 0 {
			line = line[:pound]
		}
		line = strings.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return rc, &ParseError{"missing '=' on line " + strconv.Itoa(lineNo+1), line}
		}
		key := strings.ToLower(strings.TrimSpace(line[:eq]))
		val := strings.TrimSpace(line[eq+1:])
		if len(val) == 0 {
			return rc, &ParseError{"key has no value", key}
		}

		switch key {
		case "mtu":
			m, err := strconv.Atoi(val)
			if err != nil {
				return rc, &ParseError{"invalid mtu", val}
			}
			rc.MTU = m
		case "ipv4mtu":
			m, err := strconv.Atoi(val)
			if err != nil {
				return rc, &ParseError{"invalid ipv4mtu", val}
			}
			rc.IPv4MTU = m
		case "plat_prefix", "plat_subnet":
			p, err := addr.ParsePrefix(val)
			if err != nil {
				return rc, &ParseError{"invalid plat_prefix", val}
			}
			rc.PlatSubnet = p
		case "ipv4_local_subnet":
			p, err := addr.ParsePrefix(val)
			if err != nil {
				return rc, &ParseError{"invalid ipv4_local_subnet", val}
			}
			rc.IPv4LocalSubnet = p
		case "ipv6_local_subnet", "clat_address":
			ip, ok := addr.ParseIP(val)
			if !ok {
				return rc, &ParseError{"invalid ipv6_local_subnet", val}
			}
			rc.IPv6LocalSubnet = ip
			rc.HaveIPv6LocalSubnet = true
		case "default_pdp_interface", "uplink_interface":
			rc.DefaultPDPInterface = val
		case "native_ipv6_interface":
			rc.NativeIPv6Interface = val
		case "netid", "net_id", "mark":
			m, err := strconv.Atoi(val)
			if err != nil {
				return rc, &ParseError{"invalid netid", val}
			}
			rc.RoutingMark = m
		default:
			return rc, &ParseError{"unrecognized configuration key", key}
		}
	}

	return rc, nil
}
