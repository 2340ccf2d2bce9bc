package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// parseFlags assembles Options from the command line: the launcher's
// contract is -i, -p, -4, -6, -n and -t; everything else the config file
// doesn't already cover is an operational knob (mtu override, privilege
// drop target, logging, daemonization).
func parseFlags(opts *Options) error {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n", os.Args[0])
		pflag.PrintDefaults()
	}

	pflag.StringVarP(&opts.UplinkInterface, "interface", "i", "", "Uplink interface providing IPv6 connectivity (required)")
	pflag.StringVarP(&opts.PlatPrefix, "plat-prefix", "p", "", "PLAT prefix in CIDR form, e.g. 64:ff9b::/96 (overrides plat_prefix from the config file)")
	pflag.StringVarP(&opts.IPv4Addr, "ipv4", "4", "", "Force the local IPv4 address instead of selecting one from ipv4_local_subnet")
	pflag.StringVarP(&opts.IPv6Addr, "ipv6", "6", "", "Force the CLAT IPv6 address instead of deriving one from the uplink's assigned prefix")
	pflag.IntVarP(&opts.NetID, "netid", "n", -1, "Routing mark (SO_MARK) applied to outgoing packets")
	pflag.StringVarP(&opts.TunName, "tun", "t", "", "Name of the TUN interface to create (required)")

	pflag.StringVarP(&opts.ConfigPath, "config", "c", "/etc/clat464.conf", "Path to the configuration file")
	pflag.IntVar(&opts.MTU, "mtu", 0, "Override the uplink MTU (0 = use the interface's own MTU)")
	pflag.IntVar(&opts.DropUID, "uid", -1, "UID to drop privileges to after startup (required unless already running unprivileged)")
	pflag.IntVar(&opts.DropGID, "gid", -1, "GID to drop privileges to after startup")
	pflag.StringVar(&opts.Groups, "groups", "", "Comma-separated supplementary GIDs to retain across the privilege drop (default: none)")
	pflag.BoolVarP(&opts.Foreground, "foreground", "f", false, "Remain in the foreground instead of daemonizing")
	pflag.StringVar(&opts.LogLevel, "log-level", "info", "One of: silent, error, warn, info, debug")
	pflag.BoolVarP(&opts.ShowVersion, "version", "v", false, "Print the version number and exit")

	pflag.Parse()

	if opts.ShowVersion {
		return nil
	}

	if opts.UplinkInterface == "" {
		return fmt.Errorf("-i <uplink-interface> is required")
	}
	if opts.TunName == "" {
		return fmt.Errorf("-t <tun-name> is required")
	}
	return nil
}
