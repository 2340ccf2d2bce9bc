package main

// Options are the command-line-assembled knobs for one run of the daemon:
// the launcher's contract (uplink interface, PLAT prefix, forced addresses,
// net-id, tun name), where to read the rest of the configuration from, which
// identity to drop to, and logging/foreground behavior.
type Options struct {
	ConfigPath string

	UplinkInterface string // -i, required
	PlatPrefix      string // -p
	IPv4Addr        string // -4, forces ipv4_local instead of pool selection
	IPv6Addr        string // -6, forces ipv6_local_subnet instead of derivation
	NetID           int    // -n, routing mark; -1 = unset
	TunName         string // -t, required

	MTU int

	DropUID int
	DropGID int
	Groups  string // comma-separated supplementary GIDs retained across the drop

	Foreground  bool
	LogLevel    string
	ShowVersion bool
}

func NewOptions() *Options {
	return &Options{
		NetID:   -1,
		DropUID: -1,
		DropGID: -1,
	}
}
