// Command clat464 runs the 464XLAT customer-side translator daemon: it
// owns a TUN device for IPv4, a raw IPv6 send socket and an AF_PACKET
// receive ring for IPv6, and stateless-translates between the two per
// RFC 6052/7915/6145.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"golang.zx2c4.com/clat464/addr"
	"golang.zx2c4.com/clat464/config"
	"golang.zx2c4.com/clat464/device"
	"golang.zx2c4.com/clat464/privilege"
)

// Version is overwritten at release build time via -ldflags.
var Version = "dev"

const (
	exitClean = 0
	exitFatal = 1
)

func main() {
	opts := NewOptions()
	if err := parseFlags(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFatal)
	}
	if opts.ShowVersion {
		fmt.Printf("clat464 v%s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
		return
	}

	logLevel := parseLogLevel(opts.LogLevel)
	var log device.Logger = device.NewLogger(logLevel, fmt.Sprintf("(%s) ", opts.TunName))

	if !opts.Foreground {
		daemonize(opts)
	}

	os.Exit(run(opts, log))
}

func parseLogLevel(s string) int {
	switch s {
	case "silent":
		return device.LogLevelSilent
	case "error":
		return device.LogLevelError
	case "warn":
		return device.LogLevelWarn
	case "debug":
		return device.LogLevelDebug
	default:
		return device.LogLevelInfo
	}
}

// applyOverrides layers the launcher's command-line contract (-i, -p, -4,
// -6, -n) on top of whatever the config file set: flags always win, since
// they're the interface a launcher re-invokes the daemon with on every
// network change, while the config file carries the rest.
func applyOverrides(opts *Options, rc *config.RawConfig) error {
	rc.DefaultPDPInterface = opts.UplinkInterface

	if opts.PlatPrefix != "" {
		p, err := addr.ParsePrefix(opts.PlatPrefix)
		if err != nil {
			return fmt.Errorf("-p: invalid plat prefix %q: %w", opts.PlatPrefix, err)
		}
		rc.PlatSubnet = p
	}

	if opts.IPv4Addr != "" {
		ip, ok := addr.ParseIP(opts.IPv4Addr)
		if !ok || !ip.Is4() {
			return fmt.Errorf("-4: invalid IPv4 address %q", opts.IPv4Addr)
		}
		rc.IPv4LocalSubnet = addr.Prefix{IP: ip, Len: 32}
	}

	if opts.IPv6Addr != "" {
		ip, ok := addr.ParseIP(opts.IPv6Addr)
		if !ok || !ip.Is6() {
			return fmt.Errorf("-6: invalid IPv6 address %q", opts.IPv6Addr)
		}
		rc.IPv6LocalSubnet = ip
		rc.HaveIPv6LocalSubnet = true
	}

	if opts.NetID >= 0 {
		rc.RoutingMark = opts.NetID
	}

	return nil
}

// run performs the sequence that must be atomic with respect to loop
// start: Configure (opens every privileged fd) -> Drop privileges ->
// VerifyRetained -> Run. Any failure before the event loop starts is a
// fatal configuration error, exit 1.
func run(opts *Options, log device.Logger) int {
	text, err := os.ReadFile(opts.ConfigPath)
	if err != nil {
		log.Errorf("reading config file %s: %v", opts.ConfigPath, err)
		return exitFatal
	}
	rc, err := config.Parse(string(text))
	if err != nil {
		log.Errorf("parsing config file: %v", err)
		return exitFatal
	}
	if opts.MTU > 0 {
		rc.MTU = opts.MTU
	}
	if err := applyOverrides(opts, &rc); err != nil {
		log.Errorf("%v", err)
		return exitFatal
	}

	cfg, ep, err := config.Configure(log, rc, opts.TunName)
	if err != nil {
		log.Errorf("configuration failed: %v", err)
		return exitFatal
	}

	if opts.DropUID >= 0 {
		groups, err := parseGroups(opts.Groups)
		if err != nil {
			log.Errorf("-groups: %v", err)
			return exitFatal
		}
		id := privilege.Identity{UID: opts.DropUID, GID: opts.DropGID, Groups: groups}
		if id.GID < 0 {
			id.GID = opts.DropUID
		}
		if err := privilege.Drop(id); err != nil {
			log.Errorf("dropping privileges: %v", err)
			return exitFatal
		}
		if err := privilege.VerifyRetained(); err != nil {
			log.Errorf("post-drop capability check: %v", err)
			return exitFatal
		}
	} else {
		log.Warnf("no -uid given, continuing to run as the initial (possibly root) identity")
	}

	d := device.New(log, ep.Tun, ep.Raw, ep.Ring, cfg)

	term := waitForSignal()
	go func() {
		<-term
		log.Info("received termination signal, shutting down")
		d.Stop()
	}()

	probe := func() (bool, error) {
		return config.ProbePrefixChange(cfg.DefaultPDPInterface, cfg.IPv6LocalSubnet)
	}

	if err := d.Run(probe); err != nil {
		log.Errorf("event loop exited: %v", err)
		return exitFatal
	}
	return exitClean
}

func daemonize(opts *Options) {
	// Re-exec with --foreground once stdio has been redirected: the Go
	// runtime can't fork(2) safely with goroutines already running, so
	// re-exec is the substitute for a traditional double-fork daemonize.
	devnull, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	attr := &os.ProcAttr{
		Files: []*os.File{devnull, devnull, devnull},
		Dir:   ".",
		Env:   append(os.Environ(), "CLAT464_FOREGROUND=1"),
	}
	path, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to determine executable path:", err)
		os.Exit(exitFatal)
	}
	args := append([]string{path}, os.Args[1:]...)
	args = append(args, "--foreground")
	proc, err := os.StartProcess(path, args, attr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to daemonize:", err)
		os.Exit(exitFatal)
	}
	proc.Release()
	os.Exit(exitClean)
}

// parseGroups parses a comma-separated GID list, empty string meaning "no
// supplementary groups" (Setgroups(nil)).
func parseGroups(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	groups := make([]int, len(parts))
	for i, p := range parts {
		gid, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid gid %q", p)
		}
		groups[i] = gid
	}
	return groups, nil
}

func waitForSignal() <-chan os.Signal {
	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, os.Interrupt)
	return term
}
