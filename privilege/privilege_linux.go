//go:build linux

// Package privilege drops the daemon from its initial superuser identity to
// an unprivileged one once every fd it will ever need (the TUN device, the
// raw IPv6 socket, the packet ring) has already been opened, retaining only
// the capabilities those fds require.
package privilege

import (
	"fmt"
	"os"

	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
)

// Identity is the unprivileged uid/gid the daemon drops to after acquiring
// its fds, plus the supplementary group set it should carry across the
// drop. Android's CLAT reference deployment runs as a dedicated uid with
// supplementary groups {inet, vpn} (AID_INET, AID_VPN); those AIDs have no
// portable Linux equivalent off Android, so here the caller names whatever
// GIDs the target platform uses for raw-socket/net-admin-adjacent access —
// nil clears supplementary groups entirely, matching a plain system
// daemon's uid/gid drop.
type Identity struct {
	UID    int
	GID    int
	Groups []int
}

// retainedCaps are the capabilities that must survive the privilege drop:
// CAP_NET_ADMIN (netlink address/route programming), CAP_NET_RAW (the raw
// IPv6 send socket and the packet ring) and CAP_IPC_LOCK (locking memory).
// The Configurator has already done its netlink programming and opened
// those sockets before Drop runs, and nothing in this codebase calls mlock,
// so the set is kept for the sockets' lifetime rather than for any later
// reconfiguration.
var retainedCaps = []capability.Cap{
	capability.CAP_NET_ADMIN,
	capability.CAP_NET_RAW,
	capability.CAP_IPC_LOCK,
}

// Drop transitions the process from its initial privileged identity to id,
// keeping only retainedCaps across the UID change. It must run after every
// privileged fd (TUN, raw socket, packet ring) has already been opened, and
// before the event loop starts, so that no code path ever runs with a
// partially-dropped identity.
func Drop(id Identity) error {
	if id.UID == 0 {
		return fmt.Errorf("privilege: refusing to drop to uid 0")
	}

	// PR_SET_KEEPCAPS must be set before the UID change or the kernel
	// clears the full capability set as soon as setuid(2) leaves root.
	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("privilege: PR_SET_KEEPCAPS: %w", err)
	}

	if err := unix.Setgroups(id.Groups); err != nil {
		return fmt.Errorf("privilege: setgroups: %w", err)
	}
	if err := unix.Setresgid(id.GID, id.GID, id.GID); err != nil {
		return fmt.Errorf("privilege: setresgid: %w", err)
	}
	if err := unix.Setresuid(id.UID, id.UID, id.UID); err != nil {
		return fmt.Errorf("privilege: setresuid: %w", err)
	}

	caps, err := capability.NewPid2(os.Getpid())
	if err != nil {
		return fmt.Errorf("privilege: capability.NewPid2: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("privilege: capability load: %w", err)
	}

	caps.Clear(capability.CAPS | capability.BOUNDS | capability.AMBS)
	caps.Set(capability.EFFECTIVE|capability.PERMITTED, retainedCaps...)
	caps.Set(capability.AMBIENT, retainedCaps...)

	if err := caps.Apply(capability.CAPS | capability.BOUNDS | capability.AMBS); err != nil {
		return fmt.Errorf("privilege: capability apply: %w", err)
	}

	return nil
}

// VerifyRetained re-reads the process's effective capability set and fails
// if any of retainedCaps is missing — a startup self-check so a silent
// capability-drop regression fails fast instead of surfacing as an opaque
// EPERM from the raw socket path later.
func VerifyRetained() error {
	caps, err := capability.NewPid2(os.Getpid())
	if err != nil {
		return fmt.Errorf("privilege: capability.NewPid2: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("privilege: capability load: %w", err)
	}
	for _, c := range retainedCaps {
		if !caps.Get(capability.EFFECTIVE, c) {
			return fmt.Errorf("privilege: capability %s was not retained across the uid change", c)
		}
	}
	return nil
}
