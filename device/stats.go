package device

import "sync/atomic"

// Stats are the daemon-wide packet counters: every component that drops or
// forwards a packet increments one of these.
type Stats struct {
	ipv4ToIPv6 uint64
	ipv6ToIPv4 uint64
	dropped    uint64
	icmpErrorsSent uint64
	classifierRejects uint64
}

// Snapshot is a point-in-time, race-free read of Stats.
type Snapshot struct {
	IPv4ToIPv6Translated uint64
	IPv6ToIPv4Translated uint64
	Dropped              uint64
	ICMPErrorsSent       uint64
	ClassifierRejects    uint64
}

func (s *Stats) AddIPv4ToIPv6() { atomic.AddUint64(&s.ipv4ToIPv6, 1) }

func (s *Stats) AddIPv6ToIPv4() { atomic.AddUint64(&s.ipv6ToIPv4, 1) }

func (s *Stats) AddDropped() { atomic.AddUint64(&s.dropped, 1) }

func (s *Stats) AddICMPErrorSent() { atomic.AddUint64(&s.icmpErrorsSent, 1) }

func (s *Stats) AddClassifierReject() { atomic.AddUint64(&s.classifierRejects, 1) }

// Snapshot reads every counter.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		IPv4ToIPv6Translated: atomic.LoadUint64(&s.ipv4ToIPv6),
		IPv6ToIPv4Translated: atomic.LoadUint64(&s.ipv6ToIPv4),
		Dropped:              atomic.LoadUint64(&s.dropped),
		ICMPErrorsSent:       atomic.LoadUint64(&s.icmpErrorsSent),
		ClassifierRejects:    atomic.LoadUint64(&s.classifierRejects),
	}
}
