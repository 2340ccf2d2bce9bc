package device

import (
	"encoding/binary"

	"golang.zx2c4.com/clat464/xlat"
)

// buildICMPv4Unreachable constructs a locally-generated ICMPv4 error
// message in response to orig, embedding orig's IP header plus its first 8
// bytes of payload per RFC 792. extra is the code-specific second word of
// the ICMP header (next-hop MTU for code 4 "fragmentation needed", 0
// otherwise).
func buildICMPv4Unreachable(orig []byte, icmpType, code uint8, extra uint16) []byte {
	origIHL := int(orig[0]&0x0f) * 4
	embedLen := origIHL + 8
	if embedLen > len(orig) {
		embedLen = len(orig)
	}

	const ipHdr = 20
	const icmpHdr = 8
	total := ipHdr + icmpHdr + embedLen
	pkt := make([]byte, total)

	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(total))
	binary.BigEndian.PutUint16(pkt[6:8], 0x4000) // DF
	pkt[8] = 64
	pkt[9] = 1 // ICMP
	// The tunnel is a point-to-point link with a single configured address
	// (ipv4_local); both the reply's source and destination are that
	// address, the same way a single-hop gateway reports path MTU problems
	// back to the only host on its segment.
	copy(pkt[12:16], orig[12:16])
	copy(pkt[16:20], orig[12:16])
	binary.BigEndian.PutUint16(pkt[10:12], 0)
	binary.BigEndian.PutUint16(pkt[10:12], xlat.Fold(xlat.Sum(pkt[:ipHdr], 0)))

	icmp := pkt[ipHdr:]
	icmp[0] = icmpType
	icmp[1] = code
	binary.BigEndian.PutUint16(icmp[2:4], 0)
	binary.BigEndian.PutUint16(icmp[6:8], extra)
	copy(icmp[icmpHdr:], orig[:embedLen])
	binary.BigEndian.PutUint16(icmp[2:4], xlat.Fold(xlat.Sum(icmp, 0)))

	return pkt
}
