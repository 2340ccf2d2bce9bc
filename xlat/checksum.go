// Package xlat implements the stateless IPv4<->IPv6 translation data path:
// the checksum engine (this file), the ICMP/ICMPv6 rewrite table (icmp.go),
// and the header translator itself (translate.go).
package xlat

import "encoding/binary"

// checksum computes the Internet checksum (RFC 1071) of b, folded against
// an initial partial sum, in the big-endian convention the rest of this
// package uses.
func checksum(b []byte, initial uint16) uint16 {
	acc := uint32(initial)
	for len(b) >= 2 {
		acc += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		acc += uint32(b[0]) << 8
	}
	for acc>>16 != 0 {
		acc = (acc >> 16) + (acc & 0xffff)
	}
	return uint16(acc)
}

// Sum returns the partial (unfolded-at-the-end, i.e. already 16-bit but not
// complemented) one's-complement sum of b seeded with initial. Exported for
// use by translate.go when accumulating a checksum across several
// non-contiguous header fields (pseudo-header, then payload).
func Sum(b []byte, initial uint16) uint16 {
	return checksum(b, initial)
}

// Fold complements a 16-bit sum into its final checksum form. For sums
// already folded to 16 bits by Sum, Fold just complements; it is kept
// separate so callers can add several Sum results together (mod 0xffff)
// before a single final Fold, matching RFC 1071 §4(B)'s "sum, then
// complement once" structure.
func Fold(sum uint16) uint16 {
	return ^sum
}

// Adjust performs the incremental checksum update of RFC 1624 equation 3:
//
//	HC' = ~(~HC + ~m + m')
//
// oldField and newField must be the same length and a multiple of 2 bytes.
// This is the mechanism translation uses instead of recomputing whole
// checksums from scratch wherever only a handful of header fields changed
// (addresses, hop limit/TTL, length).
func Adjust(oldCheck uint16, oldField, newField []byte) uint16 {
	acc := uint32(^oldCheck)
	acc += uint32(onesComplementSum(oldField) ^ 0xffff)
	acc += uint32(onesComplementSum(newField))
	for acc>>16 != 0 {
		acc = (acc >> 16) + (acc & 0xffff)
	}
	return ^uint16(acc)
}

func onesComplementSum(b []byte) uint16 {
	return checksum(b, 0)
}

// PseudoV4 returns the unfolded IPv4 pseudo-header sum (RFC 793 §3.1) for
// use as the seed to Sum over the L4 payload.
func PseudoV4(src, dst [4]byte, proto uint8, l4Len uint16) uint16 {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], l4Len)
	s := checksum(src[:], 0)
	s = checksum(dst[:], s)
	s = checksum([]byte{0, proto}, s)
	s = checksum(lenBuf[:], s)
	return s
}

// PseudoV6 returns the unfolded IPv6 pseudo-header sum (RFC 8200 §8.1).
func PseudoV6(src, dst [16]byte, proto uint8, l4Len uint32) uint16 {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], l4Len)
	s := checksum(src[:], 0)
	s = checksum(dst[:], s)
	s = checksum(lenBuf[:], s)
	s = checksum([]byte{0, 0, 0, proto}, s)
	return s
}

// AdjustPseudoHeader re-homes an L4 checksum from an IPv4 pseudo-header to
// an IPv6 one (or vice versa) without touching the payload. oldPseudo and
// newPseudo are the unfolded PseudoV4/PseudoV6 values.
func AdjustPseudoHeader(checksumField uint16, oldPseudo, newPseudo uint16) uint16 {
	acc := uint32(^checksumField) + uint32(^oldPseudo&0xffff) + uint32(newPseudo)
	for acc>>16 != 0 {
		acc = (acc >> 16) + (acc & 0xffff)
	}
	return ^uint16(acc)
}

// IsZero reports whether a wire checksum field of 0 means "not computed"
// (IPv4 UDP's permitted meaning) as opposed to a genuine checksum value.
func IsZero(check uint16) bool { return check == 0 }
