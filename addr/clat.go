package addr

import "crypto/sha1"

// DeriveInterfaceID computes a 64-bit interface identifier deterministically
// from the uplink's /64 network prefix, following the same "hash the prefix"
// approach RFC 4193 uses to derive a Local IPv6 Unicast Address's global ID
// from random input: here the input is the uplink prefix rather than
// entropy, so the identifier is stable for the lifetime of the daemon and
// across restarts with the same uplink prefix.
func DeriveInterfaceID(uplinkPrefix64 [8]byte) [8]byte {
	h := sha1.Sum(uplinkPrefix64[:])
	var id [8]byte
	copy(id[:], h[:8])
	// RFC 7136: clear the universal/local and individual/group bits is only
	// meaningful for EUI-64-derived IIDs; a hash-derived IID has no such
	// structure to preserve, so no bit fixups are applied here.
	return id
}

// DeriveCLATAddress builds the full /128 CLAT IPv6 address from the
// uplink's currently-assigned /64 prefix.
func DeriveCLATAddress(uplinkPrefix64 [8]byte) IP {
	id := DeriveInterfaceID(uplinkPrefix64)
	var out IP
	copy(out.Addr[:8], uplinkPrefix64[:])
	copy(out.Addr[8:], id[:])
	return out
}

// Prefix64 extracts the /64 network part of a full IPv6 address.
func Prefix64(ip IP) (p [8]byte) {
	copy(p[:], ip.Addr[:8])
	return p
}

// SamePrefix64 reports whether a and b share the same /64 network part.
func SamePrefix64(a, b IP) bool {
	return Prefix64(a) == Prefix64(b)
}
