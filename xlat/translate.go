package xlat

import (
	"encoding/binary"
	"errors"

	"golang.zx2c4.com/clat464/addr"
)

// Protocol numbers the translator dispatches on.
const (
	protoICMPv4  = 1
	protoTCP     = 6
	protoUDP     = 17
	protoGRE     = 47
	protoICMPv6  = 58
	protoFragment = 44
	protoHopByHop = 0
	protoRouting  = 43
	protoDestOpts = 60
)

const (
	ipv4HeaderLen    = 20
	ipv6HeaderLen    = 40
	fragExtHeaderLen = 8
)

// Errors the translator returns to the caller (device/event loop), which
// treats every one of them as "drop the packet" — the Translator itself
// never fails the process.
var (
	ErrTooShort        = errors.New("xlat: packet too short")
	ErrNotIPv4         = errors.New("xlat: not a version-4 header")
	ErrNotIPv6         = errors.New("xlat: not a version-6 header")
	ErrNotInPlat       = errors.New("xlat: source address not embed(plat, ·)-compatible")
	ErrWrongDestination = errors.New("xlat: destination does not match ipv6_local_subnet")
	ErrTTLExpired      = errors.New("xlat: ttl/hop-limit expired")
	ErrRoutingHeader   = errors.New("xlat: unsupported routing header")
	ErrFragmentedNoID  = errors.New("xlat: fragment without identification")
	ErrNeedFragNeeded  = errors.New("xlat: translated packet exceeds outbound mtu with df set")
	ErrTooBig          = errors.New("xlat: packet exceeds representable size after translation")
)

// Config is the subset of the process-wide Configuration the translator
// reads on every packet. It is populated once by the Configurator and
// handed to the Translator by read-only reference.
type Config struct {
	Plat        addr.Prefix
	CLATAddress addr.IP
	IPv4Local   addr.IP
	MTU         int
	IPv4MTU     int
}

// Translator rewrites packets between IPv4 and IPv6 under a fixed Config.
// It is allocation-free: every Translate call writes into the caller-owned
// out buffer and returns the slice actually used.
type Translator struct {
	cfg Config
}

// NewTranslator builds a Translator bound to cfg. Config is read each call,
// never mutated, so a single Translator can be shared across the two
// directions of the event loop without locking.
func NewTranslator(cfg Config) *Translator {
	return &Translator{cfg: cfg}
}

// packetTag is a small tag enumeration used for L4 dispatch instead of a
// function-pointer table.
type packetTag int

const (
	tagICMP packetTag = iota
	tagUDP
	tagTCP
	tagGRE
	tagOther
)

func tagForProto(proto uint8) packetTag {
	switch proto {
	case protoICMPv4, protoICMPv6:
		return tagICMP
	case protoUDP:
		return tagUDP
	case protoTCP:
		return tagTCP
	case protoGRE:
		return tagGRE
	default:
		return tagOther
	}
}

// TranslateV4ToV6 translates a complete IPv4 packet (as delivered by the
// tunnel read) into IPv6. out must have capacity for at least len(pkt)+48
// bytes: the IPv6 header is 20 bytes longer than IPv4's, the fragment
// extension header may grow the packet by up to 8 more, and an ICMPv4
// error's embedded IPv4 header grows by another 20 once it is itself
// translated to IPv6. Returns the slice of out actually written.
func (t *Translator) TranslateV4ToV6(pkt []byte, out []byte) ([]byte, error) {
	if len(pkt) < ipv4HeaderLen {
		return nil, ErrTooShort
	}
	if pkt[0]>>4 != 4 {
		return nil, ErrNotIPv4
	}
	ihl := int(pkt[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || len(pkt) < ihl {
		return nil, ErrTooShort
	}

	totalLen := int(binary.BigEndian.Uint16(pkt[2:4]))
	if totalLen > len(pkt) {
		totalLen = len(pkt)
	}
	ident := binary.BigEndian.Uint16(pkt[4:6])
	flagsFrag := binary.BigEndian.Uint16(pkt[6:8])
	df := flagsFrag&0x4000 != 0
	mf := flagsFrag&0x2000 != 0
	fragOffset := (flagsFrag & 0x1fff) * 8
	ttl := pkt[8]
	proto := pkt[9]
	trafficClass := pkt[1]
	srcV4 := addr.IPv4(pkt[12], pkt[13], pkt[14], pkt[15])
	dstV4 := addr.IPv4(pkt[16], pkt[17], pkt[18], pkt[19])

	if ttl <= 1 {
		return nil, ErrTTLExpired
	}
	newTTL := ttl - 1

	isFragmented := mf || fragOffset != 0

	payload := pkt[ihl:totalLen]
	l4Proto := proto

	dstV6 := addr.Embed(t.cfg.Plat, dstV4)
	srcV6 := t.cfg.CLATAddress

	extLen := 0
	if isFragmented {
		extLen = fragExtHeaderLen
	}

	// An ICMPv4 error embeds (a fragment of) the datagram that provoked it;
	// that embedded IPv4 header grows by ipv6HeaderLen-ipv4HeaderLen bytes
	// once it is itself translated to IPv6, one level of recursion deep
	// (RFC 7915 §4.3).
	embedsIPv4 := l4Proto == protoICMPv4 && isICMPv4ErrorEmbedding(payload)
	growth := 0
	if embedsIPv4 {
		growth = ipv6HeaderLen - ipv4HeaderLen
	}

	needed := ipv6HeaderLen + extLen + len(payload) + growth
	if needed > len(out) {
		return nil, ErrTooBig
	}
	if needed-ipv6HeaderLen > 0xffff {
		return nil, ErrTooBig
	}

	if df && needed > t.cfg.MTU {
		return nil, ErrNeedFragNeeded
	}

	v6 := out[:needed]
	v6[0] = 0x60 | (trafficClass >> 4)
	v6[1] = trafficClass<<4 | 0
	v6[2] = 0
	v6[3] = 0
	nextHeader := protoSubstituteV4ToV6(l4Proto)
	if isFragmented {
		v6[6] = protoFragment
	} else {
		v6[6] = nextHeader
	}
	v6[7] = newTTL
	copy(v6[8:24], srcV6.Addr[:])
	copy(v6[24:40], dstV6.Addr[:])

	off := ipv6HeaderLen
	if isFragmented {
		v6[off] = nextHeader
		v6[off+1] = 0
		fragFlags := uint16(fragOffset)
		if mf {
			fragFlags |= 1
		}
		binary.BigEndian.PutUint16(v6[off+2:off+4], fragFlags)
		binary.BigEndian.PutUint32(v6[off+4:off+8], uint32(ident))
		off += fragExtHeaderLen
	}

	var n int
	if embedsIPv4 {
		var eerr error
		n, eerr = t.translateEmbeddedV4ToV6(payload, v6[off:])
		if eerr != nil {
			return nil, eerr
		}
	} else {
		n = copy(v6[off:], payload)
	}
	l4 := v6[off : off+n]
	binary.BigEndian.PutUint16(v6[4:6], uint16(len(v6)-ipv6HeaderLen))

	if err := t.fixupL4ForV4ToV6(l4Proto, l4, srcV4, dstV4, srcV6, dstV6, isFragmented); err != nil {
		return nil, err
	}

	return v6, nil
}

// isICMPv4ErrorEmbedding reports whether msg (a complete ICMPv4 message,
// 8-byte header onward) is one of the error types that embeds the IPv4
// header of the datagram that provoked it.
func isICMPv4ErrorEmbedding(msg []byte) bool {
	return len(msg) >= 8+ipv4HeaderLen && IsICMPv4Error(msg[0]) && msg[8]>>4 == 4
}

// isICMPv6ErrorEmbedding is the IPv6 analogue of isICMPv4ErrorEmbedding.
func isICMPv6ErrorEmbedding(msg []byte) bool {
	return len(msg) >= 8+ipv6HeaderLen && IsICMPv6Error(msg[0]) && msg[8]>>4 == 6
}

// translateEmbeddedV4ToV6 rewrites the IPv4 header embedded in an ICMPv4
// error's body (body is the full ICMP message, 8-byte header onward) into
// its IPv6 equivalent and copies through whatever transport fragment
// follows unchanged, one level of recursion, no further (RFC 7915 §4.3).
// The embedded datagram's addresses are re-derived with the same fixed
// CLAT/PLAT mapping the outer translation uses, not recovered from the
// embedded header itself, matching this translator's single-local-address
// model.
func (t *Translator) translateEmbeddedV4ToV6(body []byte, out []byte) (int, error) {
	inner := body[8:]
	innerIHL := int(inner[0]&0x0f) * 4
	if innerIHL < ipv4HeaderLen || len(inner) < innerIHL {
		return 0, ErrTooShort
	}
	innerProto := inner[9]
	innerTTL := inner[8]
	innerTrafficClass := inner[1]
	innerDstV4 := addr.IPv4(inner[16], inner[17], inner[18], inner[19])
	innerPayload := inner[innerIHL:]

	needed := 8 + ipv6HeaderLen + len(innerPayload)
	if needed > len(out) {
		return 0, ErrTooBig
	}

	copy(out[:8], body[:8])
	v6Inner := out[8 : 8+ipv6HeaderLen]
	v6Inner[0] = 0x60 | (innerTrafficClass >> 4)
	v6Inner[1] = innerTrafficClass << 4
	v6Inner[2] = 0
	v6Inner[3] = 0
	binary.BigEndian.PutUint16(v6Inner[4:6], uint16(len(innerPayload)))
	v6Inner[6] = protoSubstituteV4ToV6(innerProto)
	v6Inner[7] = innerTTL
	copy(v6Inner[8:24], t.cfg.CLATAddress.Addr[:])
	dstV6 := addr.Embed(t.cfg.Plat, innerDstV4)
	copy(v6Inner[24:40], dstV6.Addr[:])

	n := copy(out[8+ipv6HeaderLen:], innerPayload)
	return 8 + ipv6HeaderLen + n, nil
}

// TranslateV6ToV4 translates a complete IPv6 packet received on the packet
// ring into IPv4.
func (t *Translator) TranslateV6ToV4(pkt []byte, out []byte) ([]byte, error) {
	if len(pkt) < ipv6HeaderLen {
		return nil, ErrTooShort
	}
	if pkt[0]>>4 != 6 {
		return nil, ErrNotIPv6
	}

	var srcV6, dstV6 addr.IP
	copy(srcV6.Addr[:], pkt[8:24])
	copy(dstV6.Addr[:], pkt[24:40])

	if !addr.IsInPlat(t.cfg.Plat, srcV6) {
		return nil, ErrNotInPlat
	}
	if dstV6 != t.cfg.CLATAddress {
		return nil, ErrWrongDestination
	}

	trafficClass := (pkt[0]<<4 | pkt[1]>>4)
	hopLimit := pkt[7]
	if hopLimit <= 1 {
		return nil, ErrTTLExpired
	}
	newTTL := hopLimit - 1

	nextHeader := pkt[6]
	payloadLen := int(binary.BigEndian.Uint16(pkt[4:6]))
	if ipv6HeaderLen+payloadLen > len(pkt) {
		payloadLen = len(pkt) - ipv6HeaderLen
	}
	rest := pkt[ipv6HeaderLen : ipv6HeaderLen+payloadLen]

	var ident uint16
	var fragOffset uint16
	var mf bool
	haveFrag := false

	for {
		switch nextHeader {
		case protoHopByHop, protoDestOpts:
			if len(rest) < 2 {
				return nil, ErrTooShort
			}
			extLen := (int(rest[1]) + 1) * 8
			if extLen > len(rest) {
				return nil, ErrTooShort
			}
			nextHeader = rest[0]
			rest = rest[extLen:]
			continue
		case protoRouting:
			if len(rest) < 4 {
				return nil, ErrTooShort
			}
			segmentsLeft := rest[3]
			if segmentsLeft != 0 {
				return nil, ErrRoutingHeader
			}
			extLen := (int(rest[1]) + 1) * 8
			if extLen > len(rest) {
				return nil, ErrTooShort
			}
			nextHeader = rest[0]
			rest = rest[extLen:]
			continue
		case protoFragment:
			if len(rest) < fragExtHeaderLen || haveFrag {
				return nil, ErrTooShort
			}
			nextHeader = rest[0]
			fragWord := binary.BigEndian.Uint16(rest[2:4])
			fragOffset = fragWord &^ 1
			mf = fragWord&1 != 0
			ident = uint16(binary.BigEndian.Uint32(rest[4:8]))
			haveFrag = true
			rest = rest[fragExtHeaderLen:]
			continue
		}
		break
	}

	srcV4, err := addr.Extract(t.cfg.Plat, srcV6)
	if err != nil {
		return nil, ErrNotInPlat
	}
	dstV4 := t.cfg.IPv4Local

	l4Proto := protoSubstituteV6ToV4(nextHeader)

	// An ICMPv6 error embeds (a fragment of) the datagram that provoked it;
	// that embedded IPv6 header shrinks by ipv6HeaderLen-ipv4HeaderLen bytes
	// once it is itself translated to IPv4, one level of recursion deep
	// (RFC 7915 §5.3).
	embedsIPv6 := nextHeader == protoICMPv6 && isICMPv6ErrorEmbedding(rest)
	shrink := 0
	if embedsIPv6 {
		shrink = ipv6HeaderLen - ipv4HeaderLen
	}

	needed := ipv4HeaderLen + len(rest) - shrink
	if needed > len(out) {
		return nil, ErrTooBig
	}
	if needed > 0xffff {
		return nil, ErrTooBig
	}

	v4 := out[:needed]
	v4[0] = 0x45
	v4[1] = trafficClass
	binary.BigEndian.PutUint16(v4[2:4], uint16(needed))
	binary.BigEndian.PutUint16(v4[4:6], ident)
	var flagsFrag uint16
	if haveFrag {
		flagsFrag = fragOffset / 8
		if mf {
			flagsFrag |= 0x2000
		}
	} else {
		flagsFrag = 0x4000 // DF=1
	}
	binary.BigEndian.PutUint16(v4[6:8], flagsFrag)
	v4[8] = newTTL
	v4[9] = l4Proto
	binary.BigEndian.PutUint16(v4[10:12], 0)
	copy(v4[12:16], srcV4.To4())
	copy(v4[16:20], dstV4.To4())
	binary.BigEndian.PutUint16(v4[10:12], checksum(v4[:ipv4HeaderLen], 0)^0xffff)

	var n int
	if embedsIPv6 {
		var eerr error
		n, eerr = t.translateEmbeddedV6ToV4(rest, v4[ipv4HeaderLen:])
		if eerr != nil {
			return nil, eerr
		}
	} else {
		n = copy(v4[ipv4HeaderLen:], rest)
	}
	l4 := v4[ipv4HeaderLen : ipv4HeaderLen+n]

	isFragmented := haveFrag && (mf || fragOffset != 0)
	if err := t.fixupL4ForV6ToV4(nextHeader, l4, srcV6, dstV6, srcV4, dstV4, isFragmented); err != nil {
		return nil, err
	}

	return v4, nil
}

// translateEmbeddedV6ToV4 is the §5.3 inverse of translateEmbeddedV4ToV6:
// it rewrites the IPv6 header embedded in an ICMPv6 error's body into its
// IPv4 equivalent and copies through the transport fragment that follows
// unchanged.
func (t *Translator) translateEmbeddedV6ToV4(body []byte, out []byte) (int, error) {
	inner := body[8:]
	innerNextHeader := inner[6]
	innerHopLimit := inner[7]
	innerTrafficClass := inner[0]<<4 | inner[1]>>4
	var innerSrcV6 addr.IP
	copy(innerSrcV6.Addr[:], inner[8:24])
	innerPayload := inner[ipv6HeaderLen:]

	innerSrcV4, err := addr.Extract(t.cfg.Plat, innerSrcV6)
	if err != nil {
		return 0, ErrNotInPlat
	}

	needed := 8 + ipv4HeaderLen + len(innerPayload)
	if needed > len(out) {
		return 0, ErrTooBig
	}

	copy(out[:8], body[:8])
	v4Inner := out[8 : 8+ipv4HeaderLen]
	v4Inner[0] = 0x45
	v4Inner[1] = innerTrafficClass
	binary.BigEndian.PutUint16(v4Inner[2:4], uint16(ipv4HeaderLen+len(innerPayload)))
	binary.BigEndian.PutUint16(v4Inner[4:6], 0)
	binary.BigEndian.PutUint16(v4Inner[6:8], 0x4000) // DF=1, no fragmentation state survives the round trip
	v4Inner[8] = innerHopLimit
	v4Inner[9] = protoSubstituteV6ToV4(innerNextHeader)
	binary.BigEndian.PutUint16(v4Inner[10:12], 0)
	copy(v4Inner[12:16], innerSrcV4.To4())
	copy(v4Inner[16:20], t.cfg.IPv4Local.To4())
	binary.BigEndian.PutUint16(v4Inner[10:12], checksum(v4Inner, 0)^0xffff)

	n := copy(out[8+ipv4HeaderLen:], innerPayload)
	return 8 + ipv4HeaderLen + n, nil
}

func protoSubstituteV4ToV6(proto uint8) uint8 {
	if proto == protoICMPv4 {
		return protoICMPv6
	}
	return proto
}

func protoSubstituteV6ToV4(proto uint8) uint8 {
	if proto == protoICMPv6 {
		return protoICMPv4
	}
	return proto
}

// fixupL4ForV4ToV6 rewrites ICMP type/code and recomputes or incrementally
// adjusts L4 checksums.
func (t *Translator) fixupL4ForV4ToV6(origProto uint8, l4 []byte, srcV4, dstV4 addr.IP, srcV6, dstV6 addr.IP, fragmented bool) error {
	switch tagForProto(origProto) {
	case tagICMP:
		if len(l4) < 4 {
			return ErrTooShort
		}
		newType, newCode, err := TranslateICMPv4ToICMPv6Header(l4[0], l4[1])
		if err != nil {
			return err
		}
		l4[0] = newType
		l4[1] = newCode
		if newType == icmpv6ParamProblem && newCode == 1 && len(l4) >= 8 {
			// Pointer to the IPv6 header's Next Header field.
			binary.BigEndian.PutUint32(l4[4:8], 6)
		}
		binary.BigEndian.PutUint16(l4[2:4], 0)
		l4Len := uint32(len(l4))
		pseudo := PseudoV6(srcV6.Addr, dstV6.Addr, protoICMPv6, l4Len)
		check := Fold(Sum(l4, pseudo))
		binary.BigEndian.PutUint16(l4[2:4], check)
		return nil
	case tagUDP:
		if len(l4) < 8 {
			return ErrTooShort
		}
		oldCheck := binary.BigEndian.Uint16(l4[6:8])
		if IsZero(oldCheck) {
			if fragmented {
				return nil // cannot compute full checksum without whole datagram
			}
			binary.BigEndian.PutUint16(l4[6:8], 0)
			pseudo := PseudoV6(srcV6.Addr, dstV6.Addr, protoUDP, uint32(len(l4)))
			check := Fold(Sum(l4, pseudo))
			if check == 0 {
				check = 0xffff
			}
			binary.BigEndian.PutUint16(l4[6:8], check)
			return nil
		}
		oldPseudo := PseudoV4(toV4Bytes(srcV4), toV4Bytes(dstV4), protoUDP, uint16(len(l4)))
		newPseudo := PseudoV6(srcV6.Addr, dstV6.Addr, protoUDP, uint32(len(l4)))
		newCheck := AdjustPseudoHeader(oldCheck, oldPseudo, newPseudo)
		binary.BigEndian.PutUint16(l4[6:8], newCheck)
		return nil
	case tagTCP:
		if len(l4) < 20 {
			return ErrTooShort
		}
		oldCheck := binary.BigEndian.Uint16(l4[16:18])
		oldPseudo := PseudoV4(toV4Bytes(srcV4), toV4Bytes(dstV4), protoTCP, uint16(len(l4)))
		newPseudo := PseudoV6(srcV6.Addr, dstV6.Addr, protoTCP, uint32(len(l4)))
		newCheck := AdjustPseudoHeader(oldCheck, oldPseudo, newPseudo)
		binary.BigEndian.PutUint16(l4[16:18], newCheck)
		return nil
	default:
		return nil
	}
}

// fixupL4ForV6ToV4 is the inverse of fixupL4ForV4ToV6.
func (t *Translator) fixupL4ForV6ToV4(origProto uint8, l4 []byte, srcV6, dstV6 addr.IP, srcV4, dstV4 addr.IP, fragmented bool) error {
	switch tagForProto(origProto) {
	case tagICMP:
		if len(l4) < 4 {
			return ErrTooShort
		}
		newType, newCode, err := TranslateICMPv6ToICMPv4Header(l4[0], l4[1])
		if err != nil {
			return err
		}
		l4[0] = newType
		l4[1] = newCode
		binary.BigEndian.PutUint16(l4[2:4], 0)
		check := Fold(Sum(l4, 0))
		binary.BigEndian.PutUint16(l4[2:4], check)
		return nil
	case tagUDP:
		if len(l4) < 8 {
			return ErrTooShort
		}
		oldCheck := binary.BigEndian.Uint16(l4[6:8])
		if fragmented {
			return nil
		}
		oldPseudo := PseudoV6(srcV6.Addr, dstV6.Addr, protoUDP, uint32(len(l4)))
		newPseudo := PseudoV4(toV4Bytes(srcV4), toV4Bytes(dstV4), protoUDP, uint16(len(l4)))
		newCheck := AdjustPseudoHeader(oldCheck, oldPseudo, newPseudo)
		binary.BigEndian.PutUint16(l4[6:8], newCheck)
		return nil
	case tagTCP:
		if len(l4) < 20 {
			return ErrTooShort
		}
		oldCheck := binary.BigEndian.Uint16(l4[16:18])
		oldPseudo := PseudoV6(srcV6.Addr, dstV6.Addr, protoTCP, uint32(len(l4)))
		newPseudo := PseudoV4(toV4Bytes(srcV4), toV4Bytes(dstV4), protoTCP, uint16(len(l4)))
		newCheck := AdjustPseudoHeader(oldCheck, oldPseudo, newPseudo)
		binary.BigEndian.PutUint16(l4[16:18], newCheck)
		return nil
	default:
		return nil
	}
}

func toV4Bytes(ip addr.IP) [4]byte {
	var b [4]byte
	copy(b[:], ip.To4())
	return b
}
