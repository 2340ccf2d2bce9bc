package xlat

// ICMPv4 and ICMPv6 type/code constants needed by the translation table
// (golang.org/x/net/ipv4 and ipv4/ipv6 expose the equivalent ICMPType sets;
// these are the raw wire values RFC 7915 tables key off of, kept as untyped
// constants since the translator works on raw bytes, not parsed messages).
const (
	icmpv4EchoReply   = 0
	icmpv4Unreachable = 3
	icmpv4SourceQuench = 4
	icmpv4Redirect    = 5
	icmpv4Echo        = 8
	icmpv4TimeExceeded = 11
	icmpv4ParamProblem = 12

	icmpv6DstUnreachable = 1
	icmpv6PacketTooBig   = 2
	icmpv6TimeExceeded   = 3
	icmpv6ParamProblem   = 4
	icmpv6EchoRequest    = 128
	icmpv6EchoReply      = 129
)

// ICMPv4 unreachable codes (subset relevant to translation, RFC 7915 §4.2).
const (
	icmpv4CodeNetUnreachable  = 0
	icmpv4CodeHostUnreachable = 1
	icmpv4CodeProtoUnreachable = 2
	icmpv4CodePortUnreachable  = 3
	icmpv4CodeFragNeeded       = 4
	icmpv4CodeAdminProhibited  = 13
)

// ICMPv6 destination-unreachable codes.
const (
	icmpv6CodeNoRoute         = 0
	icmpv6CodeAdminProhibited = 1
	icmpv6CodeAddrUnreachable = 3
	icmpv6CodePortUnreachable = 4
)

// errICMPDrop signals the translator should silently drop a packet instead
// of emitting a translated ICMP message — RFC 7915 §4.2/§5.2 enumerate
// several type/code combinations with no corresponding message on the
// other side (e.g. ICMPv4 source-quench, redirect).
type icmpDropError struct{ reason string }

func (e *icmpDropError) Error() string { return "xlat: drop icmp: " + e.reason }

var errICMPDrop = &icmpDropError{reason: "no RFC 7915 mapping"}

// TranslateICMPv4ToICMPv6Header maps an ICMPv4 type and code to their
// ICMPv6 equivalents per RFC 7915 §4.2. It touches no packet bytes: the
// caller writes the returned type/code, recomputes the checksum, and copies
// the identifier/sequence (echo) or unused/MTU (errors) word unchanged;
// only the dispatch table lives here.
func TranslateICMPv4ToICMPv6Header(icmpType, icmpCode uint8) (newType, newCode uint8, err error) {
	switch icmpType {
	case icmpv4Echo:
		return icmpv6EchoRequest, 0, nil
	case icmpv4EchoReply:
		return icmpv6EchoReply, 0, nil
	case icmpv4Unreachable:
		switch icmpCode {
		case icmpv4CodeNetUnreachable, icmpv4CodeHostUnreachable:
			return icmpv6DstUnreachable, icmpv6CodeNoRoute, nil
		case icmpv4CodeProtoUnreachable:
			return icmpv6ParamProblem, 1, nil // pointer set by caller to next-header offset
		case icmpv4CodePortUnreachable:
			return icmpv6DstUnreachable, icmpv6CodePortUnreachable, nil
		case icmpv4CodeFragNeeded:
			return icmpv6PacketTooBig, 0, nil
		case icmpv4CodeAdminProhibited:
			return icmpv6DstUnreachable, icmpv6CodeAdminProhibited, nil
		default:
			return icmpv6DstUnreachable, icmpv6CodeNoRoute, nil
		}
	case icmpv4TimeExceeded:
		return icmpv6TimeExceeded, icmpCode, nil
	case icmpv4ParamProblem:
		return icmpv6ParamProblem, 0, nil
	case icmpv4SourceQuench, icmpv4Redirect:
		return 0, 0, errICMPDrop
	default:
		return 0, 0, errICMPDrop
	}
}

// TranslateICMPv6ToICMPv4Header is the §5.2 inverse of
// TranslateICMPv4ToICMPv6Header.
func TranslateICMPv6ToICMPv4Header(icmpType, icmpCode uint8) (newType, newCode uint8, err error) {
	switch icmpType {
	case icmpv6EchoRequest:
		return icmpv4Echo, 0, nil
	case icmpv6EchoReply:
		return icmpv4EchoReply, 0, nil
	case icmpv6DstUnreachable:
		switch icmpCode {
		case icmpv6CodeNoRoute, icmpv6CodeAddrUnreachable:
			return icmpv4Unreachable, icmpv4CodeHostUnreachable, nil
		case icmpv6CodeAdminProhibited:
			return icmpv4Unreachable, icmpv4CodeAdminProhibited, nil
		case icmpv6CodePortUnreachable:
			return icmpv4Unreachable, icmpv4CodePortUnreachable, nil
		default:
			return icmpv4Unreachable, icmpv4CodeHostUnreachable, nil
		}
	case icmpv6PacketTooBig:
		return icmpv4Unreachable, icmpv4CodeFragNeeded, nil
	case icmpv6TimeExceeded:
		return icmpv4TimeExceeded, icmpCode, nil
	case icmpv6ParamProblem:
		switch icmpCode {
		case 1:
			return icmpv4Unreachable, icmpv4CodeProtoUnreachable, nil
		default:
			return icmpv4ParamProblem, 0, nil
		}
	default:
		return 0, 0, errICMPDrop
	}
}

// IsICMPv4Error reports whether an ICMPv4 type is one of the error classes
// whose body embeds (a fragment of) the packet that provoked it — these
// require a recursive, one-level-only embedded-packet translation;
// informational types (echo/echo-reply) do not.
func IsICMPv4Error(icmpType uint8) bool {
	switch icmpType {
	case icmpv4Unreachable, icmpv4TimeExceeded, icmpv4ParamProblem, icmpv4SourceQuench, icmpv4Redirect:
		return true
	default:
		return false
	}
}

// IsICMPv6Error is the ICMPv6 analogue of IsICMPv4Error.
func IsICMPv6Error(icmpType uint8) bool {
	switch icmpType {
	case icmpv6DstUnreachable, icmpv6PacketTooBig, icmpv6TimeExceeded, icmpv6ParamProblem:
		return true
	default:
		return false
	}
}
