package xlat

import (
	"encoding/binary"
	"testing"

	"golang.zx2c4.com/clat464/addr"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	plat, err := addr.ParsePrefix("64:ff9b::/96")
	if err != nil {
		t.Fatal(err)
	}
	clat, ok := addr.ParseIP("2001:db8::1")
	if !ok {
		t.Fatal("bad clat address")
	}
	return Config{
		Plat:        plat,
		CLATAddress: clat,
		IPv4Local:   addr.IPv4(192, 0, 0, 4),
		MTU:         1500,
		IPv4MTU:     1472,
	}
}

// buildICMPv4Echo constructs an IPv4 ICMP echo request from 192.0.0.4 to
// 8.8.8.8.
func buildICMPv4Echo(t *testing.T, ident, seq uint16, data []byte, ttl uint8) []byte {
	t.Helper()
	icmpLen := 8 + len(data)
	total := ipv4HeaderLen + icmpLen
	pkt := make([]byte, total)
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(total))
	binary.BigEndian.PutUint16(pkt[6:8], 0x4000) // DF=1
	pkt[8] = ttl
	pkt[9] = protoICMPv4
	copy(pkt[12:16], []byte{192, 0, 0, 4})
	copy(pkt[16:20], []byte{8, 8, 8, 8})
	binary.BigEndian.PutUint16(pkt[10:12], checksum(pkt[:ipv4HeaderLen], 0)^0xffff)

	icmp := pkt[ipv4HeaderLen:]
	icmp[0] = icmpv4Echo
	icmp[1] = 0
	binary.BigEndian.PutUint16(icmp[4:6], ident)
	binary.BigEndian.PutUint16(icmp[6:8], seq)
	copy(icmp[8:], data)
	binary.BigEndian.PutUint16(icmp[2:4], ^checksum(icmp, 0))

	return pkt
}

func TestTranslateV4ToV6EchoRequest(t *testing.T) {
	cfg := testConfig(t)
	tr := NewTranslator(cfg)

	data := make([]byte, 56)
	for i := range data {
		data[i] = byte(i)
	}
	pkt := buildICMPv4Echo(t, 0x1234, 1, data, 64)

	out := make([]byte, 2000)
	v6, err := tr.TranslateV4ToV6(pkt, out)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}

	if v6[0]>>4 != 6 {
		t.Fatalf("not ipv6")
	}
	if v6[6] != protoICMPv6 {
		t.Fatalf("next header = %d, want ICMPv6", v6[6])
	}
	if v6[7] != 63 {
		t.Fatalf("hop limit = %d, want 63", v6[7])
	}

	var src, dst addr.IP
	copy(src.Addr[:], v6[8:24])
	copy(dst.Addr[:], v6[24:40])
	if src.String() != "2001:db8::1" {
		t.Fatalf("src = %s, want 2001:db8::1", src.String())
	}
	if dst.String() != "64:ff9b::808:808" {
		t.Fatalf("dst = %s, want 64:ff9b::808:808", dst.String())
	}

	icmp := v6[ipv6HeaderLen:]
	if icmp[0] != icmpv6EchoRequest {
		t.Fatalf("icmp type = %d, want echo request", icmp[0])
	}
	gotIdent := binary.BigEndian.Uint16(icmp[4:6])
	if gotIdent != 0x1234 {
		t.Fatalf("ident = %#04x, want 0x1234", gotIdent)
	}

	pseudo := PseudoV6(src.Addr, dst.Addr, protoICMPv6, uint32(len(icmp)))
	if Fold(Sum(icmp, pseudo)) != 0 {
		t.Fatal("icmpv6 checksum does not validate")
	}
}

func TestTranslateV4ToV6TTLExpired(t *testing.T) {
	cfg := testConfig(t)
	tr := NewTranslator(cfg)
	pkt := buildICMPv4Echo(t, 1, 1, []byte{1, 2, 3}, 1)
	out := make([]byte, 2000)
	_, err := tr.TranslateV4ToV6(pkt, out)
	if err != ErrTTLExpired {
		t.Fatalf("got %v, want ErrTTLExpired", err)
	}
}

// buildICMPv4Unreachable constructs an IPv4 "host unreachable" error from
// 192.0.0.4 to 8.8.8.8, embedding the IPv4 header of the UDP datagram
// (192.0.0.4 -> 5.6.7.8) that supposedly provoked it, plus 8 bytes of that
// datagram's payload.
func buildICMPv4Unreachable(t *testing.T) []byte {
	t.Helper()
	embeddedPayload := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x11, 0x22}

	embedded := make([]byte, ipv4HeaderLen+len(embeddedPayload))
	embedded[0] = 0x45
	binary.BigEndian.PutUint16(embedded[2:4], uint16(len(embedded)))
	embedded[8] = 50
	embedded[9] = protoUDP
	copy(embedded[12:16], []byte{192, 0, 0, 4})
	copy(embedded[16:20], []byte{5, 6, 7, 8})
	binary.BigEndian.PutUint16(embedded[10:12], checksum(embedded[:ipv4HeaderLen], 0)^0xffff)
	copy(embedded[ipv4HeaderLen:], embeddedPayload)

	icmpLen := 8 + len(embedded)
	total := ipv4HeaderLen + icmpLen
	pkt := make([]byte, total)
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(total))
	pkt[8] = 64
	pkt[9] = protoICMPv4
	copy(pkt[12:16], []byte{192, 0, 0, 4})
	copy(pkt[16:20], []byte{8, 8, 8, 8})
	binary.BigEndian.PutUint16(pkt[10:12], checksum(pkt[:ipv4HeaderLen], 0)^0xffff)

	icmp := pkt[ipv4HeaderLen:]
	icmp[0] = icmpv4Unreachable
	icmp[1] = icmpv4CodeHostUnreachable
	copy(icmp[8:], embedded)
	binary.BigEndian.PutUint16(icmp[2:4], ^checksum(icmp, 0))

	return pkt
}

func TestTranslateV4ToV6ICMPErrorTranslatesEmbeddedHeader(t *testing.T) {
	cfg := testConfig(t)
	tr := NewTranslator(cfg)

	pkt := buildICMPv4Unreachable(t)
	out := make([]byte, 2000)
	v6, err := tr.TranslateV4ToV6(pkt, out)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}

	if v6[0]>>4 != 6 {
		t.Fatal("not ipv6")
	}

	icmp := v6[ipv6HeaderLen:]
	if icmp[0] != icmpv6DstUnreachable || icmp[1] != icmpv6CodeNoRoute {
		t.Fatalf("icmp type/code = %d/%d, want %d/%d", icmp[0], icmp[1], icmpv6DstUnreachable, icmpv6CodeNoRoute)
	}

	embedded := icmp[8:]
	if embedded[0]>>4 != 6 {
		t.Fatalf("embedded header not translated to ipv6, version nibble = %d", embedded[0]>>4)
	}

	var embeddedSrc, embeddedDst addr.IP
	copy(embeddedSrc.Addr[:], embedded[8:24])
	copy(embeddedDst.Addr[:], embedded[24:40])
	if embeddedSrc != cfg.CLATAddress {
		t.Fatalf("embedded src = %s, want %s", embeddedSrc, cfg.CLATAddress)
	}
	wantDst := addr.Embed(cfg.Plat, addr.IPv4(5, 6, 7, 8))
	if embeddedDst != wantDst {
		t.Fatalf("embedded dst = %s, want %s", embeddedDst, wantDst)
	}

	embeddedPayload := embedded[ipv6HeaderLen:]
	want := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x11, 0x22}
	if string(embeddedPayload) != string(want) {
		t.Fatalf("embedded payload = %x, want %x", embeddedPayload, want)
	}

	pseudo := PseudoV6(cfg.CLATAddress.Addr, addr.Embed(cfg.Plat, addr.IPv4(8, 8, 8, 8)).Addr, protoICMPv6, uint32(len(icmp)))
	if Fold(Sum(icmp, pseudo)) != 0 {
		t.Fatal("icmpv6 checksum does not validate")
	}
}

// buildICMPv6TimeExceeded constructs an ICMPv6 "hop limit exceeded" error
// from the embedding of an IPv6 datagram (a PLAT-embedded source to the
// CLAT's address) that supposedly provoked it.
func buildICMPv6TimeExceeded(t *testing.T, cfg Config) []byte {
	t.Helper()
	srcV6 := addr.Embed(cfg.Plat, addr.IPv4(8, 8, 8, 8))
	embeddedPayload := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

	embedded := make([]byte, ipv6HeaderLen+len(embeddedPayload))
	embedded[0] = 0x60
	binary.BigEndian.PutUint16(embedded[4:6], uint16(len(embeddedPayload)))
	embedded[6] = protoUDP
	embedded[7] = 1
	copy(embedded[8:24], srcV6.Addr[:])
	copy(embedded[24:40], cfg.CLATAddress.Addr[:])
	copy(embedded[ipv6HeaderLen:], embeddedPayload)

	icmpLen := 8 + len(embedded)
	total := ipv6HeaderLen + icmpLen
	pkt := make([]byte, total)
	pkt[0] = 0x60
	binary.BigEndian.PutUint16(pkt[4:6], uint16(icmpLen))
	pkt[6] = protoICMPv6
	pkt[7] = 64
	copy(pkt[8:24], srcV6.Addr[:])
	copy(pkt[24:40], cfg.CLATAddress.Addr[:])

	icmp := pkt[ipv6HeaderLen:]
	icmp[0] = icmpv6TimeExceeded
	icmp[1] = 0
	copy(icmp[8:], embedded)
	pseudo := PseudoV6(srcV6.Addr, cfg.CLATAddress.Addr, protoICMPv6, uint32(len(icmp)))
	binary.BigEndian.PutUint16(icmp[2:4], Fold(Sum(icmp, pseudo)))

	return pkt
}

func TestTranslateV6ToV4ICMPErrorTranslatesEmbeddedHeader(t *testing.T) {
	cfg := testConfig(t)
	tr := NewTranslator(cfg)

	pkt := buildICMPv6TimeExceeded(t, cfg)
	out := make([]byte, 2000)
	v4, err := tr.TranslateV6ToV4(pkt, out)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}

	if v4[0]>>4 != 4 {
		t.Fatal("not ipv4")
	}

	icmp := v4[ipv4HeaderLen:]
	if icmp[0] != icmpv4TimeExceeded {
		t.Fatalf("icmp type = %d, want %d", icmp[0], icmpv4TimeExceeded)
	}

	embedded := icmp[8:]
	if embedded[0]>>4 != 4 {
		t.Fatalf("embedded header not translated to ipv4, version nibble = %d", embedded[0]>>4)
	}
	gotSrc := addr.IPv4(embedded[12], embedded[13], embedded[14], embedded[15])
	if gotSrc.String() != "8.8.8.8" {
		t.Fatalf("embedded src = %s, want 8.8.8.8", gotSrc)
	}
	gotDst := addr.IPv4(embedded[16], embedded[17], embedded[18], embedded[19])
	if gotDst.String() != cfg.IPv4Local.String() {
		t.Fatalf("embedded dst = %s, want %s", gotDst, cfg.IPv4Local)
	}
	if checksum(embedded[:ipv4HeaderLen], 0) != 0xffff {
		t.Fatal("embedded ipv4 header checksum does not validate")
	}

	embeddedPayload := embedded[ipv4HeaderLen:]
	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	if string(embeddedPayload) != string(want) {
		t.Fatalf("embedded payload = %x, want %x", embeddedPayload, want)
	}

	if checksum(icmp, 0) != 0xffff {
		t.Fatal("icmpv4 checksum does not validate")
	}
}

func TestTranslateV6ToV4WrongDestinationDropped(t *testing.T) {
	cfg := testConfig(t)
	tr := NewTranslator(cfg)

	pkt := make([]byte, ipv6HeaderLen+8)
	pkt[0] = 0x60
	binary.BigEndian.PutUint16(pkt[4:6], 8)
	pkt[6] = protoICMPv6
	pkt[7] = 64
	srcV6 := addr.Embed(cfg.Plat, addr.IPv4(8, 8, 8, 8))
	copy(pkt[8:24], srcV6.Addr[:])
	other, _ := addr.ParseIP("2001:db8::2")
	copy(pkt[24:40], other.Addr[:])

	out := make([]byte, 2000)
	_, err := tr.TranslateV6ToV4(pkt, out)
	if err != ErrWrongDestination {
		t.Fatalf("got %v, want ErrWrongDestination", err)
	}
}

func TestTranslateRoundTripEcho(t *testing.T) {
	cfg := testConfig(t)
	tr := NewTranslator(cfg)

	data := make([]byte, 56)
	for i := range data {
		data[i] = byte(i)
	}
	v4in := buildICMPv4Echo(t, 0x1234, 1, data, 64)

	buf1 := make([]byte, 2000)
	v6, err := tr.TranslateV4ToV6(v4in, buf1)
	if err != nil {
		t.Fatalf("v4->v6: %v", err)
	}

	// Flip the ICMPv6 message to an echo reply, mirroring an inbound answer,
	// with src/dst swapped as the network would deliver it back.
	reply := make([]byte, len(v6))
	copy(reply, v6)
	var src, dst addr.IP
	copy(src.Addr[:], reply[8:24])
	copy(dst.Addr[:], reply[24:40])
	copy(reply[8:24], dst.Addr[:])
	copy(reply[24:40], src.Addr[:])
	reply[7] = 64 // fresh hop limit from the peer
	icmp := reply[ipv6HeaderLen:]
	icmp[0] = icmpv6EchoReply
	binary.BigEndian.PutUint16(icmp[2:4], 0)
	pseudo := PseudoV6(dst.Addr, src.Addr, protoICMPv6, uint32(len(icmp)))
	binary.BigEndian.PutUint16(icmp[2:4], Fold(Sum(icmp, pseudo)))

	buf2 := make([]byte, 2000)
	v4out, err := tr.TranslateV6ToV4(reply, buf2)
	if err != nil {
		t.Fatalf("v6->v4: %v", err)
	}

	if v4out[0]>>4 != 4 {
		t.Fatal("not ipv4")
	}
	if v4out[8] != 63 {
		t.Fatalf("ttl = %d, want 63", v4out[8])
	}
	gotSrc := addr.IPv4(v4out[12], v4out[13], v4out[14], v4out[15])
	if gotSrc.String() != "8.8.8.8" {
		t.Fatalf("src = %s, want 8.8.8.8", gotSrc.String())
	}
	gotDst := addr.IPv4(v4out[16], v4out[17], v4out[18], v4out[19])
	if gotDst.String() != "192.0.0.4" {
		t.Fatalf("dst = %s, want 192.0.0.4", gotDst.String())
	}
	icmpOut := v4out[ipv4HeaderLen:]
	if icmpOut[0] != icmpv4EchoReply {
		t.Fatalf("icmp type = %d, want echo reply", icmpOut[0])
	}
	if checksum(v4out[:ipv4HeaderLen], 0) != 0xffff {
		t.Fatal("ipv4 header checksum does not validate")
	}
	if checksum(icmpOut, 0) != 0xffff {
		t.Fatal("icmpv4 checksum does not validate")
	}
}
