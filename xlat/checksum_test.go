package xlat

import (
	"math/rand"
	"testing"
)

// referenceChecksum is the textbook RFC 1071 implementation, kept
// independent of checksum's folding loop so it has something to be checked
// against.
func referenceChecksum(b []byte, initial uint16) uint16 {
	sum := uint32(initial)
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

func TestChecksumAgainstReference(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, size := range []int{0, 1, 2, 3, 20, 21, 1500} {
		b := make([]byte, size)
		rng.Read(b)
		got := checksum(b, 0)
		want := referenceChecksum(b, 0)
		if got != want {
			t.Errorf("size %d: checksum = %#04x, want %#04x", size, got, want)
		}
	}
}

func TestChecksumKnownValue(t *testing.T) {
	// RFC 1071 §2.3 worked example.
	b := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	got := Fold(checksum(b, 0))
	if got != 0x220d {
		t.Fatalf("got %#04x, want 0x220d", got)
	}
}

func TestAdjustMatchesRecompute(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	header := make([]byte, 40)
	rng.Read(header)
	payload := make([]byte, 64)
	rng.Read(payload)

	oldCheck := ^checksum(payload, checksum(header, 0))

	newHeader := make([]byte, len(header))
	copy(newHeader, header)
	newHeader[4] ^= 0xff
	newHeader[5] ^= 0x01

	gotCheck := Adjust(oldCheck, header[4:6], newHeader[4:6])
	wantCheck := ^checksum(payload, checksum(newHeader, 0))

	if gotCheck != wantCheck {
		t.Fatalf("Adjust = %#04x, want %#04x", gotCheck, wantCheck)
	}
}

func TestPseudoHeaderV4V6Consistency(t *testing.T) {
	src4 := [4]byte{192, 0, 0, 2}
	dst4 := [4]byte{192, 0, 0, 3}
	var src6, dst6 [16]byte
	copy(src6[:], []byte{0x20, 0x01, 0xd, 0xb8})
	copy(dst6[:], []byte{0x20, 0x01, 0xd, 0xb9})

	p4 := PseudoV4(src4, dst4, 17, 8)
	p6 := PseudoV6(src6, dst6, 17, 8)

	// Re-homing a checksum computed over an all-zero payload from v4 to v6
	// pseudo-header and back must be idempotent.
	check := uint16(0x1234)
	toV6 := AdjustPseudoHeader(check, p4, p6)
	back := AdjustPseudoHeader(toV6, p6, p4)
	if back != check {
		t.Fatalf("round trip got %#04x, want %#04x", back, check)
	}
}

func TestIsZero(t *testing.T) {
	if !IsZero(0) {
		t.Error("IsZero(0) should be true")
	}
	if IsZero(1) {
		t.Error("IsZero(1) should be false")
	}
}
