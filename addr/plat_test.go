package addr

import "testing"

func TestEmbedExtractRoundTrip(t *testing.T) {
	for _, prefixLen := range []uint8{32, 40, 48, 56, 64, 96} {
		plat, err := ParsePrefix(platPrefixForLen(prefixLen))
		if err != nil {
			t.Fatalf("prefix len %d: %v", prefixLen, err)
		}
		v4 := IPv4(8, 8, 8, 8)
		v6 := Embed(plat, v4)
		if !IsInPlat(plat, v6) {
			t.Fatalf("prefix len %d: embedded address not recognized as in-plat", prefixLen)
		}
		got, err := Extract(plat, v6)
		if err != nil {
			t.Fatalf("prefix len %d: extract: %v", prefixLen, err)
		}
		if got != v4 {
			t.Fatalf("prefix len %d: round trip got %v, want %v", prefixLen, got, v4)
		}
	}
}

func platPrefixForLen(l uint8) string {
	switch l {
	case 32:
		return "64:ff9b::/32"
	case 40:
		return "2001:db8:100::/40"
	case 48:
		return "2001:db8:122::/48"
	case 56:
		return "2001:db8:122:300::/56"
	case 64:
		return "2001:db8:122:344::/64"
	case 96:
		return "64:ff9b::/96"
	}
	return ""
}

func TestEmbedWellKnownPrefix(t *testing.T) {
	plat, err := ParsePrefix("64:ff9b::/96")
	if err != nil {
		t.Fatal(err)
	}
	v6 := Embed(plat, IPv4(8, 8, 8, 8))
	if v6.String() != "64:ff9b::808:808" {
		t.Fatalf("got %s, want 64:ff9b::808:808", v6.String())
	}
}

func TestExtractNotInPlat(t *testing.T) {
	plat, _ := ParsePrefix("64:ff9b::/96")
	other, _ := ParseIP("2001:db8::1")
	if _, err := Extract(plat, other); err != ErrNotInPlat {
		t.Fatalf("got %v, want ErrNotInPlat", err)
	}
}

func TestValidPrefixLength(t *testing.T) {
	for _, l := range []uint8{32, 40, 48, 56, 64, 96} {
		if !ValidPrefixLength(l) {
			t.Errorf("%d should be valid", l)
		}
	}
	for _, l := range []uint8{0, 31, 65, 100, 128} {
		if ValidPrefixLength(l) {
			t.Errorf("%d should be invalid", l)
		}
	}
}
