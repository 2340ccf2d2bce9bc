package config

import "testing"

func TestParseMinimal(t *testing.T) {
	text := `
# CLAT daemon configuration
plat_prefix = 64:ff9b::/96
default_pdp_interface = rmnet0
mtu = 1500
`
	rc, err := Parse(text)
	if err != nil {
		t.Fatal(err)
	}
	if rc.PlatSubnet.String() != "64:ff9b::/96" {
		t.Fatalf("plat subnet = %s", rc.PlatSubnet.String())
	}
	if rc.DefaultPDPInterface != "rmnet0" {
		t.Fatalf("default_pdp_interface = %s", rc.DefaultPDPInterface)
	}
	if rc.MTU != 1500 {
		t.Fatalf("mtu = %d", rc.MTU)
	}
	if rc.IPv4LocalSubnet.String() != "192.0.0.0/29" {
		t.Fatalf("ipv4_local_subnet defaulted incorrectly: %s", rc.IPv4LocalSubnet.String())
	}
}

// plat_prefix and default_pdp_interface can each arrive either from the
// config file or from the command line (-p, -i), so Parse itself accepts a
// file with neither set; ValidatePlatPrefixLength is what rejects an
// effective config that never got a plat_prefix from either source.
func TestParseWithoutLauncherFieldsSucceeds(t *testing.T) {
	rc, err := Parse("mtu = 1500\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := ValidatePlatPrefixLength(rc.PlatSubnet.Len); err == nil {
		t.Fatal("expected ValidatePlatPrefixLength to reject an unset plat_prefix")
	}
}

func TestParseUnrecognizedKey(t *testing.T) {
	_, err := Parse("bogus_key = 1\nplat_prefix = 64:ff9b::/96\ndefault_pdp_interface = eth0\n")
	if err == nil {
		t.Fatal("expected error for unrecognized key")
	}
}

func TestParseMissingEquals(t *testing.T) {
	_, err := Parse("this line has no equals sign\n")
	if err == nil {
		t.Fatal("expected error for missing '='")
	}
}
