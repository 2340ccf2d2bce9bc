package addr

import "testing"

func TestSelectLocalIPv4(t *testing.T) {
	subnet, err := ParsePrefix("192.0.0.0/29")
	if err != nil {
		t.Fatal(err)
	}
	routed := map[string]bool{
		"192.0.0.1": true,
		"192.0.0.2": true,
	}
	probe := func(ip IP) (bool, error) {
		return routed[ip.String()], nil
	}
	got, err := SelectLocalIPv4(subnet, probe)
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != "192.0.0.3" {
		t.Fatalf("got %s, want 192.0.0.3", got.String())
	}
}

func TestSelectLocalIPv4Exhausted(t *testing.T) {
	subnet, _ := ParsePrefix("192.0.0.0/29")
	probe := func(ip IP) (bool, error) { return true, nil }
	_, err := SelectLocalIPv4(subnet, probe)
	if err != ErrNoFreeAddress {
		t.Fatalf("got %v, want ErrNoFreeAddress", err)
	}
}
