package classify

import (
	"testing"

	"golang.org/x/net/bpf"
)

func buildFrame(dst [16]byte) []byte {
	frame := make([]byte, ipv6DstWordOffset+16+8)
	frame[0] = 0x60
	copy(frame[ipv6DstWordOffset:], dst[:])
	return frame
}

func TestClassifierAcceptsMatchingDestination(t *testing.T) {
	var target [16]byte
	copy(target[:], []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1})

	insns, err := Build(target)
	if err != nil {
		t.Fatal(err)
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		t.Fatal(err)
	}

	frame := buildFrame(target)
	n, err := vm.Run(frame)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("expected matching frame to be accepted")
	}
}

func TestClassifierRejectsOtherDestination(t *testing.T) {
	var target, other [16]byte
	copy(target[:], []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1})
	copy(other[:], []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2})

	insns, err := Build(target)
	if err != nil {
		t.Fatal(err)
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		t.Fatal(err)
	}

	frame := buildFrame(other)
	n, err := vm.Run(frame)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatal("expected non-matching frame to be rejected")
	}
}

func TestAssembleProducesRawProgram(t *testing.T) {
	var target [16]byte
	raw, err := Assemble(target)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) == 0 {
		t.Fatal("expected non-empty raw program")
	}
}
