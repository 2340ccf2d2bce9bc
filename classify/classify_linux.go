//go:build linux

// Package classify builds the kernel-level classifier program: a cBPF
// program, attached to the packet ring, that accepts a frame if and only if
// its IPv6 destination address matches the CLAT's /128 bytewise, comparing
// four 32-bit words at fixed offsets.
package classify

import (
	"encoding/binary"

	"golang.org/x/net/bpf"
)

// ipv6DstWordOffset is the byte offset of the IPv6 destination address
// within the frame as delivered to the packet ring (link-layer header
// already stripped by the kernel for this socket type): version/class/
// flow(4) + payload_len(2) + next_header(1) + hop_limit(1) + source(16) =
// 24, then the 16-byte destination follows.
const ipv6DstWordOffset = 24

// Build assembles a cBPF program accepting IPv6 frames whose destination
// address equals target. The four comparisons are one per 32-bit word of
// the address; any non-match falls through to a reject (return 0)
// instruction.
func Build(target [16]byte) ([]bpf.Instruction, error) {
	var words [4]uint32
	for i := 0; i < 4; i++ {
		words[i] = binary.BigEndian.Uint32(target[i*4 : i*4+4])
	}

	// Each comparison needs: LoadAbsolute(word i), JumpIf(!=, reject).
	// The final successful word falls through to "accept full frame".
	var insns []bpf.Instruction
	for i := 0; i < 4; i++ {
		insns = append(insns, bpf.LoadAbsolute{Off: uint32(ipv6DstWordOffset + i*4), Size: 4})
		// Skip count computed below once the whole program length is known;
		// placeholder jump targets are patched in the second pass.
		insns = append(insns, bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: words[i], SkipTrue: 0})
	}
	insns = append(insns, bpf.RetConstant{Val: 0x40000}) // accept, truncate to 256KiB (more than any single frame)
	insns = append(insns, bpf.RetConstant{Val: 0})        // reject

	rejectIdx := uint8(len(insns) - 1)
	for i := 0; i < 4; i++ {
		jumpIdx := i*2 + 1
		ji := insns[jumpIdx].(bpf.JumpIf)
		ji.SkipTrue = rejectIdx - uint8(jumpIdx) - 1
		insns[jumpIdx] = ji
	}

	return insns, nil
}

// Assemble compiles the classifier into the raw instruction form afpacket's
// SetBPF expects.
func Assemble(target [16]byte) ([]bpf.RawInstruction, error) {
	insns, err := Build(target)
	if err != nil {
		return nil, err
	}
	return bpf.Assemble(insns)
}
