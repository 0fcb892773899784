// Package etm4pkt decodes a byte-exact ETMv4 instruction trace packet
// stream, as produced downstream of the deformatter. It owns no engine
// state beyond the packet-level persistent fields called out in the
// packet kind table: the accumulating byte buffer and address_reg used
// to reconstruct short address packets.
package etm4pkt

// Kind tags the payload carried by a Packet.
type Kind int

const (
	KindIncomplete Kind = iota
	KindUnknown
	KindAsync
	KindOverflow
	KindTraceInfo
	KindTimestamp
	KindTraceOn
	KindException
	KindContext
	KindAddrLong64IS0
	KindAddrLong64IS0WithContext
	KindAddrShortIS0
	KindAtomF1
	KindAtomF2
	KindAtomF3
	KindAtomF4
	KindAtomF5
	KindAtomF6
)

func (k Kind) String() string {
	switch k {
	case KindIncomplete:
		return "INCOMPLETE"
	case KindUnknown:
		return "UNKNOWN"
	case KindAsync:
		return "ASYNC"
	case KindOverflow:
		return "OVERFLOW"
	case KindTraceInfo:
		return "TRACE_INFO"
	case KindTimestamp:
		return "TIMESTAMP"
	case KindTraceOn:
		return "TRACE_ON"
	case KindException:
		return "EXCEPTION"
	case KindContext:
		return "CONTEXT"
	case KindAddrLong64IS0:
		return "ADDR_LONG_64_IS0"
	case KindAddrLong64IS0WithContext:
		return "ADDR_LONG_64_IS0_CONTEXT"
	case KindAddrShortIS0:
		return "ADDR_SHORT_IS0"
	case KindAtomF1:
		return "ATOM_F1"
	case KindAtomF2:
		return "ATOM_F2"
	case KindAtomF3:
		return "ATOM_F3"
	case KindAtomF4:
		return "ATOM_F4"
	case KindAtomF5:
		return "ATOM_F5"
	case KindAtomF6:
		return "ATOM_F6"
	default:
		return "INVALID"
	}
}

// Packet is a single decoded (or partially decoded) ETMv4 packet.
type Packet struct {
	Kind Kind
	// Size is the number of bytes this packet occupies in the stream. For
	// KindIncomplete, Size is instead the number of bytes that were
	// available but insufficient to complete the packet; the caller must
	// not advance its cursor by it.
	Size int

	// Address packet payload.
	Addr uint64

	// Atom packet payload. Bit i of EnBits (LSB first) is 1 for an
	// executed (taken) atom, 0 for not-taken; EnBitsLen gives how many
	// bits are meaningful.
	EnBits    uint32
	EnBitsLen int
}

func (k Kind) isAtom() bool {
	switch k {
	case KindAtomF1, KindAtomF2, KindAtomF3, KindAtomF4, KindAtomF5, KindAtomF6:
		return true
	}
	return false
}

// IsAtom reports whether p carries atom (E/N) payload.
func (p Packet) IsAtom() bool { return p.Kind.isAtom() }

// IsAddress reports whether p carries a resolved address payload.
func (p Packet) IsAddress() bool {
	switch p.Kind {
	case KindAddrLong64IS0, KindAddrLong64IS0WithContext, KindAddrShortIS0:
		return true
	}
	return false
}
