package engine

import (
	"encoding/binary"
	"testing"

	"github.com/RICSecLab/coresight-decoder/internal/bitmap"
	"github.com/RICSecLab/coresight-decoder/memory"
)

func encInsn(inst uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, inst)
	return b
}

// addrLong64Packet builds a 9-byte ADDR_LONG_64_IS0 packet for addr.
func addrLong64Packet(addr uint64) []byte {
	b := make([]byte, 9)
	b[0] = 0x9D
	b[1] = byte(addr>>2) & 0x7F
	b[2] = byte(addr>>9) & 0x7F
	b[3] = byte(addr >> 16)
	b[4] = byte(addr >> 24)
	b[5] = byte(addr >> 32)
	b[6] = byte(addr >> 40)
	b[7] = byte(addr >> 48)
	b[8] = byte(addr >> 56)
	return b
}

func atomF1Packet(e bool) []byte {
	if e {
		return []byte{0b11110111}
	}
	return []byte{0b11110110}
}

func newTestEdge(t *testing.T, image []byte) (*Edge, *bitmap.Bitmap) {
	t.Helper()
	bm := bitmap.New(make([]byte, 0x10000))
	images := memory.NewImages([]memory.Image{{ID: 0, Data: image}})
	e := NewEdge(bm, images, nil)
	e.Reset(memory.Maps{{Start: 0x1000, End: 0x1000 + uint64(len(image)), ImageID: 0}}, 0x10)
	return e, bm
}

func countNonzero(data []byte) int {
	n := 0
	for _, b := range data {
		if b != 0 {
			n++
		}
	}
	return n
}

// TestIndirectBranchEdge implements spec scenario d: BLR at offset 0 of
// the image, taken, landing back inside the map; exactly one bitmap
// byte is incremented for the resolved indirect edge.
func TestIndirectBranchEdge(t *testing.T) {
	image := make([]byte, 0x200)
	copy(image, encInsn(0xd63f0000)) // BLR X0

	e, bm := newTestEdge(t, image)

	if err := e.runDecoded(addrLong64Packet(0x1000)); err != nil {
		t.Fatalf("Run(addr1) = %v", err)
	}
	if err := e.runDecoded(atomF1Packet(true)); err != nil {
		t.Fatalf("Run(atom) = %v", err)
	}
	if !e.hasPendingAddrPacket {
		t.Fatal("hasPendingAddrPacket = false after indirect branch atom")
	}
	if err := e.runDecoded(addrLong64Packet(0x1100)); err != nil {
		t.Fatalf("Run(addr2) = %v", err)
	}
	if e.hasPendingAddrPacket {
		t.Fatal("hasPendingAddrPacket still true after resolving address")
	}
	if err := e.Finish(); err != nil {
		t.Fatalf("Finish() = %v", err)
	}

	if got := countNonzero(bm.Data); got != 1 {
		t.Fatalf("nonzero bitmap bytes = %d, want 1", got)
	}
}

// TestExceptionBracketDropsBracketedAddresses implements scenario e: the
// two addresses following an exception packet are consumed without
// producing edges or becoming the new prevLocation target for a pending
// indirect branch.
func TestExceptionBracketDropsBracketedAddresses(t *testing.T) {
	image := make([]byte, 0x200)
	e, _ := newTestEdge(t, image)

	if err := e.runDecoded(addrLong64Packet(0x1000)); err != nil {
		t.Fatalf("addr A: %v", err)
	}
	if e.state != stateTrace {
		t.Fatalf("state after first address = %v, want TRACE", e.state)
	}

	if err := e.runDecoded([]byte{0x06, 0x00}); err != nil { // exception, short form
		t.Fatalf("exception: %v", err)
	}
	if e.state != stateExceptionAddr1 {
		t.Fatalf("state after exception = %v, want EXCEPTION_ADDR1", e.state)
	}

	if err := e.runDecoded(addrLong64Packet(0x1050)); err != nil { // addr B
		t.Fatalf("addr B: %v", err)
	}
	if e.state != stateExceptionAddr2 {
		t.Fatalf("state after addr B = %v, want EXCEPTION_ADDR2", e.state)
	}

	if err := e.runDecoded(addrLong64Packet(0x1060)); err != nil { // addr C
		t.Fatalf("addr C: %v", err)
	}
	if e.state != stateTrace {
		t.Fatalf("state after addr C = %v, want TRACE", e.state)
	}
	// prevLocation must be unaffected by the bracketed addresses: still
	// wherever address A left it.
	wantLoc, _ := e.maps.GetLocation(0x1000)
	if e.prevLocation != wantLoc {
		t.Fatalf("prevLocation = %+v, want %+v (unchanged by bracketed addresses)", e.prevLocation, wantLoc)
	}
}

func TestFirstAddressOutsideMapIsPageFault(t *testing.T) {
	e, _ := newTestEdge(t, make([]byte, 0x10))
	err := e.runDecoded(addrLong64Packet(0xDEAD0000))
	if err == nil || err.Code.String() != "ERROR_PAGE_FAULT" {
		t.Fatalf("Run() = %v, want ERROR_PAGE_FAULT", err)
	}
}

func TestOverflowIsFatal(t *testing.T) {
	e, _ := newTestEdge(t, make([]byte, 0x10))
	if err := e.runDecoded(addrLong64Packet(0x1000)); err != nil {
		t.Fatalf("addr: %v", err)
	}
	err := e.runDecoded([]byte{0x00, 0x05})
	if err == nil || err.Code.String() != "ERROR_OVERFLOW_PACKET" {
		t.Fatalf("Run(overflow) = %v, want ERROR_OVERFLOW_PACKET", err)
	}
}

func TestTruncationAcrossRunCallsMatchesSingleCall(t *testing.T) {
	image := make([]byte, 0x200)
	copy(image, encInsn(0xd63f0000)) // BLR X0

	full := append(append(append([]byte{}, addrLong64Packet(0x1000)...), atomF1Packet(true)...), addrLong64Packet(0x1100)...)

	whole, wholeBM := newTestEdge(t, image)
	if err := whole.runDecoded(full); err != nil {
		t.Fatalf("whole Run: %v", err)
	}

	for split := 1; split < len(full); split++ {
		e, bm := newTestEdge(t, image)
		if err := e.runDecoded(full[:split]); err != nil {
			t.Fatalf("split %d part1: %v", split, err)
		}
		if err := e.runDecoded(full[split:]); err != nil {
			t.Fatalf("split %d part2: %v", split, err)
		}
		for i := range bm.Data {
			if bm.Data[i] != wholeBM.Data[i] {
				t.Fatalf("split %d: bitmap differs at byte %d: %d != %d", split, i, bm.Data[i], wholeBM.Data[i])
			}
		}
	}
}

// TestPathAndEdgeAreNotTheSameAlgorithmRelabeled implements spec
// scenario h at the level this package can exercise without a second
// disassembled binary: path coverage folds an address packet into its
// bitmap key on *every* address packet (including resynchronization
// addresses that edge coverage drops outright, per §4.E.4's grounded
// note), so replaying the same address/atom stream through both
// variants must not produce identical bitmaps — confirming the two
// materializers are distinct algorithms, not relabeled copies of one.
func TestPathAndEdgeAreNotTheSameAlgorithmRelabeled(t *testing.T) {
	image := make([]byte, 0x200)
	copy(image, encInsn(0xd63f0000))

	trace := append([]byte{}, addrLong64Packet(0x1010)...) // first address: session setup, no key in either mode
	trace = append(trace, addrLong64Packet(0x1000)...)      // resync address, dropped by edge mode, folded by path mode
	trace = append(trace, atomF1Packet(true)...)
	trace = append(trace, addrLong64Packet(0x1100)...)

	maps := memory.Maps{{Start: 0x1000, End: 0x1000 + uint64(len(image)), ImageID: 0}}

	edgeBM := bitmap.New(make([]byte, 0x10000))
	images := memory.NewImages([]memory.Image{{ID: 0, Data: image}})
	edge := NewEdge(edgeBM, images, nil)
	edge.Reset(maps, 0x10)
	if err := edge.runDecoded(trace); err != nil {
		t.Fatalf("edge Run: %v", err)
	}

	pathBM := bitmap.New(make([]byte, 0x10000))
	p := NewPath(pathBM, nil)
	p.Reset(maps, 0x10)
	if err := p.runDecoded(trace); err != nil {
		t.Fatalf("path Run: %v", err)
	}

	edgeCount := countNonzero(edgeBM.Data)
	pathCount := countNonzero(pathBM.Data)
	if pathCount <= edgeCount {
		t.Fatalf("path coverage (%d nonzero bytes) did not exceed edge coverage (%d); resync address should have contributed an extra path key", pathCount, edgeCount)
	}
}

// TestPathAtomRunLongerThanMaxAtomLenIsCapped drives an atom run well
// past bitmap.MaxAtomLen bits between two address packets and checks the
// resulting path key matches a run of exactly MaxAtomLen bits: the extra
// atom packets must be folded into nothing, not silently change the
// bitmap index, matching the source's ctx_en_bits_len truncation.
func TestPathAtomRunLongerThanMaxAtomLenIsCapped(t *testing.T) {
	maps := memory.Maps{{Start: 0x1000, End: 0x2000, ImageID: 0}}

	runPath := func(atomPackets int) []byte {
		trace := append([]byte{}, addrLong64Packet(0x1000)...)
		for i := 0; i < atomPackets; i++ {
			trace = append(trace, atomF1Packet(i%2 == 0)...)
		}
		trace = append(trace, addrLong64Packet(0x1100)...)

		bm := bitmap.New(make([]byte, 0x10000))
		p := NewPath(bm, nil)
		p.Reset(maps, 0x10)
		if err := p.runDecoded(trace); err != nil {
			t.Fatalf("path Run (%d atom packets): %v", atomPackets, err)
		}
		return bm.Data
	}

	exact := runPath(bitmap.MaxAtomLen)
	overlong := runPath(bitmap.MaxAtomLen + 64)

	for i := range exact {
		if exact[i] != overlong[i] {
			t.Fatalf("bitmap byte %d differs between an exactly-%d-bit atom run and a longer one: %d != %d; MaxAtomLen cap not enforced", i, bitmap.MaxAtomLen, exact[i], overlong[i])
		}
	}
}
