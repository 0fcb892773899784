// Package engine drives the deformatter and packet decoder through the
// session state machine that turns an ETMv4 trace into coverage bitmap
// updates. Two variants with the same packet-dispatch shape live in this
// package: Edge (this file) walks atoms with a branch oracle to produce
// AFL-style edge coverage, and Path (path.go) folds a rolling hash
// instead, producing context-sensitive path coverage. Both own a
// deformatter and packet decoder instance and are driven identically
// from pkg/libcsdec.
package engine

import (
	"github.com/RICSecLab/coresight-decoder/branchoracle"
	"github.com/RICSecLab/coresight-decoder/common"
	"github.com/RICSecLab/coresight-decoder/internal/bitmap"
	"github.com/RICSecLab/coresight-decoder/internal/cache"
	"github.com/RICSecLab/coresight-decoder/internal/coverr"
	"github.com/RICSecLab/coresight-decoder/internal/deformatter"
	"github.com/RICSecLab/coresight-decoder/internal/etm4pkt"
	"github.com/RICSecLab/coresight-decoder/memory"
)

// sessionState is the Edge engine's outer state machine (§4.E.1); Path
// keeps its own pathSessionState in path.go. START and RESTART differ in
// how an out-of-place atom and an out-of-map first address are treated.
type sessionState int

const (
	stateStart sessionState = iota
	stateRestart
	stateTrace
	stateExceptionAddr1
	stateExceptionAddr2
)

// Edge implements edge-hash coverage: §4.E.1 through §4.E.3.
type Edge struct {
	bitmap *bitmap.Bitmap
	images memory.Images
	oracle branchoracle.Oracle

	deformatter *deformatter.Deformatter
	decoder     *etm4pkt.Decoder

	insnCache  *cache.BranchInsnCache
	traceCache *cache.TraceCache

	maps memory.Maps

	state                sessionState
	prevLocation         memory.Location
	outOfRange           bool
	hasPendingAddrPacket bool

	log common.Logger
}

// NewEdge constructs an Edge engine over a caller-owned bitmap and the
// decoder's fixed set of loaded images. No decoding can start until
// Reset installs a memory map and target trace id.
func NewEdge(bm *bitmap.Bitmap, images memory.Images, log common.Logger) *Edge {
	if log == nil {
		log = common.NewNoOpLogger()
	}
	return &Edge{
		bitmap:      bm,
		images:      images,
		oracle:      branchoracle.AArch64{},
		deformatter: deformatter.New(),
		decoder:     etm4pkt.New(),
		insnCache:   cache.NewBranchInsnCache(true),
		traceCache:  cache.NewTraceCache(true),
		log:         log,
	}
}

// Reset zeroes the bitmap and rearms the session for a new trace over a
// possibly different memory map, as happens between fuzzer iterations
// against the same target binary.
func (e *Edge) Reset(maps memory.Maps, targetTraceID uint8) {
	e.bitmap.Reset()
	e.deformatter.Reset(targetTraceID)
	e.decoder.Reset()
	e.maps = maps
	e.state = stateStart
	e.prevLocation = memory.Location{}
	e.outOfRange = false
	e.hasPendingAddrPacket = false
}

// Run feeds newly available trace bytes through the deformatter and
// decodes every packet it can, updating the bitmap as edges resolve.
// It stops cleanly (returning success) on an incomplete packet, leaving
// state such that a later Run with more bytes resumes identically.
func (e *Edge) Run(data []byte) *coverr.Error {
	demuxed := e.deformatter.Run(data, nil)
	return e.runDecoded(demuxed)
}

// runDecoded drives the session state machine over bytes that have
// already passed through the deformatter (or, in tests, raw packet
// bytes for a single trace-id substream with no multiplexing to undo).
func (e *Edge) runDecoded(demuxed []byte) *coverr.Error {
	e.decoder.Push(demuxed)

	for {
		p := e.decoder.Next()
		if p.Kind == etm4pkt.KindIncomplete {
			return nil
		}
		if err := e.handlePacket(p); err != nil {
			return err
		}
	}
}

// Finish reports TRACE_DATA_INCOMPLETE if the session ended waiting on
// an indirect branch's target address (invariant 5, §8).
func (e *Edge) Finish() *coverr.Error {
	if e.hasPendingAddrPacket {
		e.log.Warning("session ended with an unresolved indirect branch target")
		return coverr.New(coverr.ErrorTraceDataIncomplete)
	}
	return nil
}

func (e *Edge) handlePacket(p etm4pkt.Packet) *coverr.Error {
	switch e.state {
	case stateStart, stateRestart:
		return e.handleStartOrRestart(p)
	case stateTrace:
		return e.handleTrace(p)
	case stateExceptionAddr1:
		if p.IsAddress() {
			e.state = stateExceptionAddr2
		}
		return nil
	case stateExceptionAddr2:
		if p.IsAddress() {
			e.state = stateTrace
		}
		return nil
	}
	return coverr.New(coverr.ErrorGeneric)
}

func (e *Edge) handleStartOrRestart(p etm4pkt.Packet) *coverr.Error {
	if p.IsAtom() {
		if e.state == stateStart {
			return coverr.Newf(coverr.ErrorGeneric, "atom packet before the first address packet")
		}
		// RESTART: atoms are dropped silently while resynchronizing.
		return nil
	}
	if !p.IsAddress() {
		return nil
	}

	loc, ok := e.locationFor(p.Addr)
	if !ok {
		if e.state == stateStart {
			e.log.Logf(common.SeverityError, "first trace address %#x is outside every memory map", p.Addr)
			return coverr.New(coverr.ErrorPageFault)
		}
		e.outOfRange = true
		e.state = stateTrace
		return nil
	}

	e.prevLocation = loc
	e.outOfRange = false
	e.state = stateTrace
	return nil
}

func (e *Edge) handleTrace(p etm4pkt.Packet) *coverr.Error {
	switch {
	case p.Kind == etm4pkt.KindOverflow:
		e.log.Logf(common.SeverityError, "trace buffer overflow")
		return coverr.New(coverr.ErrorOverflowPacket)

	case p.Kind == etm4pkt.KindTraceOn:
		e.state = stateRestart
		return nil

	case p.Kind == etm4pkt.KindException:
		e.state = stateExceptionAddr1
		return nil

	case p.IsAtom():
		if e.outOfRange {
			return nil
		}
		if e.hasPendingAddrPacket {
			return coverr.Newf(coverr.ErrorGeneric, "atom packet while an indirect branch target is still pending")
		}
		return e.walkAtom(p)

	case p.IsAddress():
		loc, ok := e.locationFor(p.Addr)
		if e.hasPendingAddrPacket {
			e.hasPendingAddrPacket = false
			if ok {
				e.bitmap.Increment(bitmap.EdgeKey(e.prevLocation, loc, len(e.bitmap.Data)))
			}
			if ok {
				e.prevLocation = loc
				e.outOfRange = false
			} else {
				e.outOfRange = true
			}
			return nil
		}
		// Resynchronization address: update position, write no edge.
		if ok {
			e.prevLocation = loc
			e.outOfRange = false
		} else {
			e.outOfRange = true
		}
		return nil
	}
	return nil
}

func (e *Edge) locationFor(addr uint64) (memory.Location, bool) {
	return e.maps.GetLocation(addr)
}

// walkAtom implements §4.E.3, consulting the trace cache before
// disassembling and populating it afterward.
func (e *Edge) walkAtom(p etm4pkt.Packet) *coverr.Error {
	start := e.prevLocation

	if cached, ok := e.traceCache.Get(start, p.EnBits, p.EnBitsLen); ok {
		for _, key := range cached.BitmapKeys {
			e.bitmap.Increment(key)
		}
		e.prevLocation = cached.EndLocation
		e.hasPendingAddrPacket = cached.HasPendingAddrPacket
		return nil
	}

	var keys []uint64
	cur := start
	pendingAddr := false

	for i := 0; i < p.EnBitsLen; i++ {
		isTaken := (p.EnBits>>uint(i))&1 != 0

		insn, err := e.nextBranch(cur)
		if err != nil {
			return err
		}

		if insn.Kind == int(branchoracle.Indirect) {
			if !isTaken {
				return coverr.Newf(coverr.ErrorGeneric, "indirect branch atom bit was N, expected E")
			}
			if i != p.EnBitsLen-1 {
				return coverr.Newf(coverr.ErrorGeneric, "indirect branch did not close its atom packet")
			}
			pendingAddr = true
			break
		}

		var nextOffset uint64
		if isTaken {
			nextOffset = insn.TakenOffset
		} else {
			nextOffset = insn.NotTakenOffset
		}
		next := memory.Location{Offset: nextOffset, ImageID: cur.ImageID}
		keys = append(keys, bitmap.EdgeKey(cur, next, len(e.bitmap.Data)))
		cur = next
	}

	for _, key := range keys {
		e.bitmap.Increment(key)
	}

	e.traceCache.Put(start, p.EnBits, p.EnBitsLen, cache.AtomTrace{
		BitmapKeys:           keys,
		EndLocation:          cur,
		HasPendingAddrPacket: pendingAddr,
	})

	e.prevLocation = cur
	e.hasPendingAddrPacket = pendingAddr
	return nil
}

// nextBranch scans forward from loc for the next branch instruction,
// consulting and populating the branch-instruction cache.
func (e *Edge) nextBranch(loc memory.Location) (cache.BranchInsn, *coverr.Error) {
	if cached, ok := e.insnCache.Get(loc); ok {
		return cached, nil
	}

	data := e.images.Bytes(loc)
	offset := loc.Offset
	for {
		insn, ok := e.oracle.Classify(data, offset)
		if !ok {
			return cache.BranchInsn{}, coverr.Newf(coverr.ErrorGeneric, "ran off the end of image %d scanning for a branch from offset %#x", loc.ImageID, loc.Offset)
		}
		if insn.Kind != branchoracle.NotBranch {
			result := cache.BranchInsn{
				Offset:         offset,
				Size:           insn.Size,
				Kind:           int(insn.Kind),
				IsConditional:  insn.IsConditional,
				TakenOffset:    insn.TakenOffset,
				NotTakenOffset: insn.NotTakenOffset,
			}
			e.insnCache.Put(loc, result)
			return result, nil
		}
		data = data[insn.Size:]
		offset += insn.Size
	}
}
