package engine

import (
	"github.com/RICSecLab/coresight-decoder/common"
	"github.com/RICSecLab/coresight-decoder/internal/bitmap"
	"github.com/RICSecLab/coresight-decoder/internal/coverr"
	"github.com/RICSecLab/coresight-decoder/internal/deformatter"
	"github.com/RICSecLab/coresight-decoder/internal/etm4pkt"
	"github.com/RICSecLab/coresight-decoder/memory"
)

// pathSessionState mirrors sessionState but names its RESTART-equivalent
// state distinctly, matching the reference PathProcess's own naming.
type pathSessionState int

const (
	pathStateStart pathSessionState = iota
	pathStateWaitAddrAfterTraceOn
	pathStateTrace
	pathStateExceptionAddr1
	pathStateExceptionAddr2
)

// Path implements context-sensitive path coverage (§4.E.4): no
// disassembly is required, since atoms only ever contribute their raw
// bit pattern to a rolling hash that is folded into the bitmap on every
// address packet.
type Path struct {
	bitmap *bitmap.Bitmap

	deformatter *deformatter.Deformatter
	decoder     *etm4pkt.Decoder

	maps memory.Maps

	state      pathSessionState
	outOfRange bool
	hash       bitmap.PathHash

	log common.Logger
}

// NewPath constructs a Path engine over a caller-owned bitmap.
func NewPath(bm *bitmap.Bitmap, log common.Logger) *Path {
	if log == nil {
		log = common.NewNoOpLogger()
	}
	return &Path{
		bitmap:      bm,
		deformatter: deformatter.New(),
		decoder:     etm4pkt.New(),
		log:         log,
	}
}

func (p *Path) Reset(maps memory.Maps, targetTraceID uint8) {
	p.bitmap.Reset()
	p.deformatter.Reset(targetTraceID)
	p.decoder.Reset()
	p.maps = maps
	p.state = pathStateStart
	p.outOfRange = false
	p.hash = bitmap.PathHash{}
}

func (p *Path) Run(data []byte) *coverr.Error {
	demuxed := p.deformatter.Run(data, nil)
	return p.runDecoded(demuxed)
}

func (p *Path) runDecoded(demuxed []byte) *coverr.Error {
	p.decoder.Push(demuxed)

	for {
		pkt := p.decoder.Next()
		if pkt.Kind == etm4pkt.KindIncomplete {
			return nil
		}
		if err := p.handlePacket(pkt); err != nil {
			return err
		}
	}
}

// Finish always succeeds for the path variant: unlike the edge variant,
// there is no pending-indirect-branch state to leave unresolved, since
// atoms are folded into the hash directly rather than walked against a
// disassembled branch graph.
func (p *Path) Finish() *coverr.Error {
	return nil
}

func (p *Path) handlePacket(pkt etm4pkt.Packet) *coverr.Error {
	switch p.state {
	case pathStateStart, pathStateWaitAddrAfterTraceOn:
		return p.handleStartOrWait(pkt)
	case pathStateTrace:
		return p.handleTrace(pkt)
	case pathStateExceptionAddr1:
		if pkt.IsAddress() {
			p.state = pathStateExceptionAddr2
		}
		return nil
	case pathStateExceptionAddr2:
		if pkt.IsAddress() {
			p.state = pathStateTrace
		}
		return nil
	}
	return coverr.New(coverr.ErrorGeneric)
}

func (p *Path) handleStartOrWait(pkt etm4pkt.Packet) *coverr.Error {
	if pkt.IsAtom() {
		if p.state == pathStateStart {
			return coverr.Newf(coverr.ErrorGeneric, "atom packet before the first address packet")
		}
		return nil
	}
	if !pkt.IsAddress() {
		return nil
	}

	_, ok := p.maps.GetLocation(pkt.Addr)
	if !ok {
		if p.state == pathStateStart {
			p.log.Logf(common.SeverityError, "first trace address %#x is outside every memory map", pkt.Addr)
			return coverr.New(coverr.ErrorPageFault)
		}
		p.outOfRange = true
		p.state = pathStateTrace
		return nil
	}

	p.outOfRange = false
	p.state = pathStateTrace
	return nil
}

func (p *Path) handleTrace(pkt etm4pkt.Packet) *coverr.Error {
	switch {
	case pkt.Kind == etm4pkt.KindOverflow:
		p.log.Logf(common.SeverityError, "trace buffer overflow")
		return coverr.New(coverr.ErrorOverflowPacket)

	case pkt.Kind == etm4pkt.KindTraceOn:
		p.state = pathStateWaitAddrAfterTraceOn
		return nil

	case pkt.Kind == etm4pkt.KindException:
		p.state = pathStateExceptionAddr1
		return nil

	case pkt.IsAtom():
		if p.outOfRange {
			return nil
		}
		for i := 0; i < pkt.EnBitsLen; i++ {
			bit := byte((pkt.EnBits >> uint(i)) & 1)
			p.hash.FoldAtomBit(bit)
		}
		return nil

	case pkt.IsAddress():
		loc, ok := p.maps.GetLocation(pkt.Addr)
		if ok {
			p.hash.FoldLocation(loc)
			p.bitmap.Increment(p.hash.Key(len(p.bitmap.Data)))
			p.outOfRange = false
		} else {
			p.outOfRange = true
		}
		return nil
	}
	return nil
}
