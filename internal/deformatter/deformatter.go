// Package deformatter extracts a single CoreSight trace-ID substream out
// of an ETMv4 formatted byte stream, per ARM CoreSight Architecture
// Specification v3.0 chapter D4.
package deformatter

// FrameSize is the fixed size, in bytes, of one ETMv4 formatter frame.
const FrameSize = 16

// Deformatter demultiplexes 16-byte formatter frames, keeping only the
// bytes belonging to TargetTraceID and appending them, in order, to the
// output the caller supplies to Run.
//
// State persists across Run calls: CurrentTraceID tracks which source id
// is "active" as of the last byte processed, and any bytes left over
// after the last complete 16-byte frame are retained as residue so a
// caller may feed the formatter arbitrarily sized chunks.
type Deformatter struct {
	CurrentTraceID uint8
	TargetTraceID  uint8

	residue []byte
}

// New constructs a Deformatter targeting no trace id in particular; call
// Reset before first use to select a target id.
func New() *Deformatter {
	return &Deformatter{}
}

// Reset clears persistent state and selects the trace id whose data
// bytes Run will extract.
func (d *Deformatter) Reset(targetTraceID uint8) {
	d.CurrentTraceID = 0
	d.TargetTraceID = targetTraceID
	d.residue = d.residue[:0]
}

// Run appends chunk to any buffered residue, processes every complete
// 16-byte frame it contains, and returns the extracted bytes appended to
// out. A trailing partial frame (fewer than 16 bytes) is retained and
// processed once the rest of it arrives in a later call; ETMv4 trace
// captures are frame-aligned from the first byte, so residue never holds
// more than one partial frame (at most 15 bytes).
func (d *Deformatter) Run(chunk []byte, out []byte) []byte {
	d.residue = append(d.residue, chunk...)

	n := len(d.residue)
	frames := n / FrameSize
	for f := 0; f < frames; f++ {
		frame := d.residue[f*FrameSize : (f+1)*FrameSize]
		out = d.unpackFrame(frame, out)
	}

	remainder := n % FrameSize
	if remainder == 0 {
		d.residue = d.residue[:0]
	} else {
		copy(d.residue, d.residue[frames*FrameSize:])
		d.residue = d.residue[:remainder]
	}

	return out
}

// unpackFrame demultiplexes one 16-byte frame. Bytes 0..13 are processed
// in pairs: an even byte is either an ID byte (LSB=1, new id in bits
// [7:1]) or a data byte (LSB=0, auxiliary bit from byte 15 restores the
// cleared LSB); the following odd byte is always data, emitted under the
// id in effect after the even byte (see below). Byte 14 behaves like a lone even
// byte. Byte 15 carries one auxiliary bit per even-byte position and
// contributes no data of its own.
//
// When an ID byte's auxiliary bit is 0, the new id takes effect
// immediately (the paired odd byte is emitted under the new id). When it
// is 1, the new id takes effect only after the paired odd byte, which is
// still emitted under the previous id. Grounded on deformatTraceData in
// the source this was distilled from.
func (d *Deformatter) unpackFrame(frame []byte, out []byte) []byte {
	aux := frame[15]

	for i := 0; i <= 14; i++ {
		newTraceID := d.CurrentTraceID
		auxBit := (aux >> uint(i/2)) & 1

		if frame[i]&1 != 0 {
			// ID byte.
			newTraceID = frame[i] >> 1
			if auxBit == 0 {
				d.CurrentTraceID = newTraceID
			}
		} else if d.CurrentTraceID == d.TargetTraceID {
			out = append(out, frame[i]|auxBit)
		}

		i++
		if i <= 13 {
			if d.CurrentTraceID == d.TargetTraceID {
				out = append(out, frame[i])
			}
		}

		d.CurrentTraceID = newTraceID
	}

	return out
}
