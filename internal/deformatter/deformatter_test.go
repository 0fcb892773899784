package deformatter

import (
	"bytes"
	"testing"
)

func TestDeformatterIdentityFrame(t *testing.T) {
	// trace-id 0x10 encoded as (0x10<<1)|1 = 0x21, aux=0 -> immediate.
	// Every later even byte has LSB 0, so it is data, not an ID byte.
	frame := []byte{
		0x21, 0x11, 0x22, 0x12, 0x24, 0x13, 0x26, 0x14,
		0x28, 0x15, 0x2A, 0x16, 0x2C, 0x17, 0x2E, 0x00,
	}

	d := New()
	d.Reset(0x10)
	out := d.Run(frame, nil)

	want := []byte{0x11, 0x22, 0x12, 0x24, 0x13, 0x26, 0x14, 0x28, 0x15, 0x2A, 0x16, 0x2C, 0x17, 0x2E}
	if !bytes.Equal(out, want) {
		t.Fatalf("Run() = %x, want %x", out, want)
	}
}

func TestDeformatterSkipsOtherIDs(t *testing.T) {
	frame := []byte{
		0x21, 0xAA, 0x23, 0xBB, 0x24, 0xCC, 0x25, 0xDD,
		0x26, 0xEE, 0x27, 0xFF, 0x28, 0x00, 0x29, 0x00,
	}
	// id 0x10 is target; id 0x11 (0x23) switches away immediately (aux=0).
	d := New()
	d.Reset(0x10)
	out := d.Run(frame, nil)

	want := []byte{0xAA}
	if !bytes.Equal(out, want) {
		t.Fatalf("Run() = %x, want %x", out, want)
	}
}

func TestDeformatterDeferredIDChange(t *testing.T) {
	// Byte 0 is an ID byte switching to 0x11 with aux bit (byte15 bit0) set,
	// so the paired byte 1 is still emitted under the OLD id (0x10).
	frame := make([]byte, 16)
	frame[0] = 0x23 // (0x11<<1)|1
	frame[1] = 0x55 // should be emitted under the previous id 0x10
	frame[15] = 0x01
	for i := 2; i < 15; i++ {
		frame[i] = 0x02 // data, LSB 0, not an id byte (even indices) except handled generically
	}

	d := New()
	d.Reset(0x10)
	// Reset starts at id 0; make 0x10 the id active before this frame.
	d.CurrentTraceID = 0x10
	out := d.Run(frame, nil)

	if len(out) != 1 || out[0] != 0x55 {
		t.Fatalf("Run() = %x, want single deferred byte 0x55 under old id", out)
	}
}

func TestDeformatterResidueAcrossChunks(t *testing.T) {
	frame := []byte{
		0x21, 0x11, 0x22, 0x12, 0x23, 0x13, 0x24, 0x14,
		0x25, 0x15, 0x26, 0x16, 0x27, 0x17, 0x28, 0x00,
	}

	whole := New()
	whole.Reset(0x10)
	wantOut := whole.Run(frame, nil)

	for split := 1; split < len(frame); split++ {
		d := New()
		d.Reset(0x10)
		var out []byte
		out = d.Run(frame[:split], out)
		out = d.Run(frame[split:], out)
		if !bytes.Equal(out, wantOut) {
			t.Fatalf("split at %d: Run() = %x, want %x", split, out, wantOut)
		}
	}
}
