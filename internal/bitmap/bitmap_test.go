package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/RICSecLab/coresight-decoder/memory"
)

func TestResetZeroesBuffer(t *testing.T) {
	b := New([]byte{1, 2, 3, 4})
	b.Reset()
	if want := make([]byte, 4); !cmp.Equal(b.Data, want) {
		t.Fatalf("Data = %v, want %v", b.Data, want)
	}
}

func TestIncrementOverflows(t *testing.T) {
	b := New(make([]byte, 16))
	b.Data[3] = 255
	b.Increment(3)
	if b.Data[3] != 0 {
		t.Fatalf("Data[3] = %d, want 0 after overflow", b.Data[3])
	}
}

func TestEdgeKeyStableAndInRange(t *testing.T) {
	from := memory.Location{Offset: 0x100, ImageID: 0}
	to := memory.Location{Offset: 0x200, ImageID: 0}

	k1 := EdgeKey(from, to, 0x10000)
	k2 := EdgeKey(from, to, 0x10000)
	if k1 != k2 {
		t.Fatalf("EdgeKey not stable: %d != %d", k1, k2)
	}
	if k1 >= 0x10000 {
		t.Fatalf("EdgeKey %d out of bitmap range", k1)
	}
}

func TestEdgeKeyDistinguishesDirection(t *testing.T) {
	a := memory.Location{Offset: 0x100, ImageID: 0}
	b := memory.Location{Offset: 0x200, ImageID: 0}

	forward := EdgeKey(a, b, 0x10000)
	backward := EdgeKey(b, a, 0x10000)
	if forward == backward {
		t.Fatalf("EdgeKey(a,b) == EdgeKey(b,a) == %d, want distinct keys", forward)
	}
}

func TestPathHashFoldResetsAfterKey(t *testing.T) {
	var p PathHash
	p.FoldByte(1)
	p.FoldLocation(memory.Location{Offset: 0x42, ImageID: 1})
	k1 := p.Key(0x10000)
	k2 := p.Key(0x10000)
	if k1 >= 0x10000 || k2 >= 0x10000 {
		t.Fatalf("keys out of range: %d, %d", k1, k2)
	}
	// After Key(), the hash resets to zero; folding nothing again should
	// reproduce xorshift64(0) & mask deterministically.
	if k2 != xorshift64(0)&(0x10000-1) {
		t.Fatalf("second key = %d, want hash reset to zero between calls", k2)
	}
}

func TestPathHashFoldAtomBitCapsAtMaxAtomLen(t *testing.T) {
	var capped PathHash
	for i := 0; i < MaxAtomLen+64; i++ {
		capped.FoldAtomBit(byte(i % 2))
	}

	var exact PathHash
	for i := 0; i < MaxAtomLen; i++ {
		exact.FoldAtomBit(byte(i % 2))
	}

	if capped.h != exact.h {
		t.Fatalf("folding past MaxAtomLen changed the hash: %d != %d", capped.h, exact.h)
	}

	gotKey := capped.Key(0x10000)
	wantKey := exact.Key(0x10000)
	if gotKey != wantKey {
		t.Fatalf("Key() after overlong atom run = %d, want %d (same as exactly MaxAtomLen bits)", gotKey, wantKey)
	}
}
