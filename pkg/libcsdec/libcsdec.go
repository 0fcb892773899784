// Package libcsdec is the public entry point for embedding the ETMv4
// coverage decoder in a fuzzer harness: construct an EdgeDecoder or
// PathDecoder once over a caller-owned bitmap and a fixed set of loaded
// binaries, then Reset/Run/Finish it once per fuzzing iteration.
package libcsdec

import (
	"math/bits"

	"github.com/RICSecLab/coresight-decoder/common"
	"github.com/RICSecLab/coresight-decoder/internal/bitmap"
	"github.com/RICSecLab/coresight-decoder/internal/coverr"
	"github.com/RICSecLab/coresight-decoder/internal/engine"
	"github.com/RICSecLab/coresight-decoder/memory"
)

// MemoryImage is a single loaded binary image, identified by ID.
type MemoryImage struct {
	ID   int
	Data []byte
}

// MemoryMap routes a traced virtual-address range to a loaded image.
type MemoryMap struct {
	Start   uint64
	End     uint64
	ImageID int
}

func toImages(images []MemoryImage) memory.Images {
	conv := make([]memory.Image, len(images))
	for i, img := range images {
		conv[i] = memory.Image{ID: img.ID, Data: img.Data}
	}
	return memory.NewImages(conv)
}

func toMaps(maps []MemoryMap) memory.Maps {
	conv := make(memory.Maps, len(maps))
	for i, m := range maps {
		conv[i] = memory.Map{Start: m.Start, End: m.End, ImageID: m.ImageID}
	}
	return conv
}

func validateBitmap(bm []byte) *coverr.Error {
	if len(bm) == 0 || bits.OnesCount(uint(len(bm))) != 1 {
		return coverr.Newf(coverr.ErrorGeneric, "bitmap size %d is not a power of two", len(bm))
	}
	return nil
}

func validateTraceID(id uint8) *coverr.Error {
	if id > 0x7F {
		return coverr.Newf(coverr.ErrorGeneric, "trace id %#x exceeds the 7-bit CoreSight trace-id range", id)
	}
	return nil
}

// EdgeDecoder produces AFL-style edge-hash coverage.
type EdgeDecoder struct {
	eng *engine.Edge
}

// InitEdge constructs an EdgeDecoder over bm (which must have a
// power-of-two length) and the fixed set of images the traced binaries
// were loaded from. Logger may be nil, in which case logging is
// disabled.
func InitEdge(bm []byte, images []MemoryImage, log common.Logger) (*EdgeDecoder, error) {
	if err := validateBitmap(bm); err != nil {
		return nil, err
	}
	return &EdgeDecoder{eng: engine.NewEdge(bitmap.New(bm), toImages(images), log)}, nil
}

// Reset zeroes the bitmap and installs a new memory map and target
// trace id for the next fuzzing iteration.
func (d *EdgeDecoder) Reset(traceID uint8, maps []MemoryMap) error {
	if err := validateTraceID(traceID); err != nil {
		return err
	}
	d.eng.Reset(toMaps(maps), traceID)
	return nil
}

// Run feeds newly available ETMv4 formatter bytes into the decoder.
func (d *EdgeDecoder) Run(data []byte) error {
	if err := d.eng.Run(data); err != nil {
		return err
	}
	return nil
}

// Finish reports whether the session ended cleanly.
func (d *EdgeDecoder) Finish() error {
	if err := d.eng.Finish(); err != nil {
		return err
	}
	return nil
}

// PathDecoder produces context-sensitive path coverage.
type PathDecoder struct {
	eng *engine.Path
}

// InitPath constructs a PathDecoder over bm, which must have a
// power-of-two length. images is accepted only to keep InitPath's shape
// symmetric with InitEdge; path coverage folds atom runs and addresses
// directly into a rolling hash and never disassembles, so images goes
// unused here, matching libcsdec_init_path's own unused image
// parameters in the original interface this was distilled from.
func InitPath(bm []byte, images []MemoryImage, log common.Logger) (*PathDecoder, error) {
	if err := validateBitmap(bm); err != nil {
		return nil, err
	}
	return &PathDecoder{eng: engine.NewPath(bitmap.New(bm), log)}, nil
}

func (d *PathDecoder) Reset(traceID uint8, maps []MemoryMap) error {
	if err := validateTraceID(traceID); err != nil {
		return err
	}
	d.eng.Reset(toMaps(maps), traceID)
	return nil
}

func (d *PathDecoder) Run(data []byte) error {
	if err := d.eng.Run(data); err != nil {
		return err
	}
	return nil
}

func (d *PathDecoder) Finish() error {
	if err := d.eng.Finish(); err != nil {
		return err
	}
	return nil
}
