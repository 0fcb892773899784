// Package memory models the address space the decoder walks: immutable
// memory images loaded at fixed offsets, the virtual-address map that
// relates a traced address to an image, and the Location identifying a
// byte within an image once that mapping has been resolved.
package memory

// Location identifies a single byte inside a loaded MemoryImage.
//
// Equality is structural, so Location is usable directly as a Go map key
// (the branch-instruction cache and the atom-trace cache both key on it);
// no custom hash function is needed the way the C++ source required one
// for std::unordered_map.
type Location struct {
	Offset  uint64
	ImageID int
}

// Image is an owned, immutable byte buffer identified by ImageID.
// Images are loaded once at decoder construction and never mutated or
// freed for the lifetime of the decoder.
type Image struct {
	ID   int
	Data []byte
}

// Map is a single half-open virtual-address range routed to an image.
type Map struct {
	Start   uint64
	End     uint64 // exclusive
	ImageID int
}

// Maps is an ordered sequence of Map entries, searched linearly.
// Overlapping ranges are not validated here: per the source this is
// "disallowed" only by convention, and a construction-time rejection
// would be a behavior change from the reference this was distilled from.
// If two entries do overlap, the first one in the slice wins, matching a
// plain linear scan.
type Maps []Map

// GetImageID returns the image id of the first map entry whose
// [Start, End) range contains address, or ok=false on a miss.
func (m Maps) GetImageID(address uint64) (imageID int, ok bool) {
	for _, entry := range m {
		if address >= entry.Start && address < entry.End {
			return entry.ImageID, true
		}
	}
	return 0, false
}

// GetLocation resolves a virtual address to a Location, or ok=false if
// the address falls outside every configured map. A miss is a normal,
// expected outcome (the traced program jumped outside the instrumented
// region) and is not itself an error; callers decide how to react.
func (m Maps) GetLocation(address uint64) (Location, bool) {
	for _, entry := range m {
		if address >= entry.Start && address < entry.End {
			return Location{Offset: address - entry.Start, ImageID: entry.ImageID}, true
		}
	}
	return Location{}, false
}

// Images indexes loaded memory images by id for O(1) lookup during
// branch-instruction disassembly.
type Images map[int]*Image

// NewImages builds an Images index from a slice of images.
func NewImages(images []Image) Images {
	idx := make(Images, len(images))
	for i := range images {
		idx[images[i].ID] = &images[i]
	}
	return idx
}

// Bytes returns the byte slice of an image starting at offset, or nil if
// the image id is unknown or offset is beyond the image's length.
func (idx Images) Bytes(loc Location) []byte {
	img, ok := idx[loc.ImageID]
	if !ok || loc.Offset >= uint64(len(img.Data)) {
		return nil
	}
	return img.Data[loc.Offset:]
}
