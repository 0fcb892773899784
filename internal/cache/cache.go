// Package cache memoizes the two expensive per-byte lookups the process
// engine performs repeatedly across a fuzzing session: finding the next
// branch instruction from a given Location, and replaying an atom
// packet's walk from a given starting point. Both caches are
// monotonically accumulating for the life of a decoder instance, since
// the underlying memory images are immutable — a cached answer never
// goes stale. Replaces the reference implementation's build-time
// `#if CACHE_MODE` switch with a runtime-constructed no-op variant, so
// the same engine code path works whether caching is wanted or not.
package cache

import "github.com/RICSecLab/coresight-decoder/memory"

// BranchInsn is a cached branch lookup result: the branch's own
// offset, its size, and its taken/not-taken successor offsets.
// Indirect branches leave TakenOffset at 0; their real target only
// becomes known from the trace itself.
type BranchInsn struct {
	Offset         uint64
	Size           uint64
	Kind           int // mirrors branchoracle.Kind without importing it, avoiding a cache<->oracle cycle
	IsConditional  bool
	TakenOffset    uint64
	NotTakenOffset uint64
}

// BranchInsnCache memoizes NextBranch(from) results keyed on the
// starting Location (not the branch's own Location).
type BranchInsnCache struct {
	enabled bool
	entries map[memory.Location]BranchInsn
}

// NewBranchInsnCache constructs a cache. When enabled is false, Get
// always misses and Put is a no-op, so callers can unconditionally call
// through the same interface regardless of whether caching is desired.
func NewBranchInsnCache(enabled bool) *BranchInsnCache {
	c := &BranchInsnCache{enabled: enabled}
	if enabled {
		c.entries = make(map[memory.Location]BranchInsn)
	}
	return c
}

func (c *BranchInsnCache) Get(from memory.Location) (BranchInsn, bool) {
	if !c.enabled {
		return BranchInsn{}, false
	}
	insn, ok := c.entries[from]
	return insn, ok
}

func (c *BranchInsnCache) Put(from memory.Location, insn BranchInsn) {
	if !c.enabled {
		return
	}
	c.entries[from] = insn
}

// AtomTrace is the memoized transcript of one atom-packet walk: the
// bitmap keys it produced, the Location it left prevLocation at, and
// whether it ended on an unresolved indirect branch.
type AtomTrace struct {
	BitmapKeys           []uint64
	EndLocation          memory.Location
	HasPendingAddrPacket bool
}

// traceKey identifies an atom walk by its starting point and the exact
// atom payload that was walked, since the same starting Location
// combined with different en_bits produces a different walk.
type traceKey struct {
	start     memory.Location
	enBits    uint32
	enBitsLen int
}

// TraceCache memoizes AtomTrace results for the atom walker.
type TraceCache struct {
	enabled bool
	entries map[traceKey]AtomTrace
}

func NewTraceCache(enabled bool) *TraceCache {
	c := &TraceCache{enabled: enabled}
	if enabled {
		c.entries = make(map[traceKey]AtomTrace)
	}
	return c
}

func (c *TraceCache) Get(start memory.Location, enBits uint32, enBitsLen int) (AtomTrace, bool) {
	if !c.enabled {
		return AtomTrace{}, false
	}
	t, ok := c.entries[traceKey{start, enBits, enBitsLen}]
	return t, ok
}

func (c *TraceCache) Put(start memory.Location, enBits uint32, enBitsLen int, trace AtomTrace) {
	if !c.enabled {
		return
	}
	c.entries[traceKey{start, enBits, enBitsLen}] = trace
}
