package seraph

import (
	"sync/atomic"
)

func atomicLoadU64(p *uint64) uint64     { return atomic.LoadUint64(p) }
func atomicStoreU64(p *uint64, v uint64) { atomic.StoreUint64(p, v) }

// minFragment is the smallest split remainder worth keeping on the free
// list; anything smaller stays attached to the returned block.
const minFragment = freeNodeSize

// Alloc returns the offset of a fresh 8-aligned block, or 0 when the
// region is exhausted. First-fit over the free list, then the bump
// pointer; offset 0 is Genesis and therefore never a valid allocation.
func (a *Atlas) Alloc(size uint64) uint64 {
	if a.IsVoid() || a.readOnly || size == 0 || IsVoidU64(size) {
		return 0
	}
	size = alignUp(size, 8)
	if size < freeNodeSize {
		size = freeNodeSize
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked(size, 8)
}

func (a *Atlas) allocLocked(size, align uint64) uint64 {
	g := a.genesis

	// Free-list fast path: first fit, split when the remainder can hold
	// a free node, unlink otherwise. Page-aligned requests skip the list;
	// its nodes carry no alignment guarantee.
	if align <= 8 {
		prev := &g.FreeListOffset
		for off := g.FreeListOffset; off != 0; {
			node := a.freeNodeAt(off)
			next := node.NextOffset
			if node.Size >= size {
				remainder := node.Size - size
				if remainder >= minFragment {
					restOff := off + size
					rest := a.freeNodeAt(restOff)
					rest.NextOffset = next
					rest.Size = remainder
					rest.FreedGeneration = node.FreedGeneration
					*prev = restOff
				} else {
					*prev = next
				}
				g.TotalAllocated += size
				return off
			}
			prev = &node.NextOffset
			off = next
		}
	}

	// Bump path.
	start := alignUp(g.NextAllocOffset, align)
	if start+size > uint64(len(a.data)) || start+size < start {
		return 0
	}
	g.NextAllocOffset = start + size
	g.TotalAllocated += size
	return start
}

// Calloc is Alloc plus zeroing. Recycled free-list blocks carry stale
// bytes, so the zeroing is not optional.
func (a *Atlas) Calloc(size uint64) uint64 {
	off := a.Alloc(size)
	if off == 0 {
		return 0
	}
	b := a.bytesAt(off, alignUp(size, 8))
	for i := range b {
		b[i] = 0
	}
	return off
}

// AllocPages rounds size up to whole pages and returns a page-aligned
// offset. COW storage and the Surface root use this path.
func (a *Atlas) AllocPages(size uint64) uint64 {
	if a.IsVoid() || a.readOnly || size == 0 || IsVoidU64(size) {
		return 0
	}
	size = alignUp(size, PageSize)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked(size, PageSize)
}

// Free pushes a block onto the free-list head. No coalescing; see
// DESIGN.md for the fragmentation trade.
func (a *Atlas) Free(off, size uint64) VBit {
	if a.IsVoid() || a.readOnly {
		return VVoid
	}
	size = alignUp(size, 8)
	if size < freeNodeSize {
		size = freeNodeSize
	}
	if off < heapStart || off+size > uint64(len(a.data)) || off+size < off {
		return VFalse
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked(off, size)
	return VTrue
}

// Available is the bump headroom plus the free-list total.
func (a *Atlas) Available() uint64 {
	if a.IsVoid() {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	g := a.genesis
	total := uint64(len(a.data)) - g.NextAllocOffset
	for off := g.FreeListOffset; off != 0; off = a.freeNodeAt(off).NextOffset {
		total += a.freeNodeAt(off).Size
	}
	return total
}
