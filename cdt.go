package seraph

import (
	"sync"
	"unsafe"
)

// Compact is a 64-bit capability handle: a CDT slot index, a byte offset
// applied on resolution, and a cached permission mask intersected with
// the slot's record. Packed [perms:16][offset:32][index:16].
type Compact uint64

// VoidCompact is the absent handle.
const VoidCompact Compact = Compact(VoidU64)

func makeCompact(index uint16, offset uint32, perms Perm) Compact {
	return Compact(uint64(perms)<<48 | uint64(offset)<<16 | uint64(index))
}

func (cc Compact) IsVoid() bool   { return cc == VoidCompact }
func (cc Compact) Index() uint16  { return uint16(cc) }
func (cc Compact) Offset() uint32 { return uint32(cc >> 16) }
func (cc Compact) Perms() Perm    { return Perm(cc >> 48) }

// At returns a handle whose resolution base is shifted further by off.
func (cc Compact) At(off uint32) Compact {
	if cc.IsVoid() {
		return VoidCompact
	}
	return makeCompact(cc.Index(), cc.Offset()+off, cc.Perms())
}

// Narrow intersects the cached permissions.
func (cc Compact) Narrow(perms Perm) Compact {
	if cc.IsVoid() {
		return VoidCompact
	}
	return makeCompact(cc.Index(), cc.Offset(), cc.Perms()&perms)
}

type cdtEntry struct {
	cap      Capability
	refcount uint32
	freeLink uint32
}

const cdtEntrySize = 32

// CDT maps compact handles to full capability records with refcounts.
// Backed either by heap or by an arena (an arena inside Atlas makes the
// table reboot-survivable along with its store).
type CDT struct {
	mu       sync.Mutex
	entries  []cdtEntry
	freeHead uint32
	count    uint32
	arena    *Arena
}

// NewCDT allocates a heap-backed table. Capacity is clamped to what a
// 16-bit slot index can address.
func NewCDT(capacity uint32) *CDT {
	if capacity == 0 || capacity > 1<<16 {
		return nil
	}
	t := &CDT{entries: make([]cdtEntry, capacity)}
	t.initFreeList()
	return t
}

// NewCDTInArena places the entry table inside an arena. The table's
// lifetime is bounded by the arena generation: a reset invalidates it.
func NewCDTInArena(a *Arena, capacity uint32) *CDT {
	if a == nil || capacity == 0 || capacity > 1<<16 {
		return nil
	}
	p := a.Calloc(uint64(capacity)*cdtEntrySize, 8)
	if IsVoidPtr(p) {
		return nil
	}
	t := &CDT{
		entries: unsafe.Slice((*cdtEntry)(unsafe.Pointer(uintptr(p))), capacity),
		arena:   a,
	}
	t.initFreeList()
	return t
}

func (t *CDT) initFreeList() {
	n := uint32(len(t.entries))
	for i := uint32(0); i < n; i++ {
		if i+1 < n {
			t.entries[i].freeLink = i + 1
		} else {
			t.entries[i].freeLink = VoidU32
		}
	}
	t.freeHead = 0
}

func (t *CDT) Capacity() uint32 {
	if t == nil {
		return 0
	}
	return uint32(len(t.entries))
}

func (t *CDT) Count() uint32 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// freeLen walks the free list; test/debug helper.
func (t *CDT) freeLen() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n uint32
	for i := t.freeHead; !IsVoidU32(i); i = t.entries[i].freeLink {
		n++
		if n > uint32(len(t.entries)) {
			break // cycle; broken table
		}
	}
	return n
}

// Alloc stores cap in a free slot with refcount 1 and returns the
// compact handle. VoidCompact when the table is full or cap is VOID.
func (t *CDT) Alloc(c Capability) Compact {
	if t == nil || c.IsVoid() {
		return VoidCompact
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if IsVoidU32(t.freeHead) {
		return VoidCompact
	}
	i := t.freeHead
	t.freeHead = t.entries[i].freeLink
	t.entries[i] = cdtEntry{cap: c, refcount: 1, freeLink: VoidU32}
	t.count++
	return makeCompact(uint16(i), 0, c.Perms())
}

// Lookup resolves a compact handle to a full capability: slot must be
// live, the offset must stay inside the record's bounds, and the cached
// permissions are intersected with the stored ones.
func (t *CDT) Lookup(cc Compact) Capability {
	if t == nil || cc.IsVoid() {
		return VoidCapability()
	}
	i := uint32(cc.Index())
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= uint32(len(t.entries)) || t.entries[i].refcount == 0 {
		return VoidCapability()
	}
	full := t.entries[i].cap
	off := uint64(cc.Offset())
	if off > full.length {
		return VoidCapability()
	}
	out := full
	out.base += off
	out.length -= off
	out.perms &= cc.Perms()
	return out
}

// AddRef bumps the refcount of a live slot.
func (t *CDT) AddRef(cc Compact) VBit {
	if t == nil || cc.IsVoid() {
		return VVoid
	}
	i := uint32(cc.Index())
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= uint32(len(t.entries)) || t.entries[i].refcount == 0 {
		return VFalse
	}
	t.entries[i].refcount++
	return VTrue
}

// Release drops a reference; at zero the slot is cleared and pushed back
// onto the free list.
func (t *CDT) Release(cc Compact) VBit {
	if t == nil || cc.IsVoid() {
		return VVoid
	}
	i := uint32(cc.Index())
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= uint32(len(t.entries)) || t.entries[i].refcount == 0 {
		return VFalse
	}
	t.entries[i].refcount--
	if t.entries[i].refcount == 0 {
		t.entries[i] = cdtEntry{freeLink: t.freeHead}
		t.freeHead = i
		t.count--
	}
	return VTrue
}
