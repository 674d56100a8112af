package seraph

import (
	"unsafe"
)

type ArenaFlag uint16

const (
	// ArenaZeroed zeroes every allocation, not just calloc.
	ArenaZeroed ArenaFlag = 1 << iota
	// ArenaPersistent marks an arena that lives inside an Atlas region.
	ArenaPersistent
)

// Arena is a bump allocator over one contiguous region. Reset invalidates
// every pointer handed out so far and advances the generation; consumers
// that cache arena addresses must revalidate against the generation.
type Arena struct {
	buf        []byte
	owned      bool
	off        uint64
	generation uint32
	flags      ArenaFlag

	allocs uint64
	resets uint64
}

// NewArena creates an arena owning size bytes of heap. Returns nil when
// size is zero or VOID.
func NewArena(size uint64, flags ArenaFlag) *Arena {
	if size == 0 || IsVoidU64(size) {
		return nil
	}
	return &Arena{
		buf:        make([]byte, size),
		owned:      true,
		generation: 1,
		flags:      flags,
	}
}

// arenaOver wraps caller-owned memory (an Atlas allocation) without
// taking ownership.
func arenaOver(buf []byte, flags ArenaFlag) *Arena {
	if len(buf) == 0 {
		return nil
	}
	return &Arena{buf: buf, generation: 1, flags: flags | ArenaPersistent}
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		align = 1
	}
	return (v + align - 1) &^ (align - 1)
}

// Alloc returns the address of a fresh block, or VoidPtr when the arena
// is exhausted. Alignment must be a power of two; zero means 8.
func (a *Arena) Alloc(size, align uint64) uint64 {
	if a == nil || size == 0 || IsVoidU64(size) {
		return VoidPtr
	}
	if align == 0 {
		align = 8
	}
	base := uint64(uintptr(unsafe.Pointer(&a.buf[0])))
	start := alignUp(base+a.off, align) - base
	if start+size > uint64(len(a.buf)) || start+size < start {
		return VoidPtr
	}
	a.off = start + size
	a.allocs++
	p := base + start
	if a.flags&ArenaZeroed != 0 {
		for i := start; i < start+size; i++ {
			a.buf[i] = 0
		}
	}
	return p
}

// Calloc is Alloc plus zeroing.
func (a *Arena) Calloc(size, align uint64) uint64 {
	p := a.Alloc(size, align)
	if IsVoidPtr(p) {
		return p
	}
	base := uint64(uintptr(unsafe.Pointer(&a.buf[0])))
	off := p - base
	for i := off; i < off+size; i++ {
		a.buf[i] = 0
	}
	return p
}

// Reset rewinds the bump pointer and returns the new generation. All
// previously returned addresses are invalid from here on.
func (a *Arena) Reset() uint32 {
	if a == nil {
		return VoidU32
	}
	a.off = 0
	a.resets++
	a.generation++
	return a.generation
}

// Destroy releases the backing memory. The arena must not be used after.
func (a *Arena) Destroy() {
	if a == nil {
		return
	}
	a.buf = nil
	a.off = 0
	a.generation = VoidU32
}

func (a *Arena) Generation() uint32 {
	if a == nil || a.buf == nil {
		return VoidU32
	}
	return a.generation
}

// Used reports bytes consumed; Available what remains.
func (a *Arena) Used() uint64 { return a.off }

func (a *Arena) Available() uint64 {
	if a == nil || a.buf == nil {
		return 0
	}
	return uint64(len(a.buf)) - a.off
}

// Contains reports whether addr points into the arena's live region.
func (a *Arena) Contains(addr uint64) bool {
	if a == nil || a.buf == nil || IsVoidPtr(addr) {
		return false
	}
	base := uint64(uintptr(unsafe.Pointer(&a.buf[0])))
	return addr >= base && addr < base+uint64(len(a.buf))
}

// NewArena carves an arena out of the Atlas heap. Structures placed in
// it, the CDT included, survive a reboot along with the store.
func (a *Atlas) NewArena(size uint64) *Arena {
	if a.IsVoid() {
		return nil
	}
	off := a.Calloc(size)
	if off == 0 {
		return nil
	}
	return arenaOver(a.bytesAt(off, size), 0)
}

// Cap mints a capability over a fresh allocation. This is the privileged
// construction path for volatile memory: user code never assembles a
// capability from raw integers.
func (a *Arena) Cap(size, align uint64, perms Perm) Capability {
	p := a.Alloc(size, align)
	if IsVoidPtr(p) {
		return VoidCapability()
	}
	return newCapability(p, size, a.generation, perms)
}
