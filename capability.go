package seraph

import (
	"unsafe"
)

// Perm is the capability permission bitset.
type Perm uint16

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermDerive
	PermSeal
	PermUnseal
	PermGlobal
	PermLocal

	PermRW  = PermRead | PermWrite
	PermAll = PermRead | PermWrite | PermExec | PermDerive | PermSeal | PermUnseal | PermGlobal | PermLocal
)

// Capability is an unforgeable spatial+temporal token over a memory
// range: 24 bytes, the on-wire record carried inside Whisper messages.
// Fields are unexported on purpose; the only construction paths are the
// trusted allocators (Arena.Cap, Atlas.AllocCap) and derivation from an
// existing capability.
type Capability struct {
	base       uint64
	length     uint64
	generation uint32
	perms      Perm
	seal       uint16
}

const capabilitySize = 24

// VoidCapability returns the absent capability.
func VoidCapability() Capability {
	return Capability{base: VoidPtr, length: VoidU64, generation: VoidU32}
}

// newCapability is the privileged constructor. In-package only.
func newCapability(base, length uint64, generation uint32, perms Perm) Capability {
	if IsVoidPtr(base) || IsVoidU64(length) || IsVoidU32(generation) {
		return VoidCapability()
	}
	return Capability{base: base, length: length, generation: generation, perms: perms}
}

func (c Capability) IsVoid() bool {
	return IsVoidPtr(c.base) || IsVoidU64(c.length) || IsVoidU32(c.generation)
}

func (c Capability) Base() uint64       { return c.base }
func (c Capability) Length() uint64     { return c.length }
func (c Capability) Generation() uint32 { return c.generation }
func (c Capability) Perms() Perm        { return c.perms }
func (c Capability) SealType() uint16   { return c.seal }
func (c Capability) IsSealed() bool     { return c.seal != 0 }

func (c Capability) CanRead() bool   { return c.perms&PermRead != 0 }
func (c Capability) CanWrite() bool  { return c.perms&PermWrite != 0 }
func (c Capability) CanExec() bool   { return c.perms&PermExec != 0 }
func (c Capability) CanDerive() bool { return c.perms&PermDerive != 0 }

// Derive narrows a capability to a sub-range with a permission subset.
// Requires PermDerive on the parent. The child carries the parent's
// generation and is always unsealed.
func (c Capability) Derive(offset, length uint64, perms Perm) Capability {
	if c.IsVoid() || c.IsSealed() || !c.CanDerive() {
		return VoidCapability()
	}
	if IsVoidU64(offset) || IsVoidU64(length) {
		return VoidCapability()
	}
	if offset > c.length || length > c.length-offset {
		return VoidCapability()
	}
	if perms&^c.perms != 0 {
		return VoidCapability()
	}
	return Capability{
		base:       c.base + offset,
		length:     length,
		generation: c.generation,
		perms:      perms,
	}
}

// Shrink narrows bounds without requiring PermDerive; permissions and
// seal carry over unchanged.
func (c Capability) Shrink(offset, newLength uint64) Capability {
	if c.IsVoid() || IsVoidU64(offset) || IsVoidU64(newLength) {
		return VoidCapability()
	}
	if offset > c.length || newLength > c.length-offset {
		return VoidCapability()
	}
	out := c
	out.base = c.base + offset
	out.length = newLength
	return out
}

// Restrict removes permissions; they can never be added back.
func (c Capability) Restrict(remove Perm) Capability {
	if c.IsVoid() {
		return VoidCapability()
	}
	out := c
	out.perms = Clear(out.perms, remove)
	return out
}

// Seal locks the capability under a nonzero type tag. Sealing consumes
// PermSeal: a sealed capability cannot be re-sealed after unsealing
// unless it still carries the permission from elsewhere.
func (c Capability) Seal(sealType uint16) Capability {
	if c.IsVoid() || c.IsSealed() || sealType == 0 || c.perms&PermSeal == 0 {
		return VoidCapability()
	}
	out := c
	out.seal = sealType
	out.perms = Clear(out.perms, PermSeal)
	return out
}

// Unseal unlocks a capability sealed with the expected type, consuming
// PermUnseal.
func (c Capability) Unseal(expected uint16) Capability {
	if c.IsVoid() || !c.IsSealed() || c.seal != expected || c.perms&PermUnseal == 0 {
		return VoidCapability()
	}
	out := c
	out.seal = 0
	out.perms = Clear(out.perms, PermUnseal)
	return out
}

// InBounds is strict: offset must address a byte inside the range.
func (c Capability) InBounds(offset uint64) bool {
	return !c.IsVoid() && offset < c.length
}

// RangeValid reports whether [offset, offset+size) fits entirely.
func (c Capability) RangeValid(offset, size uint64) bool {
	return c.rangeOK(offset, size)
}

func (c Capability) rangeOK(offset, size uint64) bool {
	if c.IsVoid() || IsVoidU64(offset) || IsVoidU64(size) {
		return false
	}
	return offset <= c.length && size <= c.length-offset
}

// IsSubset reports containment: same generation, bounds of c inside o,
// and a permission subset.
func (c Capability) IsSubset(o Capability) bool {
	if c.IsVoid() || o.IsVoid() {
		return false
	}
	if c.generation != o.generation {
		return false
	}
	if c.base < o.base || c.base+c.length > o.base+o.length {
		return false
	}
	return c.perms&^o.perms == 0
}

func (c Capability) readable(offset, size uint64) bool {
	return !c.IsVoid() && !c.IsSealed() && c.CanRead() && c.rangeOK(offset, size) && size > 0
}

func (c Capability) writable(offset, size uint64) bool {
	return !c.IsVoid() && !c.IsSealed() && c.CanWrite() && c.rangeOK(offset, size) && size > 0
}

// Typed reads. Any failed check yields the VOID of that width.

func (c Capability) ReadU8(offset uint64) uint8 {
	if !c.readable(offset, 1) {
		return VoidU8
	}
	return *(*uint8)(unsafe.Pointer(uintptr(c.base + offset)))
}

func (c Capability) ReadU16(offset uint64) uint16 {
	if !c.readable(offset, 2) {
		return VoidU16
	}
	return *(*uint16)(unsafe.Pointer(uintptr(c.base + offset)))
}

func (c Capability) ReadU32(offset uint64) uint32 {
	if !c.readable(offset, 4) {
		return VoidU32
	}
	return *(*uint32)(unsafe.Pointer(uintptr(c.base + offset)))
}

func (c Capability) ReadU64(offset uint64) uint64 {
	if !c.readable(offset, 8) {
		return VoidU64
	}
	return *(*uint64)(unsafe.Pointer(uintptr(c.base + offset)))
}

// Typed writes. VVoid for an invalid capability, VFalse for a
// bounds/permission failure or a VOID payload, VTrue on success.

func (c Capability) writeCheck(offset, size uint64) VBit {
	if c.IsVoid() {
		return VVoid
	}
	if c.IsSealed() || !c.CanWrite() || !c.rangeOK(offset, size) {
		return VFalse
	}
	return VTrue
}

func (c Capability) WriteU8(offset uint64, v uint8) VBit {
	if r := c.writeCheck(offset, 1); r != VTrue {
		return r
	}
	if IsVoidU8(v) {
		return VFalse
	}
	*(*uint8)(unsafe.Pointer(uintptr(c.base + offset))) = v
	return VTrue
}

func (c Capability) WriteU16(offset uint64, v uint16) VBit {
	if r := c.writeCheck(offset, 2); r != VTrue {
		return r
	}
	if IsVoidU16(v) {
		return VFalse
	}
	*(*uint16)(unsafe.Pointer(uintptr(c.base + offset))) = v
	return VTrue
}

func (c Capability) WriteU32(offset uint64, v uint32) VBit {
	if r := c.writeCheck(offset, 4); r != VTrue {
		return r
	}
	if IsVoidU32(v) {
		return VFalse
	}
	*(*uint32)(unsafe.Pointer(uintptr(c.base + offset))) = v
	return VTrue
}

func (c Capability) WriteU64(offset uint64, v uint64) VBit {
	if r := c.writeCheck(offset, 8); r != VTrue {
		return r
	}
	if IsVoidU64(v) {
		return VFalse
	}
	*(*uint64)(unsafe.Pointer(uintptr(c.base + offset))) = v
	return VTrue
}

// CapCopy moves length bytes between capability ranges with
// memmove-style overlap handling. Requires PermWrite on dst and PermRead
// on src, both unsealed, both ranges fully valid.
func CapCopy(dst Capability, dstOff uint64, src Capability, srcOff, length uint64) VBit {
	if dst.IsVoid() || src.IsVoid() {
		return VVoid
	}
	if length == 0 {
		return VTrue
	}
	if dst.IsSealed() || src.IsSealed() || !dst.CanWrite() || !src.CanRead() {
		return VFalse
	}
	if !dst.rangeOK(dstOff, length) || !src.rangeOK(srcOff, length) {
		return VFalse
	}
	d := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(dst.base+dstOff))), length)
	s := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(src.base+srcOff))), length)
	copy(d, s) // copy handles overlap like memmove
	return VTrue
}

// bytes exposes the range behind an unsealed readable capability.
// In-package helper for the persistence and checkpoint paths.
func (c Capability) bytes(offset, length uint64) []byte {
	if !c.readable(offset, length) {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(c.base+offset))), length)
}
