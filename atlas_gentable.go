package seraph

import (
	"unsafe"
)

// genTableRec is the persistent generation table: revocations recorded
// here survive a crash, so a revoked capability stays revoked forever.
type genTableRec struct {
	Magic    uint64
	Count    uint64
	Counters [GenTableEntries]uint64
}

func (a *Atlas) genTable() *genTableRec {
	return (*genTableRec)(unsafe.Pointer(&a.data[GenTableOffset]))
}

// AllocGeneration claims the next generation slot, seeding its counter
// at 1. Slot ids are stable across restarts. VOID when the table is full.
func (a *Atlas) AllocGeneration() uint64 {
	if a.IsVoid() || a.readOnly {
		return VoidU64
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	gt := a.genTable()
	if gt.Count >= GenTableEntries {
		return VoidU64
	}
	id := gt.Count
	gt.Counters[id] = 1
	gt.Count++
	return id
}

// Revoke bumps a slot's counter. Every outstanding capability stamped
// with the previous value answers VFalse to CheckGeneration from now on;
// counters are monotonic, so nothing is ever resurrected.
func (a *Atlas) Revoke(id uint64) VBit {
	if a.IsVoid() || a.readOnly {
		return VVoid
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	gt := a.genTable()
	if id >= gt.Count || IsVoidU64(id) {
		return VVoid
	}
	gt.Counters[id]++
	return VTrue
}

// CheckGeneration answers whether gen is still the live generation of
// slot id. VVoid for an unknown slot or VOID inputs.
func (a *Atlas) CheckGeneration(id uint64, gen uint32) VBit {
	if a.IsVoid() || IsVoidU64(id) || IsVoidU32(gen) {
		return VVoid
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	gt := a.genTable()
	if id >= gt.Count {
		return VVoid
	}
	return VBitOf(uint32(gt.Counters[id]) == gen)
}

// generationOf reads the live counter of a slot for capability minting.
func (a *Atlas) generationOf(id uint64) uint32 {
	if a.IsVoid() || IsVoidU64(id) {
		return VoidU32
	}
	gt := a.genTable()
	if id >= gt.Count {
		return VoidU32
	}
	return uint32(gt.Counters[id])
}

// GenerationCount reports how many slots are allocated.
func (a *Atlas) GenerationCount() uint64 {
	if a.IsVoid() {
		return VoidU64
	}
	return a.genTable().Count
}
