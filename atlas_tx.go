package seraph

import (
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
)

type TxState uint64

const (
	TxVoid TxState = iota
	TxActive
	TxCommitted
	TxAborted
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "ACTIVE"
	case TxCommitted:
		return "COMMITTED"
	case TxAborted:
		return "ABORTED"
	}
	return "VOID"
}

// dirtyRec is one undo entry: where the mutation lands, how wide it is,
// and where the pre-image was parked.
type dirtyRec struct {
	Offset      uint64
	Size        uint64
	SavedOffset uint64
}

// txSlotRec is the persistent journal slot. It lives inside the region
// so that recovery after a crash needs nothing but the mapping itself.
// PublishGeneration is written and flushed immediately before the
// Genesis publish; recovery compares it against the published generation
// to tell a finished commit from an in-flight one.
type txSlotRec struct {
	State             uint64
	TxID              uint64
	DirtyCount        uint64
	PublishGeneration uint64
	Dirty             [MaxDirtyPages]dirtyRec
}

func (a *Atlas) txSlotOff(i int) uint64 {
	return txJournalOffset + uint64(i)*txSlotSize
}

func (a *Atlas) txSlot(i int) *txSlotRec {
	return (*txSlotRec)(unsafe.Pointer(&a.data[a.txSlotOff(i)]))
}

// Tx is a handle over one journal slot. A transaction owns its dirty set
// exclusively; concurrent transactions race only at commit, where the
// generation check makes the first committer win.
type Tx struct {
	a               *Atlas
	slot            int
	id              uint64
	epoch           uint64
	startGeneration uint64
	startChronon    uint64
	state           TxState
}

func (tx *Tx) ID() uint64     { return tx.id }
func (tx *Tx) State() TxState { return tx.state }
func (tx *Tx) IsVoid() bool   { return tx == nil || tx.state == TxVoid }

// Begin claims a transaction slot. Nil when the fixed table is full.
func (a *Atlas) Begin() *Tx {
	if a.IsVoid() || a.readOnly {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < MaxTx; i++ {
		if a.txs[i] != nil {
			continue
		}
		g := a.genesis
		tx := &Tx{
			a:               a,
			slot:            i,
			id:              g.NextTxID,
			epoch:           g.Epoch,
			startGeneration: atomicLoadU64(&g.Generation),
			startChronon:    nowChronon(),
			state:           TxActive,
		}
		g.NextTxID++

		slot := a.txSlot(i)
		slot.TxID = tx.id
		slot.DirtyCount = 0
		slot.PublishGeneration = 0
		slot.State = uint64(TxActive)

		a.txs[i] = tx
		return tx
	}
	return nil
}

// MarkDirty declares an imminent mutation of [off, off+size). The
// pre-image is copied into scratch space so abort and crash recovery can
// undo it, and any active snapshot covering those pages takes its COW
// copy first. VFalse when the dirty table is full: the caller must abort.
func (tx *Tx) MarkDirty(off, size uint64) VBit {
	if tx.IsVoid() || tx.state != TxActive {
		return VVoid
	}
	a := tx.a
	if size == 0 || IsVoidU64(off) || IsVoidU64(size) {
		return VFalse
	}
	if off+size > uint64(len(a.data)) || off+size < off {
		return VFalse
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	slot := a.txSlot(tx.slot)
	if slot.DirtyCount >= MaxDirtyPages {
		return VFalse
	}

	// Snapshot COW first: the pre-write bytes must land in every live
	// snapshot before the transaction is allowed to touch them. Committed
	// snapshots stay live so they remain restorable.
	for i := 0; i < MaxSnapshots; i++ {
		if s := a.snaps[i]; s != nil {
			if st := s.state(); st == SnapActive || st == SnapCommitted {
				s.cowRangeLocked(off, size)
			}
		}
	}

	saved := a.allocLocked(alignUp(size, 8), 8)
	if saved == 0 {
		return VFalse
	}
	copy(a.data[saved:saved+size], a.data[off:off+size])

	// Entry before count: a torn journal write must never describe an
	// undo record that was not fully parked.
	slot.Dirty[slot.DirtyCount] = dirtyRec{Offset: off, Size: size, SavedOffset: saved}
	slot.DirtyCount++
	return VTrue
}

// MarkDirtyPtr is MarkDirty over a mapped address.
func (tx *Tx) MarkDirtyPtr(addr, size uint64) VBit {
	if tx.IsVoid() {
		return VVoid
	}
	off := tx.a.PtrToOffset(addr)
	if IsVoidU64(off) {
		return VFalse
	}
	return tx.MarkDirty(off, size)
}

// Commit makes the dirty set durable and publishes it through Genesis.
// A generation moved since Begin means a conflicting committer won; the
// transaction rolls back and reports VFalse.
func (tx *Tx) Commit() VBit {
	if tx.IsVoid() || tx.state != TxActive {
		return VVoid
	}
	a := tx.a
	a.mu.Lock()
	defer a.mu.Unlock()

	g := a.genesis
	slot := a.txSlot(tx.slot)

	if atomicLoadU64(&g.Generation) != tx.startGeneration {
		log.WithFields(log.Fields{
			"tx":       tx.id,
			"expected": tx.startGeneration,
			"observed": atomicLoadU64(&g.Generation),
		}).Debug("atlas commit conflict")
		a.rollbackSlot(slot)
		a.releaseSlotLocked(tx, slot, TxAborted)
		g.AbortCount++
		return VFalse
	}

	// Flush the dirty ranges before the publish so a reader that sees the
	// new generation sees fully durable data behind it.
	for i := uint64(0); i < slot.DirtyCount; i++ {
		d := slot.Dirty[i]
		if err := msyncRange(a, d.Offset, d.Size); err != nil {
			log.WithField("tx", tx.id).WithError(err).Error("dirty flush failed")
			a.rollbackSlot(slot)
			a.releaseSlotLocked(tx, slot, TxAborted)
			g.AbortCount++
			return VFalse
		}
	}

	// Stamp and flush the publish generation into the slot before the
	// publish itself. If the process dies between the Genesis flush and
	// the slot release, recovery sees the stamp matching the published
	// generation and keeps the committed bytes instead of undoing them.
	slot.PublishGeneration = tx.startGeneration + 1
	if err := msyncRange(a, a.txSlotOff(tx.slot), txSlotSize); err != nil {
		log.WithField("tx", tx.id).WithError(err).Error("journal flush failed")
		slot.PublishGeneration = 0
		a.rollbackSlot(slot)
		a.releaseSlotLocked(tx, slot, TxAborted)
		g.AbortCount++
		return VFalse
	}

	now := uint64(time.Now().UnixNano())
	g.ModifiedAt = now
	g.LastCommitAt = now
	g.CommitCount++
	// Single release-store: the linearization point of the commit.
	atomicStoreU64(&g.Generation, tx.startGeneration+1)
	_ = msyncRange(a, 0, GenesisSize)

	a.releaseSlotLocked(tx, slot, TxCommitted)
	return VTrue
}

// Abort restores every pre-image in reverse order and releases the slot.
func (tx *Tx) Abort() VBit {
	if tx.IsVoid() || tx.state != TxActive {
		return VVoid
	}
	a := tx.a
	a.mu.Lock()
	defer a.mu.Unlock()

	slot := a.txSlot(tx.slot)
	a.rollbackSlot(slot)
	a.releaseSlotLocked(tx, slot, TxAborted)
	a.genesis.AbortCount++
	return VTrue
}

// rollbackSlot copies saved bytes back, newest first.
func (a *Atlas) rollbackSlot(slot *txSlotRec) {
	for i := slot.DirtyCount; i > 0; i-- {
		d := slot.Dirty[i-1]
		if d.Offset+d.Size > uint64(len(a.data)) || d.SavedOffset+d.Size > uint64(len(a.data)) {
			continue // corrupt entry; skip rather than smear
		}
		copy(a.data[d.Offset:d.Offset+d.Size], a.data[d.SavedOffset:d.SavedOffset+d.Size])
	}
}

// releaseSlotLocked returns scratch blocks to the free list and frees
// the journal slot. Caller holds a.mu.
func (a *Atlas) releaseSlotLocked(tx *Tx, slot *txSlotRec, final TxState) {
	for i := uint64(0); i < slot.DirtyCount; i++ {
		d := slot.Dirty[i]
		if d.SavedOffset >= heapStart {
			a.freeLocked(d.SavedOffset, alignUp(d.Size, 8))
		}
	}
	slot.State = uint64(TxVoid)
	slot.DirtyCount = 0
	slot.PublishGeneration = 0
	tx.state = final
	a.txs[tx.slot] = nil
}

// freeLocked is Free without the lock, for internal callers.
func (a *Atlas) freeLocked(off, size uint64) {
	if size < freeNodeSize {
		size = freeNodeSize
	}
	if off < heapStart || off+size > uint64(len(a.data)) {
		return
	}
	g := a.genesis
	node := a.freeNodeAt(off)
	node.NextOffset = g.FreeListOffset
	node.Size = size
	node.FreedGeneration = atomicLoadU64(&g.Generation)
	g.FreeListOffset = off
	g.TotalFreed += size
}

// abortAllLocked force-aborts every live transaction. Snapshot restore
// uses it; caller holds a.mu.
func (a *Atlas) abortAllLocked() {
	for i := 0; i < MaxTx; i++ {
		tx := a.txs[i]
		if tx == nil || tx.state != TxActive {
			continue
		}
		slot := a.txSlot(i)
		a.rollbackSlot(slot)
		a.releaseSlotLocked(tx, slot, TxAborted)
		a.genesis.AbortCount++
	}
}
