package seraph

import (
	"os"
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestTxCommit(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-tx.atlas", MinRegionSize)

	gid := a.AllocGeneration()
	c, off := a.AllocCap(32, PermRW, gid)

	genBefore := a.Generation()
	commitsBefore := a.CommitCount()

	tx := a.Begin()
	assert.NotNil(tx)
	assert.Equal(TxActive, tx.State())
	assert.Equal(VTrue, tx.MarkDirty(off, 8))
	assert.Equal(VTrue, c.WriteU64(0, 42))
	assert.Equal(VTrue, tx.Commit())

	assert.Equal(TxCommitted, tx.State())
	assert.Equal(genBefore+1, a.Generation())
	assert.Equal(commitsBefore+1, a.CommitCount())
	assert.Equal(uint64(42), c.ReadU64(0))

	// A finished transaction answers VVoid to everything.
	assert.Equal(VVoid, tx.Commit())
	assert.Equal(VVoid, tx.Abort())
	assert.Equal(VVoid, tx.MarkDirty(off, 8))
}

func TestTxAbortRestoresBytes(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-abort.atlas", MinRegionSize)

	gid := a.AllocGeneration()
	c, off := a.AllocCap(32, PermRW, gid)
	c.WriteU64(0, 0x1111)
	c.WriteU64(8, 0x2222)

	genBefore := a.Generation()
	abortsBefore := a.AbortCount()

	tx := a.Begin()
	assert.Equal(VTrue, tx.MarkDirty(off, 16))
	c.WriteU64(0, 0x9999)
	c.WriteU64(8, 0x8888)
	assert.Equal(VTrue, tx.Abort())

	assert.Equal(uint64(0x1111), c.ReadU64(0))
	assert.Equal(uint64(0x2222), c.ReadU64(8))
	assert.Equal(genBefore, a.Generation())
	assert.Equal(abortsBefore+1, a.AbortCount())
}

func TestTxConflictFirstCommitterWins(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-conflict.atlas", MinRegionSize)

	gid := a.AllocGeneration()
	c, off := a.AllocCap(64, PermRW, gid)
	c.WriteU64(0, 1)

	tx1 := a.Begin()
	tx2 := a.Begin()

	assert.Equal(VTrue, tx1.MarkDirty(off, 8))
	c.WriteU64(0, 100)
	assert.Equal(VTrue, tx1.Commit())

	assert.Equal(VTrue, tx2.MarkDirty(off+8, 8))
	c.WriteU64(8, 200)
	assert.Equal(VFalse, tx2.Commit())
	assert.Equal(TxAborted, tx2.State())

	// The loser's writes were rolled back; the winner's stand.
	assert.Equal(uint64(100), c.ReadU64(0))
	assert.Equal(uint64(0), c.ReadU64(8))
}

func TestTxDirtyTableFull(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-dirtyfull.atlas", MinRegionSize)

	off := a.Alloc(8 * (MaxDirtyPages + 1))
	tx := a.Begin()
	for i := 0; i < MaxDirtyPages; i++ {
		assert.Equal(VTrue, tx.MarkDirty(off+uint64(i)*8, 8))
	}
	assert.Equal(VFalse, tx.MarkDirty(off+MaxDirtyPages*8, 8))
	assert.Equal(VTrue, tx.Abort())
}

func TestTxSlotTableFull(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-txfull.atlas", MinRegionSize)

	var txs []*Tx
	for i := 0; i < MaxTx; i++ {
		tx := a.Begin()
		assert.NotNil(tx)
		txs = append(txs, tx)
	}
	assert.Nil(a.Begin())

	assert.Equal(VTrue, txs[3].Abort())
	assert.NotNil(a.Begin())

	for _, tx := range txs {
		if tx.State() == TxActive {
			tx.Abort()
		}
	}
}

func TestTxMarkDirtyValidation(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-dirtyval.atlas", MinRegionSize)

	tx := a.Begin()
	defer tx.Abort()

	assert.Equal(VFalse, tx.MarkDirty(0, 0))
	assert.Equal(VFalse, tx.MarkDirty(a.Size(), 8))
	assert.Equal(VFalse, tx.MarkDirty(VoidU64, 8))
	assert.Equal(VFalse, tx.MarkDirtyPtr(0x10, 8))

	off := a.Alloc(16)
	p := a.OffsetToPtr(off)
	assert.Equal(VTrue, tx.MarkDirtyPtr(p, 16))
}

func TestRecoveryRollsBackInFlight(t *testing.T) {
	assert := assertion.New(t)
	const path = "/tmp/test-seraph-recover.atlas"
	_ = os.Remove(path)
	defer os.Remove(path)

	a, err := Open(path, MinRegionSize, nil)
	assert.NoError(err)

	gid := a.AllocGeneration()
	c, off := a.AllocCap(64, PermRW, gid)
	tx := a.Begin()
	assert.Equal(VTrue, tx.MarkDirty(off, 8))
	c.WriteU64(0, 0x5150)
	assert.Equal(VTrue, tx.Commit())

	// A transaction left hanging at close looks exactly like a crash:
	// the journal slot is still ACTIVE when the region is mapped again.
	tx = a.Begin()
	assert.Equal(VTrue, tx.MarkDirty(off, 8))
	c.WriteU64(0, 0xBAD)
	gen := a.Generation()
	aborts := a.AbortCount()
	assert.NoError(a.Close())

	a, err = Open(path, 0, nil)
	assert.NoError(err)
	defer a.Close()

	assert.Equal(gen, a.Generation())
	assert.Equal(aborts+1, a.AbortCount())
	c2 := a.CapAt(off, 64, PermRead, gid)
	assert.Equal(uint64(0x5150), c2.ReadU64(0))
	assert.NotNil(a.Begin())
}

func TestRecoveryKeepsPublishedCommit(t *testing.T) {
	assert := assertion.New(t)
	const path = "/tmp/test-seraph-published.atlas"
	_ = os.Remove(path)
	defer os.Remove(path)

	a, err := Open(path, MinRegionSize, nil)
	assert.NoError(err)

	gid := a.AllocGeneration()
	c, off := a.AllocCap(64, PermRW, gid)

	// Run a commit up to its Genesis publish by hand and stop before the
	// slot release, the way a crash in that window would.
	tx := a.Begin()
	assert.Equal(VTrue, tx.MarkDirty(off, 8))
	c.WriteU64(0, 0xC0FFEE)
	a.mu.Lock()
	slot := a.txSlot(tx.slot)
	slot.PublishGeneration = tx.startGeneration + 1
	a.genesis.CommitCount++
	atomicStoreU64(&a.genesis.Generation, tx.startGeneration+1)
	a.mu.Unlock()
	gen := tx.startGeneration + 1
	aborts := a.AbortCount()
	assert.NoError(a.Close())

	a, err = Open(path, 0, nil)
	assert.NoError(err)
	defer a.Close()

	// The published commit survives; nothing was rolled back.
	assert.Equal(gen, a.Generation())
	assert.Equal(aborts, a.AbortCount())
	c2 := a.CapAt(off, 64, PermRead, gid)
	assert.Equal(uint64(0xC0FFEE), c2.ReadU64(0))

	// The orphaned slot was released, not leaked.
	for i := 0; i < MaxTx; i++ {
		assert.Equal(uint64(TxVoid), a.txSlot(i).State)
	}
}

func TestTxScratchReleasedOnCommit(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-scratch.atlas", MinRegionSize)

	off := a.Alloc(64)
	before := a.Available()

	tx := a.Begin()
	assert.Equal(VTrue, tx.MarkDirty(off, 64))
	assert.Equal(VTrue, tx.Commit())

	// The parked pre-image went back to the free list.
	assert.Equal(before, a.Available())
}
