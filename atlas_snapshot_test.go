package seraph

import (
	"os"
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestSnapshotRestore(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-snap.atlas", MinRegionSize)

	gid := a.AllocGeneration()
	off := a.AllocPages(PageSize)
	c := a.CapAt(off, PageSize, PermRW, gid)
	c.WriteU64(0, 0xAAAA)
	c.WriteU64(8, 0xBBBB)

	s := a.SnapshotBegin(nil)
	assert.NotNil(s)
	assert.Equal(SnapPreparing, s.State())
	assert.Equal(VTrue, s.Include(off, PageSize))
	assert.Equal(VTrue, s.Activate())
	assert.Equal(VTrue, s.Commit())
	assert.Equal(SnapCommitted, s.State())

	// Mutation after the snapshot committed still parks the pre-image.
	tx := a.Begin()
	assert.Equal(VTrue, tx.MarkDirty(off, 16))
	c.WriteU64(0, 0x9999)
	c.WriteU64(8, 0x7777)
	assert.Equal(VTrue, tx.Commit())
	assert.Equal(uint64(0x9999), c.ReadU64(0))

	genBefore := a.Generation()
	assert.Equal(VTrue, s.Restore())
	assert.Equal(uint64(0xAAAA), c.ReadU64(0))
	assert.Equal(uint64(0xBBBB), c.ReadU64(8))
	assert.True(a.Generation() > genBefore)
}

func TestSnapshotReadPage(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-snappage.atlas", MinRegionSize)

	off := a.AllocPages(PageSize)
	a.data[off] = 0x11

	s := a.SnapshotBegin(nil)
	s.Include(off, PageSize)
	s.Activate()

	// Before any divergence the snapshot reads the live page.
	assert.Equal(byte(0x11), s.ReadPage(off)[0])

	tx := a.Begin()
	tx.MarkDirty(off, 1)
	a.data[off] = 0x22
	tx.Commit()

	assert.Equal(byte(0x22), a.data[off])
	assert.Equal(byte(0x11), s.ReadPage(off)[0])
	assert.Equal(uint32(1), s.CowCount())

	// Writes to an already copied page do not grow the COW table.
	tx = a.Begin()
	tx.MarkDirty(off, 1)
	a.data[off] = 0x33
	tx.Commit()
	assert.Equal(uint32(1), s.CowCount())
}

func TestSnapshotExcludedPagesUntouched(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-snapexcl.atlas", MinRegionSize)

	inOff := a.AllocPages(PageSize)
	outOff := a.AllocPages(PageSize)
	a.data[inOff] = 1
	a.data[outOff] = 1

	s := a.SnapshotBegin(nil)
	s.Include(inOff, PageSize)
	s.Activate()
	s.Commit()

	tx := a.Begin()
	tx.MarkDirty(inOff, 1)
	tx.MarkDirty(outOff, 1)
	a.data[inOff] = 2
	a.data[outOff] = 2
	tx.Commit()

	assert.Equal(VTrue, s.Restore())
	assert.Equal(byte(1), a.data[inOff])
	// The excluded page keeps its post-snapshot value.
	assert.Equal(byte(2), a.data[outOff])
}

func TestSnapshotRestoreAbortsLiveTx(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-snapabort.atlas", MinRegionSize)

	off := a.AllocPages(PageSize)
	s := a.SnapshotBegin(nil)
	s.Include(off, PageSize)
	s.Activate()
	s.Commit()

	tx := a.Begin()
	tx.MarkDirty(off, 8)
	a.data[off] = 0xFF

	assert.Equal(VTrue, s.Restore())
	assert.Equal(TxAborted, tx.State())
	assert.Equal(VVoid, tx.Commit())
}

func TestSnapshotLifecycleRules(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-snaprules.atlas", MinRegionSize)

	off := a.AllocPages(PageSize)
	s := a.SnapshotBegin(nil)

	// Restore and Commit need the right state.
	assert.Equal(VFalse, s.Restore())
	assert.Equal(VFalse, s.Commit())

	s.Include(off, PageSize)
	s.Activate()
	// Include after activation is refused.
	assert.Equal(VFalse, s.Include(off, PageSize))
	assert.Equal(VFalse, s.Activate())

	s.Commit()
	assert.Equal(VTrue, s.Restore())
	// Restore twice is the same state, one more generation.
	g := a.Generation()
	assert.Equal(VTrue, s.Restore())
	assert.True(a.Generation() > g)

	assert.Equal(VTrue, s.Abort())
	assert.True(s.IsVoid())
}

func TestSnapshotDirectoryFull(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-snapfull.atlas", MinRegionSize)

	var snaps []*Snapshot
	for i := 0; i < MaxSnapshots; i++ {
		s := a.SnapshotBegin(nil)
		assert.NotNil(s)
		snaps = append(snaps, s)
	}
	assert.Nil(a.SnapshotBegin(nil))

	snaps[0].Abort()
	assert.NotNil(a.SnapshotBegin(nil))
}

func TestSnapshotExplicitVClocks(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-snapvc.atlas", MinRegionSize)

	off := a.AllocPages(PageSize)
	a.data[off] = 0x5A

	s1 := a.SnapshotBegin([]uint64{1, 0})
	s1.IncludeAll()
	s1.Activate()
	assert.Equal(VTrue, s1.Commit())

	tx := a.Begin()
	tx.MarkDirty(off, 1)
	a.data[off] = 0xA5
	assert.Equal(VTrue, tx.Commit())

	s2 := a.SnapshotBegin([]uint64{2, 0})
	s2.IncludeAll()
	s2.Activate()
	assert.Equal(VTrue, s2.Commit())

	assert.Equal(OrderBefore, SnapshotCompare(s1, s2))
	assert.Equal(VTrue, s1.Restore())
	assert.Equal(byte(0x5A), a.data[off])
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	assert := assertion.New(t)
	const path = "/tmp/test-seraph-snapreopen.atlas"
	_ = os.Remove(path)
	defer os.Remove(path)

	a, err := Open(path, MinRegionSize, nil)
	assert.NoError(err)

	gid := a.AllocGeneration()
	off := a.AllocPages(PageSize)
	c := a.CapAt(off, PageSize, PermRW, gid)
	c.WriteU64(0, 0x1CEB00DA)

	s := a.SnapshotBegin(nil)
	snapID := s.ID()
	s.Include(off, PageSize)
	s.Activate()
	assert.Equal(VTrue, s.Commit())

	// Diverge after the commit so the snapshot holds a COW copy.
	tx := a.Begin()
	assert.Equal(VTrue, tx.MarkDirty(off, 8))
	c.WriteU64(0, 0x0DDBA11)
	assert.Equal(VTrue, tx.Commit())

	// A build abandoned mid-flight must not survive the reopen.
	leftover := a.SnapshotBegin(nil)
	leftover.IncludeAll()
	leftover.Activate()
	assert.NoError(a.Close())

	a, err = Open(path, 0, nil)
	assert.NoError(err)
	defer a.Close()

	live := a.Snapshots()
	assert.Len(live, 1)
	s2 := a.SnapshotByID(snapID)
	assert.NotNil(s2)
	assert.Equal(SnapCommitted, s2.State())

	assert.Equal(VTrue, s2.Restore())
	c2 := a.CapAt(off, PageSize, PermRead, gid)
	assert.Equal(uint64(0x1CEB00DA), c2.ReadU64(0))

	// Both directory slots come back claimable.
	assert.Equal(VTrue, s2.Abort())
	assert.Nil(a.SnapshotByID(snapID))
	assert.NotNil(a.SnapshotBegin(nil))
}

func TestCompareVClocks(t *testing.T) {
	assert := assertion.New(t)
	var x, y [MaxVClockNodes]uint64

	assert.Equal(OrderEqual, CompareVClocks(x, y))

	y[0] = 1
	assert.Equal(OrderBefore, CompareVClocks(x, y))
	assert.Equal(OrderAfter, CompareVClocks(y, x))

	x[1] = 1
	assert.Equal(OrderConcurrent, CompareVClocks(x, y))
}

func TestSnapshotCausalOrder(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-snaporder.atlas", MinRegionSize)

	s1 := a.SnapshotBegin(nil)
	s1.IncludeAll()
	s1.Activate()
	assert.Equal(VTrue, s1.Commit()) // ticks the system clock

	s2 := a.SnapshotBegin(nil)
	s2.IncludeAll()
	s2.Activate()
	assert.Equal(VTrue, s2.Commit())

	assert.Equal(OrderBefore, SnapshotCompare(s1, s2))
	assert.Equal(OrderAfter, SnapshotCompare(s2, s1))

	assert.Equal(OrderVoid, SnapshotCompare(s1, nil))
}
