package seraph

import (
	"os"
	"testing"
	"unsafe"

	assertion "github.com/stretchr/testify/assert"
)

func TestRootRestoredByAbortedCommit(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-surfroot.atlas", MinRegionSize)

	s := NewSurface(800, 600)
	assert.Equal(VTrue, s.AttachAtlas(a))
	root := a.Root()
	assert.NotZero(root)

	// The root pointer rides the undo journal with the rest of the
	// record: an abort puts the previous value back.
	tx := a.Begin()
	rootFieldOff := uint64(unsafe.Offsetof(Genesis{}.RootOffset))
	assert.Equal(VTrue, tx.MarkDirty(rootFieldOff, 8))
	assert.Equal(VTrue, a.SetRoot(0))
	assert.Equal(uint64(0), a.Root())
	assert.Equal(VTrue, tx.Abort())
	assert.Equal(root, a.Root())
	assert.NotNil(SurfaceFromAtlas(a))
}

func TestSurfacePersistReboot(t *testing.T) {
	assert := assertion.New(t)
	const path = "/tmp/test-seraph-surface.atlas"
	_ = os.Remove(path)
	defer os.Remove(path)

	a, err := Open(path, MinRegionSize, nil)
	assert.NoError(err)

	s := NewSurface(1920, 1080)
	idx := s.AddOrb(VoidCapability(), 123.456, 0.789, 0.5, 40, [2]uint32{0xFF8800, 0x222222})
	s.Config.MagnetismEnabled = false
	assert.Equal(VTrue, s.AttachAtlas(a))
	assert.True(s.Attached())
	assert.Equal(a.Root(), s.rootOff)

	// Let physics move the scene, then persist the result.
	s.SetCursor(900, 500, 12, -4)
	for i := 0; i < 30; i++ {
		s.Step(stepDt)
	}
	assert.Equal(VTrue, s.Persist())

	o := s.Orb(idx)
	wantX, wantY := o.X.Primal, o.Y.Primal
	wantAngle := o.OrbitAngle
	wantID := o.ID

	assert.NoError(a.Close())

	a, err = Open(path, 0, nil)
	assert.NoError(err)
	defer a.Close()

	r := SurfaceFromAtlas(a)
	assert.NotNil(r)
	assert.Equal(1, r.OrbCount)
	assert.InDelta(1920.0, r.Width, 1e-9)
	assert.False(r.Config.MagnetismEnabled)

	ro := r.Orb(0)
	assert.Equal(wantID, ro.ID)
	assert.InDelta(wantX, ro.X.Primal, 1e-3)
	assert.InDelta(wantY, ro.Y.Primal, 1e-3)
	assert.InDelta(wantAngle, ro.OrbitAngle, 1e-9)
	assert.InDelta(123.456, ro.OrbitDistance, 1e-9)
	assert.InDelta(40.0, ro.BaseRadius, 1e-9)
	assert.Equal([2]uint32{0xFF8800, 0x222222}, ro.Theme)

	// Rebuilt orbs come back at rest with revoked sovereigns.
	assert.Zero(ro.X.Flux)
	assert.Zero(ro.Y.Flux)
	assert.Equal(OrbIdle, ro.State)
	assert.True(ro.Sovereign.IsVoid())

	// Orb ids keep counting where they left off.
	next := r.AddOrb(VoidCapability(), 80, 0, 0, 20, [2]uint32{})
	assert.Equal(wantID+1, r.Orb(next).ID)
}

func TestPersistOrbSingle(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-surfone.atlas", MinRegionSize)

	s := NewSurface(800, 600)
	i0 := s.AddOrb(VoidCapability(), 100, 0, 0, 25, [2]uint32{})
	i1 := s.AddOrb(VoidCapability(), 100, 3, 0, 25, [2]uint32{})
	assert.Equal(VTrue, s.AttachAtlas(a))

	s.Orb(i0).X.Primal = 111
	s.Orb(i1).X.Primal = 222
	assert.Equal(VTrue, s.PersistOrb(i1))

	rec := s.rootRec()
	// Only the named orb's record moved.
	assert.NotEqual(111.0, rec.Orbs[i0].X)
	assert.InDelta(222.0, rec.Orbs[i1].X, 1e-9)

	assert.Equal(VFalse, s.PersistOrb(5))
	assert.Equal(VFalse, s.PersistOrb(-1))
}

func TestPersistRequiresAttachment(t *testing.T) {
	assert := assertion.New(t)
	s := NewSurface(800, 600)
	assert.Equal(VFalse, s.Persist())
	assert.Equal(VFalse, s.PersistOrb(0))

	a := openTestAtlas(t, "/tmp/test-seraph-surfdetach.atlas", MinRegionSize)
	assert.Equal(VTrue, s.AttachAtlas(a))
	s.Detach()
	assert.False(s.Attached())
	assert.Equal(VFalse, s.Persist())
}

func TestSurfaceFromAtlasRejectsBadRoot(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-surfbad.atlas", MinRegionSize)

	// No root at all.
	assert.Nil(SurfaceFromAtlas(a))

	// A root that is not a surface record.
	off := a.Calloc(512)
	a.SetRoot(off)
	assert.Nil(SurfaceFromAtlas(a))
}

func TestSurfaceSurvivesSnapshotRestore(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAtlas(t, "/tmp/test-seraph-surfsnap.atlas", MinRegionSize)

	s := NewSurface(640, 480)
	idx := s.AddOrb(VoidCapability(), 90, 1.0, 0.3, 20, [2]uint32{})
	assert.Equal(VTrue, s.AttachAtlas(a))
	assert.Equal(VTrue, s.Persist())
	savedX := s.rootRec().Orbs[idx].X

	snap := a.SnapshotBegin(nil)
	snap.IncludeAll()
	snap.Activate()
	assert.Equal(VTrue, snap.Commit())

	for i := 0; i < 60; i++ {
		s.Step(stepDt)
	}
	assert.Equal(VTrue, s.Persist())
	assert.NotEqual(savedX, s.rootRec().Orbs[idx].X)

	assert.Equal(VTrue, snap.Restore())
	r := SurfaceFromAtlas(a)
	assert.NotNil(r)
	assert.InDelta(savedX, r.Orb(0).X.Primal, 1e-9)
}
