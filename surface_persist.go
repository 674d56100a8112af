package seraph

import (
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
)

// persistOrbRec stores only primal values and the invariant orbit
// parameters. Velocities are deliberately absent: physics restarts from
// rest after a crash.
type persistOrbRec struct {
	ID     uint64
	InUse  uint32
	Theme0 uint32
	Theme1 uint32
	_      uint32

	X float64
	Y float64

	OrbitAngle    float64
	OrbitDistance float64
	OrbitVelocity float64
	BaseRadius    float64
}

type persistConfigRec struct {
	SwellFactor       float64
	SwellRate         float64
	MagnetismStrength float64
	DampingFactor     float64
	AnticipationSec   float64
	BrightnessRate    float64
	MagnetismEnabled  uint32
	_                 uint32
}

// surfaceRootRec is the Atlas application root when a Surface is
// attached: the whole display state reachable from Genesis.
type surfaceRootRec struct {
	Magic    uint64
	Version  uint32
	OrbCount uint32

	Width  float64
	Height float64
	LocusX float64
	LocusY float64

	Config       persistConfigRec
	LastModified uint64

	Orbs [MaxOrbs]persistOrbRec
}

func (s *Surface) rootRec() *surfaceRootRec {
	return (*surfaceRootRec)(unsafe.Pointer(&s.atlas.data[s.rootOff]))
}

// Attached reports whether the surface persists through an Atlas.
func (s *Surface) Attached() bool { return s != nil && s.atlas != nil && s.rootOff != 0 }

// AttachAtlas allocates the persistent record, wires it in as the Atlas
// root and commits the initial state. The Atlas must outlive the
// Surface; the Surface never owns it.
func (s *Surface) AttachAtlas(a *Atlas) VBit {
	if s == nil || a.IsVoid() {
		return VVoid
	}
	recSize := uint64(unsafe.Sizeof(surfaceRootRec{}))
	off := a.Calloc(recSize)
	if off == 0 {
		return VFalse
	}
	s.atlas = a
	s.rootOff = off

	tx := a.Begin()
	if tx == nil {
		s.atlas = nil
		s.rootOff = 0
		return VFalse
	}
	// The root pointer joins the dirty set so a conflict-aborted commit
	// restores it along with the record; otherwise Genesis would keep
	// pointing at bytes the rollback just zeroed.
	rootFieldOff := uint64(unsafe.Offsetof(Genesis{}.RootOffset))
	if tx.MarkDirty(off, recSize) != VTrue || tx.MarkDirty(rootFieldOff, 8) != VTrue {
		tx.Abort()
		s.atlas = nil
		s.rootOff = 0
		return VFalse
	}
	s.writeRoot()
	if a.SetRoot(off) != VTrue {
		tx.Abort()
		s.atlas = nil
		s.rootOff = 0
		return VFalse
	}
	if tx.Commit() != VTrue {
		s.atlas = nil
		s.rootOff = 0
		return VFalse
	}
	return VTrue
}

// writeRoot mirrors the live state into the persistent record. Caller
// has the affected range dirty-marked.
func (s *Surface) writeRoot() {
	rec := s.rootRec()
	rec.Magic = SurfaceMagic
	rec.Version = Version
	rec.OrbCount = uint32(s.OrbCount)
	rec.Width = s.Width
	rec.Height = s.Height
	rec.LocusX = s.LocusX.Primal
	rec.LocusY = s.LocusY.Primal
	rec.Config = persistConfigRec{
		SwellFactor:       s.Config.SwellFactor,
		SwellRate:         s.Config.SwellRate,
		MagnetismStrength: s.Config.MagnetismStrength,
		DampingFactor:     s.Config.DampingFactor,
		AnticipationSec:   s.Config.AnticipationSec,
		BrightnessRate:    s.Config.BrightnessRate,
	}
	if s.Config.MagnetismEnabled {
		rec.Config.MagnetismEnabled = 1
	}
	rec.LastModified = uint64(time.Now().UnixNano())
	for i := 0; i < MaxOrbs; i++ {
		if i < s.OrbCount {
			s.writeOrb(i)
		} else {
			rec.Orbs[i] = persistOrbRec{}
		}
	}
}

func (s *Surface) writeOrb(idx int) {
	o := &s.Orbs[idx]
	s.rootRec().Orbs[idx] = persistOrbRec{
		ID:            o.ID,
		InUse:         1,
		Theme0:        o.Theme[0],
		Theme1:        o.Theme[1],
		X:             o.X.Primal,
		Y:             o.Y.Primal,
		OrbitAngle:    o.OrbitAngle,
		OrbitDistance: o.OrbitDistance,
		OrbitVelocity: o.OrbitVelocity,
		BaseRadius:    o.BaseRadius,
	}
}

// Persist commits the full surface state in one Atlas transaction. A
// failed commit leaves the in-memory state valid and the persistent
// record unchanged.
func (s *Surface) Persist() VBit {
	if s == nil {
		return VVoid
	}
	if !s.Attached() {
		return VFalse
	}
	a := s.atlas
	recSize := uint64(unsafe.Sizeof(surfaceRootRec{}))
	tx := a.Begin()
	if tx == nil {
		return VFalse
	}
	if tx.MarkDirty(s.rootOff, recSize) != VTrue {
		tx.Abort()
		return VFalse
	}
	s.writeRoot()
	return tx.Commit()
}

// PersistOrb commits a single orb plus the record header.
func (s *Surface) PersistOrb(idx int) VBit {
	if s == nil {
		return VVoid
	}
	if !s.Attached() || idx < 0 || idx >= s.OrbCount {
		return VFalse
	}
	a := s.atlas
	headerSize := uint64(unsafe.Offsetof(surfaceRootRec{}.Orbs))
	orbOff := s.rootOff + headerSize + uint64(idx)*uint64(unsafe.Sizeof(persistOrbRec{}))

	tx := a.Begin()
	if tx == nil {
		return VFalse
	}
	if tx.MarkDirty(s.rootOff, headerSize) != VTrue ||
		tx.MarkDirty(orbOff, uint64(unsafe.Sizeof(persistOrbRec{}))) != VTrue {
		tx.Abort()
		return VFalse
	}
	rec := s.rootRec()
	rec.OrbCount = uint32(s.OrbCount)
	rec.LastModified = uint64(time.Now().UnixNano())
	s.writeOrb(idx)
	return tx.Commit()
}

// SurfaceFromAtlas rebuilds a Surface from the persistent record behind
// the Atlas root. Every orb comes back at rest: zero velocity, idle
// brightness, default glow — the same equilibrium as a fresh orb.
func SurfaceFromAtlas(a *Atlas) *Surface {
	if a.IsVoid() {
		return nil
	}
	rootOff := a.Root()
	if rootOff == 0 || IsVoidU64(rootOff) {
		return nil
	}
	recSize := uint64(unsafe.Sizeof(surfaceRootRec{}))
	if rootOff+recSize > uint64(len(a.data)) {
		return nil
	}
	rec := (*surfaceRootRec)(unsafe.Pointer(&a.data[rootOff]))
	if rec.Magic != SurfaceMagic || rec.Version != Version {
		log.WithFields(log.Fields{
			"magic":   rec.Magic,
			"version": rec.Version,
		}).Error("surface root record invalid")
		return nil
	}

	s := NewSurface(rec.Width, rec.Height)
	if s == nil {
		return nil
	}
	s.atlas = a
	s.rootOff = rootOff
	s.LocusX.Primal = rec.LocusX
	s.LocusY.Primal = rec.LocusY
	s.Config = SurfaceConfig{
		SwellFactor:       rec.Config.SwellFactor,
		SwellRate:         rec.Config.SwellRate,
		MagnetismStrength: rec.Config.MagnetismStrength,
		DampingFactor:     rec.Config.DampingFactor,
		AnticipationSec:   rec.Config.AnticipationSec,
		BrightnessRate:    rec.Config.BrightnessRate,
		MagnetismEnabled:  rec.Config.MagnetismEnabled != 0,
	}

	maxID := uint64(0)
	for i := 0; i < MaxOrbs && s.OrbCount < int(rec.OrbCount); i++ {
		p := &rec.Orbs[i]
		if p.InUse == 0 {
			continue
		}
		o := &s.Orbs[s.OrbCount]
		*o = Orb{
			Sovereign:     VoidCapability(),
			ID:            p.ID,
			X:             Galactic{Primal: p.X},
			Y:             Galactic{Primal: p.Y},
			Radius:        Galactic{Primal: p.BaseRadius},
			Brightness:    Galactic{Primal: idleBrightness},
			Glow:          Galactic{Primal: defaultGlow},
			OrbitAngle:    p.OrbitAngle,
			OrbitDistance: p.OrbitDistance,
			OrbitVelocity: p.OrbitVelocity,
			BaseRadius:    p.BaseRadius,
			State:         OrbIdle,
			Visible:       true,
			Theme:         [2]uint32{p.Theme0, p.Theme1},
		}
		s.OrbCount++
		if p.ID > maxID {
			maxID = p.ID
		}
	}
	s.nextOrbID = maxID + 1
	return s
}

// Detach severs the Atlas link without touching persistent state.
func (s *Surface) Detach() {
	if s == nil {
		return
	}
	s.atlas = nil
	s.rootOff = 0
}
