package seraph

import (
	"math"
)

// Galactic is one axis of motion: value plus first-class velocity, so
// semi-implicit Euler integration is a direct operation on the pair.
type Galactic struct {
	Primal float64
	Flux   float64
}

// Integrate advances the primal by one dt of flux.
func (g *Galactic) Integrate(dt float64) {
	g.Primal += g.Flux * dt
}

// Approach moves the primal toward target with a first-order response.
func (g *Galactic) Approach(target, rate, dt float64) {
	k := rate * dt
	if k > 1 {
		k = 1
	}
	g.Primal += (target - g.Primal) * k
}

func (g Galactic) IsVoid() bool { return IsVoidF64(g.Primal) || IsVoidF64(g.Flux) }

type OrbState uint8

const (
	OrbVoid OrbState = iota
	OrbIdle
	OrbHover
	OrbSwelling
	OrbExpanding
	OrbFullscreen
	OrbContracting
	OrbPeripheral
)

func (s OrbState) String() string {
	switch s {
	case OrbIdle:
		return "IDLE"
	case OrbHover:
		return "HOVER"
	case OrbSwelling:
		return "SWELLING"
	case OrbExpanding:
		return "EXPANDING"
	case OrbFullscreen:
		return "FULLSCREEN"
	case OrbContracting:
		return "CONTRACTING"
	case OrbPeripheral:
		return "PERIPHERAL"
	}
	return "VOID"
}

// Orb is one application-visual unit orbiting the locus.
type Orb struct {
	Sovereign Capability
	ID        uint64

	X Galactic
	Y Galactic

	Radius     Galactic
	Brightness Galactic
	Glow       Galactic

	OrbitAngle    float64
	OrbitDistance float64
	OrbitVelocity float64

	BaseRadius float64

	State   OrbState
	Visible bool
	Focused bool

	Theme [2]uint32
}

type IntentPhase uint8

const (
	IntentNone IntentPhase = iota
	IntentPreview
	IntentCommit
	IntentUndo
	IntentVoid
)

// Intent is the gesture state machine, kept apart from physics and
// rendering so each step is pure with respect to its inputs.
type Intent struct {
	Phase      IntentPhase
	Source     int
	Target     int
	PhaseStart uint64
	Proximity  float64
}

// SurfaceConfig tunes the physics step.
type SurfaceConfig struct {
	SwellFactor       float64
	SwellRate         float64
	MagnetismStrength float64
	MagnetismEnabled  bool
	DampingFactor     float64
	AnticipationSec   float64
	BrightnessRate    float64
}

func DefaultSurfaceConfig() SurfaceConfig {
	return SurfaceConfig{
		SwellFactor:       600.0,
		SwellRate:         8.0,
		MagnetismStrength: 400.0,
		MagnetismEnabled:  true,
		DampingFactor:     0.92,
		AnticipationSec:   0.1,
		BrightnessRate:    6.0,
	}
}

// MaxOrbs bounds the orb array, both live and persisted.
const MaxOrbs = 32

const (
	idleBrightness    = 0.7
	focusedBrightness = 1.0
	defaultGlow       = 0.5
)

// Surface is the physics-based compositor: orbs around a locus, an
// optional cursor, and an optional Atlas attachment that makes the
// spatial state survive a crash.
type Surface struct {
	Width  float64
	Height float64

	LocusX Galactic
	LocusY Galactic

	Orbs     [MaxOrbs]Orb
	OrbCount int

	CursorX       Galactic
	CursorY       Galactic
	CursorPresent bool

	Expanded int // orb index, -1 if none
	Intent   Intent

	Config  SurfaceConfig
	Chronon uint64

	atlas   *Atlas
	rootOff uint64

	nextOrbID uint64
}

// NewSurface creates a detached surface with the locus centered.
func NewSurface(width, height float64) *Surface {
	if width <= 0 || height <= 0 || IsVoidF64(width) || IsVoidF64(height) {
		return nil
	}
	return &Surface{
		Width:     width,
		Height:    height,
		LocusX:    Galactic{Primal: width / 2},
		LocusY:    Galactic{Primal: height / 2},
		Expanded:  -1,
		Config:    DefaultSurfaceConfig(),
		nextOrbID: 1,
	}
}

// AddOrb places a new orb on its orbit. Returns the orb index, or -1
// when the array is full.
func (s *Surface) AddOrb(sovereign Capability, orbitDistance, orbitAngle, orbitVelocity, baseRadius float64, theme [2]uint32) int {
	if s == nil || s.OrbCount >= MaxOrbs {
		return -1
	}
	idx := s.OrbCount
	o := &s.Orbs[idx]
	*o = Orb{
		Sovereign:     sovereign,
		ID:            s.nextOrbID,
		OrbitAngle:    orbitAngle,
		OrbitDistance: orbitDistance,
		OrbitVelocity: orbitVelocity,
		BaseRadius:    baseRadius,
		Radius:        Galactic{Primal: baseRadius},
		Brightness:    Galactic{Primal: idleBrightness},
		Glow:          Galactic{Primal: defaultGlow},
		State:         OrbIdle,
		Visible:       true,
		Theme:         theme,
	}
	o.X.Primal = s.LocusX.Primal + orbitDistance*math.Cos(orbitAngle)
	o.Y.Primal = s.LocusY.Primal + orbitDistance*math.Sin(orbitAngle)
	s.nextOrbID++
	s.OrbCount++
	return idx
}

// SetCursor updates the cursor pair; velocity is derived by the caller
// or left at rest.
func (s *Surface) SetCursor(x, y, vx, vy float64) {
	if s == nil {
		return
	}
	s.CursorX = Galactic{Primal: x, Flux: vx}
	s.CursorY = Galactic{Primal: y, Flux: vy}
	s.CursorPresent = true
}

func (s *Surface) ClearCursor() {
	if s == nil {
		return
	}
	s.CursorPresent = false
}

// Orb returns a pointer to the idx-th orb, nil when out of range.
func (s *Surface) Orb(idx int) *Orb {
	if s == nil || idx < 0 || idx >= s.OrbCount {
		return nil
	}
	return &s.Orbs[idx]
}
