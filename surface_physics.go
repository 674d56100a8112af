package seraph

import (
	"math"
)

const (
	hoverRadiusScale = 1.5
	swellRadiusScale = 0.5
	magnetismSoften  = 10.0
	magnetismScale   = 1.0
)

// Step advances the scene by dt seconds: anticipation, swell, orbit,
// magnetism, damping, state transitions, brightness — in that order,
// each sub-step reading only the state the previous one left behind.
func (s *Surface) Step(dt float64) {
	if s == nil || dt <= 0 || IsVoidF64(dt) {
		return
	}
	s.Chronon++

	// Predict where the cursor will be, not where it is. Proximity
	// reactions keyed on the prediction feel simultaneous instead of
	// lagged.
	predX := s.CursorX.Primal + s.CursorX.Flux*s.Config.AnticipationSec
	predY := s.CursorY.Primal + s.CursorY.Flux*s.Config.AnticipationSec

	for i := 0; i < s.OrbCount; i++ {
		o := &s.Orbs[i]
		if o.State == OrbVoid {
			continue
		}

		effective := math.MaxFloat64
		predicted := math.MaxFloat64
		if s.CursorPresent {
			cur := math.Hypot(o.X.Primal-s.CursorX.Primal, o.Y.Primal-s.CursorY.Primal)
			predicted = math.Hypot(o.X.Primal-predX, o.Y.Primal-predY)
			effective = math.Min(cur, predicted)
		}

		// Swell toward base + factor/(d+1).
		target := o.BaseRadius
		if s.CursorPresent {
			target = o.BaseRadius + s.Config.SwellFactor/(effective+1)
		}
		o.Radius.Approach(target, s.Config.SwellRate, dt)

		// Orbit drives position for orbs that are at rest or merely
		// hovered; expanded and peripheral orbs are positioned by their
		// own transitions.
		o.OrbitAngle = math.Mod(o.OrbitAngle+o.OrbitVelocity*dt, 2*math.Pi)
		if o.State == OrbIdle || o.State == OrbHover {
			o.X.Primal = s.LocusX.Primal + o.OrbitDistance*math.Cos(o.OrbitAngle)
			o.Y.Primal = s.LocusY.Primal + o.OrbitDistance*math.Sin(o.OrbitAngle)
		}

		if s.Config.MagnetismEnabled && s.CursorPresent {
			accel := s.Config.MagnetismStrength / (effective + magnetismSoften) * magnetismScale
			dx := s.CursorX.Primal - o.X.Primal
			dy := s.CursorY.Primal - o.Y.Primal
			dist := math.Hypot(dx, dy)
			if dist > 1e-9 {
				o.X.Flux += dx / dist * accel * dt
				o.Y.Flux += dy / dist * accel * dt
			}
		}

		// Time-corrected damping: equivalent decay regardless of dt.
		damp := 1 - (1-s.Config.DampingFactor)*dt*60
		if damp < 0 {
			damp = 0
		}
		o.X.Flux *= damp
		o.Y.Flux *= damp

		o.X.Integrate(dt)
		o.Y.Integrate(dt)

		// Proximity state machine on the predicted distance.
		if o.State == OrbIdle || o.State == OrbHover || o.State == OrbSwelling {
			r := o.Radius.Primal
			switch {
			case predicted <= r*swellRadiusScale:
				o.State = OrbSwelling
			case predicted <= r*hoverRadiusScale:
				o.State = OrbHover
			default:
				o.State = OrbIdle
			}
			o.Focused = o.State == OrbHover || o.State == OrbSwelling
		}

		bt := idleBrightness
		if o.Focused {
			bt = focusedBrightness
		}
		o.Brightness.Approach(bt, s.Config.BrightnessRate, dt)
	}
}

// ExpandOrb takes idx to FULLSCREEN and pushes everything else to the
// periphery.
func (s *Surface) ExpandOrb(idx int) VBit {
	if s == nil {
		return VVoid
	}
	o := s.Orb(idx)
	if o == nil || o.State == OrbVoid {
		return VFalse
	}
	for i := 0; i < s.OrbCount; i++ {
		if i == idx {
			continue
		}
		if st := s.Orbs[i].State; st != OrbVoid {
			s.Orbs[i].State = OrbPeripheral
			s.Orbs[i].Focused = false
		}
	}
	o.State = OrbFullscreen
	o.Focused = true
	s.Expanded = idx
	return VTrue
}

// ContractOrb reverts an expansion; every orb returns to its orbit.
func (s *Surface) ContractOrb() VBit {
	if s == nil {
		return VVoid
	}
	if s.Expanded < 0 {
		return VFalse
	}
	for i := 0; i < s.OrbCount; i++ {
		if st := s.Orbs[i].State; st != OrbVoid {
			s.Orbs[i].State = OrbIdle
			s.Orbs[i].Focused = false
		}
	}
	s.Expanded = -1
	return VTrue
}

// DetectIntent finds the closest orb whose center the cursor is inside
// of (distance under the current radius) and arms the PREVIEW phase.
// Returns the orb index, -1 when the cursor points at nothing.
func (s *Surface) DetectIntent() int {
	if s == nil || !s.CursorPresent {
		return -1
	}
	best := -1
	bestDist := math.MaxFloat64
	for i := 0; i < s.OrbCount; i++ {
		o := &s.Orbs[i]
		if o.State == OrbVoid || !o.Visible {
			continue
		}
		d := math.Hypot(o.X.Primal-s.CursorX.Primal, o.Y.Primal-s.CursorY.Primal)
		if d < o.Radius.Primal && d < bestDist {
			best = i
			bestDist = d
		}
	}
	if best >= 0 {
		s.Intent = Intent{
			Phase:      IntentPreview,
			Source:     best,
			Target:     best,
			PhaseStart: s.Chronon,
			Proximity:  bestDist,
		}
	}
	return best
}

// CancelIntent clears the gesture state machine.
func (s *Surface) CancelIntent() {
	if s == nil {
		return
	}
	s.Intent = Intent{Source: -1, Target: -1}
}
