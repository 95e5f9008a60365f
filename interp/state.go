// Package interp holds the modal interpreter state and turns parsed commands
// into arm motion.
package interp

import (
	"fmt"

	"github.com/golang/geo/r3"

	"gcode_arm/gcode"
)

const (
	mmPerInch       = 25.4
	DefaultFeedRate = 100.0
)

type CoordinateMode int

const (
	Absolute CoordinateMode = iota
	Relative
)

func (m CoordinateMode) String() string {
	if m == Relative {
		return "G91"
	}
	return "G90"
}

type UnitMode int

const (
	Millimeters UnitMode = iota
	Inches
)

func (m UnitMode) String() string {
	if m == Inches {
		return "G20"
	}
	return "G21"
}

// State is the modal register set. Positions are always stored in millimetres.
type State struct {
	Coordinates CoordinateMode
	Units       UnitMode
	FeedRate    float64
	Position    r3.Vector
}

// NewState returns program defaults: absolute, millimetres, F100, at the origin.
func NewState() State {
	return State{
		Coordinates: Absolute,
		Units:       Millimeters,
		FeedRate:    DefaultFeedRate,
	}
}

// EffectKind is what the runner has to do after a command updated the state.
type EffectKind int

const (
	EffectNone EffectKind = iota
	EffectMove
	EffectPause
	EffectEndPass
	EffectUnsupported
)

// Effect is the outcome of applying one command to the state.
type Effect struct {
	Kind   EffectKind
	Target r3.Vector
	Rapid  bool
	Home   bool
	Arc    bool
	// Anomaly is set when something in the command was ignored.
	Anomaly string
}

// Apply mutates s according to cmd and reports the resulting effect. It has no
// side effects beyond s, so it serves both live execution and plan pre-scans.
func (s *State) Apply(cmd gcode.Command) Effect {
	switch cmd.Kind {
	case gcode.KindG:
		return s.applyG(cmd)
	case gcode.KindM:
		return s.applyM(cmd)
	}
	return Effect{Kind: EffectUnsupported, Anomaly: fmt.Sprintf("unknown command kind %q", byte(cmd.Kind))}
}

func (s *State) applyG(cmd gcode.Command) Effect {
	switch cmd.Code() {
	case 0, 1:
		return s.linear(cmd, cmd.Code() == 0, false)
	case 2, 3:
		// arcs are approximated by a straight move to the end point; I/J/K/R are not interpolated
		return s.linear(cmd, false, true)
	case 20:
		s.Units = Inches
	case 21:
		s.Units = Millimeters
	case 28:
		s.Position = r3.Vector{}
		return Effect{Kind: EffectMove, Target: s.Position, Rapid: true, Home: true}
	case 90:
		s.Coordinates = Absolute
	case 91:
		s.Coordinates = Relative
	default:
		return Effect{Kind: EffectUnsupported, Anomaly: fmt.Sprintf("unsupported G-code: G%02d", cmd.Code())}
	}
	return Effect{Kind: EffectNone}
}

func (s *State) applyM(cmd gcode.Command) Effect {
	switch cmd.Code() {
	case 0:
		return Effect{Kind: EffectPause}
	case 1:
		return Effect{Kind: EffectNone}
	case 2, 30:
		return Effect{Kind: EffectEndPass}
	}
	return Effect{Kind: EffectUnsupported, Anomaly: fmt.Sprintf("unsupported M-code: M%d", cmd.Code())}
}

func (s *State) linear(cmd gcode.Command, rapid, arc bool) Effect {
	eff := Effect{Kind: EffectMove, Rapid: rapid, Arc: arc}

	target := s.Position
	axis := func(p byte, cur float64) float64 {
		v, ok := cmd.Get(p)
		if !ok {
			return cur
		}
		if s.Units == Inches {
			v *= mmPerInch
		}
		if s.Coordinates == Relative {
			return cur + v
		}
		return v
	}
	target.X = axis('X', target.X)
	target.Y = axis('Y', target.Y)
	target.Z = axis('Z', target.Z)

	if f, ok := cmd.Get('F'); ok {
		if f > 0 {
			s.FeedRate = f
		} else {
			eff.Anomaly = fmt.Sprintf("ignoring non-positive feed rate F%g", f)
		}
	}

	s.Position = target
	eff.Target = target
	return eff
}
