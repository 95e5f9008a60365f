// Package trajectory keeps the planned path of a program and the path the arm
// actually travelled according to joint feedback.
package trajectory

import (
	"sort"
	"sync"

	"github.com/golang/geo/r3"

	"gcode_arm/gcode"
	"gcode_arm/interp"
)

const (
	DefaultActualCapacity = 1000
	DefaultMinSpacing     = 1.0 // mm
)

// PlannedPoint is one motion target from the pre-scan and the line that produced it.
type PlannedPoint struct {
	Line  int       `json:"line"`
	Point r3.Vector `json:"point"`
}

// Prescan replays lines through a fresh interpreter state and collects every
// motion target in order. Nothing is solved or sent.
func Prescan(lines []string) []PlannedPoint {
	state := interp.NewState()
	var plan []PlannedPoint
	for i, ln := range lines {
		if gcode.IsComment(ln) {
			continue
		}
		for _, cmd := range gcode.ParseLine(ln) {
			if eff := state.Apply(cmd); eff.Kind == interp.EffectMove {
				plan = append(plan, PlannedPoint{Line: i, Point: eff.Target})
			}
		}
	}
	return plan
}

// Model holds both trajectories and is safe for concurrent use.
type Model struct {
	mu sync.RWMutex

	planned []PlannedPoint

	actual     []r3.Vector
	capacity   int
	minSpacing float64
}

// NewModel returns an empty model. Non-positive arguments select defaults.
func NewModel(capacity int, minSpacing float64) *Model {
	if capacity <= 0 {
		capacity = DefaultActualCapacity
	}
	if minSpacing <= 0 {
		minSpacing = DefaultMinSpacing
	}
	return &Model{capacity: capacity, minSpacing: minSpacing}
}

// SetPlan replaces the planned trajectory with a pre-scan of lines.
func (m *Model) SetPlan(lines []string) int {
	plan := Prescan(lines)
	m.mu.Lock()
	m.planned = plan
	m.mu.Unlock()
	return len(plan)
}

// AppendActual records a measured tool point. Points within the minimum
// spacing of the last recorded point are dropped and the oldest point is
// evicted once the capacity is reached. It reports whether p was kept.
func (m *Model) AppendActual(p r3.Vector) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.actual); n > 0 && m.actual[n-1].Distance(p) <= m.minSpacing {
		return false
	}
	if len(m.actual) >= m.capacity {
		// shift in place so the backing array does not grow without bound
		copy(m.actual, m.actual[1:])
		m.actual = m.actual[:len(m.actual)-1]
	}
	m.actual = append(m.actual, p)
	return true
}

// ClearActual drops the recorded path.
func (m *Model) ClearActual() {
	m.mu.Lock()
	m.actual = nil
	m.mu.Unlock()
}

// SnapshotPlanned returns a copy of the planned points.
func (m *Model) SnapshotPlanned() []PlannedPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PlannedPoint(nil), m.planned...)
}

// SnapshotActual returns a copy of the recorded path, oldest first.
func (m *Model) SnapshotActual() []r3.Vector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]r3.Vector(nil), m.actual...)
}

// PlannedPointForLine returns the target the program is heading to while line
// executes: the last motion produced by that line, or failing that the most
// recent motion before it.
func (m *Model) PlannedPointForLine(line int) (PlannedPoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// first index whose line is past the requested one
	i := sort.Search(len(m.planned), func(i int) bool { return m.planned[i].Line > line })
	if i == 0 {
		return PlannedPoint{}, false
	}
	return m.planned[i-1], true
}
