package feedback

import (
	"context"
	"math"
	"sync"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
)

// JointState is the latest reading for one joint.
type JointState struct {
	PositionDeg float64 `json:"position_deg"`
	Voltage     float64 `json:"voltage"`
	HasVoltage  bool    `json:"has_voltage"`
	Seen        bool    `json:"seen"`
}

// Table keeps the most recent sample per joint. There is no history.
type Table struct {
	mu     sync.RWMutex
	joints []JointState
}

func NewTable(joints int) *Table {
	return &Table{joints: make([]JointState, joints)}
}

// Update stores s and reports whether every joint has now been seen.
func (t *Table) Update(s Sample) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.Joint < 0 || s.Joint >= len(t.joints) {
		return false
	}
	j := &t.joints[s.Joint]
	j.PositionDeg = s.PositionDeg
	if s.HasVoltage {
		j.Voltage = s.Voltage
		j.HasVoltage = true
	}
	j.Seen = true
	return t.completeLocked()
}

func (t *Table) completeLocked() bool {
	for _, j := range t.joints {
		if !j.Seen {
			return false
		}
	}
	return true
}

// Snapshot copies the table.
func (t *Table) Snapshot() []JointState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]JointState(nil), t.joints...)
}

// Positions returns every joint position in degrees, and false until each
// joint has reported at least once.
func (t *Table) Positions() ([]float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]float64, len(t.joints))
	for i, j := range t.joints {
		out[i] = j.PositionDeg
	}
	return out, t.completeLocked()
}

// Reset forgets every reading.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.joints {
		t.joints[i] = JointState{}
	}
}

// ForwardSolver maps joint angles in radians (base slot first) to a tool point.
type ForwardSolver interface {
	Forward(angles []float64) (r3.Vector, error)
}

// PathRecorder receives reconstructed tool points.
type PathRecorder interface {
	AppendActual(p r3.Vector) bool
}

// Worker drains telemetry lines into the table and the actual path.
type Worker struct {
	codec  Codec
	table  *Table
	fk     ForwardSolver
	path   PathRecorder
	logger logging.Logger

	// OnSample, when set, is called after every decoded sample.
	OnSample func(Sample)
}

func NewWorker(codec Codec, table *Table, fk ForwardSolver, path PathRecorder, logger logging.Logger) *Worker {
	return &Worker{codec: codec, table: table, fk: fk, path: path, logger: logger}
}

// Handle processes one telemetry line. Undecodable lines are dropped.
func (w *Worker) Handle(line string) (Sample, bool) {
	s, ok := w.codec.Decode(line)
	if !ok {
		w.logger.Debugf("dropping telemetry line %q", line)
		return Sample{}, false
	}
	complete := w.table.Update(s)
	if complete {
		w.trace()
	}
	if w.OnSample != nil {
		w.OnSample(s)
	}
	return s, true
}

func (w *Worker) trace() {
	deg, _ := w.table.Positions()
	rad := make([]float64, len(deg)+1)
	for i, d := range deg {
		rad[i+1] = d * math.Pi / 180
	}
	p, err := w.fk.Forward(rad)
	if err != nil {
		w.logger.Debugf("forward kinematics failed for %v: %v", deg, err)
		return
	}
	w.path.AppendActual(p)
}

// Run handles lines until the channel closes or ctx is done.
func (w *Worker) Run(ctx context.Context, lines <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			w.Handle(line)
		}
	}
}
