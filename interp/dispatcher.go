package interp

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"gcode_arm/gcode"
)

// DefaultFeedDelayCap bounds how long a single feed move blocks the runner.
const DefaultFeedDelayCap = time.Second

// Solver is the inverse kinematics half of the kinematics gateway. Angle
// vectors are radians and include the fixed base link at index 0.
type Solver interface {
	Inverse(ctx context.Context, target r3.Vector, seed []float64) ([]float64, error)
}

// Sender forwards joint targets in degrees to the arm.
type Sender interface {
	Send(ctx context.Context, anglesDeg []float64) error
}

// LineError records a failure tied to one program line.
type LineError struct {
	Line   int
	Text   string
	Target r3.Vector
	Err    error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d %q (target %.2f, %.2f, %.2f): %v",
		e.Line+1, e.Text, e.Target.X, e.Target.Y, e.Target.Z, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// LineResult summarises what executing one line did.
type LineResult struct {
	Line      int
	Text      string
	Commands  int
	Moves     int
	Pause     bool
	EndPass   bool
	Anomalies []string
	Failures  []*LineError
}

// Failed reports whether any motion on the line could not be solved.
func (r LineResult) Failed() bool { return len(r.Failures) > 0 }

// Dispatcher owns the interpreter state and executes lines against a solver
// and a sender.
type Dispatcher struct {
	solver  Solver
	sender  Sender
	logger  logging.Logger
	feedCap time.Duration

	mu     sync.RWMutex
	state  State
	seed   []float64
	target []float64
}

// NewDispatcher returns a dispatcher at program defaults. jointCount is the
// number of driven joints; the seed vector has one extra slot for the base.
func NewDispatcher(solver Solver, sender Sender, jointCount int, feedCap time.Duration, logger logging.Logger) *Dispatcher {
	if feedCap <= 0 {
		feedCap = DefaultFeedDelayCap
	}
	return &Dispatcher{
		solver:  solver,
		sender:  sender,
		logger:  logger,
		feedCap: feedCap,
		state:   NewState(),
		seed:    make([]float64, jointCount+1),
		target:  make([]float64, jointCount),
	}
}

// FeedDelay is the pacing delay after a feed move at feedRate units/min.
func FeedDelay(feedRate float64, limit time.Duration) time.Duration {
	if feedRate <= 0 {
		return limit
	}
	d := time.Duration(60.0 / feedRate * float64(time.Second))
	if d > limit {
		return limit
	}
	return d
}

// ExecuteLine runs every command on one line. Unreachable targets are recorded
// in the result and do not stop the line; the state is not rolled back. A
// non-nil error means the sender failed or ctx was cancelled.
func (d *Dispatcher) ExecuteLine(ctx context.Context, line int, text string) (LineResult, error) {
	res := LineResult{Line: line, Text: text}
	if gcode.IsComment(text) {
		return res, nil
	}

	for _, cmd := range gcode.ParseLine(text) {
		res.Commands++

		d.mu.Lock()
		eff := d.state.Apply(cmd)
		feed := d.state.FeedRate
		d.mu.Unlock()

		if eff.Anomaly != "" {
			d.logger.Warnf("line %d: %s", line+1, eff.Anomaly)
			res.Anomalies = append(res.Anomalies, eff.Anomaly)
		}

		switch eff.Kind {
		case EffectMove:
			err := d.move(ctx, eff.Target)
			if err == nil {
				res.Moves++
				if !eff.Rapid && !utils.SelectContextOrWait(ctx, FeedDelay(feed, d.feedCap)) {
					return res, ctx.Err()
				}
				continue
			}
			lerr := &LineError{Line: line, Text: text, Target: eff.Target, Err: err}
			if errors.Is(err, errSend) {
				return res, lerr
			}
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			d.logger.Warnf("motion failed: %v", lerr)
			res.Failures = append(res.Failures, lerr)
		case EffectPause:
			res.Pause = true
		case EffectEndPass:
			res.EndPass = true
		case EffectNone, EffectUnsupported:
		}
	}
	return res, nil
}

var errSend = errors.New("send failed")

type sendError struct{ err error }

func (e *sendError) Error() string        { return e.err.Error() }
func (e *sendError) Unwrap() error        { return e.err }
func (e *sendError) Is(target error) bool { return target == errSend }

// IsSendFailure reports whether err came from the sender rather than the solver.
func IsSendFailure(err error) bool { return errors.Is(err, errSend) }

// MoveTo solves and sends a Cartesian target without touching the modal state.
func (d *Dispatcher) MoveTo(ctx context.Context, target r3.Vector) error {
	return d.move(ctx, target)
}

// SendJoints forwards raw joint angles in degrees and records them as the
// current target.
func (d *Dispatcher) SendJoints(ctx context.Context, deg []float64) error {
	d.mu.RLock()
	n := len(d.target)
	d.mu.RUnlock()
	if len(deg) != n {
		return errors.Errorf("expected %d joint angles, got %d", n, len(deg))
	}
	if err := d.sender.Send(ctx, deg); err != nil {
		return &sendError{err: err}
	}
	d.mu.Lock()
	copy(d.target, deg)
	for i, a := range deg {
		d.seed[i+1] = a * math.Pi / 180
	}
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) move(ctx context.Context, target r3.Vector) error {
	d.mu.RLock()
	seed := append([]float64(nil), d.seed...)
	d.mu.RUnlock()

	sol, err := d.solver.Inverse(ctx, target, seed)
	if err != nil {
		return err
	}
	if len(sol) != len(seed) {
		return errors.Errorf("solver returned %d angles, expected %d", len(sol), len(seed))
	}

	deg := make([]float64, len(sol)-1)
	for i, a := range sol[1:] {
		deg[i] = a * 180 / math.Pi
	}

	d.mu.Lock()
	d.seed = sol
	copy(d.target, deg)
	d.mu.Unlock()

	d.logger.Debugf("move to (%.2f, %.2f, %.2f) -> %v", target.X, target.Y, target.Z, deg)
	if err := d.sender.Send(ctx, deg); err != nil {
		return &sendError{err: err}
	}
	return nil
}

// State returns a copy of the modal registers.
func (d *Dispatcher) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Target returns the last commanded joint angles in degrees.
func (d *Dispatcher) Target() []float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]float64(nil), d.target...)
}

// Reset returns the modal registers to program defaults. The IK seed is kept
// so the next solve starts near the arm's real pose.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.state = NewState()
	d.mu.Unlock()
}
