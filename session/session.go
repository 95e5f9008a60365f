// Package session wires a program runner, the interpreter, kinematics,
// telemetry decoding and the trajectory model around one arm link.
package session

import (
	"context"
	"math"
	"os"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"gcode_arm/event"
	"gcode_arm/feedback"
	"gcode_arm/gcode"
	"gcode_arm/interp"
	"gcode_arm/kinematics"
	"gcode_arm/runner"
	"gcode_arm/trajectory"
)

// Link is the arm transport a session drives.
type Link interface {
	Send(ctx context.Context, anglesDeg []float64) error
	Connected() bool
	Lines() <-chan string
	SetOnLost(fn func(error))
}

// Config tunes a session. Zero values select defaults.
type Config struct {
	GearRatio          float64
	KinematicsFile     string
	IKTolerance        float64
	Timing             runner.Timing
	FeedDelayCap       time.Duration
	ResetStatePerPass  bool
	TrajectoryCapacity int
	TrajectorySpacing  float64
	EventBuffer        int
}

// Session is the running controller for one arm.
type Session struct {
	logger logging.Logger
	link   Link

	chain      *kinematics.Chain
	dispatcher *interp.Dispatcher
	runner     *runner.Runner
	model      *trajectory.Model
	table      *feedback.Table
	worker     *feedback.Worker
	events     *event.Stream

	cancel  context.CancelFunc
	workers sync.WaitGroup

	subsMu  sync.Mutex
	subs    map[int]chan event.Event
	nextSub int

	closeOnce sync.Once
}

// New builds a session around link and starts its telemetry and event workers.
func New(cfg Config, link Link, logger logging.Logger) (*Session, error) {
	var model *kinematics.Model
	if cfg.KinematicsFile != "" {
		var err error
		if model, err = kinematics.LoadModel(cfg.KinematicsFile); err != nil {
			return nil, err
		}
	}
	chain, err := kinematics.NewChain(model, logger.Sublogger("kinematics"))
	if err != nil {
		return nil, err
	}
	if cfg.IKTolerance > 0 {
		chain.SetTolerance(cfg.IKTolerance)
	}
	joints := chain.Model().DOF()

	s := &Session{
		logger: logger,
		link:   link,
		chain:  chain,
		model:  trajectory.NewModel(cfg.TrajectoryCapacity, cfg.TrajectorySpacing),
		table:  feedback.NewTable(joints),
		events: event.NewStream(cfg.EventBuffer),
		subs:   make(map[int]chan event.Event),
	}
	s.dispatcher = interp.NewDispatcher(chain, link, joints, cfg.FeedDelayCap, logger.Sublogger("interp"))
	s.runner = runner.New(s.dispatcher, link, s.events, runner.Options{
		Timing:            cfg.Timing,
		ResetStatePerPass: cfg.ResetStatePerPass,
	}, logger.Sublogger("runner"))
	s.worker = feedback.NewWorker(
		feedback.Codec{Joints: joints, GearRatio: cfg.GearRatio},
		s.table, chain, s.model, logger.Sublogger("feedback"),
	)
	s.worker.OnSample = func(sample feedback.Sample) {
		s.events.Publish(event.Event{
			Kind:    event.KindFeedback,
			Joint:   sample.Joint,
			Value:   sample.PositionDeg,
			Voltage: sample.Voltage,
		})
	}
	link.SetOnLost(func(err error) {
		s.events.Publish(event.Event{Kind: event.KindError, Err: err.Error()})
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.workers.Add(2)
	utils.PanicCapturingGo(func() {
		defer s.workers.Done()
		s.worker.Run(ctx, link.Lines())
	})
	utils.PanicCapturingGo(func() {
		defer s.workers.Done()
		s.pump()
	})
	return s, nil
}

// pump drains the event stream, logs failures and fans events out to subscribers.
func (s *Session) pump() {
	for e := range s.events.Events() {
		switch e.Kind {
		case event.KindError:
			s.logger.Errorf("%s", e.Err)
		case event.KindLine:
			if e.Failed {
				s.logger.Warnf("line %d failed: %s", e.Line+1, e.Err)
			}
		case event.KindCompletion:
			s.logger.Infof("program execution completed, executed %d time(s)", e.Iteration)
		}

		s.subsMu.Lock()
		for _, ch := range s.subs {
			select {
			case ch <- e:
			default:
			}
		}
		s.subsMu.Unlock()
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription. Slow subscribers miss events rather than stall the session.
func (s *Session) Subscribe(buffer int) (<-chan event.Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan event.Event, buffer)
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

// LoadProgram installs a program, pre-scans its planned trajectory and
// returns the interpreter to program defaults.
func (s *Session) LoadProgram(lines []string) error {
	if err := s.runner.Load(lines); err != nil {
		return err
	}
	s.dispatcher.Reset()
	n := s.model.SetPlan(lines)
	s.logger.Infof("planned trajectory has %d points", n)
	return nil
}

// LoadText splits program source into lines and loads it.
func (s *Session) LoadText(text string) error {
	return s.LoadProgram(gcode.SplitProgram(text))
}

// LoadFile reads a program from disk.
func (s *Session) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening program %s", path)
	}
	defer utils.UncheckedErrorFunc(f.Close)
	lines, err := gcode.LoadProgram(f)
	if err != nil {
		return err
	}
	return s.LoadProgram(lines)
}

func (s *Session) Start(ctx context.Context) error { return s.runner.Start(ctx) }
func (s *Session) Pause() error                    { return s.runner.Pause() }
func (s *Session) Resume() error                   { return s.runner.Resume() }
func (s *Session) Stop()                           { s.runner.Stop() }

// Wait blocks until the current run finishes or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.runner.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Step(ctx context.Context) (interp.LineResult, error) {
	return s.runner.Step(ctx)
}

func (s *Session) SetRepeat(rep runner.Repeat) error { return s.runner.SetRepeat(rep) }

// Rewind puts the cursor back on the first line without touching the
// interpreter state.
func (s *Session) Rewind() error { return s.runner.Rewind() }

// InterpreterStatus is the exported view of the modal state.
type InterpreterStatus struct {
	CoordinateMode string    `json:"coordinate_mode"`
	UnitMode       string    `json:"unit_mode"`
	FeedRate       float64   `json:"feed_rate"`
	Position       r3.Vector `json:"position"`
}

// Status is everything a control surface shows about the session.
type Status struct {
	Program     runner.Status     `json:"program"`
	Interpreter InterpreterStatus `json:"interpreter"`
	Connected   bool              `json:"connected"`
	Planned     int               `json:"planned_points"`
	Actual      int               `json:"actual_points"`
}

func (s *Session) Status() Status {
	st := s.dispatcher.State()
	return Status{
		Program: s.runner.Status(),
		Interpreter: InterpreterStatus{
			CoordinateMode: st.Coordinates.String(),
			UnitMode:       st.Units.String(),
			FeedRate:       st.FeedRate,
			Position:       st.Position,
		},
		Connected: s.link.Connected(),
		Planned:   len(s.model.SnapshotPlanned()),
		Actual:    len(s.model.SnapshotActual()),
	}
}

// Joints pairs the last commanded angles with the latest feedback.
type Joints struct {
	Target   []float64             `json:"target"`
	Feedback []feedback.JointState `json:"feedback"`
}

func (s *Session) Joints() Joints {
	return Joints{Target: s.dispatcher.Target(), Feedback: s.table.Snapshot()}
}

func (s *Session) Planned() []trajectory.PlannedPoint { return s.model.SnapshotPlanned() }
func (s *Session) Actual() []r3.Vector                { return s.model.SnapshotActual() }
func (s *Session) ClearActual()                       { s.model.ClearActual() }

// CurrentPlannedPoint is the planned target for the line under the cursor.
func (s *Session) CurrentPlannedPoint() (trajectory.PlannedPoint, bool) {
	return s.model.PlannedPointForLine(s.runner.Status().Cursor)
}

// MoveTo jogs the tool to a Cartesian point outside of any program.
func (s *Session) MoveTo(ctx context.Context, target r3.Vector) error {
	if s.runner.State() != runner.Idle {
		return runner.ErrAlreadyRunning
	}
	if !s.link.Connected() {
		return runner.ErrNotConnected
	}
	return s.dispatcher.MoveTo(ctx, target)
}

// SendJoints commands raw joint angles in degrees.
func (s *Session) SendJoints(ctx context.Context, deg []float64) error {
	if s.runner.State() != runner.Idle {
		return runner.ErrAlreadyRunning
	}
	if !s.link.Connected() {
		return runner.ErrNotConnected
	}
	return s.dispatcher.SendJoints(ctx, deg)
}

// Forward exposes the chain's forward kinematics for angles in degrees.
func (s *Session) Forward(deg []float64) (r3.Vector, error) {
	rad := make([]float64, len(deg)+1)
	for i, d := range deg {
		rad[i+1] = d * math.Pi / 180
	}
	return s.chain.Forward(rad)
}

// Close stops any run and the background workers. The link is left to its owner.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.runner.Stop()
		select {
		case <-s.runner.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
		s.link.SetOnLost(nil)
		s.cancel()
		s.events.Close()
		s.workers.Wait()

		s.subsMu.Lock()
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
		s.subsMu.Unlock()
	})
	return err
}
