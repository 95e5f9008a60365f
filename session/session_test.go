package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"

	"gcode_arm/event"
	"gcode_arm/runner"
)

type fakeLink struct {
	mu        sync.Mutex
	connected bool
	sent      [][]float64
	failSend  bool
	onLost    func(error)
	lines     chan string
}

func newFakeLink() *fakeLink {
	return &fakeLink{connected: true, lines: make(chan string, 16)}
}

func (l *fakeLink) Send(_ context.Context, deg []float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failSend {
		return errors.New("write failed")
	}
	l.sent = append(l.sent, append([]float64(nil), deg...))
	return nil
}

func (l *fakeLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *fakeLink) Lines() <-chan string { return l.lines }

func (l *fakeLink) SetOnLost(fn func(error)) {
	l.mu.Lock()
	l.onLost = fn
	l.mu.Unlock()
}

func (l *fakeLink) lose(err error) {
	l.mu.Lock()
	l.connected = false
	fn := l.onLost
	l.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (l *fakeLink) sends() [][]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]float64(nil), l.sent...)
}

var fastConfig = Config{
	Timing: runner.Timing{
		LineDelay: time.Millisecond,
		PassDelay: time.Millisecond,
		PausePoll: time.Millisecond,
	},
	FeedDelayCap: time.Millisecond,
}

func newTestSession(t *testing.T, link *fakeLink) *Session {
	t.Helper()
	s, err := New(fastConfig, link, logging.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Close(ctx))
	})
	return s
}

func waitFor(t *testing.T, events <-chan event.Event, kind event.Kind) event.Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-events:
			require.True(t, ok, "event channel closed while waiting for %s", kind)
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

const program = `G21
G90
(square corner)
G1 X300 Y0 Z600 F6000
G1 X0 Y300 Z600
M30
G1 X100 Y100 Z100
`

func TestRunProgram(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link)

	require.NoError(t, s.LoadText(program))
	assert.Len(t, s.Planned(), 3)

	events, cancel := s.Subscribe(64)
	defer cancel()

	require.NoError(t, s.Start(context.Background()))
	done := waitFor(t, events, event.KindCompletion)
	assert.Equal(t, 1, done.Iteration)

	ctx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	require.NoError(t, s.Wait(ctx))

	sent := link.sends()
	require.Len(t, sent, 2)
	for _, deg := range sent {
		assert.Len(t, deg, 7)
	}

	st := s.Status()
	assert.Equal(t, "idle", st.Program.State)
	assert.Equal(t, "Program Complete", st.Program.CurrentLine)
	assert.Equal(t, "G90", st.Interpreter.CoordinateMode)
	assert.Equal(t, "G21", st.Interpreter.UnitMode)
	assert.InDelta(t, 6000, st.Interpreter.FeedRate, 1e-9)
	assert.Equal(t, r3.Vector{X: 0, Y: 300, Z: 600}, st.Interpreter.Position)
	assert.True(t, st.Connected)
	assert.Equal(t, 3, st.Planned)

	// The commanded angles reach the second target.
	p, err := s.Forward(s.Joints().Target)
	require.NoError(t, err)
	assert.InDelta(t, 0, p.X, 1.5)
	assert.InDelta(t, 300, p.Y, 1.5)
	assert.InDelta(t, 600, p.Z, 1.5)
}

func TestLoadResetsInterpreter(t *testing.T) {
	s := newTestSession(t, newFakeLink())

	require.NoError(t, s.LoadText("G91\nG20\nG1 X1"))
	_, err := s.Step(context.Background())
	require.NoError(t, err)
	_, err = s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "G20", s.Status().Interpreter.UnitMode)

	require.NoError(t, s.LoadText("G1 X10 Y0 Z800"))
	st := s.Status()
	assert.Equal(t, "G90", st.Interpreter.CoordinateMode)
	assert.Equal(t, "G21", st.Interpreter.UnitMode)
	assert.Equal(t, 0, st.Program.Cursor)
}

func TestStepAndCurrentPlannedPoint(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link)
	require.NoError(t, s.LoadText("G1 X300 Y0 Z600\nG1 X0 Y300 Z600"))

	pp, ok := s.CurrentPlannedPoint()
	require.True(t, ok)
	assert.Equal(t, 0, pp.Line)

	res, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Moves)
	assert.Len(t, link.sends(), 1)

	pp, ok = s.CurrentPlannedPoint()
	require.True(t, ok)
	assert.Equal(t, 1, pp.Line)
	assert.Equal(t, r3.Vector{X: 0, Y: 300, Z: 600}, pp.Point)

	_, err = s.Step(context.Background())
	require.NoError(t, err)
	_, err = s.Step(context.Background())
	assert.ErrorIs(t, err, runner.ErrEndOfProgram)
}

func TestTelemetryBuildsActualPath(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link)

	events, cancel := s.Subscribe(64)
	defer cancel()

	link.lines <- "ID:1,POS:0,VOL:12.1"
	fb := waitFor(t, events, event.KindFeedback)
	assert.Equal(t, 0, fb.Joint)
	assert.InDelta(t, 12.1, fb.Voltage, 1e-9)

	for id := 2; id <= 7; id++ {
		link.lines <- fmt.Sprintf("ID:%d,POS:0", id)
	}
	link.lines <- "garbage"

	require.Eventually(t, func() bool {
		return len(s.Actual()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	p := s.Actual()[0]
	assert.InDelta(t, 0, p.X, 1e-6)
	assert.InDelta(t, 900, p.Z, 1e-6)

	joints := s.Joints()
	require.Len(t, joints.Feedback, 7)
	for _, j := range joints.Feedback {
		assert.True(t, j.Seen)
	}
	assert.True(t, joints.Feedback[0].HasVoltage)
	assert.False(t, joints.Feedback[1].HasVoltage)

	s.ClearActual()
	assert.Empty(t, s.Actual())
}

func TestStreamLossIsReported(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link)

	events, cancel := s.Subscribe(8)
	defer cancel()

	link.lose(errors.New("telemetry stream lost: EOF"))
	e := waitFor(t, events, event.KindError)
	assert.Contains(t, e.Err, "EOF")
	assert.False(t, s.Status().Connected)

	require.NoError(t, s.LoadText("G1 X1"))
	assert.ErrorIs(t, s.Start(context.Background()), runner.ErrNotConnected)
}

func TestSendFailureFaultsRun(t *testing.T) {
	link := newFakeLink()
	link.failSend = true
	s := newTestSession(t, link)

	events, cancel := s.Subscribe(64)
	defer cancel()

	require.NoError(t, s.LoadText("G1 X300 Y0 Z600"))
	require.NoError(t, s.Start(context.Background()))
	waitFor(t, events, event.KindError)
	require.Eventually(t, func() bool {
		return s.Status().Program.State == "faulted"
	}, 5*time.Second, time.Millisecond)

	s.Stop()
	ctx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, "idle", s.Status().Program.State)
}

func TestJogging(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link)

	require.NoError(t, s.MoveTo(context.Background(), r3.Vector{X: 300, Y: 0, Z: 600}))
	require.Len(t, link.sends(), 1)

	deg := []float64{10, 20, 30, 40, 50, 60, 70}
	require.NoError(t, s.SendJoints(context.Background(), deg))
	assert.Equal(t, deg, s.Joints().Target)

	assert.Error(t, s.SendJoints(context.Background(), []float64{1, 2}))

	link.mu.Lock()
	link.connected = false
	link.mu.Unlock()
	assert.ErrorIs(t, s.MoveTo(context.Background(), r3.Vector{Z: 900}), runner.ErrNotConnected)
	assert.ErrorIs(t, s.SendJoints(context.Background(), deg), runner.ErrNotConnected)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	s, err := New(fastConfig, newFakeLink(), logging.NewTestLogger(t))
	require.NoError(t, err)

	events, cancel := s.Subscribe(4)
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	_, ok := <-events
	assert.False(t, ok)
	cancel()
}

func TestBadKinematicsFile(t *testing.T) {
	_, err := New(Config{KinematicsFile: "/nonexistent/arm.json"}, newFakeLink(), logging.NewTestLogger(t))
	assert.Error(t, err)
}
