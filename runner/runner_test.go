package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"

	"gcode_arm/event"
	"gcode_arm/gcode"
	"gcode_arm/interp"
)

// scriptedExecutor records executed lines and reacts to a few markers:
// "M0" pauses, "M30" ends the pass, "FAIL" returns a transport error and
// "SLOW" blocks until the context is cancelled.
type scriptedExecutor struct {
	mu       sync.Mutex
	executed []int
	resets   int
}

var errLinkDown = errors.New("link down")

func (e *scriptedExecutor) ExecuteLine(ctx context.Context, line int, text string) (interp.LineResult, error) {
	e.mu.Lock()
	e.executed = append(e.executed, line)
	e.mu.Unlock()

	res := interp.LineResult{Line: line, Text: text}
	for _, cmd := range gcode.ParseLine(text) {
		switch {
		case cmd.Is(gcode.KindM, 0):
			res.Pause = true
		case cmd.Is(gcode.KindM, 30):
			res.EndPass = true
		}
	}
	switch text {
	case "FAIL":
		return res, errLinkDown
	case "SLOW":
		<-ctx.Done()
		return res, ctx.Err()
	}
	return res, nil
}

func (e *scriptedExecutor) Reset() {
	e.mu.Lock()
	e.resets++
	e.mu.Unlock()
}

func (e *scriptedExecutor) lines() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.executed...)
}

type fakeConn struct{ up atomic.Bool }

func (c *fakeConn) Connected() bool { return c.up.Load() }

var fastTiming = Timing{
	LineDelay: time.Millisecond,
	PassDelay: time.Millisecond,
	PausePoll: time.Millisecond,
}

type harness struct {
	runner *Runner
	exec   *scriptedExecutor
	conn   *fakeConn
	events *event.Stream

	mu       sync.Mutex
	received []event.Event
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.Timing == (Timing{}) {
		opts.Timing = fastTiming
	}
	h := &harness{
		exec:   &scriptedExecutor{},
		conn:   &fakeConn{},
		events: event.NewStream(16),
	}
	h.conn.up.Store(true)
	h.runner = New(h.exec, h.conn, h.events, opts, logging.NewTestLogger(t))

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for e := range h.events.Events() {
			h.mu.Lock()
			h.received = append(h.received, e)
			h.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		h.runner.Stop()
		<-h.runner.Done()
		h.events.Close()
		<-drained
	})
	return h
}

func (h *harness) eventsOf(k event.Kind) []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []event.Event
	for _, e := range h.received {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func waitDone(t *testing.T, r *Runner) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestStartPreconditions(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	assert.ErrorIs(t, h.runner.Start(ctx), ErrNotLoaded)

	require.NoError(t, h.runner.Load([]string{"G1 X1"}))
	h.conn.up.Store(false)
	assert.ErrorIs(t, h.runner.Start(ctx), ErrNotConnected)
	_, err := h.runner.Step(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, "idle", h.runner.Status().State)
}

func TestSinglePass(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.runner.Load([]string{"G1 X1", "G1 X2", "G1 X3"}))
	require.NoError(t, h.runner.Start(context.Background()))
	waitDone(t, h.runner)

	assert.Equal(t, []int{0, 1, 2}, h.exec.lines())
	st := h.runner.Status()
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, 1, st.CurrentIteration)
	assert.Equal(t, 3, st.Cursor)
	assert.Equal(t, 100.0, st.Percent)
	assert.Equal(t, "Program Complete", st.CurrentLine)
}

func TestFiniteRepeat(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.runner.Load([]string{"G1 X1", "G1 X2"}))
	require.NoError(t, h.runner.SetRepeat(Repeat{Enabled: true, Count: 3}))
	require.NoError(t, h.runner.Start(context.Background()))
	waitDone(t, h.runner)

	assert.Equal(t, []int{0, 1, 0, 1, 0, 1}, h.exec.lines())
	// the iteration count survives completion
	assert.Equal(t, 3, h.runner.Status().CurrentIteration)
	assert.Zero(t, h.exec.resets)

	// exactly one completion, after the run reported idle
	require.Eventually(t, func() bool { return len(h.eventsOf(event.KindCompletion)) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 3, h.eventsOf(event.KindCompletion)[0].Iteration)
	assert.Len(t, h.eventsOf(event.KindRepeat), 3)
}

func TestRepeatDisabledIgnoresCount(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.runner.Load([]string{"G1 X1"}))
	require.NoError(t, h.runner.SetRepeat(Repeat{Enabled: false, Count: 5}))
	require.NoError(t, h.runner.Start(context.Background()))
	waitDone(t, h.runner)
	assert.Equal(t, []int{0}, h.exec.lines())
}

func TestSetRepeatValidation(t *testing.T) {
	h := newHarness(t, Options{})
	assert.ErrorIs(t, h.runner.SetRepeat(Repeat{Enabled: true, Count: 0}), ErrInvalidRepeat)
	assert.NoError(t, h.runner.SetRepeat(Repeat{Enabled: true, Infinite: true}))
	assert.Equal(t, 1, h.runner.Status().Repeat.Count)
}

func TestResetStatePerPass(t *testing.T) {
	h := newHarness(t, Options{ResetStatePerPass: true})
	require.NoError(t, h.runner.Load([]string{"G91", "G1 X1"}))
	require.NoError(t, h.runner.SetRepeat(Repeat{Enabled: true, Count: 3}))
	require.NoError(t, h.runner.Start(context.Background()))
	waitDone(t, h.runner)
	assert.Equal(t, 2, h.exec.resets)
}

func TestEndPassSkipsRemainingLines(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.runner.Load([]string{"G1 X1", "M30", "G1 X2"}))
	require.NoError(t, h.runner.SetRepeat(Repeat{Enabled: true, Count: 2}))
	require.NoError(t, h.runner.Start(context.Background()))
	waitDone(t, h.runner)
	assert.Equal(t, []int{0, 1, 0, 1}, h.exec.lines())
	assert.Equal(t, 2, h.runner.Status().CurrentIteration)
}

func TestInfiniteRepeatUntilStop(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.runner.Load([]string{"G1 X1", "G1 X2"}))
	require.NoError(t, h.runner.SetRepeat(Repeat{Enabled: true, Infinite: true}))
	require.NoError(t, h.runner.Start(context.Background()))

	require.Eventually(t, func() bool { return h.runner.Status().CurrentIteration >= 3 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, -1, h.runner.Status().TotalIterations)
	h.runner.Stop()
	waitDone(t, h.runner)

	st := h.runner.Status()
	assert.Equal(t, "idle", st.State)
	assert.GreaterOrEqual(t, st.CurrentIteration, 3)
}

func TestStopMidRun(t *testing.T) {
	h := newHarness(t, Options{Timing: Timing{LineDelay: time.Hour, PassDelay: time.Hour, PausePoll: time.Millisecond}})
	require.NoError(t, h.runner.Load([]string{"G1 X1", "G1 X2", "G1 X3"}))
	require.NoError(t, h.runner.SetRepeat(Repeat{Enabled: true, Count: 4}))
	require.NoError(t, h.runner.Start(context.Background()))

	require.Eventually(t, func() bool { return len(h.exec.lines()) == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.runner.Start(context.Background()), ErrAlreadyRunning)

	start := time.Now()
	h.runner.Stop()
	waitDone(t, h.runner)
	assert.Less(t, time.Since(start), time.Second)

	st := h.runner.Status()
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, 1, st.CurrentIteration)
	assert.Equal(t, 1, st.Cursor)
	assert.Equal(t, []int{0}, h.exec.lines())
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.runner.Load([]string{"G1 X1", "M0", "G1 X2"}))
	require.NoError(t, h.runner.Start(context.Background()))

	require.Eventually(t, func() bool { return h.runner.State() == Paused }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int{0, 1}, h.exec.lines())
	assert.Equal(t, 2, h.runner.Status().Cursor)

	require.NoError(t, h.runner.Resume())
	waitDone(t, h.runner)
	assert.Equal(t, []int{0, 1, 2}, h.exec.lines())

	assert.ErrorIs(t, h.runner.Pause(), ErrNotRunning)
	assert.ErrorIs(t, h.runner.Resume(), ErrNotRunning)
}

func TestPauseOnLastLineCompletes(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.runner.Load([]string{"G1 X1", "M0"}))
	require.NoError(t, h.runner.Start(context.Background()))
	waitDone(t, h.runner)

	assert.Equal(t, []int{0, 1}, h.exec.lines())
	st := h.runner.Status()
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, 2, st.Cursor)
	assert.Equal(t, "Program Complete", st.CurrentLine)
	require.Eventually(t, func() bool { return len(h.eventsOf(event.KindCompletion)) == 1 }, time.Second, time.Millisecond)

	// the pause does not leak into the next run
	require.NoError(t, h.runner.Load([]string{"G1 X1"}))
	require.NoError(t, h.runner.Start(context.Background()))
	waitDone(t, h.runner)
	assert.Equal(t, []int{0, 1, 0}, h.exec.lines())
}

func TestCancelledRunCountsNoPass(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.runner.Load([]string{"G1 X1"}))
	require.NoError(t, h.runner.SetRepeat(Repeat{Enabled: true, Infinite: true}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.runner.total = -1
	done := make(chan struct{})
	h.runner.run(ctx, done)
	<-done

	assert.Zero(t, h.runner.Status().CurrentIteration)
	assert.Empty(t, h.exec.lines())
	assert.Empty(t, h.eventsOf(event.KindRepeat))
}

func TestRewind(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.runner.Load([]string{"G1 X1", "G1 X2"}))
	_, err := h.runner.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.runner.Status().Cursor)

	require.NoError(t, h.runner.Rewind())
	assert.Equal(t, 0, h.runner.Status().Cursor)

	h.runner.opts.Timing.LineDelay = time.Hour
	require.NoError(t, h.runner.Start(context.Background()))
	assert.ErrorIs(t, h.runner.Rewind(), ErrAlreadyRunning)
}

func TestManualPauseHoldsCursor(t *testing.T) {
	h := newHarness(t, Options{Timing: Timing{LineDelay: 20 * time.Millisecond, PassDelay: time.Millisecond, PausePoll: time.Millisecond}})
	require.NoError(t, h.runner.Load([]string{"G1 X1", "G1 X2", "G1 X3"}))
	require.NoError(t, h.runner.Start(context.Background()))

	require.Eventually(t, func() bool { return len(h.exec.lines()) >= 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.runner.Pause())
	time.Sleep(30 * time.Millisecond)
	held := h.runner.Status().Cursor
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, held, h.runner.Status().Cursor)
	assert.Equal(t, "paused", h.runner.Status().State)

	h.runner.Stop()
	waitDone(t, h.runner)
	assert.Equal(t, "idle", h.runner.Status().State)
}

func TestTransportFailureFaultsUntilStop(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.runner.Load([]string{"G1 X1", "FAIL", "G1 X2"}))
	require.NoError(t, h.runner.Start(context.Background()))

	require.Eventually(t, func() bool { return h.runner.State() == Faulted }, time.Second, time.Millisecond)
	st := h.runner.Status()
	assert.Contains(t, st.LastError, "link down")
	require.Eventually(t, func() bool { return len(h.eventsOf(event.KindError)) == 1 }, time.Second, time.Millisecond)

	select {
	case <-h.runner.Done():
		t.Fatal("faulted run should wait for stop")
	case <-time.After(20 * time.Millisecond):
	}

	h.runner.Stop()
	waitDone(t, h.runner)
	assert.Equal(t, []int{0, 1}, h.exec.lines())
	assert.Len(t, h.eventsOf(event.KindError), 1)
}

func TestStopCancelsInFlightLine(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.runner.Load([]string{"SLOW", "G1 X1"}))
	require.NoError(t, h.runner.Start(context.Background()))
	require.Eventually(t, func() bool { return len(h.exec.lines()) == 1 }, time.Second, time.Millisecond)

	h.runner.Stop()
	waitDone(t, h.runner)
	assert.Equal(t, "idle", h.runner.Status().State)
	assert.Empty(t, h.runner.Status().LastError)
}

func TestStep(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.runner.Step(ctx)
	assert.ErrorIs(t, err, ErrNotLoaded)

	require.NoError(t, h.runner.Load([]string{"G1 X1", "M30", "G1 X2"}))
	require.NoError(t, h.runner.SetRepeat(Repeat{Enabled: true, Count: 2}))

	res, err := h.runner.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Line)
	assert.Equal(t, 1, h.runner.Status().Cursor)

	_, err = h.runner.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, h.runner.Status().Cursor)

	_, err = h.runner.Step(ctx)
	assert.ErrorIs(t, err, ErrEndOfProgram)
	assert.Zero(t, h.runner.Status().CurrentIteration)

	require.NoError(t, h.runner.Rewind())
	assert.Zero(t, h.runner.Status().Cursor)
}

func TestStepRejectedWhileRunning(t *testing.T) {
	h := newHarness(t, Options{Timing: Timing{LineDelay: time.Hour, PassDelay: time.Millisecond, PausePoll: time.Millisecond}})
	require.NoError(t, h.runner.Load([]string{"G1 X1", "G1 X2"}))
	require.NoError(t, h.runner.Start(context.Background()))

	_, err := h.runner.Step(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.ErrorIs(t, h.runner.Load([]string{"G0"}), ErrAlreadyRunning)
}

func TestStepTransportFailure(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.runner.Load([]string{"FAIL"}))
	_, err := h.runner.Step(context.Background())
	assert.ErrorIs(t, err, errLinkDown)
	assert.Equal(t, "idle", h.runner.Status().State)
	assert.Zero(t, h.runner.Status().Cursor)
}

func TestStatusEmpty(t *testing.T) {
	h := newHarness(t, Options{})
	st := h.runner.Status()
	assert.Equal(t, "N/A", st.CurrentLine)
	assert.Zero(t, st.Percent)
	assert.Equal(t, 1, st.TotalIterations)
}
