// Package runner drives a loaded program through the interpreter: start,
// pause, resume, stop, single step and finite or infinite repetition.
package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"gcode_arm/event"
	"gcode_arm/interp"
)

var (
	ErrNotLoaded      = errors.New("no program loaded")
	ErrNotConnected   = errors.New("arm transport not connected")
	ErrAlreadyRunning = errors.New("program already running")
	ErrNotRunning     = errors.New("program not running")
	ErrEndOfProgram   = errors.New("cursor is past the last line")
	ErrInvalidRepeat  = errors.New("repeat count must be at least 1")
)

// State is the runner's lifecycle state.
type State int

const (
	Idle State = iota
	Running
	Paused
	Stopping
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Faulted:
		return "faulted"
	}
	return "unknown"
}

// Executor runs single program lines.
type Executor interface {
	ExecuteLine(ctx context.Context, line int, text string) (interp.LineResult, error)
	Reset()
}

// Connection reports whether commands can reach the arm.
type Connection interface {
	Connected() bool
}

// Timing holds the pacing delays of a run.
type Timing struct {
	LineDelay time.Duration
	PassDelay time.Duration
	PausePoll time.Duration
}

// DefaultTiming matches the controller's pacing: 100ms after every line and
// 500ms between repeat passes.
var DefaultTiming = Timing{
	LineDelay: 100 * time.Millisecond,
	PassDelay: 500 * time.Millisecond,
	PausePoll: 100 * time.Millisecond,
}

// Options configures a Runner.
type Options struct {
	Timing Timing
	// ResetStatePerPass returns the interpreter to program defaults at the
	// start of every repeat pass after the first.
	ResetStatePerPass bool
}

// Repeat is the requested repetition of a run.
type Repeat struct {
	Enabled  bool `json:"enabled"`
	Infinite bool `json:"infinite"`
	Count    int  `json:"count"`
}

// Total is the number of passes a run performs, -1 meaning until stopped.
func (r Repeat) Total() int {
	switch {
	case r.Enabled && r.Infinite:
		return -1
	case r.Enabled:
		return r.Count
	default:
		return 1
	}
}

// Status is a point-in-time copy of the runner's bookkeeping.
type Status struct {
	State            string  `json:"state"`
	Cursor           int     `json:"cursor"`
	TotalLines       int     `json:"total_lines"`
	Percent          float64 `json:"percent"`
	CurrentLine      string  `json:"current_line"`
	Repeat           Repeat  `json:"repeat"`
	CurrentIteration int     `json:"current_iteration"`
	TotalIterations  int     `json:"total_iterations"`
	LastError        string  `json:"last_error,omitempty"`
}

// Runner owns the program, its cursor and the repeat bookkeeping.
type Runner struct {
	exec   Executor
	conn   Connection
	events *event.Stream
	logger logging.Logger
	opts   Options

	mu        sync.RWMutex
	lines     []string
	cursor    int
	state     State
	repeat    Repeat
	iteration int
	total     int
	lastErr   error
	stepping  bool
	cancel    context.CancelFunc
	done      chan struct{}

	paused atomic.Bool
}

// New returns an idle runner. Zero timing fields fall back to DefaultTiming.
func New(exec Executor, conn Connection, events *event.Stream, opts Options, logger logging.Logger) *Runner {
	if opts.Timing.LineDelay == 0 {
		opts.Timing.LineDelay = DefaultTiming.LineDelay
	}
	if opts.Timing.PassDelay == 0 {
		opts.Timing.PassDelay = DefaultTiming.PassDelay
	}
	if opts.Timing.PausePoll <= 0 {
		opts.Timing.PausePoll = DefaultTiming.PausePoll
	}
	closed := make(chan struct{})
	close(closed)
	return &Runner{
		exec:   exec,
		conn:   conn,
		events: events,
		logger: logger,
		opts:   opts,
		repeat: Repeat{Count: 1},
		total:  1,
		done:   closed,
	}
}

// Load replaces the program and rewinds the cursor. Not allowed while running.
func (r *Runner) Load(lines []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busyLocked() {
		return ErrAlreadyRunning
	}
	r.lines = append([]string(nil), lines...)
	r.cursor = 0
	r.lastErr = nil
	r.logger.Infof("loaded program with %d lines", len(lines))
	return nil
}

// Lines returns a copy of the loaded program.
func (r *Runner) Lines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.lines...)
}

// SetRepeat changes the repeat request. It takes effect at the next Start.
func (r *Runner) SetRepeat(rep Repeat) error {
	if rep.Count < 1 {
		if rep.Enabled && !rep.Infinite {
			return ErrInvalidRepeat
		}
		rep.Count = 1
	}
	r.mu.Lock()
	r.repeat = rep
	r.mu.Unlock()
	return nil
}

// Start launches a run on its own goroutine. The run is not bound to ctx;
// use Stop to end it.
func (r *Runner) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.busyLocked() {
		return ErrAlreadyRunning
	}
	if len(r.lines) == 0 {
		return ErrNotLoaded
	}
	if !r.conn.Connected() {
		return ErrNotConnected
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.state = Running
	r.paused.Store(false)
	r.cursor = 0
	r.iteration = 0
	r.total = r.repeat.Total()
	r.lastErr = nil

	r.logger.Infof("starting program: %d lines, %s", len(r.lines), describeTotal(r.total))
	r.publishState(Running)

	done := r.done
	utils.PanicCapturingGo(func() {
		r.run(runCtx, done)
	})
	return nil
}

// Pause holds the run at the next line boundary.
func (r *Runner) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case Running:
		r.paused.Store(true)
		r.state = Paused
		r.publishState(Paused)
		return nil
	case Paused:
		return nil
	}
	return ErrNotRunning
}

// Resume continues a paused run where it stopped.
func (r *Runner) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case Paused:
		r.paused.Store(false)
		r.state = Running
		r.publishState(Running)
		return nil
	case Running:
		return nil
	}
	return ErrNotRunning
}

// Stop asks the run to end at the next line or pass boundary. Pending pacing
// delays are cut short. It does not wait; use Done for that.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Idle || r.cancel == nil {
		return
	}
	r.state = Stopping
	r.paused.Store(false)
	r.cancel()
	r.publishState(Stopping)
}

// Done is closed when the current (or last) run has fully finished.
func (r *Runner) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.done
}

// Step executes the line under the cursor and advances it. Only valid while
// no run is active; repeat bookkeeping is untouched.
func (r *Runner) Step(ctx context.Context) (interp.LineResult, error) {
	r.mu.Lock()
	if r.busyLocked() {
		r.mu.Unlock()
		return interp.LineResult{}, ErrAlreadyRunning
	}
	if len(r.lines) == 0 {
		r.mu.Unlock()
		return interp.LineResult{}, ErrNotLoaded
	}
	if !r.conn.Connected() {
		r.mu.Unlock()
		return interp.LineResult{}, ErrNotConnected
	}
	if r.cursor >= len(r.lines) {
		r.mu.Unlock()
		return interp.LineResult{}, ErrEndOfProgram
	}
	idx, text := r.cursor, r.lines[r.cursor]
	r.stepping = true
	r.mu.Unlock()

	r.publishLine(idx, text)
	res, err := r.exec.ExecuteLine(ctx, idx, text)

	r.mu.Lock()
	r.stepping = false
	if err == nil {
		r.advanceLocked(res)
	} else {
		r.lastErr = err
	}
	r.mu.Unlock()

	r.report(res)
	if err != nil {
		r.publishError(err)
		return res, err
	}
	r.publishProgress()
	return res, nil
}

// Rewind moves the cursor back to the first line.
func (r *Runner) Rewind() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busyLocked() {
		return ErrAlreadyRunning
	}
	r.cursor = 0
	return nil
}

func (r *Runner) busyLocked() bool {
	return r.state != Idle || r.stepping
}

// State returns the lifecycle state.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Status snapshots the runner.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Status{
		State:            r.state.String(),
		Cursor:           r.cursor,
		TotalLines:       len(r.lines),
		Repeat:           r.repeat,
		CurrentIteration: r.iteration,
		TotalIterations:  r.total,
	}
	switch {
	case len(r.lines) == 0:
		st.CurrentLine = "N/A"
	case r.cursor < len(r.lines):
		st.CurrentLine = r.lines[r.cursor]
	default:
		st.CurrentLine = "Program Complete"
	}
	if len(r.lines) > 0 {
		st.Percent = float64(r.cursor) / float64(len(r.lines)) * 100
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

func (r *Runner) run(ctx context.Context, done chan struct{}) {
	defer r.finish(done)

	for {
		// a stop between passes must not count another pass
		if ctx.Err() != nil {
			return
		}
		r.mu.Lock()
		if r.total >= 0 && r.iteration >= r.total {
			r.mu.Unlock()
			return
		}
		r.iteration++
		r.cursor = 0
		iteration, total := r.iteration, r.total
		r.mu.Unlock()

		if iteration > 1 && r.opts.ResetStatePerPass {
			r.exec.Reset()
		}
		r.logger.Infof("pass %s", describePass(iteration, total))
		r.events.Publish(event.Event{Kind: event.KindRepeat, Iteration: iteration, Total: total})

		if !r.runPass(ctx) {
			return
		}

		if total >= 0 && iteration < total {
			if !utils.SelectContextOrWait(ctx, r.opts.Timing.PassDelay) {
				return
			}
		}
	}
}

// runPass executes lines until the end of the program. It returns false when
// the run has to end early.
func (r *Runner) runPass(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}

		// the end of the pass wins over a pending pause
		r.mu.RLock()
		if r.cursor >= len(r.lines) {
			r.mu.RUnlock()
			return true
		}
		idx, text := r.cursor, r.lines[r.cursor]
		r.mu.RUnlock()

		if r.paused.Load() {
			if !utils.SelectContextOrWait(ctx, r.opts.Timing.PausePoll) {
				return false
			}
			continue
		}

		r.publishLine(idx, text)
		res, err := r.exec.ExecuteLine(ctx, idx, text)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			r.fault(ctx, err)
			return false
		}
		r.report(res)

		r.mu.Lock()
		r.advanceLocked(res)
		if res.Pause && r.state == Running {
			r.paused.Store(true)
			r.state = Paused
			r.logger.Infof("paused by M0 at line %d", idx+1)
			r.publishState(Paused)
		}
		r.mu.Unlock()
		r.publishProgress()

		if !utils.SelectContextOrWait(ctx, r.opts.Timing.LineDelay) {
			return false
		}
	}
}

func (r *Runner) advanceLocked(res interp.LineResult) {
	if res.EndPass {
		r.cursor = len(r.lines)
		return
	}
	r.cursor++
}

// fault parks the run after a transport failure until Stop is called.
func (r *Runner) fault(ctx context.Context, err error) {
	r.mu.Lock()
	r.lastErr = err
	if r.state != Stopping {
		r.state = Faulted
	}
	r.mu.Unlock()

	r.logger.Errorf("run faulted: %v", err)
	r.publishError(err)
	r.publishState(Faulted)
	<-ctx.Done()
}

func (r *Runner) finish(done chan struct{}) {
	r.mu.Lock()
	r.state = Idle
	r.paused.Store(false)
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	iteration := r.iteration
	r.mu.Unlock()

	r.logger.Infof("program finished after %d pass(es)", iteration)
	r.events.Publish(event.Event{Kind: event.KindCompletion, Iteration: iteration, State: Idle.String()})
	close(done)
}

func (r *Runner) report(res interp.LineResult) {
	for _, a := range res.Anomalies {
		r.events.Publish(event.Event{Kind: event.KindAnomaly, Line: res.Line, Text: a})
	}
	for _, f := range res.Failures {
		r.events.Publish(event.Event{Kind: event.KindLine, Line: f.Line, Text: f.Text, Failed: true, Err: f.Err.Error()})
	}
}

func (r *Runner) publishLine(idx int, text string) {
	r.events.Publish(event.Event{Kind: event.KindLine, Line: idx, Text: text})
}

func (r *Runner) publishProgress() {
	r.mu.RLock()
	e := event.Event{Kind: event.KindProgress, Line: r.cursor, TotalLines: len(r.lines)}
	r.mu.RUnlock()
	r.events.Publish(e)
}

func (r *Runner) publishError(err error) {
	r.events.Publish(event.Event{Kind: event.KindError, Err: err.Error()})
}

// publishState never blocks, so it is safe under r.mu.
func (r *Runner) publishState(s State) {
	r.events.Publish(event.Event{Kind: event.KindState, State: s.String()})
}

func describeTotal(total int) string {
	switch {
	case total < 0:
		return "repeating until stopped"
	case total == 1:
		return "single pass"
	}
	return fmt.Sprintf("repeating %d times", total)
}

func describePass(iteration, total int) string {
	if total < 0 {
		return fmt.Sprintf("%d/inf", iteration)
	}
	return fmt.Sprintf("%d/%d", iteration, total)
}
