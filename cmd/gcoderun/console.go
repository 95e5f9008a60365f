package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/google/shlex"
	"github.com/pkg/errors"

	"gcode_arm/interp"
	"gcode_arm/runner"
	"gcode_arm/session"
)

var errQuit = errors.New("quit")

// controller is what the console drives.
type controller interface {
	LoadFile(path string) error
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Stop()
	Step(ctx context.Context) (interp.LineResult, error)
	Rewind() error
	SetRepeat(rep runner.Repeat) error
	Status() session.Status
	Joints() session.Joints
	MoveTo(ctx context.Context, target r3.Vector) error
}

type console struct {
	ctrl controller
	out  io.Writer
}

const consoleHelp = `commands:
  load <file>          load a program
  start | pause | resume | stop
  step                 execute the line under the cursor
  rewind               move the cursor back to the first line
  repeat <n>|inf|off   set repetition for the next start
  status               show program and interpreter state
  move <x> <y> <z>     jog the tool to a point
  joints               show commanded and measured joints
  quit`

// run reads commands until quit or ctx is done. It returns io.EOF when the
// input runs out, and nil after quit.
func (c *console) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return io.EOF
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.exec(ctx, scanner.Text()); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}

	switch strings.ToLower(args[0]) {
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
	case "quit", "exit":
		return errQuit
	case "load":
		if len(args) != 2 {
			return errors.New("usage: load <file>")
		}
		if err := c.ctrl.LoadFile(args[1]); err != nil {
			return err
		}
		c.printProgram()
	case "start":
		return c.ctrl.Start(ctx)
	case "pause":
		return c.ctrl.Pause()
	case "resume":
		return c.ctrl.Resume()
	case "stop":
		c.ctrl.Stop()
	case "step":
		res, err := c.ctrl.Step(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "line %d: %s (%d move(s))\n", res.Line+1, res.Text, res.Moves)
		for _, f := range res.Failures {
			fmt.Fprintf(c.out, "  failed: %v\n", f)
		}
		for _, a := range res.Anomalies {
			fmt.Fprintf(c.out, "  warning: %s\n", a)
		}
	case "rewind":
		if err := c.ctrl.Rewind(); err != nil {
			return err
		}
		c.printProgram()
	case "repeat":
		if len(args) != 2 {
			return errors.New("usage: repeat <n>|inf|off")
		}
		rep, err := parseRepeat(args[1])
		if err != nil {
			return err
		}
		return c.ctrl.SetRepeat(rep)
	case "status":
		c.printStatus()
	case "move":
		if len(args) != 4 {
			return errors.New("usage: move <x> <y> <z>")
		}
		var xyz [3]float64
		for i, s := range args[1:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return errors.Wrapf(err, "bad coordinate %q", s)
			}
			xyz[i] = v
		}
		return c.ctrl.MoveTo(ctx, r3.Vector{X: xyz[0], Y: xyz[1], Z: xyz[2]})
	case "joints":
		c.printJoints()
	default:
		return errors.Errorf("unknown command %q, try help", args[0])
	}
	return nil
}

func parseRepeat(arg string) (runner.Repeat, error) {
	switch strings.ToLower(arg) {
	case "off":
		return runner.Repeat{Count: 1}, nil
	case "inf", "infinite":
		return runner.Repeat{Enabled: true, Infinite: true, Count: 1}, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		return runner.Repeat{}, errors.Errorf("repeat count must be a number, inf or off, got %q", arg)
	}
	return runner.Repeat{Enabled: true, Count: n}, nil
}

func (c *console) printProgram() {
	p := c.ctrl.Status().Program
	fmt.Fprintf(c.out, "%s  line %d/%d (%.0f%%)  pass %d/%s  current: %s\n",
		p.State, p.Cursor, p.TotalLines, p.Percent, p.CurrentIteration, totalLabel(p.TotalIterations), p.CurrentLine)
	if p.LastError != "" {
		fmt.Fprintf(c.out, "last error: %s\n", p.LastError)
	}
}

func (c *console) printStatus() {
	c.printProgram()
	st := c.ctrl.Status()
	in := st.Interpreter
	fmt.Fprintf(c.out, "%s %s  F%.1f  position (%.2f, %.2f, %.2f)  connected: %v\n",
		in.CoordinateMode, in.UnitMode, in.FeedRate, in.Position.X, in.Position.Y, in.Position.Z, st.Connected)
	fmt.Fprintf(c.out, "trajectory: %d planned, %d measured\n", st.Planned, st.Actual)
}

func (c *console) printJoints() {
	j := c.ctrl.Joints()
	for i, target := range j.Target {
		measured := "-"
		if i < len(j.Feedback) && j.Feedback[i].Seen {
			measured = strconv.FormatFloat(j.Feedback[i].PositionDeg, 'f', 2, 64)
		}
		fmt.Fprintf(c.out, "J%d  target %8.2f  measured %8s\n", i+1, target, measured)
	}
}

func totalLabel(total int) string {
	if total < 0 {
		return "inf"
	}
	return strconv.Itoa(total)
}
