package gcode_arm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
	"go.viam.com/utils"

	"gcode_arm/event"
	"gcode_arm/httpapi"
	"gcode_arm/runner"
	"gcode_arm/session"
	"gcode_arm/transport"
)

var GCodeRunnerModel = resource.NewModel("devrel", "gcode", "runner")

const (
	recentEventLimit = 100
	closeTimeout     = 5 * time.Second
)

func init() {
	resource.RegisterService(generic.API, GCodeRunnerModel,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newGCodeRunner,
		},
	)
}

// gcodeRunner exposes a session as a generic service driven through DoCommand.
type gcodeRunner struct {
	resource.Named
	resource.AlwaysRebuild

	logger   logging.Logger
	cfg      *Config
	registry *transport.Registry
	link     *transport.Link
	session  *session.Session
	server   *httpapi.Server

	recent      *eventLog
	unsubscribe func()
	workers     sync.WaitGroup
}

func newGCodeRunner(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	return NewGCodeRunner(ctx, rawConf.ResourceName(), conf, transport.DefaultRegistry, logger)
}

// NewGCodeRunner acquires the serial link for conf.Port from registry and
// builds a session on it.
func NewGCodeRunner(
	ctx context.Context,
	name resource.Name,
	conf *Config,
	registry *transport.Registry,
	logger logging.Logger,
) (resource.Resource, error) {
	link, err := registry.Acquire(ctx, conf.TransportConfig(), logger.Sublogger("transport"))
	if err != nil {
		return nil, fmt.Errorf("failed to get shared serial link: %w", err)
	}

	sess, err := session.New(conf.SessionConfig(), link, logger)
	if err != nil {
		registry.Release(conf.Port)
		return nil, err
	}

	g := &gcodeRunner{
		Named:    name.AsNamed(),
		logger:   logger,
		cfg:      conf,
		registry: registry,
		link:     link,
		session:  sess,
		recent:   newEventLog(recentEventLimit),
	}

	events, unsubscribe := sess.Subscribe(64)
	g.unsubscribe = unsubscribe
	g.workers.Add(1)
	utils.PanicCapturingGo(func() {
		defer g.workers.Done()
		for e := range events {
			g.recent.add(e)
		}
	})

	if err := g.setup(ctx); err != nil {
		return nil, multierr.Combine(err, g.Close(context.Background()))
	}

	logger.Infof("gcode runner ready on %s", conf.Port)
	return g, nil
}

func (g *gcodeRunner) setup(ctx context.Context) error {
	if err := g.session.SetRepeat(g.cfg.Repeat()); err != nil {
		return err
	}
	if g.cfg.ProgramFile != "" {
		if err := g.session.LoadFile(resolveDataPath(g.cfg.ProgramFile)); err != nil {
			return err
		}
	}
	if g.cfg.HTTPAddr != "" {
		server, err := httpapi.Serve(g.cfg.HTTPAddr, g.session, g.logger.Sublogger("http"))
		if err != nil {
			return err
		}
		g.server = server
	}
	if g.cfg.Autostart {
		return g.session.Start(ctx)
	}
	return nil
}

// DoCommand handles program control commands
func (g *gcodeRunner) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("command must be a string")
	}

	switch command {
	case "load":
		if err := g.load(cmd); err != nil {
			return nil, err
		}
		return toMap(g.session.Status().Program)

	case "start":
		return g.programResult(g.session.Start(ctx))

	case "pause":
		return g.programResult(g.session.Pause())

	case "resume":
		return g.programResult(g.session.Resume())

	case "stop":
		g.session.Stop()
		return g.programResult(nil)

	case "step":
		res, err := g.session.Step(ctx)
		if err != nil {
			return nil, err
		}
		failures := make([]interface{}, 0, len(res.Failures))
		for _, f := range res.Failures {
			failures = append(failures, f.Error())
		}
		anomalies := make([]interface{}, 0, len(res.Anomalies))
		for _, a := range res.Anomalies {
			anomalies = append(anomalies, a)
		}
		return map[string]interface{}{
			"line":      res.Line,
			"text":      res.Text,
			"moves":     res.Moves,
			"anomalies": anomalies,
			"failures":  failures,
		}, nil

	case "set_repeat":
		rep := runner.Repeat{Count: 1}
		rep.Enabled, _ = cmd["enabled"].(bool)
		rep.Infinite, _ = cmd["infinite"].(bool)
		if count, ok := cmd["count"].(float64); ok {
			rep.Count = int(count)
		}
		return g.programResult(g.session.SetRepeat(rep))

	case "status":
		return toMap(g.session.Status())

	case "joints":
		return toMap(g.session.Joints())

	case "trajectory":
		return g.trajectory(cmd)

	case "clear_actual":
		g.session.ClearActual()
		return map[string]interface{}{"message": "actual trajectory cleared"}, nil

	case "move_to":
		target, err := vectorArg(cmd)
		if err != nil {
			return nil, err
		}
		if err := g.session.MoveTo(ctx, target); err != nil {
			return nil, err
		}
		return toMap(g.session.Joints())

	case "send_joints":
		angles, err := floatsArg(cmd, "angles")
		if err != nil {
			return nil, err
		}
		if err := g.session.SendJoints(ctx, angles); err != nil {
			return nil, err
		}
		return toMap(g.session.Joints())

	case "rewind":
		return g.programResult(g.session.Rewind())

	case "reconnect":
		if err := g.registry.Reopen(ctx, g.cfg.Port); err != nil {
			return nil, err
		}
		return map[string]interface{}{"connected": g.link.Connected()}, nil

	case "list_ports":
		ports, err := transport.ListCandidatePorts()
		if err != nil {
			return nil, err
		}
		return toMap(map[string]interface{}{"ports": ports})

	case "events":
		return toMap(map[string]interface{}{"events": g.recent.snapshot()})

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func (g *gcodeRunner) load(cmd map[string]interface{}) error {
	if file, ok := cmd["file"].(string); ok && file != "" {
		return g.session.LoadFile(resolveDataPath(file))
	}
	if text, ok := cmd["text"].(string); ok && text != "" {
		return g.session.LoadText(text)
	}
	raw, ok := cmd["lines"].([]interface{})
	if !ok {
		return errors.New("load requires 'file', 'text' or 'lines'")
	}
	lines := make([]string, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("lines[%d] must be a string, got %T", i, v)
		}
		lines = append(lines, s)
	}
	return g.session.LoadProgram(lines)
}

func (g *gcodeRunner) trajectory(cmd map[string]interface{}) (map[string]interface{}, error) {
	which, _ := cmd["which"].(string)
	switch which {
	case "", "planned":
		return toMap(map[string]interface{}{"points": g.session.Planned()})
	case "actual":
		return toMap(map[string]interface{}{"points": g.session.Actual()})
	case "current":
		p, ok := g.session.CurrentPlannedPoint()
		if !ok {
			return map[string]interface{}{"found": false}, nil
		}
		return toMap(map[string]interface{}{"found": true, "point": p})
	}
	return nil, fmt.Errorf("which must be 'planned', 'actual' or 'current', got %q", which)
}

func (g *gcodeRunner) programResult(err error) (map[string]interface{}, error) {
	if err != nil {
		return nil, err
	}
	return toMap(g.session.Status().Program)
}

func (g *gcodeRunner) Close(ctx context.Context) error {
	g.logger.Info("Closing gcode runner")

	ctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()

	var err error
	if g.server != nil {
		err = multierr.Append(err, g.server.Close())
	}
	err = multierr.Append(err, g.session.Close(ctx))
	g.unsubscribe()
	g.workers.Wait()

	// Release the shared link
	g.registry.Release(g.cfg.Port)
	return err
}

// toMap converts v into the plain map shape DoCommand results need.
func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding result")
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "encoding result")
	}
	return out, nil
}

func vectorArg(cmd map[string]interface{}) (r3.Vector, error) {
	var xyz [3]float64
	for i, key := range []string{"x", "y", "z"} {
		v, ok := cmd[key].(float64)
		if !ok {
			return r3.Vector{}, fmt.Errorf("move_to requires numeric '%s'", key)
		}
		xyz[i] = v
	}
	return r3.Vector{X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
}

func floatsArg(cmd map[string]interface{}, key string) ([]float64, error) {
	raw, ok := cmd[key].([]interface{})
	if !ok {
		return nil, fmt.Errorf("'%s' must be a list of numbers", key)
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a number, got %T", key, i, v)
		}
		out[i] = f
	}
	return out, nil
}

// eventLog keeps the most recent notable events for polling clients.
type eventLog struct {
	mu     sync.Mutex
	limit  int
	events []event.Event
}

func newEventLog(limit int) *eventLog {
	return &eventLog{limit: limit}
}

func (l *eventLog) add(e event.Event) {
	switch e.Kind {
	case event.KindAnomaly, event.KindError, event.KindRepeat, event.KindCompletion:
	case event.KindLine:
		if !e.Failed {
			return
		}
	default:
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) >= l.limit {
		copy(l.events, l.events[1:])
		l.events = l.events[:len(l.events)-1]
	}
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.Event(nil), l.events...)
}
