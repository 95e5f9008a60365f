// Command gcoderun drives a 7 joint arm from a G-code program over a serial
// link, with an interactive console and an optional HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	gcodeArm "gcode_arm"
	"gcode_arm/event"
	"gcode_arm/httpapi"
	"gcode_arm/session"
	"gcode_arm/transport"
)

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, "gcoderun:", err)
		os.Exit(1)
	}
}

func realMain() error {
	configPath := flag.String("config", "", "path to a yaml run config")
	port := flag.String("port", "", "serial port of the arm controller")
	baud := flag.Int("baud", transport.DefaultBaudrate, "serial baud rate")
	program := flag.String("program", "", "G-code program to load")
	repeat := flag.Int("repeat", 1, "number of passes")
	infinite := flag.Bool("infinite", false, "repeat until stopped")
	httpAddr := flag.String("http", "", "serve the HTTP API on this address, e.g. localhost:8090")
	listPorts := flag.Bool("list-ports", false, "list candidate serial ports and exit")
	autostart := flag.Bool("autostart", false, "start the program once loaded")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	logger := logging.NewLogger("gcoderun")
	if *debug {
		logger = logging.NewDebugLogger("gcoderun")
	}

	if *listPorts {
		return printPorts(os.Stdout)
	}

	rc := &RunConfig{}
	if *configPath != "" {
		var err error
		if rc, err = LoadRunConfig(*configPath); err != nil {
			return err
		}
	}

	// flags given explicitly win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			rc.Serial.Port = *port
		case "baud":
			rc.Serial.Baudrate = *baud
		case "program":
			rc.Program.File = *program
		case "repeat":
			rc.Program.Repeat = *repeat
		case "infinite":
			rc.Program.Infinite = *infinite
		case "http":
			rc.HTTP.Addr = *httpAddr
		case "autostart":
			rc.Program.Autostart = *autostart
		}
	})

	cfg := rc.ServiceConfig()
	if _, _, err := cfg.Validate("gcoderun"); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, logger)
}

func run(ctx context.Context, cfg *gcodeArm.Config, logger logging.Logger) (err error) {
	link := transport.NewLink(cfg.TransportConfig(), nil, logger.Sublogger("transport"))
	if err := link.Connect(ctx); err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, link.Disconnect()) }()

	sess, err := session.New(cfg.SessionConfig(), link, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, sess.Close(closeCtx))
	}()

	events, unsubscribe := sess.Subscribe(64)
	defer unsubscribe()
	utils.PanicCapturingGo(func() {
		for e := range events {
			printEvent(os.Stdout, e)
		}
	})

	if err := sess.SetRepeat(cfg.Repeat()); err != nil {
		return err
	}
	if cfg.ProgramFile != "" {
		if err := sess.LoadFile(cfg.ProgramFile); err != nil {
			return err
		}
	}
	if cfg.HTTPAddr != "" {
		server, serveErr := httpapi.Serve(cfg.HTTPAddr, sess, logger.Sublogger("http"))
		if serveErr != nil {
			return serveErr
		}
		defer func() { err = multierr.Append(err, server.Close()) }()
	}
	if cfg.Autostart {
		if err := sess.Start(ctx); err != nil {
			return err
		}
	}

	c := &console{ctrl: sess, out: os.Stdout}
	fmt.Fprintln(os.Stdout, "type help for commands")
	consoleDone := make(chan error, 1)
	utils.PanicCapturingGo(func() {
		consoleDone <- c.run(ctx, os.Stdin)
	})

	select {
	case <-ctx.Done():
		logger.Info("interrupted, stopping")
		return nil
	case err := <-consoleDone:
		return afterConsole(ctx, err, sess, logger)
	}
}

type runWaiter interface {
	Wait(ctx context.Context) error
}

// afterConsole keeps a started program running once stdin is exhausted, so
// gcoderun can be driven by flags alone.
func afterConsole(ctx context.Context, consoleErr error, sess runWaiter, logger logging.Logger) error {
	if !errors.Is(consoleErr, io.EOF) {
		return consoleErr
	}
	logger.Info("input closed, waiting for the current run to finish")
	if err := sess.Wait(ctx); err != nil {
		logger.Info("interrupted, stopping")
	}
	return nil
}

func printPorts(w io.Writer) error {
	ports, err := transport.ListCandidatePorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(w, "no candidate serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintf(w, "%s", p.Name)
		if p.IsUSB {
			fmt.Fprintf(w, "  usb %s:%s", p.VID, p.PID)
		}
		if p.Product != "" {
			fmt.Fprintf(w, "  %s", p.Product)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func printEvent(w io.Writer, e event.Event) {
	switch e.Kind {
	case event.KindAnomaly:
		fmt.Fprintf(w, "\nwarning: line %d: %s\n", e.Line+1, e.Text)
	case event.KindError:
		fmt.Fprintf(w, "\nerror: %s\n", e.Err)
	case event.KindLine:
		if e.Failed {
			fmt.Fprintf(w, "\nline %d failed: %s\n", e.Line+1, e.Err)
		}
	case event.KindRepeat:
		fmt.Fprintf(w, "\npass %d/%s\n", e.Iteration, totalLabel(e.Total))
	case event.KindCompletion:
		fmt.Fprintf(w, "\nprogram complete after %d pass(es)\n", e.Iteration)
	case event.KindState:
		fmt.Fprintf(w, "\nstate: %s\n", e.State)
	}
}
