// Package transport carries joint commands to the arm and telemetry back over
// a serial line.
package transport

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

var (
	ErrNotConnected = errors.New("serial link not connected")
	ErrWriteFailed  = errors.New("serial write failed")
	ErrStreamLost   = errors.New("telemetry stream lost")
)

const (
	DefaultBaudrate  = 115200
	DefaultGearRatio = 50.0

	lineBuffer = 256
)

// Config identifies a link. Two links with equal configs can be shared.
type Config struct {
	Port      string
	Baudrate  int
	GearRatio float64
}

func (c Config) withDefaults() Config {
	if c.Baudrate == 0 {
		c.Baudrate = DefaultBaudrate
	}
	if c.GearRatio == 0 {
		c.GearRatio = DefaultGearRatio
	}
	return c
}

// Opener opens the byte stream behind a link.
type Opener func(port string, baudrate int) (io.ReadWriteCloser, error)

// OpenSerial opens a real serial port, 8N1.
func OpenSerial(port string, baudrate int) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: baudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "opening serial port %s", port)
	}
	return p, nil
}

// FormatAngles renders one command line: every angle scaled by ratio, two
// decimals, comma separated, newline terminated.
func FormatAngles(deg []float64, ratio float64) string {
	parts := make([]string, len(deg))
	for i, a := range deg {
		parts[i] = strconv.FormatFloat(a*ratio, 'f', 2, 64)
	}
	return strings.Join(parts, ",") + "\n"
}

// Link is a line oriented serial connection. Commands are written with Send;
// every line received is delivered on Lines.
type Link struct {
	cfg    Config
	open   Opener
	logger logging.Logger

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	writeMu sync.Mutex
	gen     uint64
	workers sync.WaitGroup

	lines  chan string
	onLost func(error)
}

// NewLink returns a disconnected link. A nil opener uses OpenSerial.
func NewLink(cfg Config, open Opener, logger logging.Logger) *Link {
	if open == nil {
		open = OpenSerial
	}
	return &Link{
		cfg:    cfg.withDefaults(),
		open:   open,
		logger: logger,
		lines:  make(chan string, lineBuffer),
	}
}

func (l *Link) Config() Config { return l.cfg }

// SetOnLost registers fn to run on the reader goroutine when the stream drops
// without Disconnect having been called. The link is already closed when fn
// runs; fn must not call Disconnect.
func (l *Link) SetOnLost(fn func(error)) {
	l.mu.Lock()
	l.onLost = fn
	l.mu.Unlock()
}

// Connect opens the port and starts reading telemetry. Connecting an already
// connected link is a no-op.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := l.open(l.cfg.Port, l.cfg.Baudrate)
	if err != nil {
		return err
	}
	l.conn = conn
	l.gen++
	gen := l.gen
	l.logger.Infof("connected to %s at %d baud", l.cfg.Port, l.cfg.Baudrate)

	l.workers.Add(1)
	utils.PanicCapturingGo(func() {
		defer l.workers.Done()
		l.readLoop(conn, gen)
	})
	return nil
}

// Connected reports whether the port is open.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Disconnect closes the port. The reader goroutine exits once the close
// unblocks it.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	err := l.closeLocked()
	l.mu.Unlock()
	l.workers.Wait()
	return err
}

func (l *Link) closeLocked() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	l.gen++
	l.logger.Infof("disconnected from %s", l.cfg.Port)
	return err
}

// Send writes one command line. A failed write closes the link so the caller
// has to reconnect explicitly. The write runs outside l.mu, so a stalled port
// only blocks other senders.
func (l *Link) Send(ctx context.Context, deg []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	conn, gen := l.conn, l.gen
	l.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	line := FormatAngles(deg, l.cfg.GearRatio)
	if _, err := io.WriteString(conn, line); err != nil {
		l.logger.Errorf("write to %s failed: %v", l.cfg.Port, err)
		l.mu.Lock()
		if l.gen == gen {
			if cerr := l.closeLocked(); cerr != nil {
				l.logger.Debugf("closing %s after write failure: %v", l.cfg.Port, cerr)
			}
		}
		l.mu.Unlock()
		return errors.Wrapf(ErrWriteFailed, "%s: %v", l.cfg.Port, err)
	}
	l.logger.Debugf("sent %q", strings.TrimSpace(line))
	return nil
}

// Lines delivers received telemetry. The channel outlives reconnects and is
// never closed.
func (l *Link) Lines() <-chan string { return l.lines }

func (l *Link) readLoop(conn io.Reader, gen uint64) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case l.lines <- line:
		default:
			l.logger.Debugf("telemetry buffer full, dropping %q", line)
		}
	}
	cause := sc.Err()
	if cause == nil {
		cause = io.EOF
	}

	l.mu.Lock()
	lost := l.gen == gen && l.conn != nil
	if lost {
		if err := l.closeLocked(); err != nil {
			l.logger.Debugf("closing %s after read failure: %v", l.cfg.Port, err)
		}
	}
	onLost := l.onLost
	l.mu.Unlock()

	if lost {
		l.logger.Errorf("lost connection to %s: %v", l.cfg.Port, cause)
		if onLost != nil {
			onLost(errors.Wrapf(ErrStreamLost, "%s: %v", l.cfg.Port, cause))
		}
	}
}
