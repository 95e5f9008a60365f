// Package event carries typed notifications from the runner and the
// telemetry worker to whoever renders them.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Kind tags an Event.
type Kind int

const (
	KindProgress Kind = iota
	KindLine
	KindAnomaly
	KindError
	KindRepeat
	KindFeedback
	KindState
	KindCompletion
)

func (k Kind) String() string {
	switch k {
	case KindProgress:
		return "progress"
	case KindLine:
		return "line"
	case KindAnomaly:
		return "anomaly"
	case KindError:
		return "error"
	case KindRepeat:
		return "repeat"
	case KindFeedback:
		return "feedback"
	case KindState:
		return "state"
	case KindCompletion:
		return "completion"
	}
	return "unknown"
}

// MarshalText encodes a Kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a Kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	for c := KindProgress; c <= KindCompletion; c++ {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return errors.Errorf("unknown event kind %q", text)
}

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	Line       int    `json:"line,omitempty"`
	TotalLines int    `json:"total_lines,omitempty"`
	Text       string `json:"text,omitempty"`
	Failed     bool   `json:"failed,omitempty"`

	Iteration int `json:"iteration,omitempty"`
	Total     int `json:"total,omitempty"` // -1 for infinite

	Joint   int     `json:"joint,omitempty"`
	Value   float64 `json:"value,omitempty"`
	Voltage float64 `json:"voltage,omitempty"`

	State string `json:"state,omitempty"`
	Err   string `json:"error,omitempty"`
}

// lossy kinds may be dropped when the consumer is behind.
func (k Kind) lossy() bool {
	return k == KindProgress || k == KindFeedback || k == KindLine || k == KindState
}

// Stream is a buffered, typed fan-in channel. Lossy kinds never block the
// producer; errors and completions are always delivered unless the stream is
// closed.
type Stream struct {
	ch chan Event

	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 64
	}
	return &Stream{ch: make(chan Event, buffer), done: make(chan struct{})}
}

// Publish enqueues e, stamping the time if unset.
func (s *Stream) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	if e.Kind.lossy() {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
		return
	}
	select {
	case s.ch <- e:
	case <-s.done:
	}
}

// Events is the consumer side.
func (s *Stream) Events() <-chan Event { return s.ch }

// Dropped counts lossy events discarded because the buffer was full.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops delivery and closes the consumer channel. Blocked publishers
// are released first.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
