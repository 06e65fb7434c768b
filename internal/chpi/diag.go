package chpi

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
)

// Level is the stream a diagnostics event belongs to.
type Level int

const (
	// LevelOps carries actionable warnings: dropped coils, rejected windows.
	LevelOps Level = iota
	// LevelDiag carries day-to-day context: chosen window, coil frequencies.
	LevelDiag
	// LevelTrace carries per-window telemetry.
	LevelTrace
)

// Event kinds.
const (
	KindInfo        = "info"
	KindWarning     = "warning"
	KindConvergence = "convergence"
)

// Event is one diagnostics message.
type Event struct {
	Level   Level
	Kind    string
	Message string
}

// Sink receives diagnostics events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Emitf formats and emits an event. A nil sink drops it.
func Emitf(s Sink, level Level, kind, format string, args ...interface{}) {
	if s == nil {
		return
	}
	s.Emit(Event{Level: level, Kind: kind, Message: fmt.Sprintf(format, args...)})
}

// Recorder collects events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Contains reports whether any recorded message contains substr.
func (r *Recorder) Contains(substr string) bool {
	for _, e := range r.Events() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// Count returns the number of recorded events of a kind.
func (r *Recorder) Count(kind string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// LogSink writes events to three log streams. A nil writer disables the
// stream.
type LogSink struct {
	ops, diag, trace *log.Logger
}

// NewLogSink builds a LogSink with the given prefix, e.g. "[chpi] ".
func NewLogSink(prefix string, ops, diag, trace io.Writer) *LogSink {
	return &LogSink{
		ops:   newLogger(prefix, ops),
		diag:  newLogger(prefix, diag),
		trace: newLogger(prefix, trace),
	}
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

func (s *LogSink) Emit(e Event) {
	var l *log.Logger
	switch e.Level {
	case LevelOps:
		l = s.ops
	case LevelDiag:
		l = s.diag
	default:
		l = s.trace
	}
	if l == nil {
		return
	}
	if e.Kind == KindInfo {
		l.Print(e.Message)
		return
	}
	l.Printf("%s: %s", e.Kind, e.Message)
}

// Tee fans events out to several sinks. Nil sinks are skipped.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(e)
			}
		}
	})
}
