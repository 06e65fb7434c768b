package pipeline

import (
	"io"
	"log"
	"sync"

	"github.com/banshee-data/headpos.report/internal/chpi"
)

var (
	mu          sync.RWMutex
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
	layerSink   *chpi.LogSink
)

// SetLogWriters configures the three logging streams for the pipeline and
// the layer diagnostics it forwards. Pass nil for any writer to disable
// that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	opsLogger = newLogger("[pipeline] ", ops)
	diagLogger = newLogger("[pipeline] ", diag)
	traceLogger = newLogger("[pipeline] ", trace)
	layerSink = chpi.NewLogSink("[chpi] ", ops, diag, trace)
}

// SetLegacyLogger routes all three streams to a single writer.
// Pass nil to disable all logging.
func SetLegacyLogger(w io.Writer) {
	SetLogWriters(w, w, w)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// withLogs adds the configured log streams to the caller's sink.
func withLogs(sink chpi.Sink) chpi.Sink {
	mu.RLock()
	l := layerSink
	mu.RUnlock()
	if l == nil {
		return sink
	}
	if sink == nil {
		return l
	}
	return chpi.Tee(sink, l)
}

// opsf logs to the ops stream (actionable warnings, errors, data loss).
func opsf(format string, args ...interface{}) {
	mu.RLock()
	l := opsLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// diagf logs to the diag stream (day-to-day diagnostics, tuning context).
func diagf(format string, args ...interface{}) {
	mu.RLock()
	l := diagLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}
