// Package monitoring holds the command-line tools' diagnostic logger.
package monitoring

import (
	"log"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Timer logs label when it starts and returns a func that logs the elapsed
// time when called. Use it as defer monitoring.Timer("estimate")().
func Timer(label string) func() {
	return timerWith(label, time.Now)
}

func timerWith(label string, now func() time.Time) func() {
	start := now()
	Logf("%s: started", label)
	return func() {
		Logf("%s: done in %s", label, now().Sub(start).Round(time.Millisecond))
	}
}
