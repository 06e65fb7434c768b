package l1coils

import (
	"fmt"
	"strings"

	"github.com/banshee-data/headpos.report/internal/chpi"
)

// fallbackEventChannel is used when the subsystem does not name one.
const fallbackEventChannel = "STI201"

// HPIInfo holds the coil frequencies and activation codes of a recording.
type HPIInfo struct {
	Freqs []float64
	// EventChannel is the index of the activation channel or -1.
	EventChannel int
	OnBits       []int
}

// NCoils returns the number of coils.
func (h HPIInfo) NCoils() int { return len(h.Freqs) }

// Empty reports whether no coils are known.
func (h HPIInfo) Empty() bool { return len(h.Freqs) == 0 }

// Info extracts coil frequencies and activation codes. Missing calibration
// is handled by onMissing: raise returns ErrMissingCalibration, warn emits
// an ops event and returns an empty HPIInfo, ignore returns it silently.
func Info(info *chpi.Info, onMissing chpi.Policy, sink chpi.Sink) (HPIInfo, error) {
	empty := HPIInfo{EventChannel: -1}
	missing := func(format string, args ...interface{}) (HPIInfo, error) {
		err := fmt.Errorf("%w: "+format, append([]interface{}{chpi.ErrMissingCalibration}, args...)...)
		return empty, onMissing.Handle(sink, err)
	}

	if info.HPISubsystem == nil {
		return missing("no HPI subsystem found in measurement info")
	}
	if info.HPIMeas == nil || len(info.HPIMeas.Freqs) == 0 {
		return missing("no HPI frequencies found in measurement info")
	}
	freqs := append([]float64(nil), info.HPIMeas.Freqs...)
	for i, f := range freqs {
		if !(f > 0) {
			return missing("HPI coil %d has no driving frequency", i+1)
		}
	}

	out := HPIInfo{Freqs: freqs, EventChannel: -1, OnBits: make([]int, len(freqs))}
	name := info.HPISubsystem.EventChannel
	if name == "" {
		name = fallbackEventChannel
	}
	out.EventChannel = info.ChannelIndex(name)
	if out.EventChannel < 0 {
		chpi.Emitf(sink, chpi.LevelDiag, chpi.KindInfo,
			"HPI event channel %s not found, cannot determine coil activation", name)
	}
	for i := range freqs {
		if i < len(info.HPISubsystem.Coils) && len(info.HPISubsystem.Coils[i].EventBits) > 0 {
			out.OnBits[i] = info.HPISubsystem.Coils[i].EventBits[0]
		}
	}

	fs := make([]string, len(freqs))
	for i, f := range freqs {
		fs[i] = fmt.Sprintf("%g", f)
	}
	chpi.Emitf(sink, chpi.LevelDiag, chpi.KindInfo, "Using %d HPI coils: %s Hz", len(freqs), strings.Join(fs, " "))
	return out, nil
}

// ActiveCoils returns, per sample, how many coils the event channel marks
// as driven. Only systems that signal activation on an event channel are
// supported. Without cHPI info every count is zero.
func ActiveCoils(raw *chpi.Raw, sink chpi.Sink) ([]int, error) {
	sys := raw.Info.System
	if sys != chpi.SystemNeuromag && sys != chpi.SystemArtemis123 {
		return nil, fmt.Errorf("%w: active coil counting on %s", chpi.ErrNotImplemented, sys)
	}
	counts := make([]int, raw.NSamples())
	hpi, err := Info(raw.Info, chpi.PolicyIgnore, sink)
	if err != nil || hpi.Empty() || hpi.EventChannel < 0 {
		return counts, nil
	}
	events := raw.Data[hpi.EventChannel]
	for i, v := range events {
		code := int(v)
		for _, bits := range hpi.OnBits {
			if bits != 0 && code&bits == bits {
				counts[i]++
			}
		}
	}
	return counts, nil
}

// CoilOn reports whether coil c is driven throughout samples [lo, hi).
// It is true when activation cannot be determined.
func CoilOn(raw *chpi.Raw, hpi HPIInfo, c, lo, hi int) bool {
	if hpi.EventChannel < 0 || c >= len(hpi.OnBits) || hpi.OnBits[c] == 0 {
		return true
	}
	bits := hpi.OnBits[c]
	events := raw.Data[hpi.EventChannel]
	for i := lo; i < hi && i < len(events); i++ {
		if int(events[i])&bits != bits {
			return false
		}
	}
	return true
}
