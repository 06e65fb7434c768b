// Package filter removes the cHPI sinusoids and line-frequency harmonics
// from MEG channels in place, leaving the rest of the recording intact.
package filter

import (
	"fmt"
	"math"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/chpi/l1coils"
	"github.com/banshee-data/headpos.report/internal/chpi/l2amplitudes"
)

// Options controls the filter.
type Options struct {
	// IncludeLine also removes line-frequency harmonics.
	IncludeLine bool
	// TStep is the spacing of the fitted windows in seconds.
	TStep float64
	// TWindow is the window length in seconds; zero selects the automatic
	// length.
	TWindow float64
	// AllowLineOnly permits filtering a recording without cHPI coils.
	AllowLineOnly bool
}

// DefaultOptions returns the standard filter settings.
func DefaultOptions() Options {
	return Options{IncludeLine: true, TStep: 0.01}
}

// Filter subtracts the fitted sinusoids from every good MEG channel of raw.
// Windows are fitted every TStep; between two window centres the
// subtracted signal fades linearly from one window's reconstruction to the
// next. Only raw.Data is modified.
func Filter(raw *chpi.Raw, opts Options, sink chpi.Sink) error {
	if !(opts.TStep > 0) {
		return fmt.Errorf("%w: t_step must be positive, got %g", chpi.ErrInvalidConfig, opts.TStep)
	}
	if opts.TWindow < 0 {
		return fmt.Errorf("%w: t_window must not be negative, got %g", chpi.ErrInvalidConfig, opts.TWindow)
	}
	info := raw.Info
	hpi, err := l1coils.Info(info, chpi.PolicyIgnore, sink)
	if err != nil {
		return err
	}
	if hpi.Empty() && !opts.AllowLineOnly {
		return fmt.Errorf("%w: no cHPI information found; set allow_line_only to remove line noise alone",
			chpi.ErrMissingCalibration)
	}
	if err := l2amplitudes.CheckLowpass(info, hpi.Freqs); err != nil {
		return err
	}
	var lineFreqs []float64
	if opts.IncludeLine {
		if !(info.LineFreq > 0) {
			return fmt.Errorf("%w: line_freq is unknown, consider setting it or disabling include_line",
				chpi.ErrMissingCalibration)
		}
		lineFreqs = l2amplitudes.LineHarmonics(info.LineFreq, l2amplitudes.EffectiveLowpass(info), hpi.Freqs)
	}
	if len(hpi.Freqs)+len(lineFreqs) == 0 {
		chpi.Emitf(sink, chpi.LevelDiag, chpi.KindInfo, "No cHPI or line frequencies to remove")
		return nil
	}

	twin := opts.TWindow
	if twin == 0 {
		if len(hpi.Freqs) > 0 {
			twin = l2amplitudes.AutoWindow(hpi.Freqs, lineFreqs)
		} else {
			twin = l2amplitudes.AutoWindow(lineFreqs, nil)
		}
	}
	picks := info.MEGPicks()
	total := raw.NSamples()
	n := min(int(math.Round(twin*info.SFreq)), total)
	step := max(int(math.Round(opts.TStep*info.SFreq)), 1)
	if n < 2 {
		return fmt.Errorf("%w: window of %g s is too short", chpi.ErrInvalidConfig, twin)
	}
	chpi.Emitf(sink, chpi.LevelDiag, chpi.KindInfo, "Removing %d cHPI and %d line harmonic frequencies from %d MEG channels",
		len(hpi.Freqs), len(lineFreqs), len(picks))

	model := l2amplitudes.NewModel(info.SFreq, hpi.Freqs, lineFreqs)
	starts := windowStarts(total, n, step)
	fits := make([]*l2amplitudes.WindowFit, len(starts))
	for k, s := range starts {
		fits[k] = model.Fit(raw.Data, picks, s, s+n, false)
	}

	ns := model.NumSinusoids()
	basisA := make([]float64, 2*ns)
	basisB := make([]float64, 2*ns)
	centre := func(k int) int { return starts[k] + n/2 }
	k := 0
	for i := 0; i < total; i++ {
		for k+1 < len(starts) && i >= centre(k+1) {
			k++
		}
		a := fits[k]
		sinusoidBasis(model, basisA, i-a.Start, n)
		w := 0.0
		var b *l2amplitudes.WindowFit
		if k+1 < len(starts) && i > centre(k) {
			b = fits[k+1]
			w = float64(i-centre(k)) / float64(centre(k+1)-centre(k))
			sinusoidBasis(model, basisB, i-b.Start, n)
		}
		for c, p := range picks {
			v := (1 - w) * reconstruct(a, basisA, c)
			if b != nil {
				v += w * reconstruct(b, basisB, c)
			}
			raw.Data[p][i] -= v
		}
	}
	return nil
}

// windowStarts places full-length windows every step samples, adding a
// final window flush with the end of the data.
func windowStarts(total, n, step int) []int {
	var starts []int
	for s := 0; s+n <= total; s += step {
		starts = append(starts, s)
	}
	if last := total - n; len(starts) == 0 || starts[len(starts)-1] != last {
		starts = append(starts, last)
	}
	return starts
}

// sinusoidBasis fills dst with the sine and cosine columns at window
// sample j.
func sinusoidBasis(m *l2amplitudes.Model, dst []float64, j, n int) {
	for col := range dst {
		dst[col] = m.Column(col, j, n)
	}
}

func reconstruct(fit *l2amplitudes.WindowFit, basis []float64, c int) float64 {
	if fit.Bad[c] {
		return 0
	}
	var v float64
	for col, b := range basis {
		v += fit.Coef.At(col, c) * b
	}
	return v
}
