package l2amplitudes

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/chpi/forward"
	"github.com/banshee-data/headpos.report/internal/chpi/l1coils"
)

// minWindowFraction is the shortest clipped window, relative to the
// nominal length, that is still fitted.
const minWindowFraction = 0.8

// Config controls window placement and the model.
type Config struct {
	// TStepMin is the spacing of window centres in seconds.
	TStepMin float64
	// TWindow is the window length in seconds; zero or negative selects
	// AutoWindow.
	TWindow float64
	// ExtOrder is the external-interference order projected out (0..3).
	ExtOrder int
	// TMin and TMax bound the window centres, in seconds from the first
	// sample. TMax <= 0 means the end of the data.
	TMin, TMax float64
	// IncludeLine adds line-frequency harmonics to the model.
	IncludeLine bool
	// Boundaries are times, in seconds from the first sample, that no
	// window may straddle (e.g. acquisition skips).
	Boundaries []float64
	// TooClose handles a window that straddles a boundary: raise fails,
	// warn and ignore shift the window to one side.
	TooClose chpi.Policy
}

// DefaultConfig returns the standard extraction settings.
func DefaultConfig() Config {
	return Config{
		TStepMin:    0.01,
		ExtOrder:    1,
		IncludeLine: true,
		TooClose:    chpi.PolicyRaise,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !(c.TStepMin > 0) {
		return fmt.Errorf("%w: t_step_min must be positive, got %g", chpi.ErrInvalidConfig, c.TStepMin)
	}
	if c.ExtOrder < 0 || c.ExtOrder > forward.MaxExtOrder {
		return fmt.Errorf("%w: ext_order must be between 0 and %d, got %d", chpi.ErrInvalidConfig, forward.MaxExtOrder, c.ExtOrder)
	}
	if c.TMax > 0 && c.TMax < c.TMin {
		return fmt.Errorf("%w: tmax %g is before tmin %g", chpi.ErrInvalidConfig, c.TMax, c.TMin)
	}
	return nil
}

// Result is the ordered output of Extract. Records share Proj, which is
// immutable.
type Result struct {
	Picks   []int
	Sensors []forward.Sensor
	Freqs   []float64
	// LineFreqs are the modelled line harmonics.
	LineFreqs []float64
	TWindow   float64
	Proj      *forward.Projector
	Records   []chpi.AmplitudeRecord
}

// NCoils returns the number of coils.
func (r *Result) NCoils() int { return len(r.Freqs) }

// window is one placed analysis window in samples.
type window struct {
	start, stop int
}

// setup is the shared preparation of Extract and ComputeSNR.
type setup struct {
	picks   []int
	model   *Model
	n       int
	twin    float64
	windows []window
}

func prepare(raw *chpi.Raw, hpi l1coils.HPIInfo, cfg Config, sink chpi.Sink) (*setup, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hpi.Empty() {
		return nil, fmt.Errorf("%w: no cHPI coils to extract", chpi.ErrMissingCalibration)
	}
	info := raw.Info
	if err := CheckLowpass(info, hpi.Freqs); err != nil {
		return nil, err
	}
	picks := info.MEGPicks()
	if len(picks) == 0 {
		return nil, fmt.Errorf("%w: no good MEG channels", chpi.ErrMissingCalibration)
	}

	var lineFreqs []float64
	if cfg.IncludeLine {
		lineFreqs = LineHarmonics(info.LineFreq, EffectiveLowpass(info), hpi.Freqs)
		if len(lineFreqs) > 0 {
			chpi.Emitf(sink, chpi.LevelDiag, chpi.KindInfo, "Line interference frequencies: %s Hz", formatFreqs(lineFreqs))
		}
	}
	twin := cfg.TWindow
	if twin <= 0 {
		twin = AutoWindow(hpi.Freqs, lineFreqs)
	}
	chpi.Emitf(sink, chpi.LevelDiag, chpi.KindInfo, "Using time window: %0.1f ms", twin*1000)
	n := int(math.Round(twin * info.SFreq))
	if n < 2 {
		return nil, fmt.Errorf("%w: window of %g s is too short", chpi.ErrInvalidConfig, twin)
	}

	windows, err := placeWindows(raw, cfg, n, sink)
	if err != nil {
		return nil, err
	}
	return &setup{
		picks:   picks,
		model:   NewModel(info.SFreq, hpi.Freqs, lineFreqs),
		n:       n,
		twin:    twin,
		windows: windows,
	}, nil
}

// placeWindows lays out window centres from TMin every TStepMin, shifting
// windows off boundaries and dropping windows clipped too short.
func placeWindows(raw *chpi.Raw, cfg Config, n int, sink chpi.Sink) ([]window, error) {
	sfreq := raw.Info.SFreq
	total := raw.NSamples()
	tmax := cfg.TMax
	if tmax <= 0 || tmax > raw.Duration() {
		tmax = raw.Duration()
	}
	bounds := make([]int, len(cfg.Boundaries))
	for i, b := range cfg.Boundaries {
		bounds[i] = int(math.Round(b * sfreq))
	}

	var out []window
	for k := 0; ; k++ {
		tc := cfg.TMin + float64(k)*cfg.TStepMin
		if tc > tmax+1e-9 {
			break
		}
		ci := int(math.Round(tc * sfreq))
		w := window{start: ci - n/2}
		w.stop = w.start + n
		for _, b := range bounds {
			if w.start < b && b < w.stop {
				err := fmt.Errorf("%w: window centred at %0.3f s straddles a boundary at %0.3f s",
					chpi.ErrTooClose, tc, float64(b)/sfreq)
				if herr := cfg.TooClose.Handle(sink, err); herr != nil {
					return nil, herr
				}
				if ci < b {
					w = window{start: b - n, stop: b}
				} else {
					w = window{start: b, stop: b + n}
				}
			}
		}
		if w.start < 0 {
			w.start = 0
		}
		if w.stop > total {
			w.stop = total
		}
		if float64(w.stop-w.start) < minWindowFraction*float64(n) {
			chpi.Emitf(sink, chpi.LevelTrace, chpi.KindInfo, "Skipping clipped window at %0.3f s", tc)
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// Extract fits every window and returns the amplitude records in time
// order. It does not modify raw.
func Extract(raw *chpi.Raw, hpi l1coils.HPIInfo, cfg Config, sink chpi.Sink) (*Result, error) {
	s, err := prepare(raw, hpi, cfg, sink)
	if err != nil {
		return nil, err
	}
	sensors := forward.Sensors(raw.Info, s.picks)
	proj, err := forward.NewProjector(sensors, cfg.ExtOrder)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Picks:     s.picks,
		Sensors:   sensors,
		Freqs:     append([]float64(nil), hpi.Freqs...),
		LineFreqs: s.model.LineFreqs,
		TWindow:   s.twin,
		Proj:      proj,
		Records:   make([]chpi.AmplitudeRecord, 0, len(s.windows)),
	}
	for i, w := range s.windows {
		fit := s.model.Fit(raw.Data, s.picks, w.start, w.stop, false)
		res.Records = append(res.Records, record(raw, hpi, fit, i))
	}
	chpi.Emitf(sink, chpi.LevelDiag, chpi.KindInfo, "Fitted cHPI amplitudes in %d windows", len(res.Records))
	return res, nil
}

// record converts a window fit into an amplitude record.
func record(raw *chpi.Raw, hpi l1coils.HPIInfo, fit *WindowFit, idx int) chpi.AmplitudeRecord {
	ncoil := hpi.NCoils()
	_, nchan := fit.Coef.Dims()
	rec := chpi.AmplitudeRecord{
		Index:  idx,
		Time:   raw.FirstTime + float64(fit.Start+fit.Stop)/2/raw.Info.SFreq,
		Start:  fit.Start,
		Stop:   fit.Stop,
		Sin:    make([][]float64, ncoil),
		Cos:    make([][]float64, ncoil),
		Slopes: make([][]float64, ncoil),
		Active: make([]bool, ncoil),
	}
	for c := 0; c < ncoil; c++ {
		rec.Active[c] = l1coils.CoilOn(raw, hpi, c, fit.Start, fit.Stop)
		sin := mat.Row(nil, 2*c, fit.Coef)
		cos := mat.Row(nil, 2*c+1, fit.Coef)
		var slope []float64
		if rec.Active[c] {
			slope = dominantPhase(sin, cos)
		} else {
			slope = make([]float64, nchan)
		}
		for ch := 0; ch < nchan; ch++ {
			if !rec.Active[c] || fit.Bad[ch] {
				sin[ch], cos[ch], slope[ch] = math.NaN(), math.NaN(), math.NaN()
			}
		}
		rec.Sin[c], rec.Cos[c], rec.Slopes[c] = sin, cos, slope
	}
	return rec
}

// dominantPhase reduces the sine and cosine patterns of one coil to the
// real amplitude along their dominant phase: the first right singular
// vector of the 2×nchan [sin; cos] block scaled by its singular value. The
// sign is fixed so the sine component of the phase is non-negative.
func dominantPhase(sin, cos []float64) []float64 {
	n := len(sin)
	A := mat.NewDense(2, n, nil)
	A.SetRow(0, sin)
	A.SetRow(1, cos)
	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDThin) {
		out := make([]float64, n)
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	vals := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sign := 1.0
	if u.At(0, 0) < 0 {
		sign = -1
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = sign * vals[0] * v.At(i, 0)
	}
	return out
}
