package l2amplitudes

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/chpi/forward"
)

// pinvRcond is the relative singular-value cutoff of the design
// pseudo-inverse.
const pinvRcond = 1e-10

// Model is the per-window linear model: a sine and cosine at every coil
// frequency and every line harmonic, a linear slope and a constant. Time
// is measured from the first sample of the window. Pseudo-inverses are
// cached per window length; a Model is safe for concurrent use.
type Model struct {
	SFreq     float64
	Freqs     []float64
	LineFreqs []float64

	mu    sync.Mutex
	pinvs map[int]*mat.Dense
}

// NewModel builds a model for the coil and line frequencies.
func NewModel(sfreq float64, freqs, lineFreqs []float64) *Model {
	return &Model{
		SFreq:     sfreq,
		Freqs:     append([]float64(nil), freqs...),
		LineFreqs: append([]float64(nil), lineFreqs...),
		pinvs:     make(map[int]*mat.Dense),
	}
}

// NumSinusoids returns the number of modelled frequencies.
func (m *Model) NumSinusoids() int { return len(m.Freqs) + len(m.LineFreqs) }

// NumColumns returns the number of design columns.
func (m *Model) NumColumns() int { return 2*m.NumSinusoids() + 2 }

func (m *Model) freq(k int) float64 {
	if k < len(m.Freqs) {
		return m.Freqs[k]
	}
	return m.LineFreqs[k-len(m.Freqs)]
}

// Column returns design column col at sample j of an n-sample window.
func (m *Model) Column(col, j, n int) float64 {
	ns := m.NumSinusoids()
	t := float64(j) / m.SFreq
	switch {
	case col < 2*ns:
		arg := 2 * math.Pi * m.freq(col/2) * t
		if col%2 == 0 {
			return math.Sin(arg)
		}
		return math.Cos(arg)
	case col == 2*ns:
		return (float64(j) - float64(n-1)/2) / m.SFreq
	default:
		return 1
	}
}

// Design returns the n×NumColumns design matrix.
func (m *Model) Design(n int) *mat.Dense {
	nc := m.NumColumns()
	D := mat.NewDense(n, nc, nil)
	for j := 0; j < n; j++ {
		for c := 0; c < nc; c++ {
			D.Set(j, c, m.Column(c, j, n))
		}
	}
	return D
}

// Pinv returns the cached pseudo-inverse of the n-sample design.
func (m *Model) Pinv(n int) *mat.Dense {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pinvs[n]; ok {
		return p
	}
	p := forward.Pinv(m.Design(n), pinvRcond)
	m.pinvs[n] = p
	return p
}

// WindowFit is the least-squares fit of one window.
type WindowFit struct {
	Start, Stop int
	// Coef is NumColumns×nchan.
	Coef *mat.Dense
	// Bad marks channels with non-finite samples in the window.
	Bad []bool
	// ResidVar is the per-channel residual variance, nil unless requested.
	ResidVar []float64
}

// Fit solves the model over samples [start, stop) of the picked channels.
// Channels with non-finite samples are fitted as zero and flagged.
func (m *Model) Fit(data [][]float64, picks []int, start, stop int, withResid bool) *WindowFit {
	n := stop - start
	X := mat.NewDense(n, len(picks), nil)
	bad := make([]bool, len(picks))
	for c, p := range picks {
		row := data[p][start:stop]
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				bad[c] = true
				break
			}
		}
		if bad[c] {
			continue
		}
		for j, v := range row {
			X.Set(j, c, v)
		}
	}
	P := m.Pinv(n)
	coef := &mat.Dense{}
	coef.Mul(P, X)
	fit := &WindowFit{Start: start, Stop: stop, Coef: coef, Bad: bad}
	if withResid {
		var model mat.Dense
		model.Mul(m.Design(n), coef)
		fit.ResidVar = make([]float64, len(picks))
		for c := range picks {
			if bad[c] {
				fit.ResidVar[c] = math.NaN()
				continue
			}
			var ss float64
			for j := 0; j < n; j++ {
				r := X.At(j, c) - model.At(j, c)
				ss += r * r
			}
			fit.ResidVar[c] = ss / float64(n)
		}
	}
	return fit
}

// Sinusoidal evaluates the fitted sinusoids (coil and line, no slope or
// constant) of channel c at sample index i, which may lie outside the
// window.
func (m *Model) Sinusoidal(fit *WindowFit, c, i int) float64 {
	t := float64(i-fit.Start) / m.SFreq
	var v float64
	for k := 0; k < m.NumSinusoids(); k++ {
		s, co := math.Sincos(2 * math.Pi * m.freq(k) * t)
		v += fit.Coef.At(2*k, c)*s + fit.Coef.At(2*k+1, c)*co
	}
	return v
}

// AutoWindow returns the shortest window that holds five cycles of the
// lowest coil frequency and resolves the closest pair of modelled
// frequencies, rounded to the millisecond.
func AutoWindow(freqs, lineFreqs []float64) float64 {
	if len(freqs) == 0 {
		return 0
	}
	minF := freqs[0]
	for _, f := range freqs {
		minF = math.Min(minF, f)
	}
	w := 5 / minF
	all := append(append([]float64(nil), freqs...), lineFreqs...)
	sort.Float64s(all)
	gap := math.Inf(1)
	for i := 1; i < len(all); i++ {
		if d := all[i] - all[i-1]; d > 0 && d < gap {
			gap = d
		}
	}
	if !math.IsInf(gap, 1) {
		w = math.Max(w, 1/gap)
	}
	return math.Round(w*1000) / 1000
}

// LineHarmonics returns the multiples of lineFreq up to lowpass, skipping
// any that coincide with a coil frequency.
func LineHarmonics(lineFreq, lowpass float64, coilFreqs []float64) []float64 {
	if lineFreq <= 0 {
		return nil
	}
	var out []float64
	for h := 1; float64(h)*lineFreq <= lowpass+1e-9; h++ {
		f := float64(h) * lineFreq
		clash := false
		for _, cf := range coilFreqs {
			if math.Abs(cf-f) < 1e-6 {
				clash = true
			}
		}
		if !clash {
			out = append(out, f)
		}
	}
	return out
}

// CheckLowpass rejects coil frequencies at or above the low-pass corner.
func CheckLowpass(info *chpi.Info, freqs []float64) error {
	lowpass := EffectiveLowpass(info)
	for i, f := range freqs {
		if f >= lowpass {
			return fmt.Errorf("%w: cHPI coil %d frequency %g Hz is above the low-pass (%g Hz)",
				chpi.ErrInvalidConfig, i+1, f, lowpass)
		}
	}
	return nil
}

// EffectiveLowpass returns the low-pass corner, or Nyquist when unset.
func EffectiveLowpass(info *chpi.Info) float64 {
	if info.Lowpass > 0 {
		return info.Lowpass
	}
	return info.SFreq / 2
}

func formatFreqs(f []float64) string {
	parts := make([]string, len(f))
	for i, v := range f {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return strings.Join(parts, " ")
}
