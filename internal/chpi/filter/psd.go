package filter

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// PSD returns the Hann-windowed Welch power spectrum of x with 1 Hz bins:
// element i is the power at i Hz. Segments are one second long with 50%
// overlap. It returns nil when x is shorter than one second.
func PSD(x []float64, sfreq float64) []float64 {
	nper := int(math.Round(sfreq))
	if nper < 2 || len(x) < nper {
		return nil
	}
	fft := fourier.NewFFT(nper)
	win := make([]float64, nper)
	for i := range win {
		win[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(nper))
	}
	psd := make([]float64, nper/2+1)
	seg := make([]float64, nper)
	coef := make([]complex128, nper/2+1)
	count := 0
	for start := 0; start+nper <= len(x); start += nper / 2 {
		for i := range seg {
			seg[i] = x[start+i] * win[i]
		}
		for i, c := range fft.Coefficients(coef, seg) {
			psd[i] += real(c * cmplx.Conj(c))
		}
		count++
	}
	for i := range psd {
		psd[i] /= float64(count)
	}
	return psd
}

// Attenuation returns the power change in dB at each frequency between two
// spectra from PSD. Frequencies outside the spectra give NaN.
func Attenuation(before, after []float64, freqs []float64) []float64 {
	out := make([]float64, len(freqs))
	for i, f := range freqs {
		k := int(math.Round(f))
		if k < 0 || k >= len(before) || k >= len(after) || before[k] <= 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = 10 * math.Log10(after[k]/before[k])
	}
	return out
}
