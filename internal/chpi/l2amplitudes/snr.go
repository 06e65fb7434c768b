package l2amplitudes

import (
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/chpi/l1coils"
)

// SNR report keys.
const (
	KeyTimes     = "times"
	KeyFreqs     = "freqs"
	KeyMagSNR    = "mag_snr"
	KeyMagPower  = "mag_power"
	KeyMagResid  = "mag_resid"
	KeyGradSNR   = "grad_snr"
	KeyGradPower = "grad_power"
	KeyGradResid = "grad_resid"
)

// SNRReport holds, per window and coil, the mean sinusoid power, the mean
// residual variance and their ratio in dB, separately for magnetometers
// and gradiometers. Entries are NaN where a coil is off.
type SNRReport struct {
	Times []float64
	Freqs []float64
	// series maps a 2-D key to [window][coil] values.
	series map[string][][]float64
}

// Keys returns every key in sorted order.
func (r *SNRReport) Keys() []string {
	keys := []string{KeyTimes, KeyFreqs}
	for k := range r.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Series returns the [window][coil] values of a 2-D key.
func (r *SNRReport) Series(key string) ([][]float64, error) {
	s, ok := r.series[key]
	if !ok {
		return nil, fmt.Errorf("unknown SNR key %q", key)
	}
	return s, nil
}

// ComputeSNR fits every window like Extract and reports per-coil SNR.
func ComputeSNR(raw *chpi.Raw, hpi l1coils.HPIInfo, cfg Config, sink chpi.Sink) (*SNRReport, error) {
	s, err := prepare(raw, hpi, cfg, sink)
	if err != nil {
		return nil, err
	}
	ncoil := hpi.NCoils()
	rep := &SNRReport{
		Freqs:  append([]float64(nil), hpi.Freqs...),
		series: make(map[string][][]float64, 6),
	}
	for _, k := range []string{KeyMagSNR, KeyMagPower, KeyMagResid, KeyGradSNR, KeyGradPower, KeyGradResid} {
		rep.series[k] = make([][]float64, 0, len(s.windows))
	}

	kinds := make([]chpi.ChannelKind, len(s.picks))
	for i, p := range s.picks {
		kinds[i] = raw.Info.Channels[p].Kind
	}

	for i, w := range s.windows {
		fit := s.model.Fit(raw.Data, s.picks, w.start, w.stop, true)
		rec := record(raw, hpi, fit, i)
		rep.Times = append(rep.Times, rec.Time)
		for _, kind := range []chpi.ChannelKind{chpi.KindMag, chpi.KindGrad} {
			power := make([]float64, ncoil)
			resid := make([]float64, ncoil)
			snr := make([]float64, ncoil)
			r := meanOver(fit.ResidVar, kinds, kind, fit.Bad)
			for c := 0; c < ncoil; c++ {
				if !rec.Active[c] {
					power[c], resid[c], snr[c] = math.NaN(), math.NaN(), math.NaN()
					continue
				}
				pw := make([]float64, len(s.picks))
				for ch := range pw {
					pw[ch] = (rec.Sin[c][ch]*rec.Sin[c][ch] + rec.Cos[c][ch]*rec.Cos[c][ch]) / 2
				}
				power[c] = meanOver(pw, kinds, kind, fit.Bad)
				resid[c] = r
				snr[c] = 10 * math.Log10(power[c]/resid[c])
			}
			pk, rk, sk := KeyMagPower, KeyMagResid, KeyMagSNR
			if kind == chpi.KindGrad {
				pk, rk, sk = KeyGradPower, KeyGradResid, KeyGradSNR
			}
			rep.series[pk] = append(rep.series[pk], power)
			rep.series[rk] = append(rep.series[rk], resid)
			rep.series[sk] = append(rep.series[sk], snr)
		}
	}
	return rep, nil
}

// meanOver averages v over good channels of one kind. It is NaN when no
// channel qualifies.
func meanOver(v []float64, kinds []chpi.ChannelKind, kind chpi.ChannelKind, bad []bool) float64 {
	var sum float64
	n := 0
	for i, x := range v {
		if kinds[i] != kind || bad[i] {
			continue
		}
		sum += x
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}
