package l2amplitudes

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/chpi/forward"
	"github.com/banshee-data/headpos.report/internal/chpi/l1coils"
	"github.com/banshee-data/headpos.report/internal/chpi/simulate"
)

func simRaw(t *testing.T, mutate func(*simulate.Config)) (*chpi.Raw, l1coils.HPIInfo, simulate.Config) {
	t.Helper()
	cfg := simulate.DefaultConfig()
	cfg.NLocations = 12
	cfg.Duration = 1
	if mutate != nil {
		mutate(&cfg)
	}
	raw, err := simulate.Raw(cfg)
	require.NoError(t, err)
	hpi, err := l1coils.Info(raw.Info, chpi.PolicyRaise, nil)
	require.NoError(t, err)
	return raw, hpi, cfg
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TWindow = 0.2
	cfg.TStepMin = 0.1
	cfg.TMin = 0.1
	return cfg
}

func TestAutoWindow(t *testing.T) {
	t.Parallel()
	freqs := []float64{83, 143, 203, 263, 323}
	assert.InDelta(t, 0.06, AutoWindow(freqs, nil), 1e-12)
	assert.InDelta(t, 0.06, AutoWindow(freqs, LineHarmonics(60, 400, freqs)), 1e-12)
	assert.InDelta(t, 0.1, AutoWindow([]float64{100, 110}, nil), 1e-12)
	assert.Equal(t, 0.0, AutoWindow(nil, nil))
}

func TestLineHarmonics(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []float64{60, 120, 180, 240, 300, 360}, LineHarmonics(60, 400, []float64{83}))
	assert.Equal(t, []float64{50, 100, 200}, LineHarmonics(50, 200, []float64{150}))
	assert.Nil(t, LineHarmonics(0, 400, nil))
}

func TestModel_RecoversSinusoid(t *testing.T) {
	t.Parallel()
	m := NewModel(1000, []float64{83}, []float64{60})
	n := 200
	data := [][]float64{make([]float64, n)}
	for j := range data[0] {
		tt := float64(j) / 1000
		data[0][j] = 2*math.Sin(2*math.Pi*83*tt) + 0.5*math.Cos(2*math.Pi*60*tt) + 0.3 + 0.1*tt
	}
	fit := m.Fit(data, []int{0}, 0, n, true)
	assert.InDelta(t, 2, fit.Coef.At(0, 0), 1e-9)
	assert.InDelta(t, 0, fit.Coef.At(1, 0), 1e-9)
	assert.InDelta(t, 0.5, fit.Coef.At(3, 0), 1e-9)
	assert.InDelta(t, 0.1, fit.Coef.At(4, 0), 1e-9)
	assert.InDelta(t, 0, fit.ResidVar[0], 1e-18)
	assert.InDelta(t, data[0][50]-0.3-0.1*0.05, m.Sinusoidal(fit, 0, 50), 1e-9)
}

func TestExtract_MatchesForwardField(t *testing.T) {
	t.Parallel()
	raw, hpi, cfg := simRaw(t, nil)
	rec := &chpi.Recorder{}
	res, err := Extract(raw, hpi, testConfig(), rec)
	require.NoError(t, err)
	assert.True(t, rec.Contains("Using time window: 200.0 ms"))
	require.Len(t, res.Records, 9)
	assert.Equal(t, 5, res.NCoils())
	assert.Len(t, res.LineFreqs, 6)

	dev := simulate.DevicePositions(cfg.Coils, cfg.Trajectory(0))
	for _, r := range res.Records {
		for c := range cfg.Coils {
			require.True(t, r.Active[c])
			want := forward.Field(res.Sensors, dev[c], dev[c].Unit().Scale(cfg.Moment))
			var peak float64
			for _, v := range want {
				peak = math.Max(peak, math.Abs(v))
			}
			for ch, v := range r.Slopes[c] {
				assert.InDelta(t, math.Abs(want[ch]), math.Abs(v), 1e-6*peak)
			}
		}
	}
	assert.InDelta(t, 0.1, res.Records[0].Time, 1e-12)
	assert.InDelta(t, 0.9, res.Records[8].Time, 1e-12)
}

func TestExtract_CoilOffAndBadChannel(t *testing.T) {
	t.Parallel()
	raw, hpi, _ := simRaw(t, func(c *simulate.Config) {
		c.Off = []simulate.Interval{{Coil: 2, Start: 0.35, Stop: 0.65}}
	})
	raw.Data[0][420] = math.NaN()
	res, err := Extract(raw, hpi, testConfig(), nil)
	require.NoError(t, err)

	r := res.Records[4] // centred at 0.5 s, window [0.4, 0.6)
	assert.False(t, r.Active[2])
	for _, v := range r.Slopes[2] {
		assert.True(t, math.IsNaN(v))
	}
	assert.True(t, r.Active[0])
	assert.True(t, math.IsNaN(r.Slopes[0][0]))
	assert.False(t, math.IsNaN(r.Slopes[0][1]))
	assert.True(t, res.Records[0].Active[2])
}

func TestExtract_Errors(t *testing.T) {
	t.Parallel()
	raw, hpi, _ := simRaw(t, nil)

	hi := hpi
	hi.Freqs = []float64{83, 450}
	_, err := Extract(raw, hi, testConfig(), nil)
	assert.ErrorIs(t, err, chpi.ErrInvalidConfig)

	_, err = Extract(raw, l1coils.HPIInfo{EventChannel: -1}, testConfig(), nil)
	assert.ErrorIs(t, err, chpi.ErrMissingCalibration)

	bad := testConfig()
	bad.ExtOrder = 4
	_, err = Extract(raw, hpi, bad, nil)
	assert.ErrorIs(t, err, chpi.ErrInvalidConfig)

	bad = testConfig()
	bad.TStepMin = 0
	_, err = Extract(raw, hpi, bad, nil)
	assert.ErrorIs(t, err, chpi.ErrInvalidConfig)
}

func TestExtract_Boundaries(t *testing.T) {
	t.Parallel()
	raw, hpi, _ := simRaw(t, nil)
	cfg := testConfig()
	cfg.Boundaries = []float64{0.45}

	_, err := Extract(raw, hpi, cfg, nil)
	assert.ErrorIs(t, err, chpi.ErrTooClose)

	cfg.TooClose = chpi.PolicyWarn
	rec := &chpi.Recorder{}
	res, err := Extract(raw, hpi, cfg, rec)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Count(chpi.KindWarning))
	for _, r := range res.Records {
		assert.False(t, r.Start < 450 && 450 < r.Stop, "window [%d, %d) straddles the boundary", r.Start, r.Stop)
	}

	cfg.TooClose = chpi.PolicyIgnore
	rec = &chpi.Recorder{}
	_, err = Extract(raw, hpi, cfg, rec)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Count(chpi.KindWarning))
}

func TestComputeSNR(t *testing.T) {
	t.Parallel()
	raw, hpi, _ := simRaw(t, func(c *simulate.Config) {
		c.NoiseStd = 5e-14
		c.Seed = 7
		c.Off = []simulate.Interval{{Coil: 4, Start: 0.5, Stop: 1}}
	})
	rep, err := ComputeSNR(raw, hpi, testConfig(), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"times", "freqs", "mag_snr", "mag_power", "mag_resid", "grad_snr", "grad_power", "grad_resid",
	}, rep.Keys())
	assert.Len(t, rep.Times, 9)
	assert.Equal(t, hpi.Freqs, rep.Freqs)

	snr, err := rep.Series(KeyGradSNR)
	require.NoError(t, err)
	require.Len(t, snr, 9)
	for w, row := range snr {
		require.Len(t, row, 5)
		for c, v := range row {
			if c == 4 && rep.Times[w] > 0.45 {
				assert.True(t, math.IsNaN(v))
				continue
			}
			assert.False(t, math.IsNaN(v))
			assert.Greater(t, v, 0.0)
		}
	}
	power, err := rep.Series(KeyMagPower)
	require.NoError(t, err)
	assert.Greater(t, power[0][0], 0.0)

	_, err = rep.Series("nope")
	assert.Error(t, err)
}
