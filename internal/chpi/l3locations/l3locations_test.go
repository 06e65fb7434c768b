package l3locations

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/chpi/forward"
	"github.com/banshee-data/headpos.report/internal/chpi/l1coils"
	"github.com/banshee-data/headpos.report/internal/chpi/l2amplitudes"
	"github.com/banshee-data/headpos.report/internal/chpi/simulate"
)

type fixture struct {
	cfg  simulate.Config
	amp  *l2amplitudes.Result
	init []chpi.Vec3
	dev  []chpi.Vec3
}

func newFixture(t *testing.T, mutate func(*simulate.Config)) fixture {
	t.Helper()
	cfg := simulate.DefaultConfig()
	cfg.Duration = 1
	if mutate != nil {
		mutate(&cfg)
	}
	raw, err := simulate.Raw(cfg)
	require.NoError(t, err)
	hpi, err := l1coils.Info(raw.Info, chpi.PolicyRaise, nil)
	require.NoError(t, err)
	defs, err := l1coils.Resolve(raw.Info, l1coils.DefaultResolveOptions(), nil)
	require.NoError(t, err)

	ext := l2amplitudes.DefaultConfig()
	ext.TWindow = 0.2
	ext.TStepMin = 0.1
	ext.TMin = 0.1
	amp, err := l2amplitudes.Extract(raw, hpi, ext, nil)
	require.NoError(t, err)
	return fixture{
		cfg:  cfg,
		amp:  amp,
		init: l1coils.InitialDevicePositions(defs, raw.Info),
		dev:  simulate.DevicePositions(cfg.Coils, cfg.Trajectory(0)),
	}
}

func everyWindow() Config {
	cfg := DefaultConfig()
	cfg.TStepMax = 0
	return cfg
}

func TestSource(t *testing.T) {
	t.Parallel()
	cases := []struct {
		system chpi.System
		want   chpi.CoilSource
		err    error
	}{
		{chpi.SystemNeuromag, chpi.SourceFitFromAmplitude, nil},
		{chpi.SystemArtemis123, chpi.SourceFitFromAmplitude, nil},
		{chpi.SystemCTF, chpi.SourceDeviceReported, nil},
		{chpi.SystemKIT, chpi.SourceDeviceReported, nil},
		{chpi.SystemBTi, chpi.SourceUnsupported, chpi.ErrNotImplemented},
		{chpi.SystemUnknown, chpi.SourceUnsupported, chpi.ErrNotImplemented},
	}
	for _, tc := range cases {
		got, err := Source(&chpi.Info{System: tc.system})
		assert.Equal(t, tc.want, got, tc.system.String())
		if tc.err != nil {
			assert.ErrorIs(t, err, tc.err)
		} else {
			assert.NoError(t, err)
		}
	}
}

func TestFit_RecoversCoilPositions(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	rec := &chpi.Recorder{}
	locs, err := Fit(fx.amp, fx.init, everyWindow(), rec)
	require.NoError(t, err)
	require.Len(t, locs, len(fx.amp.Records))
	assert.True(t, rec.Contains("Fitted 45 coil locations in 9 of 9 windows"))

	for _, loc := range locs {
		require.Equal(t, 5, loc.NCoils())
		for c := range fx.dev {
			require.True(t, loc.Fitted[c])
			assert.Less(t, loc.Pos[c].Dist(fx.dev[c]), 1e-4, "coil %d at %0.2f s", c+1, loc.Time)
			assert.Greater(t, loc.GOF[c], 0.999)
			assert.InEpsilon(t, fx.cfg.Moment, loc.Moment[c].Norm(), 1e-2)
			cos := loc.Moment[c].Unit().Dot(fx.dev[c].Unit())
			assert.Greater(t, math.Abs(cos), 0.999)
		}
	}
}

func TestFit_FarInitialGuess(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	init := make([]chpi.Vec3, len(fx.init))
	for i := range init {
		init[i] = chpi.Vec3{0, 0, -0.04}
	}
	locs, err := Fit(fx.amp, init, everyWindow(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, locs)
	for c := range fx.dev {
		require.True(t, locs[0].Fitted[c])
		assert.Less(t, locs[0].Pos[c].Dist(fx.dev[c]), 1e-4, "coil %d", c+1)
	}
}

func TestGuessGrid(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	rec := &chpi.Recorder{}
	g := &guessGrid{sensors: fx.amp.Sensors, sink: rec}
	f := newDipoleFitter(fx.amp.Sensors, fx.amp.Proj, 100)

	for c := range fx.dev {
		b := fx.amp.Proj.Apply(fx.amp.Records[0].Slopes[c])
		cands := g.candidates(f, b)
		require.Len(t, cands, gridCandidates)
		nearest := math.Inf(1)
		for i, p := range cands {
			nearest = math.Min(nearest, p.Dist(fx.dev[c]))
			for _, q := range cands[:i] {
				assert.GreaterOrEqual(t, p.Dist(q), gridSeparation)
			}
		}
		assert.Less(t, nearest, 0.02, "coil %d", c+1)
	}
	assert.Equal(t, 1, rec.Count(chpi.KindInfo))
	assert.True(t, rec.Contains("HPI location guesses"))
	for _, p := range g.points {
		assert.LessOrEqual(t, p.Norm(), simulate.HelmetRadius+1e-9)
		assert.GreaterOrEqual(t, forward.MinDistance(fx.amp.Sensors, p), gridClearance)
	}
}

func TestFit_GridColdStart(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	nan := chpi.Vec3{math.NaN(), math.NaN(), math.NaN()}
	init := make([]chpi.Vec3, len(fx.init))
	for i := range init {
		init[i] = nan
	}
	rec := &chpi.Recorder{}
	locs, err := Fit(fx.amp, init, DefaultConfig(), rec)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.True(t, rec.Contains("HPI location guesses"))
	for c := range fx.dev {
		require.True(t, locs[0].Fitted[c])
		assert.Less(t, locs[0].Pos[c].Dist(fx.dev[c]), 1e-4, "coil %d", c+1)
		assert.Greater(t, locs[0].GOF[c], 0.999)
	}
}

func TestFit_SkipsUnchangedWindows(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	rec := &chpi.Recorder{}
	locs, err := Fit(fx.amp, fx.init, DefaultConfig(), rec)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.InDelta(t, 0.1, locs[0].Time, 1e-12)
	assert.True(t, rec.Contains("amplitudes unchanged"))

	cfg := DefaultConfig()
	cfg.TStepMax = 0.25
	locs, err = Fit(fx.amp, fx.init, cfg, nil)
	require.NoError(t, err)
	times := make([]float64, len(locs))
	for i, l := range locs {
		times[i] = math.Round(l.Time * 10)
	}
	assert.Equal(t, []float64{1, 4, 7}, times)
}

func TestFit_SkipsIndependentOfWorkers(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	cases := []struct {
		name     string
		tStepMax float64
		want     []int
	}{
		{"default", 1.0, []int{1}},
		{"quarter second", 0.25, []int{1, 4, 7}},
		{"every window", 0, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}},
	}
	for _, tc := range cases {
		for _, workers := range []int{1, 2, 3, 8} {
			cfg := DefaultConfig()
			cfg.TStepMax = tc.tStepMax
			cfg.Workers = workers
			rec := &chpi.Recorder{}
			locs, err := Fit(fx.amp, fx.init, cfg, rec)
			require.NoError(t, err, tc.name)
			got := make([]int, len(locs))
			for i, l := range locs {
				got[i] = int(math.Round(l.Time * 10))
			}
			assert.Equal(t, tc.want, got, "%s with %d workers", tc.name, workers)
			reused := 0
			for _, e := range rec.Events() {
				if strings.Contains(e.Message, "amplitudes unchanged") {
					reused++
				}
			}
			assert.Equal(t, len(fx.amp.Records)-len(tc.want), reused, "%s with %d workers", tc.name, workers)
		}
	}
}

func TestFit_CoilOff(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, func(c *simulate.Config) {
		c.Off = []simulate.Interval{{Coil: 1, Start: 0.35, Stop: 0.65}}
	})
	locs, err := Fit(fx.amp, fx.init, everyWindow(), nil)
	require.NoError(t, err)
	require.Len(t, locs, 9)
	loc := locs[4]
	assert.False(t, loc.Fitted[1])
	assert.False(t, loc.Pos[1].IsFinite())
	assert.Equal(t, 0.0, loc.GOF[1])
	assert.True(t, loc.Fitted[0])
	assert.True(t, locs[0].Fitted[1])
}

func TestFit_TooClosePolicy(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	cfg := everyWindow()
	cfg.MinSensorDistance = 0.2

	cfg.TooClose = chpi.PolicyRaise
	_, err := Fit(fx.amp, fx.init, cfg, nil)
	assert.ErrorIs(t, err, chpi.ErrTooClose)

	cfg.TooClose = chpi.PolicyWarn
	rec := &chpi.Recorder{}
	locs, err := Fit(fx.amp, fx.init, cfg, rec)
	require.NoError(t, err)
	assert.Equal(t, 45, rec.Count(chpi.KindWarning))
	for _, l := range locs {
		for _, f := range l.Fitted {
			assert.False(t, f)
		}
	}

	cfg.TooClose = chpi.PolicyIgnore
	rec = &chpi.Recorder{}
	locs, err = Fit(fx.amp, fx.init, cfg, rec)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Count(chpi.KindWarning))
	assert.True(t, locs[0].Fitted[0])
}

func TestFit_WorkersPreserveOrder(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	serial, err := Fit(fx.amp, fx.init, everyWindow(), nil)
	require.NoError(t, err)

	cfg := everyWindow()
	cfg.Workers = 4
	parallel, err := Fit(fx.amp, fx.init, cfg, nil)
	require.NoError(t, err)
	require.Len(t, parallel, len(serial))
	for i := range serial {
		assert.Equal(t, serial[i].Index, parallel[i].Index)
		for c := range serial[i].Pos {
			assert.Less(t, serial[i].Pos[c].Dist(parallel[i].Pos[c]), 1e-6)
		}
	}
}

func TestFit_Errors(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	_, err := Fit(fx.amp, fx.init[:3], everyWindow(), nil)
	assert.ErrorIs(t, err, chpi.ErrInvalidConfig)

	cfg := everyWindow()
	cfg.MaxIter = 0
	_, err = Fit(fx.amp, fx.init, cfg, nil)
	assert.ErrorIs(t, err, chpi.ErrInvalidConfig)
}

func ctfRaw(t *testing.T) (*chpi.Raw, chpi.Transform) {
	t.Helper()
	toDev := chpi.NewTransform(chpi.RotationAbout(chpi.Vec3{0, 0, 1}, 0.1), chpi.Vec3{0, 0, 0.01})
	info := &chpi.Info{System: chpi.SystemCTF, SFreq: 100, DevCTFT: &toDev}
	for c := 1; c <= 3; c++ {
		for ax := 1; ax <= 3; ax++ {
			info.Channels = append(info.Channels, chpi.Channel{
				Name: "HLC00" + string(rune('0'+c)) + string(rune('0'+ax)),
				Kind: chpi.KindMisc,
			})
		}
	}
	raw := &chpi.Raw{Info: info, FirstTime: 2, Data: make([][]float64, 9)}
	for ch := range raw.Data {
		raw.Data[ch] = make([]float64, 300)
		for s := range raw.Data[ch] {
			v := 0.05 + 0.01*float64(ch)
			if s >= 120 {
				v += 0.002
			}
			raw.Data[ch][s] = v
		}
	}
	return raw, toDev
}

func TestFromDevice_CTF(t *testing.T) {
	t.Parallel()
	raw, toDev := ctfRaw(t)
	locs, err := FromDevice(raw, nil)
	require.NoError(t, err)
	require.Len(t, locs, 2)
	assert.InDelta(t, 2.0, locs[0].Time, 1e-12)
	assert.InDelta(t, 3.2, locs[1].Time, 1e-12)

	want := toDev.Apply(chpi.Vec3{0.05 + 0.002, 0.06 + 0.002, 0.07 + 0.002})
	assert.Less(t, locs[1].Pos[0].Dist(want), 1e-12)
	for c := 0; c < 3; c++ {
		assert.True(t, locs[0].Fitted[c])
		assert.Equal(t, 1.0, locs[0].GOF[c])
		assert.Equal(t, chpi.Vec3{}, locs[0].Moment[c])
	}
}

func TestFromDevice_Errors(t *testing.T) {
	t.Parallel()
	raw, _ := ctfRaw(t)
	raw.Info.Channels = raw.Info.Channels[:8]
	raw.Data = raw.Data[:8]
	_, err := FromDevice(raw, nil)
	require.ErrorIs(t, err, chpi.ErrMissingCalibration)
	assert.Contains(t, err.Error(), "Could not find all cHPI location channels")

	raw, _ = ctfRaw(t)
	raw.Info.DevCTFT = nil
	_, err = FromDevice(raw, nil)
	assert.ErrorIs(t, err, chpi.ErrMissingCalibration)

	_, err = FromDevice(&chpi.Raw{Info: &chpi.Info{System: chpi.SystemKIT}}, nil)
	assert.ErrorIs(t, err, chpi.ErrMissingCalibration)

	_, err = FromDevice(&chpi.Raw{Info: &chpi.Info{System: chpi.SystemNeuromag}}, nil)
	assert.ErrorIs(t, err, chpi.ErrNotImplemented)
}

func TestFromDevice_Layout(t *testing.T) {
	t.Parallel()
	info := &chpi.Info{
		System: chpi.SystemKIT,
		SFreq:  10,
		Channels: []chpi.Channel{
			{Name: "X1"}, {Name: "Y1"}, {Name: "Z1"}, {Name: "G1"},
		},
		Locations: &chpi.LocationLayout{
			Channels:    [][3]string{{"X1", "Y1", "Z1"}},
			GOFChannels: []string{"G1"},
			ToDevice:    chpi.Identity(),
		},
	}
	raw := &chpi.Raw{Info: info, Data: [][]float64{
		{0.01, 0.01, 0.01},
		{0.02, 0.02, 0.02},
		{0.03, 0.03, 0.03},
		{0.9, 0.9, 0.95},
	}}
	locs, err := FromDevice(raw, nil)
	require.NoError(t, err)
	require.Len(t, locs, 2)
	assert.Equal(t, 0.95, locs[1].GOF[0])
	assert.Equal(t, chpi.Vec3{0.01, 0.02, 0.03}, locs[1].Pos[0])
}
