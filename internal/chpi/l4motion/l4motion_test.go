package l4motion

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/chpi/simulate"
)

func headTransform() chpi.Transform {
	R := chpi.MulRot(
		chpi.RotationAbout(chpi.Vec3{0, 0, 1}, 0.2),
		chpi.RotationAbout(chpi.Vec3{1, 1, 0}, -0.1),
	)
	return chpi.NewTransform(R, chpi.Vec3{0.004, -0.01, -0.03})
}

// scene returns coil definitions and a perfect location for dev→head T.
func scene(T chpi.Transform) ([]chpi.CoilDefinition, chpi.CoilLocation) {
	coils := simulate.DefaultCoils()
	dev := simulate.DevicePositions(coils, T)
	defs := make([]chpi.CoilDefinition, len(coils))
	loc := chpi.CoilLocation{Time: 1.5}
	for i, c := range coils {
		defs[i] = chpi.CoilDefinition{Index: i + 1, Pos: c}
		loc.Pos = append(loc.Pos, dev[i])
		loc.GOF = append(loc.GOF, 0.99+0.001*float64(i))
		loc.Moment = append(loc.Moment, chpi.Vec3{})
		loc.Fitted = append(loc.Fitted, true)
	}
	return defs, loc
}

func assertTransform(t *testing.T, want, got chpi.Transform) {
	t.Helper()
	angle := chpi.AngleBetweenQuats(chpi.RotToQuat(want.Rotation()), chpi.RotToQuat(got.Rotation()))
	assert.Less(t, angle, 0.1*math.Pi/180)
	assert.Less(t, want.Translation().Dist(got.Translation()), 1e-4)
}

func TestKabsch_Exact(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 20; trial++ {
		axis := chpi.Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
		T := chpi.NewTransform(chpi.RotationAbout(axis, rng.Float64()*math.Pi),
			chpi.Vec3{rng.NormFloat64() * 0.05, rng.NormFloat64() * 0.05, rng.NormFloat64() * 0.05})
		src := make([]chpi.Vec3, 6)
		dst := make([]chpi.Vec3, 6)
		for i := range src {
			src[i] = chpi.Vec3{rng.NormFloat64() * 0.08, rng.NormFloat64() * 0.08, rng.NormFloat64() * 0.08}
			dst[i] = T.Apply(src[i])
		}
		got, g := Kabsch(src, dst, nil)
		assertTransform(t, T, got)
		assert.InDelta(t, 1, g, 1e-9)
		assert.True(t, got.IsValid())
	}
}

func TestSolve_RecoversTransform(t *testing.T) {
	t.Parallel()
	T := headTransform()
	defs, loc := scene(T)
	sol, err := Solve(loc, defs, nil, DefaultConfig(), nil)
	require.NoError(t, err)
	assertTransform(t, T, sol.Trans)
	assert.Less(t, sol.Err, 1e-9)
	assert.InDelta(t, 0.99, sol.GOF, 1e-12)
	assert.Len(t, sol.Used, 5)
	assert.InDelta(t, 0, chpi.AngleBetweenQuats(sol.Quat, chpi.RotToQuat(T.Rotation())), 1e-6)

	row := sol.Sample()
	assert.Equal(t, 1.5, row.Time)
	assert.Equal(t, 0.0, row.Vel)
	assert.Less(t, row.Trans.Dist(T.Translation()), 1e-4)
}

func TestSolve_Aggregates(t *testing.T) {
	t.Parallel()
	defs, loc := scene(headTransform())
	cases := []struct {
		agg  Aggregate
		want float64
	}{
		{AggregateMin, 0.99},
		{AggregateMean, 0.992},
		{AggregateFit, 1},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		cfg.Aggregate = tc.agg
		sol, err := Solve(loc, defs, nil, cfg, nil)
		require.NoError(t, err)
		assert.InDelta(t, tc.want, sol.GOF, 1e-9, tc.agg.String())
	}
}

func TestSolve_ExcludesCoils(t *testing.T) {
	t.Parallel()
	T := headTransform()
	cases := []struct {
		name    string
		mutate  func([]chpi.CoilDefinition, *chpi.CoilLocation)
		dropped int
	}{
		{"low goodness", func(_ []chpi.CoilDefinition, l *chpi.CoilLocation) { l.GOF[0] = 0.5 }, 0},
		{"not fitted", func(_ []chpi.CoilDefinition, l *chpi.CoilLocation) { l.Fitted[1] = false }, 1},
		{"inconsistent", func(d []chpi.CoilDefinition, _ *chpi.CoilLocation) { d[2].Inconsistent = true }, 2},
		{"displaced", func(_ []chpi.CoilDefinition, l *chpi.CoilLocation) {
			l.Pos[3] = l.Pos[3].Add(chpi.Vec3{0.02, 0, 0})
		}, 3},
		{"non-finite", func(_ []chpi.CoilDefinition, l *chpi.CoilLocation) { l.Pos[4][1] = math.NaN() }, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			defs, loc := scene(T)
			tc.mutate(defs, &loc)
			sol, err := Solve(loc, defs, nil, DefaultConfig(), nil)
			require.NoError(t, err)
			assert.NotContains(t, sol.Used, tc.dropped)
			assertTransform(t, T, sol.Trans)
		})
	}
}

func TestSolve_TooFewCoils(t *testing.T) {
	t.Parallel()
	defs, loc := scene(headTransform())
	loc.Fitted[0], loc.Fitted[1], loc.Fitted[2] = false, false, false
	_, err := Solve(loc, defs, nil, DefaultConfig(), nil)
	require.ErrorIs(t, err, chpi.ErrInsufficientCoils)
	assert.Contains(t, err.Error(), "2/5 good HPI fits")

	_, err = Solve(loc, defs[:4], nil, DefaultConfig(), nil)
	assert.ErrorIs(t, err, chpi.ErrInvalidConfig)
}

func TestSolve_LowGoodness(t *testing.T) {
	t.Parallel()
	defs, loc := scene(headTransform())
	for c := range loc.GOF {
		loc.GOF[c] = 1
	}
	loc.Pos[2] = loc.Pos[2].Add(chpi.Vec3{0, 0.004, 0})
	cfg := DefaultConfig()
	cfg.Aggregate = AggregateFit
	cfg.GOFLimit = 0.99999

	_, err := Solve(loc, defs, nil, cfg, nil)
	require.ErrorIs(t, err, chpi.ErrLowGoodness)
	assert.NotErrorIs(t, err, chpi.ErrOutOfBounds)
	assert.NotErrorIs(t, err, chpi.ErrInsufficientCoils)
	assert.Contains(t, err.Error(), "window goodness")

	rec := &chpi.Recorder{}
	sols, err := Track([]chpi.CoilLocation{loc}, defs, cfg, rec)
	require.NoError(t, err)
	assert.Empty(t, sols)
	assert.True(t, rec.Contains("goodness of fit below limit"))
}

func TestTrack(t *testing.T) {
	t.Parallel()
	T := headTransform()
	defs, good := scene(T)
	_, bad := scene(T)
	bad.Time = 2
	for c := range bad.GOF {
		bad.GOF[c] = 0.3
	}
	later := good
	later.Time = 3

	rec := &chpi.Recorder{}
	sols, err := Track([]chpi.CoilLocation{good, bad, later}, defs, DefaultConfig(), rec)
	require.NoError(t, err)
	require.Len(t, sols, 2)
	assert.Equal(t, 3.0, sols[1].Time)
	assert.True(t, rec.Contains("cannot determine the transformation"))
	assert.True(t, rec.Contains("Estimated head position in 2 of 3 windows"))

	_, err = Track(nil, defs, Config{}, nil)
	assert.ErrorIs(t, err, chpi.ErrInvalidConfig)
}

func TestContinuousQuat(t *testing.T) {
	t.Parallel()
	R := chpi.RotationAbout(chpi.Vec3{1, 0, 0}, math.Pi)
	q := continuousQuat(R, &[3]float64{-1, 0, 0})
	assert.InDelta(t, -1, q[0], 1e-9)
	q = continuousQuat(R, &[3]float64{1, 0, 0})
	assert.InDelta(t, 1, q[0], 1e-9)

	small := chpi.RotationAbout(chpi.Vec3{0, 1, 0}, 0.2)
	assert.Equal(t, chpi.RotToQuat(small), continuousQuat(small, &[3]float64{0, -1, 0}))
}

func TestParseAggregate(t *testing.T) {
	t.Parallel()
	cases := map[string]Aggregate{"": AggregateMin, "min": AggregateMin, "MEAN": AggregateMean, " fit ": AggregateFit}
	for in, want := range cases {
		got, err := ParseAggregate(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseAggregate("median")
	assert.ErrorIs(t, err, chpi.ErrInvalidConfig)
}
