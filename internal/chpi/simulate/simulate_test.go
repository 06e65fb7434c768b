package simulate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/headpos.report/internal/chpi"
)

func TestHelmet(t *testing.T) {
	t.Parallel()
	chs := Helmet(10)
	require.Len(t, chs, 30)
	for _, ch := range chs {
		assert.InDelta(t, HelmetRadius, ch.Pos.Norm(), 1e-12)
		assert.InDelta(t, 1, ch.Normal.Norm(), 1e-12)
		if ch.Kind == chpi.KindGrad {
			assert.InDelta(t, 0, ch.GradDir.Dot(ch.Normal), 1e-12)
		}
	}
}

func TestRaw_Shape(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Duration = 0.5
	cfg.NLocations = 8
	cfg.Off = []Interval{{Coil: 1, Start: 0.1, Stop: 0.2}}
	raw, err := Raw(cfg)
	require.NoError(t, err)
	assert.Equal(t, 500, raw.NSamples())
	assert.Len(t, raw.Data, 25)

	stim := raw.Data[raw.Info.ChannelIndex(EventChannel)]
	assert.Equal(t, 31.0, stim[0])
	assert.Equal(t, 29.0, stim[150])

	var peak float64
	for _, v := range raw.Data[0] {
		peak = math.Max(peak, math.Abs(v))
	}
	assert.Greater(t, peak, 1e-13)
	assert.Less(t, peak, 1e-9)
}

func TestRaw_InvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Freqs = cfg.Freqs[:2]
	_, err := Raw(cfg)
	assert.ErrorIs(t, err, chpi.ErrInvalidConfig)
}

func TestStepped(t *testing.T) {
	t.Parallel()
	traj := Stepped(chpi.Identity(), chpi.Vec3{0.001, 0, 0}, 1)
	assert.InDelta(t, 0, traj(0.99).Translation()[0], 1e-12)
	assert.InDelta(t, 0.001, traj(1.0).Translation()[0], 1e-12)
	assert.InDelta(t, 0.003, traj(3.5).Translation()[0], 1e-12)
}

func TestNewInfo_InitialFitAgrees(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	info := NewInfo(cfg)
	res := info.HPIResults[0]
	for i, d := range res.DigPoints {
		head := res.CoordTrans.Apply(d.R)
		assert.InDelta(t, 0, head.Dist(cfg.Coils[i]), 1e-12)
	}
}
