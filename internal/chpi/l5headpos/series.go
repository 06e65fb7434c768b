package l5headpos

import (
	"sort"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/chpi/l4motion"
)

// Build orders the solutions by time and fills in velocities.
func Build(sols []l4motion.Solution) []chpi.HeadPositionSample {
	out := make([]chpi.HeadPositionSample, len(sols))
	for i, s := range sols {
		out[i] = s.Sample()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	Velocities(out)
	return out
}

// Velocities sets each sample's speed in m/s: a forward difference at the
// first sample, a backward difference at the last and a central difference
// in between. Fewer than two samples get zero.
func Velocities(samples []chpi.HeadPositionSample) {
	n := len(samples)
	if n < 2 {
		for i := range samples {
			samples[i].Vel = 0
		}
		return
	}
	speed := func(a, b int) float64 {
		dt := samples[b].Time - samples[a].Time
		if dt <= 0 {
			return 0
		}
		return samples[b].Trans.Dist(samples[a].Trans) / dt
	}
	vel := make([]float64, n)
	vel[0] = speed(0, 1)
	vel[n-1] = speed(n-2, n-1)
	for i := 1; i < n-1; i++ {
		vel[i] = speed(i-1, i+1)
	}
	for i := range samples {
		samples[i].Vel = vel[i]
	}
}

// ToTransRotT splits samples into translations, rotation matrices and
// times.
func ToTransRotT(samples []chpi.HeadPositionSample) ([]chpi.Vec3, [][9]float64, []float64) {
	trans := make([]chpi.Vec3, len(samples))
	rots := make([][9]float64, len(samples))
	times := make([]float64, len(samples))
	for i, s := range samples {
		trans[i] = s.Trans
		rots[i] = s.Rotation()
		times[i] = s.Time
	}
	return trans, rots, times
}
