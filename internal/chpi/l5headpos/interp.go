package l5headpos

import (
	"fmt"
	"sort"

	"github.com/banshee-data/headpos.report/internal/chpi"
)

// Interpolator evaluates the head pose at arbitrary times within the span
// of a time series: translations linearly, rotations by slerp.
type Interpolator struct {
	samples []chpi.HeadPositionSample
}

// NewInterpolator copies and time-sorts samples.
func NewInterpolator(samples []chpi.HeadPositionSample) (*Interpolator, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no head positions to interpolate", chpi.ErrOutOfBounds)
	}
	s := append([]chpi.HeadPositionSample(nil), samples...)
	sort.SliceStable(s, func(i, j int) bool { return s[i].Time < s[j].Time })
	return &Interpolator{samples: s}, nil
}

// Span returns the first and last sample times.
func (ip *Interpolator) Span() (float64, float64) {
	return ip.samples[0].Time, ip.samples[len(ip.samples)-1].Time
}

// At returns the device-to-head transform at time t.
func (ip *Interpolator) At(t float64) (chpi.Transform, error) {
	first, last := ip.Span()
	if t < first || t > last {
		return chpi.Transform{}, fmt.Errorf("%w: %0.3f s is outside [%0.3f, %0.3f] s", chpi.ErrOutOfBounds, t, first, last)
	}
	j := sort.Search(len(ip.samples), func(i int) bool { return ip.samples[i].Time >= t })
	b := ip.samples[j]
	if b.Time == t || j == 0 {
		return b.Transform(), nil
	}
	a := ip.samples[j-1]
	f := (t - a.Time) / (b.Time - a.Time)
	q := chpi.SlerpQuats(a.Quat, b.Quat, f)
	trans := a.Trans.Scale(1 - f).Add(b.Trans.Scale(f))
	return chpi.NewTransform(chpi.QuatToRot(q), trans), nil
}
