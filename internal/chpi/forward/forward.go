// Package forward computes the magnetic field that point magnetic dipoles
// produce at MEG sensors, the external-interference basis, and the
// whitening projector shared by amplitude extraction and coil fitting.
package forward

import (
	"math"

	"github.com/banshee-data/headpos.report/internal/chpi"
)

// Mu0Over4Pi is μ0/4π in T·m/A.
const Mu0Over4Pi = 1e-7

// Point is one integration point of a sensor.
type Point struct {
	R chpi.Vec3
	N chpi.Vec3
	W float64
}

// Sensor is the integration rule of one MEG channel.
type Sensor struct {
	Name   string
	Kind   chpi.ChannelKind
	Points []Point
}

// Sensors builds integration rules for the given channel indices.
// Magnetometers use one point at the sensor centre. Planar gradiometers use
// two points half a baseline either side of the centre along GradDir, so
// the result is a field difference in T/m.
func Sensors(info *chpi.Info, picks []int) []Sensor {
	out := make([]Sensor, len(picks))
	for i, k := range picks {
		ch := info.Channels[k]
		s := Sensor{Name: ch.Name, Kind: ch.Kind}
		switch {
		case ch.Kind == chpi.KindGrad && ch.Baseline > 0:
			half := ch.GradDir.Unit().Scale(ch.Baseline / 2)
			w := 1 / ch.Baseline
			s.Points = []Point{
				{R: ch.Pos.Add(half), N: ch.Normal, W: w},
				{R: ch.Pos.Sub(half), N: ch.Normal, W: -w},
			}
		default:
			s.Points = []Point{{R: ch.Pos, N: ch.Normal, W: 1}}
		}
		out[i] = s
	}
	return out
}

// DipoleField returns the field of a magnetic dipole with moment m (A·m²)
// at r0, evaluated at r.
func DipoleField(r, r0, m chpi.Vec3) chpi.Vec3 {
	d := r.Sub(r0)
	dist := d.Norm()
	if dist == 0 {
		return chpi.Vec3{math.NaN(), math.NaN(), math.NaN()}
	}
	u := d.Scale(1 / dist)
	scale := Mu0Over4Pi / (dist * dist * dist)
	return u.Scale(3 * m.Dot(u)).Sub(m).Scale(scale)
}

// Gain returns the nchan×3 lead field of a dipole at r0, row-major. Column
// k is the sensor response to a unit moment along axis k.
func Gain(sensors []Sensor, r0 chpi.Vec3) []float64 {
	g := make([]float64, len(sensors)*3)
	GainInto(g, sensors, r0)
	return g
}

// GainInto writes the lead field into dst, which must hold 3·len(sensors)
// values.
func GainInto(dst []float64, sensors []Sensor, r0 chpi.Vec3) {
	for i, s := range sensors {
		var gx, gy, gz float64
		for _, p := range s.Points {
			d := p.R.Sub(r0)
			dist2 := d.Dot(d)
			dist := math.Sqrt(dist2)
			scale := p.W * Mu0Over4Pi / (dist2 * dist)
			// Field of unit moment e_k projected on N:
			// (3 (e_k·u)(u·N) - N_k) / r³
			un := d.Dot(p.N) / dist
			gx += scale * (3*d[0]/dist*un - p.N[0])
			gy += scale * (3*d[1]/dist*un - p.N[1])
			gz += scale * (3*d[2]/dist*un - p.N[2])
		}
		dst[i*3] = gx
		dst[i*3+1] = gy
		dst[i*3+2] = gz
	}
}

// Field returns the sensor readings produced by a dipole with moment m at r0.
func Field(sensors []Sensor, r0, m chpi.Vec3) []float64 {
	g := Gain(sensors, r0)
	out := make([]float64, len(sensors))
	for i := range sensors {
		out[i] = g[i*3]*m[0] + g[i*3+1]*m[1] + g[i*3+2]*m[2]
	}
	return out
}

// MinDistance returns the smallest distance between r and any sensor
// integration point.
func MinDistance(sensors []Sensor, r chpi.Vec3) float64 {
	best := math.Inf(1)
	for _, s := range sensors {
		for _, p := range s.Points {
			if d := p.R.Dist(r); d < best {
				best = d
			}
		}
	}
	return best
}

// Centroid returns the mean sensor position and the smallest distance from
// it to a sensor.
func Centroid(sensors []Sensor) (chpi.Vec3, float64) {
	var c chpi.Vec3
	n := 0
	for _, s := range sensors {
		for _, p := range s.Points {
			c = c.Add(p.R)
			n++
		}
	}
	if n == 0 {
		return c, 0
	}
	c = c.Scale(1 / float64(n))
	return c, MinDistance(sensors, c)
}
