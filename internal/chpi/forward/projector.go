package forward

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/headpos.report/internal/chpi"
)

// Ad-hoc sensor noise levels used to whiten mixed channel types.
const (
	MagNoise  = 2e-14 // T
	GradNoise = 5e-13 // T/m
)

// rankTolerance is the relative singular-value cutoff when building an
// orthonormal basis.
const rankTolerance = 1e-10

// Projector whitens sensor data and projects out the external-interference
// subspace: M = (I - U Uᵀ) W, with W diagonal and U an orthonormal basis
// of the whitened external field. It is immutable once built and may be
// shared by any number of goroutines.
type Projector struct {
	w []float64
	u *mat.Dense // nchan×k, nil when k = 0
}

// NewProjector builds the projector for sensors and an external order.
func NewProjector(sensors []Sensor, extOrder int) (*Projector, error) {
	p := &Projector{w: make([]float64, len(sensors))}
	for i, s := range sensors {
		if s.Kind == chpi.KindGrad {
			p.w[i] = 1 / GradNoise
		} else {
			p.w[i] = 1 / MagNoise
		}
	}
	ext, err := ExternalBasis(sensors, extOrder)
	if err != nil {
		return nil, err
	}
	if ext == nil {
		return p, nil
	}
	r, c := ext.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			ext.Set(i, j, ext.At(i, j)*p.w[i])
		}
	}
	p.u = OrthBasis(ext)
	return p, nil
}

// NChannels returns the input dimension.
func (p *Projector) NChannels() int { return len(p.w) }

// Rank returns the number of projected-out directions.
func (p *Projector) Rank() int {
	if p.u == nil {
		return 0
	}
	_, c := p.u.Dims()
	return c
}

// Apply returns M·v. Non-finite inputs propagate.
func (p *Projector) Apply(v []float64) []float64 {
	out := make([]float64, len(v))
	p.ApplyInto(out, v)
	return out
}

// ApplyInto writes M·v into dst.
func (p *Projector) ApplyInto(dst, v []float64) {
	for i := range v {
		dst[i] = v[i] * p.w[i]
	}
	if p.u == nil {
		return
	}
	_, k := p.u.Dims()
	for j := 0; j < k; j++ {
		var dot float64
		for i := range dst {
			dot += p.u.At(i, j) * dst[i]
		}
		for i := range dst {
			dst[i] -= dot * p.u.At(i, j)
		}
	}
}

// ApplyColumns applies the projector to each column of a row-major
// nchan×ncol matrix and returns the result in the same layout.
func (p *Projector) ApplyColumns(g []float64, ncol int) []float64 {
	n := len(p.w)
	out := make([]float64, len(g))
	col := make([]float64, n)
	res := make([]float64, n)
	for c := 0; c < ncol; c++ {
		for i := 0; i < n; i++ {
			col[i] = g[i*ncol+c]
		}
		p.ApplyInto(res, col)
		for i := 0; i < n; i++ {
			out[i*ncol+c] = res[i]
		}
	}
	return out
}

// OrthBasis returns an orthonormal basis for the column space of A using
// the SVD, dropping directions below the rank tolerance.
func OrthBasis(A *mat.Dense) *mat.Dense {
	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDThin) {
		return nil
	}
	vals := svd.Values(nil)
	if len(vals) == 0 || vals[0] == 0 || math.IsNaN(vals[0]) {
		return nil
	}
	k := 0
	for _, v := range vals {
		if v > rankTolerance*vals[0] {
			k++
		}
	}
	var u mat.Dense
	svd.UTo(&u)
	r, _ := u.Dims()
	return mat.DenseCopyOf(u.Slice(0, r, 0, k))
}
