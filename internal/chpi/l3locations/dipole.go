package l3locations

import (
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/chpi/forward"
)

// Levenberg-Marquardt tuning.
const (
	jacobianStep  = 1e-6 // m
	initialLambda = 1e-3
	maxLambda     = 1e10
	costTolerance = 1e-12
	stepTolerance = 1e-8 // m
)

// dipoleFit is the outcome of fitting one coil.
type dipoleFit struct {
	pos       chpi.Vec3
	moment    chpi.Vec3
	gof       float64
	cost      float64
	iters     int
	converged bool
}

// dipoleFitter fits a single magnetic dipole to a projected amplitude
// pattern. The moment is eliminated linearly, so the nonlinear search runs
// over position only.
type dipoleFitter struct {
	sensors []forward.Sensor
	proj    *forward.Projector
	maxIter int
	gain    []float64
}

func newDipoleFitter(sensors []forward.Sensor, proj *forward.Projector, maxIter int) *dipoleFitter {
	return &dipoleFitter{
		sensors: sensors,
		proj:    proj,
		maxIter: maxIter,
		gain:    make([]float64, 3*len(sensors)),
	}
}

// residual writes b - G(G⁺b) into r for a dipole at p and returns the
// least-squares moment. Non-finite geometry yields NaN residuals.
func (f *dipoleFitter) residual(r []float64, p chpi.Vec3, b []float64) chpi.Vec3 {
	forward.GainInto(f.gain, f.sensors, p)
	G := f.proj.ApplyColumns(f.gain, 3)
	n := len(b)

	var gtg [9]float64
	var gtb [3]float64
	for i := 0; i < n; i++ {
		g0, g1, g2 := G[i*3], G[i*3+1], G[i*3+2]
		gtg[0] += g0 * g0
		gtg[1] += g0 * g1
		gtg[2] += g0 * g2
		gtg[4] += g1 * g1
		gtg[5] += g1 * g2
		gtg[8] += g2 * g2
		gtb[0] += g0 * b[i]
		gtb[1] += g1 * b[i]
		gtb[2] += g2 * b[i]
	}
	gtg[3], gtg[6], gtg[7] = gtg[1], gtg[2], gtg[5]

	m, ok := solve3(gtg, gtb)
	if !ok {
		for i := range r {
			r[i] = math.NaN()
		}
		return chpi.Vec3{math.NaN(), math.NaN(), math.NaN()}
	}
	for i := 0; i < n; i++ {
		r[i] = b[i] - (G[i*3]*m[0] + G[i*3+1]*m[1] + G[i*3+2]*m[2])
	}
	return m
}

func sumSquares(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return s
}

// fit runs Levenberg-Marquardt from start. The best iterate is returned
// even when the iteration cap is reached.
func (f *dipoleFitter) fit(b []float64, start chpi.Vec3) dipoleFit {
	n := len(b)
	norm := sumSquares(b)
	r := make([]float64, n)
	rn := make([]float64, n)
	x := start
	m := f.residual(r, x, b)
	cost := sumSquares(r)

	J := mat.NewDense(n, 3, nil)
	settings := &fd.JacobianSettings{Formula: fd.Central, Step: jacobianStep}
	eval := func(y, p []float64) { f.residual(y, chpi.VecFromSlice(p), b) }

	out := dipoleFit{}
	lambda := initialLambda
	iter := 0
	for ; iter < f.maxIter; iter++ {
		if math.IsNaN(cost) {
			break
		}
		fd.Jacobian(J, eval, x.Slice(), settings)
		var jtj [9]float64
		var jtr [3]float64
		for i := 0; i < n; i++ {
			j0, j1, j2 := J.At(i, 0), J.At(i, 1), J.At(i, 2)
			jtj[0] += j0 * j0
			jtj[1] += j0 * j1
			jtj[2] += j0 * j2
			jtj[4] += j1 * j1
			jtj[5] += j1 * j2
			jtj[8] += j2 * j2
			jtr[0] -= j0 * r[i]
			jtr[1] -= j1 * r[i]
			jtr[2] -= j2 * r[i]
		}
		jtj[3], jtj[6], jtj[7] = jtj[1], jtj[2], jtj[5]

		accepted := false
		var step chpi.Vec3
		var newCost float64
		var newM chpi.Vec3
		for lambda < maxLambda {
			A := jtj
			for k := 0; k < 3; k++ {
				d := jtj[k*4]
				if d == 0 {
					d = 1
				}
				A[k*4] += lambda * d
			}
			delta, ok := solve3(A, jtr)
			if !ok {
				lambda *= 10
				continue
			}
			step = chpi.Vec3(delta)
			newM = f.residual(rn, x.Add(step), b)
			newCost = sumSquares(rn)
			if newCost < cost {
				accepted = true
				lambda = math.Max(lambda/10, 1e-12)
				break
			}
			lambda *= 10
		}
		if !accepted {
			out.converged = true
			break
		}
		improvement := cost - newCost
		x = x.Add(step)
		m = newM
		cost = newCost
		r, rn = rn, r
		if improvement <= costTolerance*cost || step.Norm() < stepTolerance {
			out.converged = true
			iter++
			break
		}
	}
	out.pos = x
	out.moment = m
	out.cost = cost
	out.iters = iter
	out.gof = goodness(cost, norm)
	return out
}

// goodness is 1 - residual/total power, clipped to [0, 1].
func goodness(cost, norm float64) float64 {
	if !(norm > 0) || math.IsNaN(cost) {
		return 0
	}
	g := 1 - cost/norm
	return math.Max(0, math.Min(1, g))
}

// cost returns the residual power at p without iterating.
func (f *dipoleFitter) cost(b []float64, p chpi.Vec3) float64 {
	r := make([]float64, len(b))
	f.residual(r, p, b)
	return sumSquares(r)
}

// solve3 solves the 3x3 row-major system A x = y.
func solve3(A [9]float64, y [3]float64) ([3]float64, bool) {
	det := A[0]*(A[4]*A[8]-A[5]*A[7]) - A[1]*(A[3]*A[8]-A[5]*A[6]) + A[2]*(A[3]*A[7]-A[4]*A[6])
	scale := math.Abs(A[0]) + math.Abs(A[4]) + math.Abs(A[8])
	if det == 0 || math.IsNaN(det) || math.Abs(det) < 1e-14*scale*scale*scale {
		return [3]float64{}, false
	}
	var x [3]float64
	x[0] = (y[0]*(A[4]*A[8]-A[5]*A[7]) - A[1]*(y[1]*A[8]-A[5]*y[2]) + A[2]*(y[1]*A[7]-A[4]*y[2])) / det
	x[1] = (A[0]*(y[1]*A[8]-A[5]*y[2]) - y[0]*(A[3]*A[8]-A[5]*A[6]) + A[2]*(A[3]*y[2]-y[1]*A[6])) / det
	x[2] = (A[0]*(A[4]*y[2]-y[1]*A[7]) - A[1]*(A[3]*y[2]-y[1]*A[6]) + y[0]*(A[3]*A[7]-A[4]*A[6])) / det
	return x, true
}
