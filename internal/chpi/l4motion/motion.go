package l4motion

import (
	"fmt"
	"math"
	"math/bits"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/headpos.report/internal/chpi"
)

// minCoils is the fewest coils that determine a rigid transform.
const minCoils = 3

// Aggregate selects how per-coil goodness values combine into the window
// goodness.
type Aggregate int

const (
	// AggregateMin takes the worst accepted coil.
	AggregateMin Aggregate = iota
	// AggregateMean averages the accepted coils.
	AggregateMean
	// AggregateFit uses the goodness of the rigid alignment itself.
	AggregateFit
)

func (a Aggregate) String() string {
	switch a {
	case AggregateMean:
		return "mean"
	case AggregateFit:
		return "fit"
	default:
		return "min"
	}
}

// ParseAggregate parses "min", "mean" or "fit".
func ParseAggregate(s string) (Aggregate, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "min":
		return AggregateMin, nil
	case "mean":
		return AggregateMean, nil
	case "fit":
		return AggregateFit, nil
	}
	return AggregateMin, fmt.Errorf("%w: unknown goodness aggregate %q", chpi.ErrInvalidConfig, s)
}

// Config holds the acceptance limits.
type Config struct {
	// DistLimit is the largest tolerated coil error in metres.
	DistLimit float64
	// GOFLimit is the smallest tolerated goodness of fit.
	GOFLimit  float64
	Aggregate Aggregate
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{DistLimit: 0.005, GOFLimit: 0.98, Aggregate: AggregateMin}
}

// Validate checks the limits.
func (c Config) Validate() error {
	if !(c.DistLimit > 0) {
		return fmt.Errorf("%w: dist_limit must be positive, got %g", chpi.ErrInvalidConfig, c.DistLimit)
	}
	if c.GOFLimit < 0 || c.GOFLimit > 1 {
		return fmt.Errorf("%w: gof_limit must be within [0, 1], got %g", chpi.ErrInvalidConfig, c.GOFLimit)
	}
	return nil
}

// Solution is the rigid device-to-head transform of one window.
type Solution struct {
	Time  float64
	Trans chpi.Transform
	Quat  [3]float64
	GOF   float64
	Err   float64
	// Used lists the 0-based coils the transform was fitted to.
	Used []int
}

// Sample returns the solution as a head-position row with zero velocity.
func (s Solution) Sample() chpi.HeadPositionSample {
	return chpi.HeadPositionSample{
		Time:  s.Time,
		Quat:  s.Quat,
		Trans: s.Trans.Translation(),
		GOF:   s.GOF,
		Err:   s.Err,
	}
}

// Solve fits the device-to-head transform for one window of coil
// locations. prev, when non-nil, resolves the quaternion sign of half
// turns. Too few usable coils yields ErrInsufficientCoils; a goodness
// below the limit yields ErrLowGoodness.
func Solve(loc chpi.CoilLocation, defs []chpi.CoilDefinition, prev *[3]float64, cfg Config, sink chpi.Sink) (Solution, error) {
	if err := cfg.Validate(); err != nil {
		return Solution{}, err
	}
	if loc.NCoils() != len(defs) {
		return Solution{}, fmt.Errorf("%w: %d locations for %d coil definitions", chpi.ErrInvalidConfig, loc.NCoils(), len(defs))
	}

	var accepted []int
	for c := range defs {
		if loc.Fitted[c] && !defs[c].Inconsistent && loc.Pos[c].IsFinite() && loc.GOF[c] >= cfg.GOFLimit {
			accepted = append(accepted, c)
		}
	}
	accepted = checkDistances(loc, defs, accepted, cfg.DistLimit, sink)
	if len(accepted) < minCoils {
		return Solution{}, fmt.Errorf("%w: %d/%d good HPI fits at %0.3f s, cannot determine the transformation",
			chpi.ErrInsufficientCoils, len(accepted), len(defs), loc.Time)
	}

	dev := make([]chpi.Vec3, len(defs))
	head := make([]chpi.Vec3, len(defs))
	for c := range defs {
		dev[c] = loc.Pos[c]
		head[c] = defs[c].Pos
	}
	T, g, used := bestSubset(dev, head, loc.GOF, accepted)

	nGood := 0
	for _, c := range accepted {
		if T.Apply(dev[c]).Dist(head[c]) < cfg.DistLimit && loc.GOF[c] >= cfg.GOFLimit {
			nGood++
		}
	}
	if nGood < minCoils {
		return Solution{}, fmt.Errorf("%w: %d/%d good HPI fits at %0.3f s, cannot determine the transformation",
			chpi.ErrInsufficientCoils, nGood, len(defs), loc.Time)
	}

	sol := Solution{Time: loc.Time, Trans: T, Used: used}
	for _, c := range used {
		sol.Err = math.Max(sol.Err, T.Apply(dev[c]).Dist(head[c]))
	}
	switch cfg.Aggregate {
	case AggregateMean:
		for _, c := range used {
			sol.GOF += loc.GOF[c]
		}
		sol.GOF /= float64(len(used))
	case AggregateFit:
		sol.GOF = g
	default:
		sol.GOF = 1
		for _, c := range used {
			sol.GOF = math.Min(sol.GOF, loc.GOF[c])
		}
	}
	if sol.GOF < cfg.GOFLimit {
		return Solution{}, fmt.Errorf("%w: window goodness %0.4f at %0.3f s is below %0.3f",
			chpi.ErrLowGoodness, sol.GOF, loc.Time, cfg.GOFLimit)
	}
	sol.Quat = continuousQuat(T.Rotation(), prev)
	return sol, nil
}

// Track solves every window in order. Windows that cannot be solved are
// dropped with a diagnostic event.
func Track(locs []chpi.CoilLocation, defs []chpi.CoilDefinition, cfg Config, sink chpi.Sink) ([]Solution, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	out := make([]Solution, 0, len(locs))
	var prev *[3]float64
	for _, loc := range locs {
		sol, err := Solve(loc, defs, prev, cfg, sink)
		if err != nil {
			chpi.Emitf(sink, chpi.LevelDiag, chpi.KindInfo, "Skipping window: %v", err)
			continue
		}
		q := sol.Quat
		prev = &q
		out = append(out, sol)
	}
	chpi.Emitf(sink, chpi.LevelDiag, chpi.KindInfo, "Estimated head position in %d of %d windows", len(out), len(locs))
	return out, nil
}

// checkDistances drops coils whose inter-coil distances disagree with the
// digitization, worst offender first, until every remaining pair agrees
// within limit.
func checkDistances(loc chpi.CoilLocation, defs []chpi.CoilDefinition, idx []int, limit float64, sink chpi.Sink) []int {
	idx = append([]int(nil), idx...)
	for len(idx) >= minCoils {
		excess := make([]float64, len(idx))
		worst, worstVal := -1, 0.0
		for a := range idx {
			for b := range idx {
				if a == b {
					continue
				}
				ca, cb := idx[a], idx[b]
				d := math.Abs(loc.Pos[ca].Dist(loc.Pos[cb]) - defs[ca].Pos.Dist(defs[cb].Pos))
				if d > limit {
					excess[a] += d - limit
				}
			}
			if excess[a] > worstVal {
				worst, worstVal = a, excess[a]
			}
		}
		if worst < 0 {
			break
		}
		chpi.Emitf(sink, chpi.LevelTrace, chpi.KindInfo, "Discarding HPI coil %d at %0.3f s: inter-coil distances off by %0.1f mm",
			idx[worst]+1, loc.Time, worstVal*1000)
		idx = append(idx[:worst], idx[worst+1:]...)
	}
	return idx
}

// bestSubset fits every subset of at least three accepted coils and keeps
// the one with the best alignment goodness. The full set wins ties.
func bestSubset(dev, head []chpi.Vec3, gof []float64, accepted []int) (chpi.Transform, float64, []int) {
	n := len(accepted)
	full := uint(1)<<n - 1
	bestT, bestG := Kabsch(pick(dev, accepted, full), pick(head, accepted, full), pickF(gof, accepted, full))
	bestMask := full
	for mask := full - 1; mask > 0; mask-- {
		if bits.OnesCount(mask) < minCoils {
			continue
		}
		T, g := Kabsch(pick(dev, accepted, mask), pick(head, accepted, mask), pickF(gof, accepted, mask))
		if g > bestG+1e-12 {
			bestT, bestG, bestMask = T, g, mask
		}
	}
	var used []int
	for i, c := range accepted {
		if bestMask&(1<<i) != 0 {
			used = append(used, c)
		}
	}
	return bestT, bestG, used
}

func pick(v []chpi.Vec3, idx []int, mask uint) []chpi.Vec3 {
	var out []chpi.Vec3
	for i, c := range idx {
		if mask&(1<<i) != 0 {
			out = append(out, v[c])
		}
	}
	return out
}

func pickF(v []float64, idx []int, mask uint) []float64 {
	var out []float64
	for i, c := range idx {
		if mask&(1<<i) != 0 {
			out = append(out, v[c])
		}
	}
	return out
}

// Kabsch returns the proper rigid transform mapping src onto dst in the
// weighted least-squares sense, and the alignment goodness
// 1 - Σw|T(src)-dst|² / Σw|dst-mean(dst)|². Nil weights weigh points
// equally.
func Kabsch(src, dst []chpi.Vec3, w []float64) (chpi.Transform, float64) {
	if w == nil {
		w = make([]float64, len(src))
		for i := range w {
			w[i] = 1
		}
	}
	var sw float64
	var cs, cd chpi.Vec3
	for i := range src {
		sw += w[i]
		cs = cs.Add(src[i].Scale(w[i]))
		cd = cd.Add(dst[i].Scale(w[i]))
	}
	cs, cd = cs.Scale(1/sw), cd.Scale(1/sw)

	H := mat.NewDense(3, 3, nil)
	for i := range src {
		a, b := src[i].Sub(cs), dst[i].Sub(cd)
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				H.Set(r, c, H.At(r, c)+w[i]*a[r]*b[c])
			}
		}
	}
	var svd mat.SVD
	if !svd.Factorize(H, mat.SVDFull) {
		return chpi.Identity(), 0
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	d := 1.0
	if mat.Det(&v)*mat.Det(&u) < 0 {
		d = -1
	}
	// R = V diag(1, 1, d) Uᵀ
	var R [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			R[r*3+c] = v.At(r, 0)*u.At(c, 0) + v.At(r, 1)*u.At(c, 1) + d*v.At(r, 2)*u.At(c, 2)
		}
	}
	t := cd.Sub(chpi.NewTransform(R, chpi.Vec3{}).Apply(cs))
	T := chpi.NewTransform(R, t)

	var resid, spread float64
	for i := range src {
		e := T.Apply(src[i]).Sub(dst[i])
		resid += w[i] * e.Dot(e)
		s := dst[i].Sub(cd)
		spread += w[i] * s.Dot(s)
	}
	if spread == 0 {
		return T, 0
	}
	return T, 1 - resid/spread
}

// continuousQuat converts R to a quaternion with a non-negative scalar
// part. Near a half turn the scalar part vanishes and both signs of the
// vector part are valid; the one closest to prev is chosen.
func continuousQuat(R [9]float64, prev *[3]float64) [3]float64 {
	q := chpi.RotToQuat(R)
	if prev == nil {
		return q
	}
	w2 := 1 - (q[0]*q[0] + q[1]*q[1] + q[2]*q[2])
	if w2 > 1e-12 {
		return q
	}
	if q[0]*prev[0]+q[1]*prev[1]+q[2]*prev[2] < 0 {
		return [3]float64{-q[0], -q[1], -q[2]}
	}
	return q
}
