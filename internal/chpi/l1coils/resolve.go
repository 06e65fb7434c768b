package l1coils

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/banshee-data/headpos.report/internal/chpi"
)

// ResolveOptions bounds the agreement between digitized coils and the
// acquisition system's own fit.
type ResolveOptions struct {
	// DistLimit is the largest acceptable digitization error in metres.
	DistLimit float64
	// HardLimit marks a coil inconsistent when its error exceeds it.
	HardLimit float64
	// GOFLimit is the device goodness required to adopt a fitted position.
	GOFLimit float64
	// OnMissing handles missing frequency calibration.
	OnMissing chpi.Policy
}

// DefaultResolveOptions returns the standard limits.
func DefaultResolveOptions() ResolveOptions {
	return ResolveOptions{
		DistLimit: 0.005,
		HardLimit: 0.02,
		GOFLimit:  0.98,
		OnMissing: chpi.PolicyRaise,
	}
}

// Resolve builds the coil definitions from head-frame digitization,
// cross-checked against the last device fit when one exists.
func Resolve(info *chpi.Info, opts ResolveOptions, sink chpi.Sink) ([]chpi.CoilDefinition, error) {
	dig := info.HPIDig()
	if len(dig) == 0 {
		return nil, fmt.Errorf("%w: no HPI points found in digitization", chpi.ErrMissingCalibration)
	}
	for _, d := range dig {
		if d.Frame != chpi.FrameHead {
			return nil, fmt.Errorf("%w: HPI point %d is in the %s frame, expected head", chpi.ErrCoordinateFrame, d.Ident, d.Frame)
		}
	}
	sort.SliceStable(dig, func(i, j int) bool { return dig[i].Ident < dig[j].Ident })
	pos := make([]chpi.Vec3, len(dig))
	for i, d := range dig {
		pos[i] = d.R
	}

	defs := make([]chpi.CoilDefinition, len(pos))
	if n := len(info.HPIResults); n > 0 {
		res := info.HPIResults[n-1]
		pos = applyOrder(pos, res, sink)
		checkFit(pos, defs, res, opts, sink)
	}
	for i := range defs {
		defs[i].Index = i + 1
		defs[i].Pos = pos[i]
	}

	hpi, err := Info(info, opts.OnMissing, sink)
	if err != nil {
		return nil, err
	}
	if !hpi.Empty() {
		if hpi.NCoils() != len(defs) {
			chpi.Emitf(sink, chpi.LevelOps, chpi.KindWarning,
				"%d HPI frequencies but %d digitized coils", hpi.NCoils(), len(defs))
		}
		for i := range defs {
			if i < hpi.NCoils() {
				defs[i].Freq = hpi.Freqs[i]
				defs[i].OnBits = hpi.OnBits[i]
			}
		}
	}
	chpi.Emitf(sink, chpi.LevelDiag, chpi.KindInfo, "HP fitting limits: err = %.1f mm, gval = %.3f.",
		opts.DistLimit*1000, opts.GOFLimit)
	return defs, nil
}

// applyOrder reorders digitized coils by the device fit's coil order.
func applyOrder(pos []chpi.Vec3, res chpi.HPIResult, sink chpi.Sink) []chpi.Vec3 {
	if len(res.Order) != len(pos) {
		return pos
	}
	seen := make(map[int]bool, len(pos))
	for _, o := range res.Order {
		if o < 1 || o > len(pos) || seen[o] {
			return pos
		}
		seen[o] = true
	}
	chpi.Emitf(sink, chpi.LevelDiag, chpi.KindInfo, "HPIFIT: %d coils digitized in order %s", len(pos), joinInts(res.Order))
	if len(res.Used) > 0 {
		chpi.Emitf(sink, chpi.LevelTrace, chpi.KindInfo, "HPIFIT: %d coils accepted: %s", len(res.Used), joinInts(res.Used))
	}
	out := make([]chpi.Vec3, len(pos))
	for i, o := range res.Order {
		out[i] = pos[o-1]
	}
	return out
}

// checkFit compares digitized coils against the device fit, adjusting or
// flagging coils whose digitization disagrees.
func checkFit(pos []chpi.Vec3, defs []chpi.CoilDefinition, res chpi.HPIResult, opts ResolveOptions, sink chpi.Sink) {
	if len(res.DigPoints) == 0 {
		return
	}
	fit := make([]chpi.Vec3, len(res.DigPoints))
	for i, d := range res.DigPoints {
		fit[i] = res.CoordTrans.Apply(d.R)
	}
	match := matchCoils(pos, fit)

	errs := make([]float64, len(pos))
	var total float64
	parts := make([]string, 0, len(pos))
	for i := range pos {
		if match[i] < 0 {
			errs[i] = math.NaN()
			parts = append(parts, "nan")
			continue
		}
		errs[i] = pos[i].Dist(fit[match[i]])
		total += errs[i]
		parts = append(parts, fmt.Sprintf("%.1f", errs[i]*1000))
	}
	chpi.Emitf(sink, chpi.LevelDiag, chpi.KindInfo, "HPIFIT errors:  %s mm.", strings.Join(parts, ", "))
	if total < float64(len(pos))*opts.DistLimit && !math.IsNaN(total) {
		chpi.Emitf(sink, chpi.LevelDiag, chpi.KindInfo, "HPI consistency of isotrak and hpifit is OK.")
		return
	}

	for i, e := range errs {
		switch {
		case math.IsNaN(e) || e <= opts.DistLimit:
		case e <= opts.HardLimit:
			j := match[i]
			if j < len(res.Goodness) && res.Goodness[j] >= opts.GOFLimit {
				pos[i] = fit[j]
				chpi.Emitf(sink, chpi.LevelOps, chpi.KindInfo, "Note: HPI coil %d isotrak is adjusted by %.1f mm!", i+1, e*1000)
			} else {
				chpi.Emitf(sink, chpi.LevelOps, chpi.KindWarning,
					"Discrepancy of HPI coil %d isotrak and hpifit is %.1f mm!", i+1, e*1000)
			}
		default:
			defs[i].Inconsistent = true
			chpi.Emitf(sink, chpi.LevelOps, chpi.KindWarning,
				"HPI coil %d isotrak and hpifit differ by %.1f mm, excluding it", i+1, e*1000)
		}
	}
}

// matchCoils pairs digitized coils with fitted ones. With equal counts the
// pairing is by position in the list; otherwise the closest unused pairs
// are matched greedily. Unmatched coils map to -1.
func matchCoils(pos, fit []chpi.Vec3) []int {
	match := make([]int, len(pos))
	if len(pos) == len(fit) {
		for i := range match {
			match[i] = i
		}
		return match
	}
	for i := range match {
		match[i] = -1
	}
	type pair struct {
		i, j int
		d    float64
	}
	pairs := make([]pair, 0, len(pos)*len(fit))
	for i := range pos {
		for j := range fit {
			pairs = append(pairs, pair{i, j, pos[i].Dist(fit[j])})
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool { return pairs[a].d < pairs[b].d })
	usedFit := make([]bool, len(fit))
	for _, p := range pairs {
		if match[p.i] >= 0 || usedFit[p.j] {
			continue
		}
		match[p.i] = p.j
		usedFit[p.j] = true
	}
	return match
}

// InitialDevicePositions maps coil definitions to the device frame using
// the inverse of the recorded device-to-head transform.
func InitialDevicePositions(defs []chpi.CoilDefinition, info *chpi.Info) []chpi.Vec3 {
	headDev := chpi.Identity()
	if info.DevHeadT != nil {
		headDev = info.DevHeadT.Inverse()
	}
	out := make([]chpi.Vec3, len(defs))
	for i, d := range defs {
		out[i] = headDev.Apply(d.Pos)
	}
	return out
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, " ")
}
