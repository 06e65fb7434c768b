package l3locations

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/chpi/forward"
	"github.com/banshee-data/headpos.report/internal/chpi/l2amplitudes"
)

const (
	// gridSpacing is the lattice step of the cold-start guess grid.
	gridSpacing = 0.01
	// gridClearance is the minimum distance of a guess from any sensor.
	gridClearance = 0.01
	// gridCandidates is how many guesses a failed cold start is retried
	// from.
	gridCandidates = 10
	// gridSeparation is the minimum distance between two guesses retried
	// for the same coil.
	gridSeparation = 0.02
	// minSkipCoils is the number of unchanged coil patterns that lets a
	// window reuse the previous fit.
	minSkipCoils = 3
)

// Config controls the amplitude-based localizer.
type Config struct {
	// TStepMax bounds how long a fit may be reused when the amplitude
	// patterns do not change. Zero refits every window.
	TStepMax float64
	// GOFLimit is the goodness below which a cold start falls back to the
	// guess grid and a fit is not reused as a warm start.
	GOFLimit float64
	// MaxIter caps Levenberg-Marquardt iterations per coil.
	MaxIter int
	// MinSensorDistance is the closest a fitted coil may lie to a sensor.
	MinSensorDistance float64
	// TooClose handles a coil fitted closer than MinSensorDistance: raise
	// fails, warn drops the coil, ignore keeps it.
	TooClose chpi.Policy
	// SkipCorrelation is the squared correlation above which a coil pattern
	// counts as unchanged.
	SkipCorrelation float64
	// Workers is the number of goroutines; the records left after refit
	// skipping are split into contiguous chunks.
	Workers int
}

// DefaultConfig returns the standard localizer settings.
func DefaultConfig() Config {
	return Config{
		TStepMax:          1.0,
		GOFLimit:          0.98,
		MaxIter:           100,
		MinSensorDistance: 0.0025,
		TooClose:          chpi.PolicyWarn,
		SkipCorrelation:   0.98,
		Workers:           1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.TStepMax < 0 {
		return fmt.Errorf("%w: t_step_max must not be negative, got %g", chpi.ErrInvalidConfig, c.TStepMax)
	}
	if c.MaxIter < 1 {
		return fmt.Errorf("%w: max_iter must be at least 1, got %d", chpi.ErrInvalidConfig, c.MaxIter)
	}
	if c.GOFLimit < 0 || c.GOFLimit > 1 {
		return fmt.Errorf("%w: gof_limit must be within [0, 1], got %g", chpi.ErrInvalidConfig, c.GOFLimit)
	}
	return nil
}

// Source returns the localization variant for the recording's system.
func Source(info *chpi.Info) (chpi.CoilSource, error) {
	src := info.System.CoilSource()
	if src == chpi.SourceUnsupported {
		return src, fmt.Errorf("%w: coil localization for %s systems", chpi.ErrNotImplemented, info.System)
	}
	return src, nil
}

// Fit localizes every coil in every amplitude record. starts holds one
// device-frame starting position per coil. Records where no coil can be
// fitted, and records skipped because nothing changed, produce no
// location. The output is in record order and the set of fitted records
// does not depend on Workers.
func Fit(amp *l2amplitudes.Result, starts []chpi.Vec3, cfg Config, sink chpi.Sink) ([]chpi.CoilLocation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(starts) != amp.NCoils() {
		return nil, fmt.Errorf("%w: %d initial positions for %d coils", chpi.ErrInvalidConfig, len(starts), amp.NCoils())
	}
	records := schedule(amp.Records, cfg, sink)
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(records) {
		workers = len(records)
	}
	if workers == 0 {
		chpi.Emitf(sink, chpi.LevelDiag, chpi.KindInfo, "Fitted 0 coil locations in 0 of %d windows", len(amp.Records))
		return nil, nil
	}

	g := &guessGrid{sensors: amp.Sensors, sink: sink}
	chunk := (len(records) + workers - 1) / workers
	results := make([][]chpi.CoilLocation, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := min(lo+chunk, len(records))
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			lz := newLocalizer(amp, starts, cfg, g, sink)
			results[w], errs[w] = lz.run(records[lo:hi])
		}(w, lo, hi)
	}
	wg.Wait()

	var out []chpi.CoilLocation
	for w := range results {
		if errs[w] != nil {
			return nil, errs[w]
		}
		out = append(out, results[w]...)
	}
	nfit := 0
	for _, loc := range out {
		for _, f := range loc.Fitted {
			if f {
				nfit++
			}
		}
	}
	chpi.Emitf(sink, chpi.LevelDiag, chpi.KindInfo, "Fitted %d coil locations in %d of %d windows", nfit, len(out), len(amp.Records))
	return out, nil
}

func usable(rec *chpi.AmplitudeRecord, c int) bool {
	return rec.Active[c] && chpi.AllFinite(rec.Slopes[c])
}

// schedule returns the records that need a fit, in order. It runs before
// any fitting so the outcome is the same for every worker count.
func schedule(records []chpi.AmplitudeRecord, cfg Config, sink chpi.Sink) []*chpi.AmplitudeRecord {
	var out []*chpi.AmplitudeRecord
	var last *chpi.AmplitudeRecord
	for i := range records {
		rec := &records[i]
		found := false
		for c := range rec.Slopes {
			if usable(rec, c) {
				found = true
				break
			}
		}
		if !found {
			chpi.Emitf(sink, chpi.LevelTrace, chpi.KindInfo, "No usable cHPI amplitudes at %0.3f s", rec.Time)
			continue
		}
		if last != nil && unchanged(rec, last, cfg) {
			chpi.Emitf(sink, chpi.LevelTrace, chpi.KindInfo, "Reusing fit at %0.3f s, amplitudes unchanged", rec.Time)
			continue
		}
		out = append(out, rec)
		last = rec
	}
	return out
}

// unchanged reports whether enough coil patterns of rec match the last
// refit record.
func unchanged(rec, last *chpi.AmplitudeRecord, cfg Config) bool {
	if rec.Time-last.Time >= cfg.TStepMax-1e-9 {
		return false
	}
	same := 0
	for c := range rec.Slopes {
		if !usable(rec, c) || !usable(last, c) {
			continue
		}
		r := stat.Correlation(rec.Slopes[c], last.Slopes[c], nil)
		if r*r > cfg.SkipCorrelation {
			same++
		}
	}
	return same >= minSkipCoils
}

// localizer carries the warm-start state of one sequential chunk.
type localizer struct {
	amp    *l2amplitudes.Result
	starts []chpi.Vec3
	cfg    Config
	grid   *guessGrid
	sink   chpi.Sink
	fitter *dipoleFitter

	lastPos  []chpi.Vec3
	lastTime []float64
	lastOK   []bool
}

func newLocalizer(amp *l2amplitudes.Result, starts []chpi.Vec3, cfg Config, g *guessGrid, sink chpi.Sink) *localizer {
	n := amp.NCoils()
	return &localizer{
		amp:      amp,
		starts:   starts,
		cfg:      cfg,
		grid:     g,
		sink:     sink,
		fitter:   newDipoleFitter(amp.Sensors, amp.Proj, cfg.MaxIter),
		lastPos:  make([]chpi.Vec3, n),
		lastTime: make([]float64, n),
		lastOK:   make([]bool, n),
	}
}

func (lz *localizer) run(records []*chpi.AmplitudeRecord) ([]chpi.CoilLocation, error) {
	out := make([]chpi.CoilLocation, 0, len(records))
	for _, rec := range records {
		loc, err := lz.step(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, nil
}

func (lz *localizer) step(rec *chpi.AmplitudeRecord) (chpi.CoilLocation, error) {
	n := lz.amp.NCoils()
	nan := chpi.Vec3{math.NaN(), math.NaN(), math.NaN()}
	loc := chpi.CoilLocation{
		Index:  rec.Index,
		Time:   rec.Time,
		Pos:    make([]chpi.Vec3, n),
		GOF:    make([]float64, n),
		Moment: make([]chpi.Vec3, n),
		Fitted: make([]bool, n),
	}
	for c := 0; c < n; c++ {
		loc.Pos[c], loc.Moment[c] = nan, nan
		if !usable(rec, c) {
			continue
		}
		b := lz.amp.Proj.Apply(rec.Slopes[c])
		fit := lz.fitCoil(b, c, rec.Time)
		if !fit.converged {
			chpi.Emitf(lz.sink, chpi.LevelDiag, chpi.KindConvergence,
				"HPI coil %d at %0.3f s did not converge in %d iterations", c+1, rec.Time, fit.iters)
		}
		if d := forward.MinDistance(lz.amp.Sensors, fit.pos); d < lz.cfg.MinSensorDistance {
			err := fmt.Errorf("%w: HPI coil %d at %0.3f s fitted %0.1f mm from a sensor",
				chpi.ErrTooClose, c+1, rec.Time, d*1000)
			if herr := lz.cfg.TooClose.Handle(lz.sink, err); herr != nil {
				return chpi.CoilLocation{}, herr
			}
			if lz.cfg.TooClose == chpi.PolicyWarn {
				lz.lastOK[c] = false
				continue
			}
		}
		loc.Pos[c], loc.Moment[c], loc.GOF[c], loc.Fitted[c] = fit.pos, fit.moment, fit.gof, true
		lz.lastPos[c], lz.lastTime[c] = fit.pos, rec.Time
		lz.lastOK[c] = fit.gof >= lz.cfg.GOFLimit
	}
	return loc, nil
}

// fitCoil fits coil c from the warm start when one is recent, otherwise
// from the idealized position. A cold start below GOFLimit is retried from
// each guess grid candidate and the lowest residual wins.
func (lz *localizer) fitCoil(b []float64, c int, t float64) dipoleFit {
	if lz.lastOK[c] && t-lz.lastTime[c] <= 2*lz.cfg.TStepMax+1e-9 {
		return lz.fitter.fit(b, lz.lastPos[c])
	}
	fit := lz.fitter.fit(b, lz.starts[c])
	if fit.gof >= lz.cfg.GOFLimit {
		return fit
	}
	for _, start := range lz.grid.candidates(lz.fitter, b) {
		if alt := lz.fitter.fit(b, start); alt.cost < fit.cost || math.IsNaN(fit.cost) {
			fit = alt
		}
	}
	return fit
}

// guessGrid is the lazily built lattice of cold-start candidates. Points
// fill the sphere about the device origin that reaches the nearest sensor,
// which keeps them inside the helmet.
type guessGrid struct {
	sensors []forward.Sensor
	sink    chpi.Sink

	once   sync.Once
	points []chpi.Vec3
}

func (g *guessGrid) build() {
	radius := math.Inf(1)
	for _, s := range g.sensors {
		for _, p := range s.Points {
			radius = math.Min(radius, p.R.Norm())
		}
	}
	if math.IsInf(radius, 1) {
		return
	}
	steps := int(math.Ceil(radius / gridSpacing))
	for i := -steps; i <= steps; i++ {
		for j := -steps; j <= steps; j++ {
			for k := -steps; k <= steps; k++ {
				p := chpi.Vec3{float64(i), float64(j), float64(k)}.Scale(gridSpacing)
				if p.Norm() > radius || forward.MinDistance(g.sensors, p) < gridClearance {
					continue
				}
				g.points = append(g.points, p)
			}
		}
	}
	chpi.Emitf(g.sink, chpi.LevelDiag, chpi.KindInfo, "Computing %d HPI location guesses (%g cm grid)", len(g.points), gridSpacing*100)
}

// candidates returns up to gridCandidates grid points ordered by residual
// for b. Each lies at least gridSeparation from every better candidate, so
// the list samples distinct minima rather than one basin.
func (g *guessGrid) candidates(f *dipoleFitter, b []float64) []chpi.Vec3 {
	g.once.Do(g.build)
	type scored struct {
		p    chpi.Vec3
		cost float64
	}
	all := make([]scored, 0, len(g.points))
	for _, p := range g.points {
		if c := f.cost(b, p); !math.IsNaN(c) {
			all = append(all, scored{p, c})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].cost < all[j].cost })

	var out []chpi.Vec3
	for _, s := range all {
		if len(out) == gridCandidates {
			break
		}
		near := false
		for _, q := range out {
			if s.p.Dist(q) < gridSeparation {
				near = true
				break
			}
		}
		if !near {
			out = append(out, s.p)
		}
	}
	return out
}
