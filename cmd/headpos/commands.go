package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/chpi/filter"
	"github.com/banshee-data/headpos.report/internal/chpi/l1coils"
	"github.com/banshee-data/headpos.report/internal/chpi/l2amplitudes"
	"github.com/banshee-data/headpos.report/internal/chpi/l5headpos"
	"github.com/banshee-data/headpos.report/internal/chpi/pipeline"
	"github.com/banshee-data/headpos.report/internal/chpi/report"
	"github.com/banshee-data/headpos.report/internal/db"
	"github.com/banshee-data/headpos.report/internal/monitoring"
	"github.com/banshee-data/headpos.report/internal/security"
	"github.com/banshee-data/headpos.report/internal/units"
)

func handleSimulate(args []string, out io.Writer) error {
	fs := newFlagSet("simulate", out)
	rec := addRecordingFlags(fs)
	outPath := fs.String("out", "", "Output .pos file (required)")
	step := fs.Float64("step", 0.1, "Seconds between written positions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outPath == "" {
		fs.Usage()
		return fmt.Errorf("--out is required")
	}
	if !(*step > 0) {
		return fmt.Errorf("--step must be positive, got %g", *step)
	}
	cfg, err := rec.simConfig()
	if err != nil {
		return err
	}

	samples := truePositions(cfg.Trajectory, cfg.Duration, *step)
	if err := l5headpos.Write(nil, *outPath, samples); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d true positions to %s\n", len(samples), *outPath)
	return nil
}

// truePositions samples a trajectory every step seconds over [0, duration).
func truePositions(traj func(float64) chpi.Transform, duration, step float64) []chpi.HeadPositionSample {
	var samples []chpi.HeadPositionSample
	for i := 0; float64(i)*step < duration; i++ {
		t := float64(i) * step
		T := traj(t)
		samples = append(samples, chpi.HeadPositionSample{
			Time:  t,
			Quat:  chpi.RotToQuat(T.Rotation()),
			Trans: T.Translation(),
			GOF:   1,
		})
	}
	l5headpos.Velocities(samples)
	return samples
}

func handleEstimate(args []string, out io.Writer) error {
	fs := newFlagSet("estimate", out)
	common := addCommonFlags(fs)
	rec := addRecordingFlags(fs)
	outDir := fs.String("out", ".", "Output directory")
	label := fs.String("label", "simulated", "Run label, also used for output file names")
	dbPath := fs.String("db", "", "Store the run in this SQLite database")
	plot := fs.Bool("plot", false, "Write PNG traces of the estimate")
	unit := fs.String("units", units.MM, "Length units for the summary ("+units.GetValidLengthUnitsString()+")")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !units.IsValidLength(*unit) {
		return fmt.Errorf("invalid units %q (valid: %s)", *unit, units.GetValidLengthUnitsString())
	}
	cfg, err := common.setup()
	if err != nil {
		return err
	}
	raw, err := rec.raw()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := monitoring.Timer("estimate")
	res, err := pipeline.Run(ctx, raw, cfg.ToPipelineConfig(), nil)
	done()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	posPath, err := security.OutputPath(*outDir, *label, ".pos")
	if err != nil {
		return err
	}
	if err := l5headpos.Write(nil, posPath, res.Positions); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d head positions to %s\n", len(res.Positions), posPath)
	printSummary(out, res.Positions, *unit)

	if *plot {
		if len(res.Positions) == 0 {
			monitoring.Logf("no head positions to plot")
		} else {
			plotDir, err := security.OutputPath(*outDir, *label, "_plots")
			if err != nil {
				return err
			}
			paths, err := report.WriteTraces(nil, plotDir, res.Positions)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintf(out, "wrote %s\n", p)
			}
		}
	}

	if *dbPath != "" {
		database, err := db.NewDB(*dbPath)
		if err != nil {
			return err
		}
		defer database.Close()
		id, err := database.InsertRun(res.Source.String(), *label, len(res.Coils), cfg, res.Positions)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "stored run %s in %s\n", id, *dbPath)
	}
	return nil
}

// printSummary writes per-axis translation statistics and fit quality.
func printSummary(out io.Writer, samples []chpi.HeadPositionSample, unit string) {
	if len(samples) == 0 {
		fmt.Fprintln(out, "no head positions")
		return
	}
	n := len(samples)
	axes := [3][]float64{make([]float64, n), make([]float64, n), make([]float64, n)}
	gof := make([]float64, n)
	errs := make([]float64, n)
	rot := make([]float64, n)
	for i, s := range samples {
		for ax := 0; ax < 3; ax++ {
			axes[ax][i] = units.ConvertLength(s.Trans[ax], unit)
		}
		gof[i] = s.GOF
		errs[i] = units.ConvertLength(s.Err, unit)
		rot[i] = units.ConvertAngle(chpi.AngleBetweenQuats(samples[0].Quat, s.Quat), units.Deg)
	}
	fmt.Fprintf(out, "samples: %d (%.3f to %.3f s)\n", n, samples[0].Time, samples[n-1].Time)
	for ax, name := range []string{"x", "y", "z"} {
		mean, std := stat.MeanStdDev(axes[ax], nil)
		if n < 2 {
			std = 0
		}
		fmt.Fprintf(out, "%s: %.3f ± %.3f %s (range %.3f)\n", name, mean, std, unit,
			floats.Max(axes[ax])-floats.Min(axes[ax]))
	}
	fmt.Fprintf(out, "rotation from start: max %.3f deg\n", floats.Max(rot))
	fmt.Fprintf(out, "gof: mean %.4f, min %.4f\n", stat.Mean(gof, nil), floats.Min(gof))
	fmt.Fprintf(out, "error: mean %.3f %s, max %.3f %s\n", stat.Mean(errs, nil), unit, floats.Max(errs), unit)
}

func handleFilter(args []string, out io.Writer) error {
	fs := newFlagSet("filter", out)
	common := addCommonFlags(fs)
	rec := addRecordingFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.setup()
	if err != nil {
		return err
	}
	raw, err := rec.raw()
	if err != nil {
		return err
	}

	picks := raw.Info.MEGPicks()
	before := make([][]float64, len(picks))
	for i, ch := range picks {
		before[i] = filter.PSD(raw.Data[ch], raw.Info.SFreq)
	}

	done := monitoring.Timer("filter")
	err = filter.Filter(raw, cfg.ToFilterOptions(), nil)
	done()
	if err != nil {
		return err
	}

	var coilFreqs []float64
	if raw.Info.HPIMeas != nil {
		coilFreqs = raw.Info.HPIMeas.Freqs
	}
	freqs := append(append([]float64(nil), coilFreqs...),
		l2amplitudes.LineHarmonics(raw.Info.LineFreq, raw.Info.Lowpass, coilFreqs)...)

	change := make([][]float64, len(freqs))
	for i, ch := range picks {
		att := filter.Attenuation(before[i], filter.PSD(raw.Data[ch], raw.Info.SFreq), freqs)
		for k := range freqs {
			change[k] = append(change[k], att[k])
		}
	}
	fmt.Fprintf(out, "%-10s %-6s %s\n", "freq (Hz)", "kind", "mean change (dB)")
	for k, f := range freqs {
		kind := "line"
		if k < len(coilFreqs) {
			kind = "coil"
		}
		fmt.Fprintf(out, "%-10g %-6s %.1f\n", f, kind, finiteMean(change[k]))
	}
	return nil
}

func finiteMean(x []float64) float64 {
	var keep []float64
	for _, v := range x {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			keep = append(keep, v)
		}
	}
	if len(keep) == 0 {
		return math.NaN()
	}
	return stat.Mean(keep, nil)
}

func handleSNR(args []string, out io.Writer) error {
	fs := newFlagSet("snr", out)
	common := addCommonFlags(fs)
	rec := addRecordingFlags(fs)
	outDir := fs.String("out", ".", "Output directory")
	label := fs.String("label", "simulated", "Label used for the output file name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.setup()
	if err != nil {
		return err
	}
	raw, err := rec.raw()
	if err != nil {
		return err
	}

	rep, err := pipeline.SNR(raw, cfg.ToPipelineConfig(), nil)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	path, err := security.OutputPath(*outDir, *label, "_snr.html")
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.WriteSNR(f, rep); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote SNR of %d windows to %s\n", len(rep.Times), path)
	return nil
}

func handleInfo(args []string, out io.Writer) error {
	fs := newFlagSet("info", out)
	common := addCommonFlags(fs)
	rec := addRecordingFlags(fs)
	unit := fs.String("units", units.MM, "Length units ("+units.GetValidLengthUnitsString()+")")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !units.IsValidLength(*unit) {
		return fmt.Errorf("invalid units %q (valid: %s)", *unit, units.GetValidLengthUnitsString())
	}
	cfg, err := common.setup()
	if err != nil {
		return err
	}
	raw, err := rec.raw()
	if err != nil {
		return err
	}
	info := raw.Info

	fmt.Fprintf(out, "system: %s (coil source: %s)\n", info.System, info.System.CoilSource())
	fmt.Fprintf(out, "sfreq: %g Hz, lowpass: %g Hz, line: %g Hz\n", info.SFreq, info.Lowpass, info.LineFreq)
	fmt.Fprintf(out, "MEG channels: %d, duration: %.2f s\n", len(info.MEGPicks()), raw.Duration())

	hpi, err := l1coils.Info(info, cfg.GetOnMissing(), nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "cHPI coils: %d\n", hpi.NCoils())
	if hpi.Empty() {
		return nil
	}
	defs, err := l1coils.Resolve(info, cfg.ToPipelineConfig().Resolve, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%-5s %-9s %-8s %s\n", "coil", "freq (Hz)", "bits", "head position ("+*unit+")")
	for _, d := range defs {
		note := ""
		if d.Inconsistent {
			note = " inconsistent"
		}
		fmt.Fprintf(out, "%-5d %-9g %-8d %.2f %.2f %.2f%s\n", d.Index, d.Freq, d.OnBits,
			units.ConvertLength(d.Pos[0], *unit), units.ConvertLength(d.Pos[1], *unit),
			units.ConvertLength(d.Pos[2], *unit), note)
	}
	return nil
}

func handlePlot(args []string, out io.Writer) error {
	fs := newFlagSet("plot", out)
	in := fs.String("in", "", "Input .pos file (required)")
	outDir := fs.String("out", "", "Output directory (default: next to the input)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		fs.Usage()
		return fmt.Errorf("--in is required")
	}
	samples, err := l5headpos.Read(nil, *in)
	if err != nil {
		return err
	}
	dir := *outDir
	if dir == "" {
		dir = filepath.Dir(*in)
	}
	paths, err := report.WriteTraces(nil, dir, samples)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintf(out, "wrote %s\n", p)
	}
	return nil
}

func handleRuns(args []string, out io.Writer) error {
	fs := newFlagSet("runs", out)
	dbPath := fs.String("db", DefaultDBFile, "Run database")
	del := fs.String("delete", "", "Delete the run with this ID")
	export := fs.String("export", "", "Export the run with this ID as a .pos file")
	outPath := fs.String("out", "", "Output file for --export")
	if err := fs.Parse(args); err != nil {
		return err
	}
	database, err := db.NewDB(*dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	switch {
	case *del != "":
		if err := database.DeleteRun(*del); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted run %s\n", *del)
		return nil
	case *export != "":
		r, err := database.GetRun(*export)
		if err != nil {
			return err
		}
		samples, err := database.HeadPositions(r.ID)
		if err != nil {
			return err
		}
		path := *outPath
		if path == "" {
			path = security.SanitizeFilename(r.Label) + ".pos"
		}
		if err := l5headpos.Write(nil, path, samples); err != nil {
			return err
		}
		fmt.Fprintf(out, "exported %d head positions to %s\n", len(samples), path)
		return nil
	}

	runs, err := database.Runs()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs")
		return nil
	}
	for i := range runs {
		fmt.Fprintln(out, runs[i].String())
	}
	return nil
}

func handleMigrate(args []string, out io.Writer) error {
	fs := newFlagSet("migrate", out)
	dbPath := fs.String("db", DefaultDBFile, "Run database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return db.RunMigrateCommand(fs.Args(), *dbPath, out)
}
