// Package report renders head-position and SNR results for inspection:
// PNG traces of the estimated motion and an HTML chart of the per-coil SNR.
package report

import (
	"bytes"
	"fmt"
	"image/color"
	"math"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/fsutil"
)

// Trace file names written by WriteTraces.
const (
	TranslationFile = "headpos_translation.png"
	RotationFile    = "headpos_rotation.png"
	QualityFile     = "headpos_quality.png"
)

var (
	traceWidth  = 14 * vg.Inch
	traceHeight = 6 * vg.Inch
)

type trace struct {
	label string
	pts   plotter.XYs
}

// WriteTraces saves translation, rotation and fit-quality plots of samples
// into dir and returns the paths written. Translations are shown in mm,
// rotations as the angle in degrees about each head axis relative to the
// identity. A nil fsys writes to disk.
func WriteTraces(fsys fsutil.FileSystem, dir string, samples []chpi.HeadPositionSample) ([]string, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no head positions to plot", chpi.ErrOutOfBounds)
	}
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	trans := []trace{{label: "x"}, {label: "y"}, {label: "z"}}
	rot := []trace{{label: "x"}, {label: "y"}, {label: "z"}}
	quality := []trace{{label: "GOF"}, {label: "error (mm)"}, {label: "velocity (mm/s)"}}
	for _, s := range samples {
		angles := axisAngles(s.Quat)
		for ax := 0; ax < 3; ax++ {
			trans[ax].pts = appendFinite(trans[ax].pts, s.Time, s.Trans[ax]*1e3)
			rot[ax].pts = appendFinite(rot[ax].pts, s.Time, angles[ax])
		}
		quality[0].pts = appendFinite(quality[0].pts, s.Time, s.GOF)
		quality[1].pts = appendFinite(quality[1].pts, s.Time, s.Err*1e3)
		quality[2].pts = appendFinite(quality[2].pts, s.Time, s.Vel*1e3)
	}

	outputs := []struct {
		file, title, ylabel string
		traces              []trace
	}{
		{TranslationFile, "Head translation", "Position (mm)", trans},
		{RotationFile, "Head rotation", "Angle (deg)", rot},
		{QualityFile, "Fit quality", "Value", quality},
	}
	paths := make([]string, 0, len(outputs))
	for _, o := range outputs {
		path := filepath.Join(dir, o.file)
		if err := savePlot(fsys, path, o.title, o.ylabel, o.traces); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func savePlot(fsys fsutil.FileSystem, path, title, ylabel string, traces []trace) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = ylabel

	colors := generateColors(len(traces))
	for i, tr := range traces {
		if len(tr.pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(tr.pts)
		if err != nil {
			return err
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(tr.label, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	w, err := p.WriterTo(traceWidth, traceHeight, "png")
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return fmt.Errorf("render %s: %w", filepath.Base(path), err)
	}
	if err := fsys.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("save %s: %w", filepath.Base(path), err)
	}
	return nil
}

func appendFinite(pts plotter.XYs, x, y float64) plotter.XYs {
	if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(y) || math.IsInf(y, 0) {
		return pts
	}
	return append(pts, plotter.XY{X: x, Y: y})
}

// axisAngles returns the rotation vector of q in degrees.
func axisAngles(q [3]float64) [3]float64 {
	n := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2])
	if n == 0 {
		return [3]float64{}
	}
	angle := 2 * math.Asin(math.Min(n, 1)) * 180 / math.Pi
	return [3]float64{q[0] / n * angle, q[1] / n * angle, q[2] / n * angle}
}

// generateColors creates a palette of distinct colours for the traces.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.45)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q
	return uint8(hueToRGB(p, q, h+1.0/3.0) * 255),
		uint8(hueToRGB(p, q, h) * 255),
		uint8(hueToRGB(p, q, h-1.0/3.0) * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 0.5:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
