package report

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/chpi/l2amplitudes"
)

// missing is how ECharts marks a gap in a line series.
const missing = "-"

// WriteSNR renders the per-coil SNR of rep as an HTML page with one line
// chart per sensor type that has data. Windows where a coil is off appear
// as gaps.
func WriteSNR(w io.Writer, rep *l2amplitudes.SNRReport) error {
	if rep == nil || len(rep.Times) == 0 {
		return fmt.Errorf("%w: empty SNR report", chpi.ErrOutOfBounds)
	}
	x := make([]string, len(rep.Times))
	for i, t := range rep.Times {
		x[i] = fmt.Sprintf("%.2f", t)
	}

	page := components.NewPage()
	page.SetPageTitle("cHPI SNR")
	added := 0
	for _, sensor := range []struct{ key, title string }{
		{l2amplitudes.KeyMagSNR, "Magnetometer SNR"},
		{l2amplitudes.KeyGradSNR, "Gradiometer SNR"},
	} {
		vals, err := rep.Series(sensor.key)
		if err != nil {
			return err
		}
		if !anyFinite(vals) {
			continue
		}
		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{PageTitle: "cHPI SNR", Width: "100%", Height: "480px"}),
			charts.WithTitleOpts(opts.Title{Title: sensor.title, Subtitle: fmt.Sprintf("key=%s windows=%d", sensor.key, len(rep.Times))}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
			charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10"}),
			charts.WithXAxisOpts(opts.XAxis{Name: "Time (s)", NameLocation: "middle", NameGap: 25}),
			charts.WithYAxisOpts(opts.YAxis{Name: "SNR (dB)", NameLocation: "middle", NameGap: 35}),
		)
		line.SetXAxis(x)
		for c, f := range rep.Freqs {
			line.AddSeries(fmt.Sprintf("%g Hz", f), coilSeries(vals, c))
		}
		page.AddCharts(line)
		added++
	}
	if added == 0 {
		return fmt.Errorf("%w: SNR report has no finite values", chpi.ErrOutOfBounds)
	}
	return page.Render(w)
}

func coilSeries(vals [][]float64, c int) []opts.LineData {
	data := make([]opts.LineData, len(vals))
	for i, row := range vals {
		v := row[c]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			data[i] = opts.LineData{Value: missing}
			continue
		}
		data[i] = opts.LineData{Value: math.Round(v*100) / 100}
	}
	return data
}

func anyFinite(vals [][]float64) bool {
	for _, row := range vals {
		for _, v := range row {
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				return true
			}
		}
	}
	return false
}
