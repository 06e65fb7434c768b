package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/headpos.report/internal/chpi/l5headpos"
	"github.com/banshee-data/headpos.report/internal/chpi/simulate"
	"github.com/banshee-data/headpos.report/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

func TestRun_Dispatch(t *testing.T) {
	var out bytes.Buffer
	assert.True(t, errors.Is(run(nil, &out), errUsage))
	assert.Contains(t, out.String(), "Usage: headpos <command>")

	out.Reset()
	assert.True(t, errors.Is(run([]string{"bogus"}, &out), errUsage))
	assert.Contains(t, out.String(), "Unknown command: bogus")

	out.Reset()
	require.NoError(t, run([]string{"version"}, &out))
	assert.True(t, strings.HasPrefix(out.String(), "headpos version dev"))

	out.Reset()
	require.NoError(t, run([]string{"help"}, &out))
	assert.Contains(t, out.String(), "migrate")
}

func TestParseOff(t *testing.T) {
	tests := []struct {
		in      string
		want    []simulate.Interval
		wantErr bool
	}{
		{"", nil, false},
		{"2:1:3", []simulate.Interval{{Coil: 1, Start: 1, Stop: 3}}, false},
		{"1:0:0.5, 5:2:2.5", []simulate.Interval{{Coil: 0, Start: 0, Stop: 0.5}, {Coil: 4, Start: 2, Stop: 2.5}}, false},
		{"1:2", nil, true},
		{"0:1:2", nil, true},
		{"x:1:2", nil, true},
		{"1:a:2", nil, true},
		{"1:1:b", nil, true},
		{"1:3:2", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseOff(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSimConfig(t *testing.T) {
	r := &recordingFlags{duration: 2, motion: "step", stepMM: 2, segment: 0.5, seed: 3}
	cfg, err := r.simConfig()
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.Duration)
	start := cfg.Trajectory(0).Translation()
	later := cfg.Trajectory(1.0).Translation()
	assert.InDelta(t, 0.004, later[0]-start[0], 1e-12)

	r.motion = "wobble"
	_, err = r.simConfig()
	assert.Error(t, err)

	r.motion = "step"
	r.segment = 0
	_, err = r.simConfig()
	assert.Error(t, err)
}

func TestTruePositions(t *testing.T) {
	traj := simulate.Stepped(simulate.DefaultDevHead(), [3]float64{0.001, 0, 0}, 1)
	samples := truePositions(traj, 2, 0.5)
	require.Len(t, samples, 4)
	assert.Equal(t, 1.5, samples[3].Time)
	assert.InDelta(t, 0.001, samples[2].Trans[0]-samples[0].Trans[0], 1e-12)
	for _, s := range samples {
		assert.Equal(t, 1.0, s.GOF)
	}
}

func TestSimulateAndPlot(t *testing.T) {
	dir := t.TempDir()
	posPath := filepath.Join(dir, "truth.pos")

	var out bytes.Buffer
	require.NoError(t, run([]string{"simulate", "-motion", "step", "-duration", "3", "-out", posPath}, &out))
	assert.Contains(t, out.String(), "wrote 30 true positions")

	samples, err := l5headpos.Read(nil, posPath)
	require.NoError(t, err)
	assert.Len(t, samples, 30)

	out.Reset()
	plotDir := filepath.Join(dir, "plots")
	require.NoError(t, run([]string{"plot", "-in", posPath, "-out", plotDir}, &out))
	assert.Equal(t, 3, strings.Count(out.String(), "wrote "))
	_, err = os.Stat(filepath.Join(plotDir, "headpos_translation.png"))
	assert.NoError(t, err)

	assert.Error(t, run([]string{"simulate", "-duration", "1"}, &out))
	assert.Error(t, run([]string{"plot"}, &out))
}

func TestInfo(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"info", "-duration", "1"}, &out))
	s := out.String()
	assert.Contains(t, s, "cHPI coils: 5")
	assert.Contains(t, s, "coil source: fit")
	assert.Contains(t, s, "83")

	assert.Error(t, run([]string{"info", "-duration", "1", "-units", "furlong"}, &out))
}

func TestRunsAndMigrate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")

	var out bytes.Buffer
	require.NoError(t, run([]string{"migrate", "-db", dbPath, "up"}, &out))
	assert.Contains(t, out.String(), "up to date")

	out.Reset()
	require.NoError(t, run([]string{"runs", "-db", dbPath}, &out))
	assert.Equal(t, "no runs\n", out.String())

	assert.Error(t, run([]string{"runs", "-db", dbPath, "-delete", "missing"}, &out))
	assert.Error(t, run([]string{"migrate", "-db", dbPath}, &out))
}

func TestEstimate(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the full estimator")
	}
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "coarse.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"t_step_min": 0.5, "t_window": 0.5, "t_step_max": 1}`), 0644))
	dbPath := filepath.Join(dir, "runs.db")
	outDir := filepath.Join(dir, "out")

	var out bytes.Buffer
	err := run([]string{"estimate", "-config", cfgPath, "-duration", "3",
		"-out", outDir, "-label", "run 1", "-db", dbPath}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "stored run")
	_, err = os.Stat(filepath.Join(outDir, "run_1.pos"))
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, run([]string{"runs", "-db", dbPath}, &out))
	assert.Contains(t, out.String(), `label="run 1"`)
}
