package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/chpi/pipeline"
	"github.com/banshee-data/headpos.report/internal/chpi/simulate"
	"github.com/banshee-data/headpos.report/internal/config"
	"github.com/banshee-data/headpos.report/internal/monitoring"
)

// recordingFlags describes the synthetic recording a command works on.
type recordingFlags struct {
	duration float64
	motion   string
	stepMM   float64
	segment  float64
	noise    float64
	line     float64
	off      string
	seed     int64
}

func addRecordingFlags(fs *flag.FlagSet) *recordingFlags {
	r := &recordingFlags{}
	fs.Float64Var(&r.duration, "duration", 10, "Recording length in seconds")
	fs.StringVar(&r.motion, "motion", "still", "Head motion: still or step")
	fs.Float64Var(&r.stepMM, "step-mm", 1, "Translation along x per step in mm")
	fs.Float64Var(&r.segment, "segment", 1, "Seconds between steps")
	fs.Float64Var(&r.noise, "noise", 0, "White noise on magnetometers in tesla")
	fs.Float64Var(&r.line, "line", 0, "Line-frequency interference in tesla")
	fs.StringVar(&r.off, "off", "", "Coil off intervals as coil:start:stop, comma separated")
	fs.Int64Var(&r.seed, "seed", 1, "Random seed")
	return r
}

func (r *recordingFlags) simConfig() (simulate.Config, error) {
	cfg := simulate.DefaultConfig()
	cfg.Duration = r.duration
	cfg.NoiseStd = r.noise
	cfg.LineAmplitude = r.line
	cfg.Seed = r.seed

	start := simulate.DefaultDevHead()
	switch r.motion {
	case "still":
		cfg.Trajectory = simulate.Still(start)
	case "step":
		if !(r.segment > 0) {
			return cfg, fmt.Errorf("--segment must be positive, got %g", r.segment)
		}
		cfg.Trajectory = simulate.Stepped(start, chpi.Vec3{r.stepMM / 1000, 0, 0}, r.segment)
	default:
		return cfg, fmt.Errorf("unknown motion %q (valid: still, step)", r.motion)
	}

	off, err := parseOff(r.off)
	if err != nil {
		return cfg, err
	}
	cfg.Off = off
	return cfg, nil
}

func (r *recordingFlags) raw() (*chpi.Raw, error) {
	cfg, err := r.simConfig()
	if err != nil {
		return nil, err
	}
	return simulate.Raw(cfg)
}

// parseOff parses "coil:start:stop" entries with 1-based coil numbers.
func parseOff(s string) ([]simulate.Interval, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []simulate.Interval
	for _, item := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid --off entry %q, expected coil:start:stop", item)
		}
		coil, err := strconv.Atoi(parts[0])
		if err != nil || coil < 1 {
			return nil, fmt.Errorf("invalid coil in --off entry %q", item)
		}
		start, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid start in --off entry %q: %v", item, err)
		}
		stop, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid stop in --off entry %q: %v", item, err)
		}
		if stop <= start {
			return nil, fmt.Errorf("--off entry %q ends before it starts", item)
		}
		out = append(out, simulate.Interval{Coil: coil - 1, Start: start, Stop: stop})
	}
	return out, nil
}

// commonFlags are shared by every command that runs the estimator.
type commonFlags struct {
	configPath string
	debug      bool
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", "", "Estimation config file (.json, .yaml or .yml)")
	fs.BoolVar(&c.debug, "debug", false, "Log pipeline diagnostics")
	return c
}

// setup configures logging and loads the estimation config.
func (c *commonFlags) setup() (*config.ChpiConfig, error) {
	if c.debug {
		pipeline.SetLogWriters(os.Stderr, os.Stderr, nil)
	} else {
		pipeline.SetLogWriters(os.Stderr, nil, nil)
	}
	if c.configPath == "" {
		return config.EmptyChpiConfig(), nil
	}
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("loaded config %s", c.configPath)
	return cfg, nil
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}
