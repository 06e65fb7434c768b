package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/chpi/l1coils"
	"github.com/banshee-data/headpos.report/internal/chpi/l2amplitudes"
	"github.com/banshee-data/headpos.report/internal/chpi/l3locations"
	"github.com/banshee-data/headpos.report/internal/chpi/l4motion"
	"github.com/banshee-data/headpos.report/internal/chpi/l5headpos"
)

// Config gathers the settings of every stage.
type Config struct {
	// OnMissing handles a recording without cHPI calibration.
	OnMissing  chpi.Policy
	Resolve    l1coils.ResolveOptions
	Amplitudes l2amplitudes.Config
	Locations  l3locations.Config
	Motion     l4motion.Config
}

// DefaultConfig returns the standard settings of every stage.
func DefaultConfig() Config {
	return Config{
		OnMissing:  chpi.PolicyRaise,
		Resolve:    l1coils.DefaultResolveOptions(),
		Amplitudes: l2amplitudes.DefaultConfig(),
		Locations:  l3locations.DefaultConfig(),
		Motion:     l4motion.DefaultConfig(),
	}
}

// Result holds the output of every stage. Amplitudes is nil when the
// system reports coil locations itself.
type Result struct {
	Source     chpi.CoilSource
	Coils      []chpi.CoilDefinition
	Amplitudes *l2amplitudes.Result
	Locations  []chpi.CoilLocation
	Solutions  []l4motion.Solution
	Positions  []chpi.HeadPositionSample
}

// Run estimates the head position over the whole recording. raw is not
// modified. A recording without calibration under a non-raising OnMissing
// policy yields an empty result.
func Run(ctx context.Context, raw *chpi.Raw, cfg Config, sink chpi.Sink) (*Result, error) {
	sink = withLogs(sink)
	start := time.Now()
	src, err := l3locations.Source(raw.Info)
	if err != nil {
		return nil, err
	}
	res := &Result{Source: src}

	// Missing frequencies are reported once, by the amplitude stage.
	resolve := cfg.Resolve
	resolve.OnMissing = chpi.PolicyIgnore
	defs, err := l1coils.Resolve(raw.Info, resolve, sink)
	if err != nil {
		if len(raw.Info.HPIDig()) > 0 {
			return nil, err
		}
		if herr := cfg.OnMissing.Handle(sink, err); herr != nil {
			return nil, herr
		}
		opsf("no cHPI digitization, head position not estimated")
		return res, nil
	}
	res.Coils = defs
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch src {
	case chpi.SourceFitFromAmplitude:
		hpi, err := l1coils.Info(raw.Info, cfg.OnMissing, sink)
		if err != nil {
			return nil, err
		}
		if hpi.Empty() {
			opsf("no cHPI information, head position not estimated")
			return res, nil
		}
		if hpi.NCoils() != len(defs) {
			return nil, fmt.Errorf("%w: %d coil frequencies but %d digitized coils",
				chpi.ErrMissingCalibration, hpi.NCoils(), len(defs))
		}
		t := time.Now()
		amp, err := l2amplitudes.Extract(raw, hpi, cfg.Amplitudes, sink)
		if err != nil {
			return nil, err
		}
		res.Amplitudes = amp
		diagf("amplitudes: %d windows in %v", len(amp.Records), time.Since(t))
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		t = time.Now()
		starts := l1coils.InitialDevicePositions(defs, raw.Info)
		res.Locations, err = l3locations.Fit(amp, starts, cfg.Locations, sink)
		if err != nil {
			return nil, err
		}
		diagf("locations: %d windows in %v", len(res.Locations), time.Since(t))
	case chpi.SourceDeviceReported:
		res.Locations, err = l3locations.FromDevice(raw, sink)
		if err != nil {
			return nil, err
		}
		if len(res.Locations) > 0 && res.Locations[0].NCoils() != len(defs) {
			return nil, fmt.Errorf("%w: %d location channels but %d digitized coils",
				chpi.ErrMissingCalibration, res.Locations[0].NCoils(), len(defs))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.Solutions, err = l4motion.Track(res.Locations, defs, cfg.Motion, sink)
	if err != nil {
		return nil, err
	}
	res.Positions = l5headpos.Build(res.Solutions)
	if len(res.Positions) == 0 && len(res.Locations) > 0 {
		opsf("no head positions could be estimated from %d windows", len(res.Locations))
	}
	diagf("head position: %d samples in %v", len(res.Positions), time.Since(start))
	return res, nil
}

// SNR reports the per-coil signal-to-noise ratio of every window.
func SNR(raw *chpi.Raw, cfg Config, sink chpi.Sink) (*l2amplitudes.SNRReport, error) {
	sink = withLogs(sink)
	hpi, err := l1coils.Info(raw.Info, chpi.PolicyRaise, sink)
	if err != nil {
		return nil, err
	}
	return l2amplitudes.ComputeSNR(raw, hpi, cfg.Amplitudes, sink)
}
