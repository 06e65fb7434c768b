// Package simulate synthesises raw recordings with driven cHPI coils on a
// synthetic whole-head sensor array. It mirrors how a real acquisition
// looks to the estimation layers: per-coil sinusoids shaped by the forward
// model, optional line interference, unrelated sinusoids and white noise,
// and an event channel marking which coils are driven.
package simulate

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/chpi/forward"
)

// Defaults for the synthetic array.
const (
	HelmetRadius    = 0.12
	GradBaseline    = 0.0168
	EventChannel    = "STI201"
	defaultMoment   = 5e-9
	goldenAngle     = 2.399963229728653
	helmetMinZ      = -0.2
	initialGoodness = 0.995
)

// DefaultFreqs are typical Neuromag cHPI driving frequencies in Hz.
var DefaultFreqs = []float64{83, 143, 203, 263, 323}

// Sinusoid is an unrelated signal added to every MEG channel.
type Sinusoid struct {
	Freq      float64
	Amplitude float64
}

// Interval switches a coil off between Start and Stop seconds.
type Interval struct {
	Coil        int // 0-based
	Start, Stop float64
}

// Trajectory returns the device-to-head transform at time t.
type Trajectory func(t float64) chpi.Transform

// Config describes a synthetic recording.
type Config struct {
	SFreq      float64
	Lowpass    float64
	LineFreq   float64
	Duration   float64
	NLocations int
	// Coils are head-frame coil positions.
	Coils []chpi.Vec3
	Freqs []float64
	// Moment is the coil dipole moment magnitude in A·m².
	Moment     float64
	Trajectory Trajectory
	// LineAmplitude is the uniform line-interference field in tesla.
	LineAmplitude float64
	Sinusoids     []Sinusoid
	// NoiseStd is the white noise on magnetometers in tesla. Gradiometers
	// receive NoiseStd scaled by the gradiometer/magnetometer noise ratio.
	NoiseStd float64
	Off      []Interval
	Seed     int64
	System   chpi.System
}

// DefaultCoils returns five head-frame coil positions on a 8 cm sphere.
func DefaultCoils() []chpi.Vec3 {
	dirs := []chpi.Vec3{
		{0.8, 0.3, 0.5},
		{-0.8, 0.3, 0.5},
		{0, 0.8, 0.6},
		{0.5, -0.5, 0.7},
		{-0.5, -0.5, 0.7},
	}
	out := make([]chpi.Vec3, len(dirs))
	for i, d := range dirs {
		out[i] = d.Unit().Scale(0.08)
	}
	return out
}

// DefaultDevHead is the initial device-to-head transform: a small rotation
// about x with the head sitting low in the helmet.
func DefaultDevHead() chpi.Transform {
	return chpi.NewTransform(chpi.RotationAbout(chpi.Vec3{1, 0, 0}, 5*math.Pi/180), chpi.Vec3{0, 0.005, -0.02})
}

// DefaultConfig returns a noise-free 10 s recording of a still head.
func DefaultConfig() Config {
	start := DefaultDevHead()
	return Config{
		SFreq:      1000,
		Lowpass:    400,
		LineFreq:   60,
		Duration:   10,
		NLocations: 60,
		Coils:      DefaultCoils(),
		Freqs:      append([]float64(nil), DefaultFreqs...),
		Moment:     defaultMoment,
		Trajectory: Still(start),
		System:     chpi.SystemNeuromag,
	}
}

// Still returns a trajectory that never moves.
func Still(T chpi.Transform) Trajectory {
	return func(float64) chpi.Transform { return T }
}

// Stepped returns a zero-order-hold trajectory that translates the head by
// step every segment seconds, starting from start.
func Stepped(start chpi.Transform, step chpi.Vec3, segment float64) Trajectory {
	return func(t float64) chpi.Transform {
		k := math.Floor(t/segment + 1e-9)
		T := start
		T[3] += step[0] * k
		T[7] += step[1] * k
		T[11] += step[2] * k
		return T
	}
}

// Helmet builds n sensor locations on the upper part of a sphere, each with
// one radial magnetometer and two orthogonal planar gradiometers.
func Helmet(n int) []chpi.Channel {
	chs := make([]chpi.Channel, 0, 3*n)
	for k := 0; k < n; k++ {
		z := helmetMinZ + (1-helmetMinZ)*(float64(k)+0.5)/float64(n)
		rxy := math.Sqrt(1 - z*z)
		phi := float64(k) * goldenAngle
		normal := chpi.Vec3{rxy * math.Cos(phi), rxy * math.Sin(phi), z}
		e1 := normal.Cross(chpi.Vec3{0, 0, 1})
		if e1.Norm() < 1e-6 {
			e1 = chpi.Vec3{1, 0, 0}
		}
		e1 = e1.Unit()
		e2 := normal.Cross(e1).Unit()
		pos := normal.Scale(HelmetRadius)
		base := fmt.Sprintf("MEG%03d", k+1)
		chs = append(chs,
			chpi.Channel{Name: base + "1", Kind: chpi.KindMag, Pos: pos, Normal: normal},
			chpi.Channel{Name: base + "2", Kind: chpi.KindGrad, Pos: pos, Normal: normal, GradDir: e1, Baseline: GradBaseline},
			chpi.Channel{Name: base + "3", Kind: chpi.KindGrad, Pos: pos, Normal: normal, GradDir: e2, Baseline: GradBaseline},
		)
	}
	return chs
}

// NewInfo returns the device metadata of the synthetic recording, including
// an initial device fit that agrees with the digitization.
func NewInfo(cfg Config) *chpi.Info {
	chs := Helmet(cfg.NLocations)
	chs = append(chs, chpi.Channel{Name: EventChannel, Kind: chpi.KindStim})

	start := chpi.Identity()
	if cfg.Trajectory != nil {
		start = cfg.Trajectory(0)
	}
	headDev := start.Inverse()

	info := &chpi.Info{
		System:   cfg.System,
		SFreq:    cfg.SFreq,
		Lowpass:  cfg.Lowpass,
		LineFreq: cfg.LineFreq,
		Channels: chs,
		HPISubsystem: &chpi.HPISubsystem{
			EventChannel: EventChannel,
		},
		HPIMeas:  &chpi.HPIMeas{Freqs: append([]float64(nil), cfg.Freqs...)},
		DevHeadT: &start,
	}
	res := chpi.HPIResult{CoordTrans: start}
	for i, c := range cfg.Coils {
		info.Dig = append(info.Dig, chpi.DigPoint{Kind: chpi.DigHPI, Ident: i + 1, Frame: chpi.FrameHead, R: c})
		info.HPISubsystem.Coils = append(info.HPISubsystem.Coils, chpi.HPICoilBits{EventBits: []int{1 << i, 0}})
		res.Order = append(res.Order, i+1)
		res.Used = append(res.Used, i+1)
		res.DigPoints = append(res.DigPoints, chpi.DigPoint{Kind: chpi.DigHPI, Ident: i + 1, Frame: chpi.FrameDevice, R: headDev.Apply(c)})
		res.Goodness = append(res.Goodness, initialGoodness)
		res.Moments = append(res.Moments, chpi.Vec3{})
	}
	info.HPIResults = []chpi.HPIResult{res}
	return info
}

// Raw synthesises the recording.
func Raw(cfg Config) (*chpi.Raw, error) {
	if cfg.SFreq <= 0 || cfg.Duration <= 0 {
		return nil, fmt.Errorf("%w: sampling rate and duration must be positive", chpi.ErrInvalidConfig)
	}
	if len(cfg.Freqs) < len(cfg.Coils) {
		return nil, fmt.Errorf("%w: %d coils but %d frequencies", chpi.ErrInvalidConfig, len(cfg.Coils), len(cfg.Freqs))
	}
	if cfg.Trajectory == nil {
		cfg.Trajectory = Still(chpi.Identity())
	}
	if cfg.Moment == 0 {
		cfg.Moment = defaultMoment
	}
	info := NewInfo(cfg)
	picks := info.MEGPicks()
	sensors := forward.Sensors(info, picks)
	n := int(math.Round(cfg.Duration * cfg.SFreq))
	data := make([][]float64, len(info.Channels))
	for i := range data {
		data[i] = make([]float64, n)
	}
	stim := data[info.ChannelIndex(EventChannel)]

	var cacheT chpi.Transform
	var fields [][]float64
	line := lineField(sensors, cfg)

	for i := 0; i < n; i++ {
		t := float64(i) / cfg.SFreq
		T := cfg.Trajectory(t)
		if fields == nil || T != cacheT {
			cacheT = T
			fields = coilFields(sensors, cfg, T)
		}
		code := 0
		for c := range cfg.Coils {
			if coilOff(cfg.Off, c, t) {
				continue
			}
			code |= 1 << c
			s := math.Sin(2*math.Pi*cfg.Freqs[c]*t + 0.3*float64(c))
			for j, p := range picks {
				data[p][i] += fields[c][j] * s
			}
		}
		stim[i] = float64(code)

		if line != nil {
			for h := 1; float64(h)*cfg.LineFreq <= cfg.Lowpass; h++ {
				s := math.Sin(2*math.Pi*float64(h)*cfg.LineFreq*t) / float64(h)
				for j, p := range picks {
					data[p][i] += line[j] * s
				}
			}
		}
		for _, sn := range cfg.Sinusoids {
			s := sn.Amplitude * math.Sin(2*math.Pi*sn.Freq*t)
			for _, p := range picks {
				data[p][i] += s
			}
		}
	}

	if cfg.NoiseStd > 0 {
		rng := rand.New(rand.NewSource(cfg.Seed))
		for j, p := range picks {
			std := cfg.NoiseStd
			if sensors[j].Kind == chpi.KindGrad {
				std *= forward.GradNoise / forward.MagNoise
			}
			for i := range data[p] {
				data[p][i] += rng.NormFloat64() * std
			}
		}
	}
	return &chpi.Raw{Info: info, Data: data}, nil
}

// DevicePositions returns the device-frame coil positions for transform T.
func DevicePositions(coils []chpi.Vec3, T chpi.Transform) []chpi.Vec3 {
	headDev := T.Inverse()
	out := make([]chpi.Vec3, len(coils))
	for i, c := range coils {
		out[i] = headDev.Apply(c)
	}
	return out
}

// coilFields returns, per coil, the sensor readings at unit sinusoid
// amplitude. Each coil moment points radially out from the device origin.
func coilFields(sensors []forward.Sensor, cfg Config, T chpi.Transform) [][]float64 {
	dev := DevicePositions(cfg.Coils, T)
	out := make([][]float64, len(dev))
	for c, p := range dev {
		out[c] = forward.Field(sensors, p, p.Unit().Scale(cfg.Moment))
	}
	return out
}

// lineField returns the sensor pattern of a uniform interference field.
func lineField(sensors []forward.Sensor, cfg Config) []float64 {
	if cfg.LineAmplitude == 0 || cfg.LineFreq <= 0 {
		return nil
	}
	dir := chpi.Vec3{0.3, 0.2, 0.9}.Unit().Scale(cfg.LineAmplitude)
	out := make([]float64, len(sensors))
	for i, s := range sensors {
		for _, p := range s.Points {
			out[i] += p.W * dir.Dot(p.N)
		}
	}
	return out
}

func coilOff(off []Interval, c int, t float64) bool {
	for _, iv := range off {
		if iv.Coil == c && t >= iv.Start && t < iv.Stop {
			return true
		}
	}
	return false
}
