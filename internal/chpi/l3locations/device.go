package l3locations

import (
	"fmt"
	"math"

	"github.com/banshee-data/headpos.report/internal/chpi"
)

// ctfCoils is the number of coils in the CTF location-channel preset.
const ctfCoils = 3

// CTFLayout returns the preset location channels HLC00nm (coil n, axis m)
// written by CTF systems, mapped to the device frame by DevCTFT.
func CTFLayout(info *chpi.Info) (*chpi.LocationLayout, error) {
	if info.DevCTFT == nil {
		return nil, fmt.Errorf("%w: CTF head to device transform is missing", chpi.ErrMissingCalibration)
	}
	layout := &chpi.LocationLayout{ToDevice: *info.DevCTFT}
	for c := 1; c <= ctfCoils; c++ {
		var names [3]string
		for ax := 1; ax <= 3; ax++ {
			names[ax-1] = fmt.Sprintf("HLC00%d%d", c, ax)
		}
		layout.Channels = append(layout.Channels, names)
	}
	return layout, nil
}

// layoutFor picks the recording's location layout.
func layoutFor(info *chpi.Info) (*chpi.LocationLayout, error) {
	if info.Locations != nil {
		return info.Locations, nil
	}
	switch info.System {
	case chpi.SystemCTF:
		return CTFLayout(info)
	case chpi.SystemKIT:
		return nil, fmt.Errorf("%w: KIT recording carries no location channels", chpi.ErrMissingCalibration)
	default:
		return nil, fmt.Errorf("%w: %s systems do not report coil locations", chpi.ErrNotImplemented, info.System)
	}
}

// FromDevice reads coil locations the acquisition system wrote into
// dedicated channels. A location is emitted at the first sample and at
// every sample where any channel value changes.
func FromDevice(raw *chpi.Raw, sink chpi.Sink) ([]chpi.CoilLocation, error) {
	layout, err := layoutFor(raw.Info)
	if err != nil {
		return nil, err
	}
	ncoil := len(layout.Channels)
	var idx []int
	for _, names := range layout.Channels {
		for _, name := range names {
			idx = append(idx, raw.Info.ChannelIndex(name))
		}
	}
	for _, name := range layout.GOFChannels {
		idx = append(idx, raw.Info.ChannelIndex(name))
	}
	for _, i := range idx {
		if i < 0 {
			return nil, fmt.Errorf("%w: Could not find all cHPI location channels", chpi.ErrMissingCalibration)
		}
	}
	hasGOF := len(layout.GOFChannels) == ncoil

	var out []chpi.CoilLocation
	prev := make([]float64, len(idx))
	for s := 0; s < raw.NSamples(); s++ {
		changed := s == 0
		for k, ch := range idx {
			v := raw.Data[ch][s]
			if v != prev[k] && !(math.IsNaN(v) && math.IsNaN(prev[k])) {
				changed = true
			}
			prev[k] = v
		}
		if !changed {
			continue
		}
		loc := chpi.CoilLocation{
			Index:  s,
			Time:   raw.Time(s),
			Pos:    make([]chpi.Vec3, ncoil),
			GOF:    make([]float64, ncoil),
			Moment: make([]chpi.Vec3, ncoil),
			Fitted: make([]bool, ncoil),
		}
		for c := 0; c < ncoil; c++ {
			p := chpi.Vec3{prev[3*c], prev[3*c+1], prev[3*c+2]}
			loc.Pos[c] = layout.ToDevice.Apply(p)
			loc.GOF[c] = 1
			if hasGOF {
				loc.GOF[c] = prev[3*ncoil+c]
			}
			loc.Fitted[c] = p.IsFinite() && p != (chpi.Vec3{})
		}
		out = append(out, loc)
	}
	chpi.Emitf(sink, chpi.LevelDiag, chpi.KindInfo, "Read %d device-reported cHPI locations for %d coils", len(out), ncoil)
	return out, nil
}
