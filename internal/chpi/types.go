package chpi

import (
	"math"
	"strings"
)

// ChannelKind classifies a channel in the raw buffer.
type ChannelKind int

const (
	KindMag ChannelKind = iota
	KindGrad
	KindEEG
	KindRef
	KindStim
	KindMisc
)

func (k ChannelKind) String() string {
	switch k {
	case KindMag:
		return "mag"
	case KindGrad:
		return "grad"
	case KindEEG:
		return "eeg"
	case KindRef:
		return "ref_meg"
	case KindStim:
		return "stim"
	default:
		return "misc"
	}
}

// IsMEG reports whether the channel measures the magnetic field.
func (k ChannelKind) IsMEG() bool { return k == KindMag || k == KindGrad }

// System identifies the acquisition hardware family.
type System int

const (
	SystemUnknown System = iota
	SystemNeuromag
	SystemArtemis123
	SystemCTF
	SystemKIT
	SystemBTi
)

func (s System) String() string {
	switch s {
	case SystemNeuromag:
		return "neuromag"
	case SystemArtemis123:
		return "artemis123"
	case SystemCTF:
		return "ctf"
	case SystemKIT:
		return "kit"
	case SystemBTi:
		return "bti"
	default:
		return "unknown"
	}
}

// ParseSystem maps a system name to a System. Unknown names map to
// SystemUnknown.
func ParseSystem(name string) System {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "neuromag", "elekta", "megin", "fif":
		return SystemNeuromag
	case "artemis123", "artemis":
		return SystemArtemis123
	case "ctf":
		return SystemCTF
	case "kit", "ricoh":
		return SystemKIT
	case "bti", "4d":
		return SystemBTi
	default:
		return SystemUnknown
	}
}

// CoilSource selects how coil locations are obtained for a system.
type CoilSource int

const (
	// SourceUnsupported means the system has no known cHPI support.
	SourceUnsupported CoilSource = iota
	// SourceFitFromAmplitude localizes coils by fitting magnetic dipoles to
	// extracted sinusoid amplitudes.
	SourceFitFromAmplitude
	// SourceDeviceReported reads coil locations the acquisition system wrote
	// into dedicated channels.
	SourceDeviceReported
)

func (c CoilSource) String() string {
	switch c {
	case SourceFitFromAmplitude:
		return "fit"
	case SourceDeviceReported:
		return "device"
	default:
		return "unsupported"
	}
}

// CoilSource returns the localization variant for the system.
func (s System) CoilSource() CoilSource {
	switch s {
	case SystemNeuromag, SystemArtemis123:
		return SourceFitFromAmplitude
	case SystemCTF, SystemKIT:
		return SourceDeviceReported
	default:
		return SourceUnsupported
	}
}

// CoordFrame names the coordinate frame of a digitized point.
type CoordFrame int

const (
	FrameUnknown CoordFrame = iota
	FrameDevice
	FrameHead
	FrameCTFHead
)

func (f CoordFrame) String() string {
	switch f {
	case FrameDevice:
		return "meg"
	case FrameHead:
		return "head"
	case FrameCTFHead:
		return "ctf_head"
	default:
		return "unknown"
	}
}

// DigKind classifies a digitized point.
type DigKind int

const (
	DigCardinal DigKind = iota
	DigHPI
	DigEEG
	DigExtra
)

// Channel is the sensor geometry of one channel. Positions and directions
// are in the device frame.
type Channel struct {
	Name string
	Kind ChannelKind
	// Pos is the sensor centre in metres.
	Pos Vec3
	// Normal is the unit sensing direction.
	Normal Vec3
	// GradDir is the unit baseline direction of a planar gradiometer.
	GradDir Vec3
	// Baseline is the gradiometer baseline in metres.
	Baseline float64
}

// DigPoint is one digitized location.
type DigPoint struct {
	Kind  DigKind
	Ident int
	Frame CoordFrame
	R     Vec3
}

// HPICoilBits holds the event-channel bit codes that mark a coil as driven.
type HPICoilBits struct {
	EventBits []int
}

// HPISubsystem describes how coil activation is signalled.
type HPISubsystem struct {
	EventChannel string
	Coils        []HPICoilBits
}

// HPIMeas carries the per-coil driving frequencies in Hz.
type HPIMeas struct {
	Freqs []float64
}

// HPIResult is an initial fit performed by the acquisition system.
// DigPoints are device-frame fitted coil positions; CoordTrans maps device
// to head.
type HPIResult struct {
	Order      []int
	Used       []int
	DigPoints  []DigPoint
	Goodness   []float64
	Moments    []Vec3
	CoordTrans Transform
}

// LocationLayout lists the channels that carry device-reported coil
// locations. Channels[i] holds the x, y and z channel names of coil i.
type LocationLayout struct {
	Channels    [][3]string
	GOFChannels []string
	// ToDevice maps the native frame of the location channels to the device
	// frame.
	ToDevice Transform
}

// Info is the read-only device metadata consumed by every layer.
type Info struct {
	System   System
	SFreq    float64
	Lowpass  float64
	LineFreq float64 // zero when unknown
	Channels []Channel
	Bads     []string
	Dig      []DigPoint

	HPISubsystem *HPISubsystem
	HPIMeas      *HPIMeas
	HPIResults   []HPIResult

	// DevHeadT maps device to head coordinates.
	DevHeadT *Transform
	// DevCTFT maps the CTF head frame to the device frame.
	DevCTFT *Transform
	// Locations describes device-reported location channels, if any.
	Locations *LocationLayout
}

// ChannelIndex returns the index of the named channel or -1.
func (i *Info) ChannelIndex(name string) int {
	for k, ch := range i.Channels {
		if ch.Name == name {
			return k
		}
	}
	return -1
}

// IsBad reports whether the named channel is marked bad.
func (i *Info) IsBad(name string) bool {
	for _, b := range i.Bads {
		if b == name {
			return true
		}
	}
	return false
}

// MEGPicks returns the indices of good magnetometer and gradiometer channels.
func (i *Info) MEGPicks() []int {
	var picks []int
	for k, ch := range i.Channels {
		if ch.Kind.IsMEG() && !i.IsBad(ch.Name) {
			picks = append(picks, k)
		}
	}
	return picks
}

// HPIDig returns the head-frame HPI digitization points in input order.
func (i *Info) HPIDig() []DigPoint {
	var out []DigPoint
	for _, d := range i.Dig {
		if d.Kind == DigHPI {
			out = append(out, d)
		}
	}
	return out
}

// Raw is a sample-indexed multichannel buffer. Data[ch][sample].
type Raw struct {
	Info      *Info
	FirstTime float64
	Data      [][]float64
}

// NSamples returns the number of samples per channel.
func (r *Raw) NSamples() int {
	if len(r.Data) == 0 {
		return 0
	}
	return len(r.Data[0])
}

// Time returns the absolute time of sample i.
func (r *Raw) Time(i int) float64 {
	return r.FirstTime + float64(i)/r.Info.SFreq
}

// Duration returns the span of the buffer in seconds.
func (r *Raw) Duration() float64 {
	return float64(r.NSamples()) / r.Info.SFreq
}

// CoilDefinition is one resolved cHPI coil. Index is 1-based.
type CoilDefinition struct {
	Index int
	// Pos is the head-frame position.
	Pos          Vec3
	Freq         float64
	OnBits       int
	Inconsistent bool
}

// AmplitudeRecord holds the sinusoid amplitudes of one analysis window.
// Sin, Cos and Slopes are indexed [coil][channel] over the MEG picks the
// record was extracted from. Slopes is the dominant-phase amplitude.
type AmplitudeRecord struct {
	Index  int
	Time   float64
	Start  int
	Stop   int
	Sin    [][]float64
	Cos    [][]float64
	Slopes [][]float64
	Active []bool
}

// CoilLocation is the per-window localization result. Positions are in the
// device frame.
type CoilLocation struct {
	Index  int
	Time   float64
	Pos    []Vec3
	GOF    []float64
	Moment []Vec3
	Fitted []bool
}

// NCoils returns the number of coils in the location.
func (l CoilLocation) NCoils() int { return len(l.Pos) }

// HeadPositionSample is one row of a head-position time series. Quat holds
// q1..q3 of the device-to-head rotation; the scalar part is non-negative
// and implied.
type HeadPositionSample struct {
	Time  float64
	Quat  [3]float64
	Trans Vec3
	GOF   float64
	Err   float64
	Vel   float64
}

// Rotation returns the rotation matrix encoded by the sample's quaternion.
func (s HeadPositionSample) Rotation() [9]float64 { return QuatToRot(s.Quat) }

// Transform returns the device-to-head transform of the sample.
func (s HeadPositionSample) Transform() Transform {
	return NewTransform(s.Rotation(), s.Trans)
}

// Row returns the ten file columns of the sample.
func (s HeadPositionSample) Row() []float64 {
	return []float64{s.Time, s.Quat[0], s.Quat[1], s.Quat[2],
		s.Trans[0], s.Trans[1], s.Trans[2], s.GOF, s.Err, s.Vel}
}

// SampleFromRow is the inverse of Row. The row must have ten columns.
func SampleFromRow(row []float64) HeadPositionSample {
	return HeadPositionSample{
		Time:  row[0],
		Quat:  [3]float64{row[1], row[2], row[3]},
		Trans: Vec3{row[4], row[5], row[6]},
		GOF:   row[7],
		Err:   row[8],
		Vel:   row[9],
	}
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// AllFinite reports whether every value is finite.
func AllFinite(v []float64) bool {
	for _, x := range v {
		if !isFinite(x) {
			return false
		}
	}
	return true
}
