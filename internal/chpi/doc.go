// Package chpi owns the shared data model for continuous head-position
// indicator (cHPI) processing.
//
// Responsibilities: channel and device metadata, the raw sample buffer,
// per-window amplitude and location records, head-position samples,
// rigid-transform and quaternion geometry, sentinel errors, policies and
// the diagnostics sink.
// Key types: Info, Raw, CoilDefinition, AmplitudeRecord, CoilLocation,
// HeadPositionSample, Transform, Sink.
//
// Dependency rule: this package depends on nothing else in the module.
// Layers l1coils..l5headpos build on it in order; a layer may depend on
// lower layers but never on higher ones.
//
// All quantities are SI: positions in metres, fields in tesla (planar
// gradiometers in T/m), dipole moments in A·m².
package chpi
