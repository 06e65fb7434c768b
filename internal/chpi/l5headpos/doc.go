// Package l5headpos owns Layer 5 (Head position) of the cHPI model.
//
// Responsibilities: assembling the ordered head-position time series with
// velocities, the ten-column text file format, conversion to translation
// and rotation arrays, and interpolation of the head pose between samples.
// Key types: Interpolator.
//
// Dependency rule: L5 may depend on L1..L4.
package l5headpos
