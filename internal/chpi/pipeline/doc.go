// Package pipeline provides orchestration for cHPI head-position
// estimation.
//
// It wires the layer packages together (coil resolution, amplitude
// extraction, localization, motion and the time series) and routes their
// diagnostics to the ops, diag and trace log streams. The pipeline does not
// own domain logic; it delegates to the layer packages.
package pipeline
