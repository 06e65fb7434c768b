// Package l2amplitudes owns Layer 2 (Amplitudes) of the cHPI model.
//
// Responsibilities: fitting sinusoids at the coil and line frequencies
// over sliding windows of MEG data, reducing each coil to a single
// dominant-phase amplitude pattern, building the shared whitening and
// interference projector, and the per-window SNR report.
// Key types: Config, Model, Result, SNRReport.
//
// Dependency rule: L2 may depend on L1 and the forward model, never on L3+.
package l2amplitudes
