// Package l3locations owns Layer 3 (Locations) of the cHPI model.
//
// Responsibilities: localizing every coil in every amplitude window as a
// magnetic dipole (Levenberg-Marquardt over position with the moment
// solved linearly), warm starts and fit reuse across windows, the
// cold-start guess grid, and reading locations that CTF and KIT systems
// report in dedicated channels.
// Key types: Config.
//
// Dependency rule: L3 may depend on L1, L2 and the forward model, never on
// L4+.
package l3locations
