// Package l4motion owns Layer 4 (Motion) of the cHPI model.
//
// Responsibilities: selecting the coils whose fitted locations can be
// trusted, aligning them rigidly to their digitized head positions
// (weighted Kabsch with a best-subset search), and expressing the result
// as a continuous quaternion plus translation with goodness and error.
// Key types: Config, Solution.
//
// Dependency rule: L4 may depend on L1..L3, never on L5.
package l4motion
