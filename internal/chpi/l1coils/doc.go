// Package l1coils owns Layer 1 (Coils) of the cHPI model.
//
// Responsibilities: reading coil frequencies and activation codes from
// device metadata, resolving the digitized coil geometry against the
// acquisition system's own initial fit, and counting active coils from the
// event channel.
// Key types: HPIInfo, ResolveOptions.
//
// Dependency rule: L1 depends only on the chpi root package.
package l1coils
