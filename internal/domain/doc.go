// Package domain holds the types shared by every pipeline component.
//
// Lifecycle:
//   - Importing -> VariationPending -> VariationApproved -> Generating3D -> Generated -> Exported
//   - Abandoned is reachable from any non-terminal state.
//
// Generating3D is only ever observed while a 3D generation run holds the
// session lease; it is never persisted.
package domain
