// Package params builds immutable, versioned parameter sets.
//
// Schemas are declared in YAML (see schemas/). A Set is only ever produced
// by Registry.Build or one of the helpers layered on it, so every Set a
// caller holds has been validated in full. Sets hash over their canonical
// JSON form; a change of any value yields a new Set with a new hash.
//
// Moving a set to a newer schema goes through Registry.Migrate, which
// applies registered migrations one version at a time. A migration must
// account for every old key.
package params
