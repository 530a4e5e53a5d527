package domain

import "strings"

// State is the session lifecycle cursor.
type State string

const (
	StateImporting         State = "Importing"
	StateVariationPending  State = "VariationPending"
	StateVariationApproved State = "VariationApproved"
	StateGenerating3D      State = "Generating3D"
	StateGenerated         State = "Generated"
	StateExported          State = "Exported"
	StateAbandoned         State = "Abandoned"
)

// NormalizeState maps free-form values to canonical states.
func NormalizeState(value string) State {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "importing":
		return StateImporting
	case "variationpending", "variation_pending":
		return StateVariationPending
	case "variationapproved", "variation_approved":
		return StateVariationApproved
	case "generating3d", "generating_3d":
		return StateGenerating3D
	case "generated":
		return StateGenerated
	case "exported":
		return StateExported
	case "abandoned":
		return StateAbandoned
	default:
		return ""
	}
}

func (s State) Terminal() bool {
	return s == StateExported || s == StateAbandoned
}

// Persistable reports whether s may be written to durable storage.
func (s State) Persistable() bool {
	return s.Order() > 0 && s != StateGenerating3D
}

// Order ranks states along the happy path. Abandoned has no rank.
func (s State) Order() int {
	switch s {
	case StateImporting:
		return 1
	case StateVariationPending:
		return 2
	case StateVariationApproved:
		return 3
	case StateGenerating3D:
		return 4
	case StateGenerated:
		return 5
	case StateExported:
		return 6
	case StateAbandoned:
		return 7
	default:
		return 0
	}
}

// AtLeast reports whether s has reached other on the happy path.
func (s State) AtLeast(other State) bool {
	if s == StateAbandoned {
		return false
	}
	return s.Order() >= other.Order() && other.Order() > 0
}

var transitions = map[State][]State{
	StateImporting:         {StateVariationPending},
	StateVariationPending:  {StateVariationPending, StateVariationApproved},
	StateVariationApproved: {StateVariationApproved, StateGenerating3D, StateGenerated},
	StateGenerating3D:      {StateGenerated},
	StateGenerated:         {StateGenerated, StateExported},
	StateExported:          {StateExported},
}

// CanTransition enforces forward-only progression along the lifecycle
// edges. Abandoned is reachable from any non-terminal state.
func CanTransition(current, next State) bool {
	if current.Terminal() && current != StateExported {
		return false
	}
	if next == StateAbandoned {
		return !current.Terminal() && current.Order() > 0
	}
	for _, s := range transitions[current] {
		if s == next {
			return true
		}
	}
	return false
}
