package domain

import (
	"fmt"
	"math"
)

const (
	PivotCenter     = "center"
	PivotBaseCenter = "base_center"

	CollisionNone   = "none"
	CollisionBox    = "box"
	CollisionConvex = "convex"
)

// DefaultApproval is used when a candidate is approved without metadata.
func DefaultApproval() Approval {
	return Approval{
		DimensionsCm: Dimensions{Width: 100, Height: 100, Depth: 100},
		ExportSettings: ExportSettings{
			Pivot:     PivotBaseCenter,
			Collision: CollisionBox,
		},
	}
}

func (a Approval) Validate() error {
	dims := []struct {
		field string
		value float64
	}{
		{"dimensions_cm.width", a.DimensionsCm.Width},
		{"dimensions_cm.height", a.DimensionsCm.Height},
		{"dimensions_cm.depth", a.DimensionsCm.Depth},
	}
	for _, d := range dims {
		if math.IsNaN(d.value) || math.IsInf(d.value, 0) || d.value <= 0 {
			return &InvalidInputError{Field: d.field, Reason: fmt.Sprintf("must be positive and finite, got %v", d.value)}
		}
	}
	switch a.ExportSettings.Pivot {
	case PivotCenter, PivotBaseCenter:
	default:
		return &InvalidInputError{Field: "export_settings.pivot", Reason: fmt.Sprintf("unknown pivot %q", a.ExportSettings.Pivot)}
	}
	switch a.ExportSettings.Collision {
	case CollisionNone, CollisionBox, CollisionConvex:
	default:
		return &InvalidInputError{Field: "export_settings.collision", Reason: fmt.Sprintf("unknown collision %q", a.ExportSettings.Collision)}
	}
	return nil
}
