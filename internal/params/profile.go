package params

import (
	"fmt"
	"sort"
)

// Profile is a project style preset applied on top of a parameter set.
type Profile struct {
	Name   string             `yaml:"name"`
	Notes  string             `yaml:"notes"`
	Values map[string]float64 `yaml:"values"`
}

func (r *Registry) Profile(name string) (Profile, bool) {
	p, ok := r.profiles[name]
	return p, ok
}

func (r *Registry) ProfileNames() []string {
	out := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ApplyProfile overrides base with the profile's values. Profile values are
// clamped into each field's range, matching how style presets have always
// been applied; the result is a new set with a new hash.
func (r *Registry) ApplyProfile(base Set, name string) (Set, error) {
	p, ok := r.profiles[name]
	if !ok {
		return Set{}, fmt.Errorf("unknown style profile %q (known: %v)", name, r.ProfileNames())
	}
	schema, ok := r.schemas[base.SchemaVersion()]
	if !ok {
		return Set{}, fmt.Errorf("unknown schema version %d", base.SchemaVersion())
	}

	overrides := make(map[string]any, len(p.Values))
	for key, raw := range p.Values {
		f, ok := schema.Field(key)
		if !ok {
			return Set{}, fmt.Errorf("profile %s: %q is not a v%d parameter", name, key, base.SchemaVersion())
		}
		if f.Type != TypeFloat {
			return Set{}, fmt.Errorf("profile %s: %q is not a float parameter", name, key)
		}
		overrides[key] = f.clamp(FloatValue(raw))
	}
	set, err := r.With(base, overrides)
	if err != nil {
		return Set{}, err
	}
	r.logger.Debug("style profile applied", "profile", name, "params_hash", set.Hash())
	return set, nil
}
