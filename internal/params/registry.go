package params

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forge-labs/forge-go/internal/platform/logging"
)

// Registry holds every known schema version plus the migrations between
// them. It is read-only after construction.
type Registry struct {
	schemas    map[int]*Schema
	migrations map[int]Migration
	profiles   map[string]Profile
	current    int
	logger     *slog.Logger
}

// NewRegistry loads the built-in schemas, migrations and profiles, then any
// extra schemas.
func NewRegistry(logger *slog.Logger, extra ...Schema) (*Registry, error) {
	r := &Registry{
		schemas:    map[int]*Schema{},
		migrations: map[int]Migration{},
		profiles:   map[string]Profile{},
		logger:     logging.OrDiscard(logger),
	}

	schemas, err := builtinSchemas()
	if err != nil {
		return nil, err
	}
	for _, s := range append(schemas, extra...) {
		if err := r.addSchema(s); err != nil {
			return nil, err
		}
	}

	raw, err := builtin.ReadFile("schemas/migrations.yaml")
	if err != nil {
		return nil, err
	}
	var migrations []Migration
	if err := yaml.Unmarshal(raw, &migrations); err != nil {
		return nil, fmt.Errorf("decode migrations: %w", err)
	}
	for _, m := range migrations {
		if err := r.RegisterMigration(m); err != nil {
			return nil, err
		}
	}

	raw, err = builtin.ReadFile("schemas/profiles.yaml")
	if err != nil {
		return nil, err
	}
	var profiles []Profile
	if err := yaml.Unmarshal(raw, &profiles); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	for _, p := range profiles {
		r.profiles[p.Name] = p
	}
	return r, nil
}

func (r *Registry) addSchema(s Schema) error {
	if s.index == nil {
		if err := s.compile(); err != nil {
			return err
		}
	}
	if _, dup := r.schemas[s.Version]; dup {
		return fmt.Errorf("schema v%d registered twice", s.Version)
	}
	copied := s
	r.schemas[s.Version] = &copied
	if s.Version > r.current {
		r.current = s.Version
	}
	return nil
}

// Current is the newest schema version.
func (r *Registry) Current() int { return r.current }

func (r *Registry) Schema(version int) (*Schema, bool) {
	s, ok := r.schemas[version]
	return s, ok
}

func (r *Registry) Versions() []int {
	out := make([]int, 0, len(r.schemas))
	for v := range r.schemas {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Build validates entries against schema version and returns the set. Keys
// missing from entries take their schema default. Every offending key is
// reported in one *ValidationError; no partial set is ever returned.
func (r *Registry) Build(version int, entries map[string]any) (Set, error) {
	schema, ok := r.schemas[version]
	if !ok {
		verr := &ValidationError{SchemaVersion: version}
		verr.Add("schema_version", fmt.Sprintf("unknown schema version %d", version))
		return Set{}, verr.OrNil()
	}

	verr := &ValidationError{SchemaVersion: version}
	for key := range entries {
		if _, known := schema.index[key]; !known {
			verr.Add(key, fmt.Sprintf("unknown parameter for schema v%d", version))
		}
	}

	out := make([]Entry, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		raw, present := entries[f.Key]
		if !present {
			if def, ok := f.DefaultValue(); ok {
				out = append(out, Entry{Key: f.Key, Value: def})
				continue
			}
			verr.Add(f.Key, "required")
			continue
		}
		v, err := f.check(raw)
		if err != nil {
			verr.Add(f.Key, err.Error())
			continue
		}
		out = append(out, Entry{Key: f.Key, Value: v})
	}
	if err := verr.OrNil(); err != nil {
		return Set{}, err
	}
	return newSet(version, out)
}

// Defaults builds the all-defaults set for version.
func (r *Registry) Defaults(version int) (Set, error) {
	return r.Build(version, nil)
}

// With returns a new set with overrides applied on top of base.
func (r *Registry) With(base Set, overrides map[string]any) (Set, error) {
	entries := base.Map()
	for k, v := range overrides {
		entries[k] = v
	}
	return r.Build(base.SchemaVersion(), entries)
}

// ParseOverrides turns key=value strings into typed entries using the
// schema's declared types.
func (r *Registry) ParseOverrides(version int, pairs []string) (map[string]any, error) {
	schema, ok := r.schemas[version]
	if !ok {
		return nil, fmt.Errorf("unknown schema version %d", version)
	}
	verr := &ValidationError{SchemaVersion: version}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, found := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			verr.Add(pair, "expected key=value")
			continue
		}
		f, known := schema.Field(key)
		if !known {
			verr.Add(key, fmt.Sprintf("unknown parameter for schema v%d", version))
			continue
		}
		v, err := ParseValue(f.Type, strings.TrimSpace(raw))
		if err != nil {
			verr.Add(key, err.Error())
			continue
		}
		out[key] = v
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// Restore rebuilds a persisted set and checks it hashes to want.
func (r *Registry) Restore(version int, entries []Entry, want string) (Set, error) {
	m := make(map[string]any, len(entries))
	for _, e := range entries {
		if _, dup := m[e.Key]; dup {
			return Set{}, fmt.Errorf("duplicate parameter %q", e.Key)
		}
		m[e.Key] = e.Value
	}
	set, err := r.Build(version, m)
	if err != nil {
		return Set{}, err
	}
	if len(entries) != set.Len() {
		return Set{}, errors.New("persisted parameter set is incomplete")
	}
	if set.Hash() != want {
		return Set{}, fmt.Errorf("parameter set hash mismatch: stored %s, computed %s", want, set.Hash())
	}
	return set, nil
}
