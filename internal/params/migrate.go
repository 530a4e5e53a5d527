package params

import (
	"fmt"
	"sort"
)

// Migration maps schema From to schema From+1. Every key of the old schema
// must be listed exactly once in Keep, Rename or Drop.
type Migration struct {
	From   int               `yaml:"from"`
	To     int               `yaml:"to"`
	Keep   []string          `yaml:"keep"`
	Rename map[string]string `yaml:"rename"`
	Drop   map[string]string `yaml:"drop"`
}

// RegisterMigration checks m is total and type-compatible before accepting
// it.
func (r *Registry) RegisterMigration(m Migration) error {
	if m.To != m.From+1 {
		return fmt.Errorf("migration v%d->v%d: only single-step migrations are supported", m.From, m.To)
	}
	from, ok := r.schemas[m.From]
	if !ok {
		return fmt.Errorf("migration v%d->v%d: unknown source schema", m.From, m.To)
	}
	to, ok := r.schemas[m.To]
	if !ok {
		return fmt.Errorf("migration v%d->v%d: unknown target schema", m.From, m.To)
	}
	if _, dup := r.migrations[m.From]; dup {
		return fmt.Errorf("migration v%d->v%d registered twice", m.From, m.To)
	}

	accounted := map[string]string{}
	mark := func(key, how string) error {
		if prev, seen := accounted[key]; seen {
			return fmt.Errorf("migration v%d->v%d: %q is both %s and %s", m.From, m.To, key, prev, how)
		}
		if _, known := from.index[key]; !known {
			return fmt.Errorf("migration v%d->v%d: %q is not a v%d parameter", m.From, m.To, key, m.From)
		}
		accounted[key] = how
		return nil
	}

	produced := map[string]struct{}{}
	target := func(oldKey, newKey string) error {
		nf, ok := to.Field(newKey)
		if !ok {
			return fmt.Errorf("migration v%d->v%d: target %q is not a v%d parameter", m.From, m.To, newKey, m.To)
		}
		of, _ := from.Field(oldKey)
		if of.Type != nf.Type {
			return fmt.Errorf("migration v%d->v%d: %q changes type %s -> %s", m.From, m.To, oldKey, of.Type, nf.Type)
		}
		if _, dup := produced[newKey]; dup {
			return fmt.Errorf("migration v%d->v%d: %q produced twice", m.From, m.To, newKey)
		}
		produced[newKey] = struct{}{}
		return nil
	}

	for _, key := range m.Keep {
		if err := mark(key, "kept"); err != nil {
			return err
		}
		if err := target(key, key); err != nil {
			return err
		}
	}
	for oldKey, newKey := range m.Rename {
		if err := mark(oldKey, "renamed"); err != nil {
			return err
		}
		if err := target(oldKey, newKey); err != nil {
			return err
		}
	}
	for key, reason := range m.Drop {
		if reason == "" {
			return fmt.Errorf("migration v%d->v%d: dropping %q needs a reason", m.From, m.To, key)
		}
		if err := mark(key, "dropped"); err != nil {
			return err
		}
	}

	for _, key := range from.Keys() {
		if _, ok := accounted[key]; !ok {
			return fmt.Errorf("migration v%d->v%d: %q is not mapped or dropped", m.From, m.To, key)
		}
	}
	for _, f := range to.Fields {
		if _, ok := produced[f.Key]; ok {
			continue
		}
		if _, ok := f.DefaultValue(); !ok {
			return fmt.Errorf("migration v%d->v%d: new parameter %q has no default", m.From, m.To, f.Key)
		}
	}

	r.migrations[m.From] = m
	return nil
}

// Migrate walks set forward one schema version at a time until it reaches
// version to. Dropped keys are logged with their reason. Values are carried
// over unchanged; a kept value outside its new range fails the migration.
func (r *Registry) Migrate(set Set, to int) (Set, error) {
	if set.IsZero() {
		return Set{}, fmt.Errorf("migrate: empty parameter set")
	}
	if to == set.SchemaVersion() {
		return set, nil
	}
	if to < set.SchemaVersion() {
		return Set{}, fmt.Errorf("migrate v%d->v%d: downgrades are not supported", set.SchemaVersion(), to)
	}
	if _, ok := r.schemas[to]; !ok {
		return Set{}, fmt.Errorf("migrate: unknown target schema v%d", to)
	}

	cur := set
	for cur.SchemaVersion() < to {
		m, ok := r.migrations[cur.SchemaVersion()]
		if !ok {
			return Set{}, fmt.Errorf("migrate: no migration from v%d", cur.SchemaVersion())
		}
		next, err := r.step(m, cur)
		if err != nil {
			return Set{}, fmt.Errorf("migrate v%d->v%d: %w", m.From, m.To, err)
		}
		cur = next
	}
	return cur, nil
}

func (r *Registry) step(m Migration, set Set) (Set, error) {
	entries := map[string]any{}
	for _, key := range m.Keep {
		if v, ok := set.Get(key); ok {
			entries[key] = v
		}
	}
	for oldKey, newKey := range m.Rename {
		if v, ok := set.Get(oldKey); ok {
			entries[newKey] = v
		}
	}

	dropped := make([]string, 0, len(m.Drop))
	for key := range m.Drop {
		dropped = append(dropped, key)
	}
	sort.Strings(dropped)
	for _, key := range dropped {
		v, ok := set.Get(key)
		if !ok {
			continue
		}
		r.logger.Info("parameter dropped",
			"key", key,
			"value", v.String(),
			"from_version", m.From,
			"to_version", m.To,
			"reason", m.Drop[key],
		)
	}

	return r.Build(m.To, entries)
}
