package params

import (
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed schemas/*.yaml
var builtin embed.FS

// Field declares one parameter.
type Field struct {
	Key         string   `yaml:"key"`
	Type        Type     `yaml:"type"`
	Min         *float64 `yaml:"min,omitempty"`
	Max         *float64 `yaml:"max,omitempty"`
	Values      []string `yaml:"values,omitempty"`
	Default     any      `yaml:"default,omitempty"`
	Description string   `yaml:"description,omitempty"`

	def    Value
	hasDef bool
}

// Schema is one version of the parameter vocabulary. Field order is the
// canonical entry order of every Set built against it.
type Schema struct {
	Version int     `yaml:"version"`
	Fields  []Field `yaml:"fields"`

	index map[string]int
}

func (s *Schema) Field(key string) (Field, bool) {
	i, ok := s.index[key]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

func (s *Schema) Keys() []string {
	keys := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		keys[i] = f.Key
	}
	return keys
}

// DefaultValue reports the field default, if one is declared.
func (f Field) DefaultValue() (Value, bool) {
	return f.def, f.hasDef
}

// compile checks the schema itself and resolves defaults.
func (s *Schema) compile() error {
	if s.Version < 1 {
		return fmt.Errorf("schema version must be >= 1, got %d", s.Version)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema v%d declares no fields", s.Version)
	}
	s.index = make(map[string]int, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		f.Key = strings.TrimSpace(f.Key)
		if f.Key == "" {
			return fmt.Errorf("schema v%d: field %d has no key", s.Version, i)
		}
		if _, dup := s.index[f.Key]; dup {
			return fmt.Errorf("schema v%d: duplicate field %q", s.Version, f.Key)
		}
		s.index[f.Key] = i
		if !f.Type.Valid() {
			return fmt.Errorf("schema v%d: field %q has unknown type %q", s.Version, f.Key, f.Type)
		}
		if f.Type == TypeEnum && len(f.Values) == 0 {
			return fmt.Errorf("schema v%d: enum %q declares no values", s.Version, f.Key)
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return fmt.Errorf("schema v%d: field %q has min > max", s.Version, f.Key)
		}
		if f.Default != nil {
			v, err := f.check(f.Default)
			if err != nil {
				return fmt.Errorf("schema v%d: default for %q: %w", s.Version, f.Key, err)
			}
			f.def, f.hasDef = v, true
		}
	}
	return nil
}

// check coerces raw and validates range and membership.
func (f Field) check(raw any) (Value, error) {
	v, err := coerce(f, raw)
	if err != nil {
		return Value{}, err
	}
	switch f.Type {
	case TypeInt, TypeFloat:
		n, _ := v.Number()
		if f.Min != nil && n < *f.Min {
			return Value{}, fmt.Errorf("%s below minimum %s", v, formatBound(*f.Min))
		}
		if f.Max != nil && n > *f.Max {
			return Value{}, fmt.Errorf("%s above maximum %s", v, formatBound(*f.Max))
		}
	case TypeEnum:
		if !slices.Contains(f.Values, v.Str) {
			return Value{}, fmt.Errorf("%q is not one of [%s]", v.Str, strings.Join(f.Values, ", "))
		}
	}
	return v, nil
}

// clamp pulls a numeric value into range.
func (f Field) clamp(v Value) Value {
	n, ok := v.Number()
	if !ok {
		return v
	}
	if f.Min != nil {
		n = math.Max(n, *f.Min)
	}
	if f.Max != nil {
		n = math.Min(n, *f.Max)
	}
	if f.Type == TypeInt {
		return IntValue(int64(n))
	}
	return FloatValue(n)
}

// ClampFloat pulls x into the field's declared range.
func (f Field) ClampFloat(x float64) float64 {
	if f.Min != nil && x < *f.Min {
		x = *f.Min
	}
	if f.Max != nil && x > *f.Max {
		x = *f.Max
	}
	return x
}

func formatBound(b float64) string {
	return FloatValue(b).String()
}

func parseSchema(raw []byte) (Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Schema{}, fmt.Errorf("decode schema: %w", err)
	}
	if err := s.compile(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

// LoadSchemaDir reads every v*.yaml schema in dir.
func LoadSchemaDir(dir string) ([]Schema, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "v*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	out := make([]Schema, 0, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		s, err := parseSchema(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

func builtinSchemas() ([]Schema, error) {
	paths, err := builtin.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	var out []Schema
	for _, entry := range paths {
		name := entry.Name()
		if !strings.HasPrefix(name, "v") {
			continue
		}
		raw, err := builtin.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		s, err := parseSchema(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, s)
	}
	return out, nil
}
