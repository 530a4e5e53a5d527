package params

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Entry is one key/value pair of a Set.
type Entry struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

// Set is an immutable, validated parameter vector. Build one through a
// Registry; the zero Set is empty and invalid.
type Set struct {
	schemaVersion int
	entries       []Entry
	hash          string
}

func (s Set) SchemaVersion() int { return s.schemaVersion }

func (s Set) Hash() string { return s.hash }

func (s Set) IsZero() bool { return s.hash == "" }

func (s Set) Len() int { return len(s.entries) }

// Entries returns a copy of the entries in schema order.
func (s Set) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

func (s Set) Get(key string) (Value, bool) {
	for _, e := range s.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// Float returns a numeric entry, or def when absent.
func (s Set) Float(key string, def float64) float64 {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	n, ok := v.Number()
	if !ok {
		return def
	}
	return n
}

func (s Set) Int(key string, def int64) int64 {
	v, ok := s.Get(key)
	if !ok || v.Type != TypeInt {
		return def
	}
	return v.Int
}

func (s Set) Enum(key, def string) string {
	v, ok := s.Get(key)
	if !ok || v.Type != TypeEnum {
		return def
	}
	return v.Str
}

func (s Set) Bool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok || v.Type != TypeBool {
		return def
	}
	return v.Bool
}

// Map returns plain values keyed by name.
func (s Set) Map() map[string]any {
	out := make(map[string]any, len(s.entries))
	for _, e := range s.entries {
		out[e.Key] = e.Value.Interface()
	}
	return out
}

type canonicalSet struct {
	SchemaVersion int     `json:"schema_version"`
	Entries       []Entry `json:"entries"`
}

// Canonical returns the byte form the hash is computed over.
func (s Set) Canonical() ([]byte, error) {
	return json.Marshal(canonicalSet{SchemaVersion: s.schemaVersion, Entries: s.entries})
}

func newSet(version int, entries []Entry) (Set, error) {
	s := Set{schemaVersion: version, entries: entries}
	blob, err := s.Canonical()
	if err != nil {
		return Set{}, fmt.Errorf("canonicalize parameters: %w", err)
	}
	sum := sha256.Sum256(blob)
	s.hash = "sha256:" + hex.EncodeToString(sum[:])
	return s, nil
}
