package params

import "sort"

// Change is one differing key. Old or New is nil when the key exists on
// only one side.
type Change struct {
	Key string `json:"key"`
	Old *Value `json:"old,omitempty"`
	New *Value `json:"new,omitempty"`
}

// Diff lists every key whose value differs between a and b, ordered by key.
func Diff(a, b Set) []Change {
	keys := map[string]struct{}{}
	for _, e := range a.entries {
		keys[e.Key] = struct{}{}
	}
	for _, e := range b.entries {
		keys[e.Key] = struct{}{}
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	var out []Change
	for _, k := range ordered {
		av, aok := a.Get(k)
		bv, bok := b.Get(k)
		if aok && bok && av.Equal(bv) {
			continue
		}
		c := Change{Key: k}
		if aok {
			v := av
			c.Old = &v
		}
		if bok {
			v := bv
			c.New = &v
		}
		out = append(out, c)
	}
	return out
}
