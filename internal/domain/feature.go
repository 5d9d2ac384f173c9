package domain

import "sort"

// FeatureVector maps a feature name to its numeric value. Booleans are
// encoded as 0.0/1.0.
type FeatureVector map[string]float64

// Values returns the vector as a dense slice in the given key order.
// Missing keys read as 0; use SameKeys first when that matters.
func (v FeatureVector) Values(names []string) []float64 {
	out := make([]float64, len(names))
	for i, name := range names {
		out[i] = v[name]
	}
	return out
}

// SameKeys reports whether v has exactly the given key set.
func (v FeatureVector) SameKeys(names []string) bool {
	if len(v) != len(names) {
		return false
	}
	for _, name := range names {
		if _, ok := v[name]; !ok {
			return false
		}
	}
	return true
}

// Keys returns the sorted key set.
func (v FeatureVector) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Bool encodes b as a feature value.
func Bool(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
