package utils

import (
	"slices"

	"golang.org/x/exp/constraints"
)

// SortedKeys returns the keys of m in ascending order.
// Encoders use it so that equal maps produce equal bytes.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// UnionKeys returns the sorted union of the keys of a and b.
func UnionKeys[K constraints.Ordered, V any](a, b map[K]V) []K {
	keys := make([]K, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}
