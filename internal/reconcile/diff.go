// Package reconcile computes the changes needed to move an observed set of
// named items to a desired one.
package reconcile

import "k8s.io/apimachinery/pkg/util/sets"

// Diff returns the names present in desired but not in actual (toAdd) and the
// names present in actual but not in desired (toRemove). Duplicates collapse
// and both results are sorted. Nil and empty inputs are equivalent.
func Diff(desired, actual []string) (toAdd, toRemove []string) {
	want := sets.New[string](desired...)
	have := sets.New[string](actual...)
	return sets.List(want.Difference(have)), sets.List(have.Difference(want))
}

// Intersect returns the sorted names present in both inputs.
func Intersect(a, b []string) []string {
	return sets.List(sets.New[string](a...).Intersection(sets.New[string](b...)))
}
