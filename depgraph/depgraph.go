// Package depgraph fixes the creation order between CRM object types so
// that a child type is never injected before the type it references.
package depgraph

import "github.com/samber/lo"

// knownOrder is the partial order between the built-in object types.
// Companies come first, activities last because they may reference any of
// the others.
var knownOrder = []string{
	"company",
	"contact",
	"deal",
	"ticket",
	"activity",
}

// KnownTypes returns the built-in object types in creation order.
func KnownTypes() []string {
	return append([]string(nil), knownOrder...)
}

// OrderFor restricts the fixed order to the given types. Types the graph
// does not know about are appended after all known types, in first-seen
// order, so custom objects still inject deterministically.
func OrderFor(types []string) []string {
	present := lo.Uniq(types)
	presentSet := lo.SliceToMap(present, func(t string) (string, struct{}) {
		return t, struct{}{}
	})

	ordered := lo.Filter(knownOrder, func(t string, _ int) bool {
		_, ok := presentSet[t]
		return ok
	})

	known := lo.SliceToMap(knownOrder, func(t string) (string, struct{}) {
		return t, struct{}{}
	})
	for _, t := range present {
		if _, ok := known[t]; !ok {
			ordered = append(ordered, t)
		}
	}
	return ordered
}

// ReverseOrderFor is the exact reversal of OrderFor for the same set. It is
// derived from OrderFor rather than recomputed so deletion can never disagree
// with creation about the order.
func ReverseOrderFor(types []string) []string {
	return lo.Reverse(OrderFor(types))
}
