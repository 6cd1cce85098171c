// Package pattern implements discovery: grouping a well's input files into
// processing units (Patterns) by varying a configurable subset of component
// dimensions while holding the rest fixed (§4.2).
package pattern

import (
	"fmt"
	"sort"

	"github.com/openhcs/enginego/core"
	"github.com/openhcs/enginego/ohcserrors"
)

// fixedKey returns a stable string key built from every component NOT in
// variable. Files sharing this key belong to the same pattern.
func fixedKey(c core.ComponentValues, variable map[core.ComponentKind]bool) string {
	key := ""
	order := []core.ComponentKind{core.ComponentSite, core.ComponentChannel, core.ComponentZIndex, core.ComponentTimepoint}
	for _, kind := range order {
		if variable[kind] {
			continue
		}
		key += string(kind) + "=" + c.Value(kind) + ";"
	}
	return key
}

// variableKey returns the ordered tuple of variable-component values, used
// both for lexicographic stacking order and for detecting duplicates.
func variableKey(c core.ComponentValues, variable []core.ComponentKind) string {
	key := ""
	for _, kind := range variable {
		key += string(kind) + "=" + c.Value(kind) + ";"
	}
	return key
}

// Discover groups files into Patterns for one well/step, ordering each
// pattern's files lexicographically by invariant components then variable
// components then file name (§4.2, §5 ordering guarantees). If groupBy is
// not core.ComponentNone, each pattern's GroupKey is that component's value
// in the pattern's first file; patterns are not split further, so every file
// shares that value only when groupBy is not a variable component.
//
// Duplicate component tuples within what would be the same pattern are a
// ConfigurationError (Open Question 3: fail loudly rather than guess).
func Discover(files []core.InputFile, variableComponents []core.ComponentKind, groupBy core.ComponentKind) ([]core.Pattern, error) {
	variable := make(map[core.ComponentKind]bool, len(variableComponents))
	for _, v := range variableComponents {
		variable[v] = true
	}

	groups := make(map[string][]core.InputFile)
	var order []string
	for _, f := range files {
		k := fixedKey(f.Components, variable)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], f)
	}
	sort.Strings(order)

	var patterns []core.Pattern
	for _, k := range order {
		fs := groups[k]

		seen := make(map[string]bool, len(fs))
		for _, f := range fs {
			vk := variableKey(f.Components, variableComponents)
			if seen[vk] {
				return nil, ohcserrors.Configuration("pattern.discover",
					fmt.Errorf("%w: pattern %q has two files with identical component tuple (%s)", ohcserrors.ErrDuplicateComponents, k, vk))
			}
			seen[vk] = true
		}

		sort.Slice(fs, func(i, j int) bool {
			vi := variableKey(fs[i].Components, variableComponents)
			vj := variableKey(fs[j].Components, variableComponents)
			if vi != vj {
				return vi < vj
			}
			return fs[i].Path < fs[j].Path
		})

		if len(fs) == 0 {
			continue // empty groups are dropped
		}

		groupKey := ""
		if groupBy != core.ComponentNone {
			groupKey = fs[0].Components.Value(groupBy)
		}

		patterns = append(patterns, core.Pattern{
			Files:      fs,
			GroupKey:   groupKey,
			PatternKey: k,
		})
	}

	return patterns, nil
}

// PartitionByGroup splits patterns into per-group-key buckets, used by the
// executor's dict-pattern dispatch (§4.5, testable property 7).
func PartitionByGroup(patterns []core.Pattern) map[string][]core.Pattern {
	out := make(map[string][]core.Pattern)
	for _, p := range patterns {
		out[p.GroupKey] = append(out[p.GroupKey], p)
	}
	return out
}
