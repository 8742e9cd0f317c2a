package engine

import (
	"fmt"
	"sort"
)

// ActiveVersions filters candidates down to active ones (enabled and not
// deactivated) and sorts them by priority ascending. Sorting is stable so
// equal priorities keep their input order.
func ActiveVersions(candidates []Rule) []Rule {
	active := make([]Rule, 0, len(candidates))
	for _, rule := range candidates {
		if rule.Enabled && rule.DeactivatedAt == nil {
			active = append(active, rule)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority < active[j].Priority
	})
	return active
}

// ValidateNoConflicts checks the at-most-one-active-version-per-template
// invariant over a candidate set. It deliberately considers only
// deactivated_at: a disabled but not deactivated version still counts
// toward a conflict.
func ValidateNoConflicts(candidates []Rule) error {
	liveByTemplate := make(map[string]int)
	for _, rule := range candidates {
		if rule.DeactivatedAt == nil {
			liveByTemplate[rule.TemplateID]++
		}
	}
	for templateID, count := range liveByTemplate {
		if count > 1 {
			return fmt.Errorf("template %s has %d non-deactivated versions", templateID, count)
		}
	}
	return nil
}
