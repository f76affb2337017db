// Package engine executes matched rules: it drives the before/action/success
// phases with per-action retry and backoff, records outcomes in the run log,
// and dead-letters exhausted failures.
package engine

import (
	"reflect"

	"github.com/Clukay-Fun/OmniAgent/automation/rule"
	"github.com/Clukay-Fun/OmniAgent/platform"
)

// ComputeDiff compares the last-seen snapshot against freshly fetched fields
// and returns the per-field changes. Fields present in only one side appear
// with a nil counterpart.
func ComputeDiff(old, current platform.Fields) map[string]rule.FieldChange {
	diff := make(map[string]rule.FieldChange)

	for field, newVal := range current {
		oldVal, existed := old[field]
		if !existed {
			if newVal != nil {
				diff[field] = rule.FieldChange{Old: nil, New: newVal}
			}
			continue
		}
		if !reflect.DeepEqual(oldVal, newVal) {
			diff[field] = rule.FieldChange{Old: oldVal, New: newVal}
		}
	}

	for field, oldVal := range old {
		if _, exists := current[field]; !exists {
			diff[field] = rule.FieldChange{Old: oldVal, New: nil}
		}
	}

	return diff
}
