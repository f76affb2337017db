// Package rule defines automation rules: a trigger condition bound to one
// source table plus an ordered action pipeline. Both configuration grammars
// (single condition dict, condition node list) and the any-field-changed
// trigger normalize into one condition tree at load time.
package rule

import (
	"github.com/Clukay-Fun/OmniAgent/automation/action"
	"github.com/Clukay-Fun/OmniAgent/platform"
)

// Rule binds a trigger to an action pipeline on one table.
type Rule struct {
	ID           string
	Name         string
	Source       string
	TableID      string
	Trigger      Trigger
	Pipeline     Pipeline
	Enabled      bool
	Priority     int
	NotifyTarget string
}

// Trigger decides whether a rule fires for a given change event.
type Trigger struct {
	// Field is the primary trigger field. Empty for any-field triggers.
	Field string
	// Watch is the explicit watch set. When empty it is derived from Field
	// and the condition tree.
	Watch []string
	// Condition is the normalized condition tree. Nil means any watched-field
	// change is sufficient.
	Condition Condition
}

// Pipeline is the ordered before/action/success/error phases of a rule.
type Pipeline struct {
	Before  []action.Action
	Actions []action.Action
	Success []action.Action
	Error   []action.Action
}

// FieldChange is one entry of a diff: the previous and current value.
type FieldChange struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// Event is a normalized record-change event evaluated against rules.
type Event struct {
	ID       string
	Source   string
	TableID  string
	RecordID string
	Old      platform.Fields
	Current  platform.Fields
	Diff     map[string]FieldChange
}

// ChangedFields returns the set of field names present in the diff.
func (e *Event) ChangedFields() []string {
	fields := make([]string, 0, len(e.Diff))
	for f := range e.Diff {
		fields = append(fields, f)
	}
	return fields
}

// WatchFields returns the fields this rule's trigger must be monitored for.
// An empty result means the rule watches every field (any-field trigger).
func (r *Rule) WatchFields() []string {
	if len(r.Trigger.Watch) > 0 {
		return r.Trigger.Watch
	}

	seen := map[string]bool{}
	var fields []string
	add := func(f string) {
		if f != "" && !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}

	add(r.Trigger.Field)
	if r.Trigger.Condition != nil {
		for _, f := range r.Trigger.Condition.Fields() {
			add(f)
		}
	}
	return fields
}
