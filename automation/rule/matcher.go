package rule

// Matcher decides whether a rule fires for a change event.
// Pure: no I/O, no stored state.
type Matcher struct{}

// NewMatcher creates a matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Match reports whether the rule fires for the event.
//
// Order of checks:
//  1. disabled rules never match
//  2. the event's source/table must match the rule's binding
//  3. cheap pre-filter: if the rule watches specific fields and none of them
//     changed, reject without evaluating conditions
//  4. with no explicit conditions any watched-field change matches
//  5. otherwise the condition tree decides
func (m *Matcher) Match(r *Rule, e *Event) bool {
	if !r.Enabled {
		return false
	}
	if r.TableID != e.TableID {
		return false
	}
	if r.Source != "" && e.Source != "" && r.Source != e.Source {
		return false
	}

	watch := r.WatchFields()
	if len(watch) > 0 {
		if !anyWatchedChanged(watch, e.Diff) {
			return false
		}
	}

	if r.Trigger.Condition == nil {
		// No explicit conditions: a change on a watched field is sufficient.
		// For any-field triggers (empty watch set) any change matches.
		return len(e.Diff) > 0
	}

	return r.Trigger.Condition.Eval(e)
}

func anyWatchedChanged(watch []string, diff map[string]FieldChange) bool {
	for _, field := range watch {
		if _, ok := diff[field]; ok {
			return true
		}
	}
	return false
}
