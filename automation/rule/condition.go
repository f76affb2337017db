package rule

import (
	"fmt"
	"reflect"
	"strings"
)

// Op is a per-field condition operator.
type Op string

const (
	// OpEquals matches when the new value equals the condition value.
	OpEquals Op = "equals"
	// OpContains matches substrings of text values and membership in list values.
	OpContains Op = "contains"
	// OpChanged matches when the field appears in the diff with old != new.
	// A condition value of false inverts it (field must NOT have changed).
	OpChanged Op = "changed"
	// OpIn matches when the new value is one of the allowed set.
	OpIn Op = "in"
)

// ValidOp reports whether s names a supported operator.
func ValidOp(s string) bool {
	switch Op(s) {
	case OpEquals, OpContains, OpChanged, OpIn:
		return true
	}
	return false
}

// Condition is one node of the normalized condition tree.
type Condition interface {
	// Eval evaluates the node against a change event.
	Eval(e *Event) bool
	// Fields returns the field names the node reads, for watch-plan derivation.
	Fields() []string
}

// Leaf is a single field/operator/value test.
type Leaf struct {
	Field string
	Op    Op
	Value interface{}
}

// AnyFieldChanged matches when any changed field is outside the exclude set.
type AnyFieldChanged struct {
	Exclude []string
}

// And matches when every child matches.
type And []Condition

// Or matches when at least one child matches.
type Or []Condition

func (l Leaf) Fields() []string { return []string{l.Field} }

func (l Leaf) Eval(e *Event) bool {
	current, hasCurrent := e.Current[l.Field]

	switch l.Op {
	case OpEquals:
		return hasCurrent && valueEquals(current, l.Value)

	case OpContains:
		if !hasCurrent {
			return false
		}
		return valueContains(current, l.Value)

	case OpChanged:
		change, inDiff := e.Diff[l.Field]
		changed := inDiff && !valueEquals(change.Old, change.New)
		if want, ok := l.Value.(bool); ok && !want {
			return !changed
		}
		return changed

	case OpIn:
		if !hasCurrent {
			return false
		}
		allowed := reflect.ValueOf(l.Value)
		if allowed.Kind() != reflect.Slice {
			return valueEquals(current, l.Value)
		}
		for i := 0; i < allowed.Len(); i++ {
			if valueEquals(current, allowed.Index(i).Interface()) {
				return true
			}
		}
		return false
	}
	return false
}

func (a AnyFieldChanged) Fields() []string { return nil }

func (a AnyFieldChanged) Eval(e *Event) bool {
	excluded := make(map[string]bool, len(a.Exclude))
	for _, f := range a.Exclude {
		excluded[f] = true
	}
	for field := range e.Diff {
		if !excluded[field] {
			return true
		}
	}
	return false
}

func (c And) Fields() []string { return childFields(c) }

func (c And) Eval(e *Event) bool {
	for _, child := range c {
		if !child.Eval(e) {
			return false
		}
	}
	return true
}

func (c Or) Fields() []string { return childFields([]Condition(c)) }

func (c Or) Eval(e *Event) bool {
	for _, child := range c {
		if child.Eval(e) {
			return true
		}
	}
	return false
}

func childFields(children []Condition) []string {
	var fields []string
	for _, child := range children {
		fields = append(fields, child.Fields()...)
	}
	return fields
}

// valueEquals compares loosely-typed platform values. Numeric and string
// forms of the same value (JSON decodes integers as float64) compare equal.
func valueEquals(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// valueContains implements the contains operator: substring for text,
// membership for list values.
func valueContains(value, needle interface{}) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(v, fmt.Sprint(needle))
	case []interface{}:
		for _, item := range v {
			if valueEquals(item, needle) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range v {
			if valueEquals(item, needle) {
				return true
			}
		}
		return false
	}
	return false
}
