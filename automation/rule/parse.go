package rule

import (
	"github.com/Clukay-Fun/OmniAgent/automation/action"
	"github.com/Clukay-Fun/OmniAgent/errors"
)

// RawRule is the configuration shape of one rule before normalization.
// Both condition grammars that appear across rule files decode into this
// struct; Normalize unifies them into the single condition tree.
type RawRule struct {
	ID             string        `yaml:"id" json:"id"`
	Name           string        `yaml:"name,omitempty" json:"name,omitempty"`
	Source         string        `yaml:"source,omitempty" json:"source,omitempty"`
	Table          string        `yaml:"table" json:"table"`
	Enabled        *bool         `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Priority       int           `yaml:"priority,omitempty" json:"priority,omitempty"`
	NotifyTarget   string        `yaml:"notify_target,omitempty" json:"notify_target,omitempty"`
	Trigger        RawTrigger    `yaml:"trigger" json:"trigger"`
	BeforeActions  []action.Spec `yaml:"before_actions,omitempty" json:"before_actions,omitempty"`
	Actions        []action.Spec `yaml:"actions" json:"actions"`
	SuccessActions []action.Spec `yaml:"success_actions,omitempty" json:"success_actions,omitempty"`
	ErrorActions   []action.Spec `yaml:"error_actions,omitempty" json:"error_actions,omitempty"`
}

// RawTrigger accepts every supported trigger shape:
//
//	field + condition:  { field: status, condition: { equals: done } }
//	field + conditions: { field: status, match: all, conditions: [{field, op, value}] }
//	any field changed:  { any_field_changed: { exclude: [updated_at] } }
type RawTrigger struct {
	Field           string                 `yaml:"field,omitempty" json:"field,omitempty"`
	Watch           []string               `yaml:"watch,omitempty" json:"watch,omitempty"`
	Condition       map[string]interface{} `yaml:"condition,omitempty" json:"condition,omitempty"`
	Match           string                 `yaml:"match,omitempty" json:"match,omitempty"`
	Conditions      []RawCondition         `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	AnyFieldChanged *RawAnyFieldChanged    `yaml:"any_field_changed,omitempty" json:"any_field_changed,omitempty"`
}

// RawCondition is one node of the list grammar.
type RawCondition struct {
	Field string      `yaml:"field" json:"field"`
	Op    string      `yaml:"op" json:"op"`
	Value interface{} `yaml:"value" json:"value"`
}

// RawAnyFieldChanged is the any-field trigger with an exclude set.
type RawAnyFieldChanged struct {
	Exclude []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// Normalize validates a raw rule and builds the typed Rule.
// Malformed rules fail here, at load time, never during execution.
func Normalize(raw RawRule) (*Rule, error) {
	if raw.ID == "" {
		return nil, errors.New("rule requires an id")
	}
	if raw.Table == "" {
		return nil, errors.Newf("rule %s requires a table", raw.ID)
	}

	trigger, err := normalizeTrigger(raw.Trigger)
	if err != nil {
		return nil, errors.Wrapf(err, "rule %s", raw.ID)
	}

	pipeline, err := normalizePipeline(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "rule %s", raw.ID)
	}

	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}

	return &Rule{
		ID:           raw.ID,
		Name:         raw.Name,
		Source:       raw.Source,
		TableID:      raw.Table,
		Trigger:      trigger,
		Pipeline:     pipeline,
		Enabled:      enabled,
		Priority:     raw.Priority,
		NotifyTarget: raw.NotifyTarget,
	}, nil
}

func normalizeTrigger(raw RawTrigger) (Trigger, error) {
	if raw.AnyFieldChanged != nil {
		if raw.Field != "" || raw.Condition != nil || len(raw.Conditions) > 0 {
			return Trigger{}, errors.New("any_field_changed cannot be combined with field conditions")
		}
		return Trigger{
			Condition: AnyFieldChanged{Exclude: raw.AnyFieldChanged.Exclude},
		}, nil
	}

	if raw.Field == "" && raw.Condition == nil && len(raw.Conditions) == 0 {
		return Trigger{}, errors.New("trigger requires a field, conditions, or any_field_changed")
	}

	trigger := Trigger{Field: raw.Field, Watch: raw.Watch}

	// Grammar A: single dict combining operators on the trigger field.
	if raw.Condition != nil {
		if len(raw.Conditions) > 0 {
			return Trigger{}, errors.New("trigger cannot mix condition and conditions")
		}
		if raw.Field == "" {
			return Trigger{}, errors.New("condition dict requires a trigger field")
		}
		cond, err := parseConditionDict(raw.Field, raw.Condition)
		if err != nil {
			return Trigger{}, err
		}
		trigger.Condition = cond
		return trigger, nil
	}

	// Grammar B: list of condition nodes combined by all/any.
	if len(raw.Conditions) > 0 {
		children := make([]Condition, 0, len(raw.Conditions))
		for i, rc := range raw.Conditions {
			if rc.Field == "" {
				return Trigger{}, errors.Newf("condition %d requires a field", i)
			}
			if !ValidOp(rc.Op) {
				return Trigger{}, errors.Newf("condition %d has unknown op %q", i, rc.Op)
			}
			children = append(children, Leaf{Field: rc.Field, Op: Op(rc.Op), Value: rc.Value})
		}

		switch raw.Match {
		case "", "all":
			trigger.Condition = And(children)
		case "any":
			trigger.Condition = Or(children)
		default:
			return Trigger{}, errors.Newf("unknown match mode %q (want all or any)", raw.Match)
		}
		return trigger, nil
	}

	// Bare field trigger: any change of the field matches.
	return trigger, nil
}

// parseConditionDict turns {equals: x, contains: y, ...} on one field into a
// conjunction of leaves. Multiple operators in one dict AND together.
func parseConditionDict(field string, dict map[string]interface{}) (Condition, error) {
	var leaves []Condition
	for op, value := range dict {
		if !ValidOp(op) {
			return nil, errors.Newf("unknown condition operator %q", op)
		}
		leaves = append(leaves, Leaf{Field: field, Op: Op(op), Value: value})
	}
	if len(leaves) == 0 {
		return nil, errors.New("condition dict is empty")
	}
	if len(leaves) == 1 {
		return leaves[0], nil
	}
	return And(leaves), nil
}

func normalizePipeline(raw RawRule) (Pipeline, error) {
	before, err := action.ParseAll(raw.BeforeActions)
	if err != nil {
		return Pipeline{}, errors.Wrap(err, "before_actions")
	}
	actions, err := action.ParseAll(raw.Actions)
	if err != nil {
		return Pipeline{}, errors.Wrap(err, "actions")
	}
	if len(actions) == 0 {
		return Pipeline{}, errors.New("rule requires at least one action")
	}
	success, err := action.ParseAll(raw.SuccessActions)
	if err != nil {
		return Pipeline{}, errors.Wrap(err, "success_actions")
	}
	errActions, err := action.ParseAll(raw.ErrorActions)
	if err != nil {
		return Pipeline{}, errors.Wrap(err, "error_actions")
	}

	return Pipeline{
		Before:  before,
		Actions: actions,
		Success: success,
		Error:   errActions,
	}, nil
}
