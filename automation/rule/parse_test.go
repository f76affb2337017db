package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Clukay-Fun/OmniAgent/automation/action"
)

func TestNormalizeConditionDictGrammar(t *testing.T) {
	raw := RawRule{
		ID:    "r1",
		Table: "tbl-1",
		Trigger: RawTrigger{
			Field:     "status",
			Condition: map[string]interface{}{"equals": "done"},
		},
		Actions: []action.Spec{{Type: "log", Message: "matched"}},
	}

	r, err := Normalize(raw)
	require.NoError(t, err)

	leaf, ok := r.Trigger.Condition.(Leaf)
	require.True(t, ok, "single-operator dict should normalize to a Leaf")
	assert.Equal(t, "status", leaf.Field)
	assert.Equal(t, OpEquals, leaf.Op)
	assert.Equal(t, "done", leaf.Value)
	assert.True(t, r.Enabled)
}

func TestNormalizeConditionListGrammar(t *testing.T) {
	raw := RawRule{
		ID:    "r2",
		Table: "tbl-1",
		Trigger: RawTrigger{
			Field: "status",
			Match: "any",
			Conditions: []RawCondition{
				{Field: "status", Op: "equals", Value: "done"},
				{Field: "owner", Op: "changed", Value: true},
			},
		},
		Actions: []action.Spec{{Type: "log", Message: "matched"}},
	}

	r, err := Normalize(raw)
	require.NoError(t, err)

	or, ok := r.Trigger.Condition.(Or)
	require.True(t, ok)
	assert.Len(t, or, 2)
}

func TestNormalizeAnyFieldChangedGrammar(t *testing.T) {
	raw := RawRule{
		ID:    "r3",
		Table: "tbl-1",
		Trigger: RawTrigger{
			AnyFieldChanged: &RawAnyFieldChanged{Exclude: []string{"updated_at"}},
		},
		Actions: []action.Spec{{Type: "log", Message: "matched"}},
	}

	r, err := Normalize(raw)
	require.NoError(t, err)

	afc, ok := r.Trigger.Condition.(AnyFieldChanged)
	require.True(t, ok)
	assert.Equal(t, []string{"updated_at"}, afc.Exclude)
	assert.Empty(t, r.WatchFields(), "any-field trigger watches everything")
}

func TestNormalizeRejectsMalformedRules(t *testing.T) {
	base := func() RawRule {
		return RawRule{
			ID:      "r",
			Table:   "tbl-1",
			Trigger: RawTrigger{Field: "status"},
			Actions: []action.Spec{{Type: "log", Message: "m"}},
		}
	}

	missingID := base()
	missingID.ID = ""
	_, err := Normalize(missingID)
	assert.Error(t, err)

	missingTable := base()
	missingTable.Table = ""
	_, err = Normalize(missingTable)
	assert.Error(t, err)

	noActions := base()
	noActions.Actions = nil
	_, err = Normalize(noActions)
	assert.Error(t, err)

	badOp := base()
	badOp.Trigger.Conditions = []RawCondition{{Field: "x", Op: "regex", Value: ".*"}}
	_, err = Normalize(badOp)
	assert.Error(t, err)

	mixed := base()
	mixed.Trigger.Condition = map[string]interface{}{"equals": 1}
	mixed.Trigger.AnyFieldChanged = &RawAnyFieldChanged{}
	_, err = Normalize(mixed)
	assert.Error(t, err)

	badAction := base()
	badAction.Actions = []action.Spec{{Type: "log"}}
	_, err = Normalize(badAction)
	assert.Error(t, err)
}

func TestRawRuleDecodesFromYAML(t *testing.T) {
	doc := `
id: overdue-reminder
table: tasks
priority: 10
trigger:
  field: due
  conditions:
    - {field: due, op: changed, value: true}
    - {field: status, op: in, value: [open, blocked]}
actions:
  - type: send_message
    target: "{field:owner}"
    message: "task {record_id} is due"
error_actions:
  - type: log
    message: "reminder failed: {error}"
`
	var raw RawRule
	require.NoError(t, yaml.Unmarshal([]byte(doc), &raw))

	r, err := Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, "overdue-reminder", r.ID)
	assert.Equal(t, 10, r.Priority)
	and, ok := r.Trigger.Condition.(And)
	require.True(t, ok, "default match mode is all")
	assert.Len(t, and, 2)
	assert.Len(t, r.Pipeline.Actions, 1)
	assert.Len(t, r.Pipeline.Error, 1)
	assert.ElementsMatch(t, []string{"due", "status"}, r.WatchFields())
}
