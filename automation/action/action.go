// Package action defines the closed set of automation actions and validates
// loosely-typed action specs into strongly-typed variants at rule-load time,
// so malformed rule files fail fast instead of failing during execution.
package action

import (
	"time"

	"github.com/Clukay-Fun/OmniAgent/errors"
)

// Type identifies an action variant.
type Type string

const (
	TypeLog                 Type = "log"
	TypeSendMessage         Type = "send_message"
	TypeUpdateRecord        Type = "update_record"
	TypeUpsertRecord        Type = "upsert_record"
	TypeCreateCalendarEvent Type = "create_calendar_event"
)

// Action is one validated step of a rule pipeline.
type Action interface {
	Type() Type
}

// Log writes a line to the run log output.
type Log struct {
	Message string
}

// SendMessage posts a chat message to a target.
type SendMessage struct {
	Target  string
	Message string
}

// UpdateRecord writes field values onto the triggering record.
type UpdateRecord struct {
	Fields map[string]interface{}
}

// UpsertRecord updates-or-creates a record matched by a key field.
type UpsertRecord struct {
	KeyField string
	Fields   map[string]interface{}
}

// CreateCalendarEvent creates a calendar event enriched from record fields.
type CreateCalendarEvent struct {
	CalendarID string
	Summary    string
	StartField string
	Duration   time.Duration
}

func (Log) Type() Type                 { return TypeLog }
func (SendMessage) Type() Type         { return TypeSendMessage }
func (UpdateRecord) Type() Type        { return TypeUpdateRecord }
func (UpsertRecord) Type() Type        { return TypeUpsertRecord }
func (CreateCalendarEvent) Type() Type { return TypeCreateCalendarEvent }

// Spec is the raw configuration shape of one action, before validation.
type Spec struct {
	Type       string                 `yaml:"type" json:"type"`
	Message    string                 `yaml:"message,omitempty" json:"message,omitempty"`
	Target     string                 `yaml:"target,omitempty" json:"target,omitempty"`
	Fields     map[string]interface{} `yaml:"fields,omitempty" json:"fields,omitempty"`
	KeyField   string                 `yaml:"key_field,omitempty" json:"key_field,omitempty"`
	CalendarID string                 `yaml:"calendar_id,omitempty" json:"calendar_id,omitempty"`
	Summary    string                 `yaml:"summary,omitempty" json:"summary,omitempty"`
	StartField string                 `yaml:"start_field,omitempty" json:"start_field,omitempty"`
	Duration   time.Duration          `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// Parse validates a raw spec into its typed variant.
func Parse(s Spec) (Action, error) {
	switch Type(s.Type) {
	case TypeLog:
		if s.Message == "" {
			return nil, errors.New("log action requires a message")
		}
		return Log{Message: s.Message}, nil

	case TypeSendMessage:
		if s.Target == "" {
			return nil, errors.New("send_message action requires a target")
		}
		if s.Message == "" {
			return nil, errors.New("send_message action requires a message")
		}
		return SendMessage{Target: s.Target, Message: s.Message}, nil

	case TypeUpdateRecord:
		if len(s.Fields) == 0 {
			return nil, errors.New("update_record action requires fields")
		}
		return UpdateRecord{Fields: s.Fields}, nil

	case TypeUpsertRecord:
		if s.KeyField == "" {
			return nil, errors.New("upsert_record action requires key_field")
		}
		if len(s.Fields) == 0 {
			return nil, errors.New("upsert_record action requires fields")
		}
		return UpsertRecord{KeyField: s.KeyField, Fields: s.Fields}, nil

	case TypeCreateCalendarEvent:
		if s.CalendarID == "" {
			return nil, errors.New("create_calendar_event action requires calendar_id")
		}
		if s.Summary == "" {
			return nil, errors.New("create_calendar_event action requires summary")
		}
		return CreateCalendarEvent{
			CalendarID: s.CalendarID,
			Summary:    s.Summary,
			StartField: s.StartField,
			Duration:   s.Duration,
		}, nil
	}
	return nil, errors.Newf("unknown action type: %q", s.Type)
}

// ParseAll validates a list of raw specs, failing on the first bad one.
func ParseAll(specs []Spec) ([]Action, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	actions := make([]Action, 0, len(specs))
	for i, s := range specs {
		a, err := Parse(s)
		if err != nil {
			return nil, errors.Wrapf(err, "action %d", i)
		}
		actions = append(actions, a)
	}
	return actions, nil
}
