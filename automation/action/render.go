package action

import (
	"fmt"
	"strings"

	"github.com/Clukay-Fun/OmniAgent/platform"
)

// RenderContext carries the substitution values available to action text.
type RenderContext struct {
	EventID  string
	TableID  string
	RecordID string
	Error    string
	Fields   platform.Fields
}

// Render substitutes placeholders in an action text field.
// Supported: {record_id}, {table_id}, {event_id}, {error} and
// {field:<name>} which pulls the named value from the current record.
// Unknown placeholders are left intact.
func Render(tmpl string, rc RenderContext) string {
	r := strings.NewReplacer(
		"{record_id}", rc.RecordID,
		"{table_id}", rc.TableID,
		"{event_id}", rc.EventID,
		"{error}", rc.Error,
	)
	out := r.Replace(tmpl)

	if !strings.Contains(out, "{field:") {
		return out
	}

	var b strings.Builder
	for {
		start := strings.Index(out, "{field:")
		if start < 0 {
			b.WriteString(out)
			break
		}
		end := strings.Index(out[start:], "}")
		if end < 0 {
			b.WriteString(out)
			break
		}
		end += start

		b.WriteString(out[:start])
		name := out[start+len("{field:") : end]
		if v, ok := rc.Fields[name]; ok {
			b.WriteString(fmt.Sprint(v))
		} else {
			b.WriteString(out[start : end+1])
		}
		out = out[end+1:]
	}
	return b.String()
}

// RenderFields renders every string value of an action's field map.
// Non-string values pass through unchanged.
func RenderFields(fields map[string]interface{}, rc RenderContext) platform.Fields {
	out := make(platform.Fields, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			out[k] = Render(s, rc)
		} else {
			out[k] = v
		}
	}
	return out
}
