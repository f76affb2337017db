package display

import (
	"encoding/json"

	"github.com/Clukay-Fun/OmniAgent/logger"
)

// MarshalJSON marshals with compact formatting when the process runs with
// JSON log output (machine consumption), pretty formatting otherwise.
func MarshalJSON(v interface{}) ([]byte, error) {
	if logger.JSONOutput {
		return json.Marshal(v)
	}
	return json.MarshalIndent(v, "", "  ")
}
