// Package display renders command output for humans or machines.
package display

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Clukay-Fun/OmniAgent/logger"
)

// ShouldOutputJSON determines if a command should output JSON based on its
// own --json flag, the global --json flag, or the process-wide JSON setting.
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd == nil {
		return logger.JSONOutput
	}

	if cmd.Flags().Changed("json") {
		jsonFlag, _ := cmd.Flags().GetBool("json")
		return jsonFlag
	}

	if globalFlag, _ := cmd.Root().PersistentFlags().GetBool("json"); globalFlag {
		return true
	}

	return logger.JSONOutput
}

// OutputJSON marshals and prints JSON using display.MarshalJSON
func OutputJSON(v interface{}) error {
	data, err := MarshalJSON(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
