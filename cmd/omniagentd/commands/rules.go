package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Clukay-Fun/OmniAgent/automation/rule"
	"github.com/Clukay-Fun/OmniAgent/display"
	"github.com/Clukay-Fun/OmniAgent/logger"
	"github.com/Clukay-Fun/OmniAgent/platform"
	"github.com/Clukay-Fun/OmniAgent/service"
)

// RulesCmd represents the rules command - rule inspection and manual runs
var RulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and trigger automation rules",
	Long: `Inspect loaded automation rules and run them manually.

Rule commands:
  omniagentd rules ls                # List loaded rules
  omniagentd rules trigger <name>    # Run a rule against a payload`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// RulesLsCmd lists loaded rules
var RulesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List loaded rules",
	Long: `List the rules from the configured rules file, with the persisted
disabled-rule registry applied.

Example:
  omniagentd rules ls`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRulesLs(cmd)
	},
}

// RulesTriggerCmd runs a rule manually
var RulesTriggerCmd = &cobra.Command{
	Use:   "trigger <rule>",
	Short: "Run a rule against a payload",
	Long: `Run a named rule's pipeline against a JSON payload, bypassing event
matching. Platform writes go to the dry-run client and are logged.

Example:
  omniagentd rules trigger escalate-overdue --payload '{"record_id": "rec-1", "status": "overdue"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, _ := cmd.Flags().GetString("payload")
		return runRulesTrigger(cmd, args[0], payload)
	},
}

func init() {
	RulesLsCmd.Flags().BoolP("json", "j", false, "Output rules as JSON")
	RulesTriggerCmd.Flags().String("payload", "{}", "JSON payload handed to the rule pipeline")

	RulesCmd.AddCommand(RulesLsCmd)
	RulesCmd.AddCommand(RulesTriggerCmd)
}

func runRulesLs(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	rules := rule.NewStore(database, cfg.Rules.Path, logger.Logger)
	if err := rules.Load(); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	all, err := rules.All()
	if err != nil {
		return fmt.Errorf("failed to read rules: %w", err)
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(all)
	}

	if len(all) == 0 {
		fmt.Println("No rules loaded")
		return nil
	}

	fmt.Printf("%-25s %-20s %-10s %-8s %s\n", "RULE ID", "TABLE", "ENABLED", "PRIO", "NAME")
	fmt.Printf("%-25s %-20s %-10s %-8s %s\n", "-------", "-----", "-------", "----", "----")
	for _, r := range all {
		fmt.Printf("%-25s %-20s %-10t %-8d %s\n",
			truncate(r.ID, 25),
			truncate(r.TableID, 20),
			r.Enabled,
			r.Priority,
			truncate(r.Name, 40))
	}
	fmt.Printf("\nTotal: %d rule(s)\n", len(all))
	return nil
}

func runRulesTrigger(cmd *cobra.Command, name, payload string) error {
	var fields platform.Fields
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return fmt.Errorf("payload is not a JSON object: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	plat := platform.NewDryRun(logger.Logger)
	svc, err := service.New(cfg, plat, plat, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	defer svc.Stop(ctx)

	eventID := "manual-" + uuid.NewString()
	outcome, err := svc.TriggerRule(ctx, name, eventID, fields)
	if err != nil {
		return fmt.Errorf("failed to run rule: %w", err)
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(map[string]interface{}{
			"event_id": eventID,
			"rule":     name,
			"result":   outcome.Result,
			"attempts": outcome.Attempts,
			"actions":  outcome.Actions,
			"error":    outcome.Err,
		})
	}

	fmt.Printf("Rule %s finished with result %s (event %s)\n", name, outcome.Result, eventID)
	for _, a := range outcome.Actions {
		fmt.Printf("  action: %s\n", a)
	}
	if outcome.Err != "" {
		fmt.Printf("  error: %s\n", outcome.Err)
	}
	return nil
}
