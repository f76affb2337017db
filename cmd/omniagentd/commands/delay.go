package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Clukay-Fun/OmniAgent/display"
	"github.com/Clukay-Fun/OmniAgent/jobs/delay"
	"github.com/Clukay-Fun/OmniAgent/logger"
)

// DelayCmd represents the delay command - delayed task queue management
var DelayCmd = &cobra.Command{
	Use:   "delay",
	Short: "Manage the delayed task queue",
	Long: `Manage one-shot delayed automation tasks.

A delayed task fires once at its trigger time and runs the rule it names.
Tasks run exactly once: a failed task stays FAILED and is not retried.

Task management commands:
  omniagentd delay ls                 # List tasks
  omniagentd delay add <id> <rule>    # Schedule a delayed task
  omniagentd delay cancel <id>        # Cancel a pending task`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// DelayLsCmd lists delayed tasks
var DelayLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List delayed tasks",
	Long: `List delayed tasks, optionally filtered by status.

Status filters:
  SCHEDULED  - Tasks waiting for their trigger time
  EXECUTING  - Tasks currently running
  COMPLETED  - Successfully completed tasks
  FAILED     - Tasks that failed
  CANCELLED  - Cancelled tasks

Examples:
  omniagentd delay ls
  omniagentd delay ls --status SCHEDULED`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runDelayLs(cmd, statusFilter, limit)
	},
}

// DelayAddCmd schedules a new delayed task
var DelayAddCmd = &cobra.Command{
	Use:   "add <task-id> <rule>",
	Short: "Schedule a delayed task",
	Long: `Schedule a one-shot task that runs the named rule after a delay.

Examples:
  omniagentd delay add remind-1 escalate-overdue --in 2h
  omniagentd delay add remind-2 escalate-overdue --in 30m --payload '{"record_id": "rec-1"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, _ := cmd.Flags().GetDuration("in")
		payload, _ := cmd.Flags().GetString("payload")
		return runDelayAdd(args[0], args[1], in, payload)
	},
}

// DelayCancelCmd cancels a pending task
var DelayCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a scheduled delayed task",
	Long: `Cancel a task that has not fired yet. Tasks already executing or
finished cannot be cancelled.

Example:
  omniagentd delay cancel remind-1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDelayCancel(args[0])
	},
}

func init() {
	DelayLsCmd.Flags().String("status", "", "Filter by status (SCHEDULED, EXECUTING, COMPLETED, FAILED, CANCELLED)")
	DelayLsCmd.Flags().Int("limit", 20, "Maximum number of tasks to display")
	DelayLsCmd.Flags().BoolP("json", "j", false, "Output tasks as JSON")
	DelayAddCmd.Flags().Duration("in", time.Hour, "Delay before the task fires")
	DelayAddCmd.Flags().String("payload", "{}", "JSON payload handed to the rule pipeline")

	DelayCmd.AddCommand(DelayLsCmd)
	DelayCmd.AddCommand(DelayAddCmd)
	DelayCmd.AddCommand(DelayCancelCmd)
}

func delayStore() (*delay.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	return delay.NewStore(database, logger.Logger), func() { database.Close() }, nil
}

func runDelayLs(cmd *cobra.Command, statusFilter string, limit int) error {
	store, closeDB, err := delayStore()
	if err != nil {
		return err
	}
	defer closeDB()

	tasks, err := store.ListTasks(delay.Status(statusFilter), limit)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(tasks)
	}

	if len(tasks) == 0 {
		fmt.Println("No delayed tasks found")
		return nil
	}

	fmt.Printf("%-20s %-10s %-20s %-20s %s\n", "TASK ID", "STATUS", "RULE", "TRIGGER AT", "ERROR")
	fmt.Printf("%-20s %-10s %-20s %-20s %s\n", "-------", "------", "----", "----------", "-----")
	for _, task := range tasks {
		fmt.Printf("%-20s %-10s %-20s %-20s %s\n",
			truncate(task.TaskID, 20),
			task.Status,
			truncate(task.RuleID, 20),
			task.TriggerAt.Format("2006-01-02 15:04"),
			truncate(task.ErrorDetail, 40))
	}
	fmt.Printf("\nTotal: %d task(s)\n", len(tasks))
	return nil
}

func runDelayAdd(taskID, ruleID string, in time.Duration, payload string) error {
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("payload is not valid JSON")
	}

	store, closeDB, err := delayStore()
	if err != nil {
		return err
	}
	defer closeDB()

	task := &delay.Task{
		TaskID:    taskID,
		RuleID:    ruleID,
		TriggerAt: time.Now().Add(in),
		Payload:   json.RawMessage(payload),
	}
	if err := store.ScheduleTask(task); err != nil {
		return fmt.Errorf("failed to schedule task: %w", err)
	}

	fmt.Printf("Scheduled task %s (fires %s)\n", task.TaskID, task.TriggerAt.Format(time.RFC3339))
	return nil
}

func runDelayCancel(taskID string) error {
	store, closeDB, err := delayStore()
	if err != nil {
		return err
	}
	defer closeDB()

	cancelled, err := store.Cancel(taskID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	if !cancelled {
		return fmt.Errorf("task %s is not in a cancellable state", taskID)
	}
	fmt.Printf("Cancelled task %s\n", taskID)
	return nil
}
