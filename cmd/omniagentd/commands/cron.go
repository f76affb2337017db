package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Clukay-Fun/OmniAgent/display"
	"github.com/Clukay-Fun/OmniAgent/jobs/cron"
	"github.com/Clukay-Fun/OmniAgent/logger"
)

// CronCmd represents the cron command - recurring job queue management
var CronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage the recurring job queue",
	Long: `Manage recurring automation jobs.

Jobs fire on a cron schedule and run the rule named in their payload.
A job that fails repeatedly is auto-paused and must be resumed by an
operator.

Job management commands:
  omniagentd cron ls               # List jobs
  omniagentd cron add <id> <expr>  # Schedule a recurring job
  omniagentd cron resume <id>      # Resume a paused job
  omniagentd cron cancel <id>      # Cancel a job`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// CronLsCmd lists cron jobs
var CronLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cron jobs",
	Long: `List cron jobs, optionally filtered by status.

Status filters:
  ACTIVE     - Jobs eligible for their next firing
  EXECUTING  - Jobs currently running
  WAITING    - Jobs between firings
  PAUSED     - Jobs auto-paused after repeated failures
  CANCELLED  - Cancelled jobs

Examples:
  omniagentd cron ls                   # List all jobs
  omniagentd cron ls --status PAUSED   # List only paused jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runCronLs(cmd, statusFilter, limit)
	},
}

// CronAddCmd schedules a new recurring job
var CronAddCmd = &cobra.Command{
	Use:   "add <job-id> <cron-expr>",
	Short: "Schedule a recurring job",
	Long: `Schedule a recurring job with a five-field cron expression.

The payload names the rule to run and carries the fields handed to its
pipeline.

Examples:
  omniagentd cron add daily-report "0 9 * * *" --payload '{"rule": "daily-report"}'
  omniagentd cron add hourly-sync "@hourly" --payload '{"rule": "sync"}' --max-failures 3`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, _ := cmd.Flags().GetString("payload")
		maxFailures, _ := cmd.Flags().GetInt("max-failures")
		return runCronAdd(args[0], args[1], payload, maxFailures)
	},
}

// CronResumeCmd resumes a paused job
var CronResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused cron job",
	Long: `Resume a job that was auto-paused after repeated failures.
The failure streak is cleared and a stale next-run time is moved forward.

Example:
  omniagentd cron resume daily-report`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCronResume(args[0])
	},
}

// CronCancelCmd cancels a job
var CronCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a cron job",
	Long: `Cancel a job permanently. A job in the middle of a run finishes the
current execution first, then lands in CANCELLED.

Example:
  omniagentd cron cancel daily-report`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCronCancel(args[0])
	},
}

func init() {
	CronLsCmd.Flags().String("status", "", "Filter by status (ACTIVE, EXECUTING, WAITING, PAUSED, CANCELLED)")
	CronLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")
	CronLsCmd.Flags().BoolP("json", "j", false, "Output jobs as JSON")
	CronAddCmd.Flags().String("payload", "{}", "JSON payload naming the rule to run")
	CronAddCmd.Flags().Int("max-failures", 0, "Consecutive failures before auto-pause (0 = default)")

	CronCmd.AddCommand(CronLsCmd)
	CronCmd.AddCommand(CronAddCmd)
	CronCmd.AddCommand(CronResumeCmd)
	CronCmd.AddCommand(CronCancelCmd)
}

func cronStore() (*cron.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cron.NewStore(database, logger.Logger), func() { database.Close() }, nil
}

func runCronLs(cmd *cobra.Command, statusFilter string, limit int) error {
	store, closeDB, err := cronStore()
	if err != nil {
		return err
	}
	defer closeDB()

	jobs, err := store.ListJobs(cron.Status(statusFilter), limit)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(jobs)
	}

	if len(jobs) == 0 {
		fmt.Println("No cron jobs found")
		return nil
	}

	fmt.Printf("%-20s %-10s %-15s %-8s %-20s %s\n", "JOB ID", "STATUS", "SCHEDULE", "FAILS", "NEXT RUN", "LAST ERROR")
	fmt.Printf("%-20s %-10s %-15s %-8s %-20s %s\n", "------", "------", "--------", "-----", "--------", "----------")
	for _, job := range jobs {
		fails := fmt.Sprintf("%d/%d", job.ConsecutiveFailures, job.MaxConsecutiveFailures)
		fmt.Printf("%-20s %-10s %-15s %-8s %-20s %s\n",
			truncate(job.JobID, 20),
			job.Status,
			truncate(job.CronExpr, 15),
			fails,
			job.NextRunAt.Format("2006-01-02 15:04"),
			truncate(job.LastError, 40))
	}
	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func runCronAdd(jobID, expr, payload string, maxFailures int) error {
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("payload is not valid JSON")
	}

	store, closeDB, err := cronStore()
	if err != nil {
		return err
	}
	defer closeDB()

	job := &cron.Job{
		JobID:                  jobID,
		CronExpr:               expr,
		Payload:                json.RawMessage(payload),
		MaxConsecutiveFailures: maxFailures,
	}
	if err := store.Schedule(job); err != nil {
		return fmt.Errorf("failed to schedule job: %w", err)
	}

	fmt.Printf("Scheduled job %s (next run %s)\n", job.JobID, job.NextRunAt.Format(time.RFC3339))
	return nil
}

func runCronResume(jobID string) error {
	store, closeDB, err := cronStore()
	if err != nil {
		return err
	}
	defer closeDB()

	resumed, err := store.Resume(jobID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to resume job: %w", err)
	}
	if !resumed {
		return fmt.Errorf("job %s is not paused", jobID)
	}
	fmt.Printf("Resumed job %s\n", jobID)
	return nil
}

func runCronCancel(jobID string) error {
	store, closeDB, err := cronStore()
	if err != nil {
		return err
	}
	defer closeDB()

	cancelled, err := store.Cancel(jobID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	if !cancelled {
		return fmt.Errorf("job %s was not found or already cancelled", jobID)
	}
	fmt.Printf("Cancelled job %s\n", jobID)
	return nil
}
