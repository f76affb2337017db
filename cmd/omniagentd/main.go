package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Clukay-Fun/OmniAgent/cmd/omniagentd/commands"
	"github.com/Clukay-Fun/OmniAgent/logger"
)

var rootCmd = &cobra.Command{
	Use:   "omniagentd",
	Short: "OmniAgent - automation engine for tabular-data platforms",
	Long: `OmniAgent - rule-driven automation for tabular-data platforms.

OmniAgent matches record change events against declarative rules and drives
their action pipelines, with cron and delayed job queues, schema drift
watching, and authenticated webhook entry points.

Available commands:
  serve  - Run the automation daemon (webhook + pollers + schema watcher)
  rules  - Inspect and trigger automation rules
  cron   - Manage the recurring job queue
  delay  - Manage the delayed task queue

Examples:
  omniagentd serve                         # Run the daemon in the foreground
  omniagentd rules ls                      # List loaded rules
  omniagentd cron add daily "0 9 * * *"    # Schedule a recurring job
  omniagentd cron ls --status PAUSED       # Show auto-paused jobs
  omniagentd delay ls                      # Show pending delayed tasks`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Root().PersistentFlags().GetBool("json")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if verbose, _ := cmd.Root().PersistentFlags().GetCount("verbose"); verbose > 0 {
			if err := logger.SetVerbose(); err != nil {
				return fmt.Errorf("failed to enable verbose logging: %w", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity")
	rootCmd.PersistentFlags().Bool("json", false, "Machine-readable output and JSON logs")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Path to config file (default: ./omniagent.toml)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.RulesCmd)
	rootCmd.AddCommand(commands.CronCmd)
	rootCmd.AddCommand(commands.DelayCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
