package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Clukay-Fun/OmniAgent/logger"
	"github.com/Clukay-Fun/OmniAgent/platform"
	"github.com/Clukay-Fun/OmniAgent/service"
)

// ServeCmd runs the automation daemon in the foreground.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the automation daemon",
	Long: `Run the automation daemon in foreground mode.

The daemon will:
- Serve the authenticated webhook entry points (callback + manual trigger)
- Poll the cron and delayed job queues
- Watch bound table schemas for drift (when enabled)
- Hot-reload the rules file on change
- Run until interrupted (Ctrl+C) with graceful shutdown

Without platform credentials the daemon runs against a dry-run client:
record writes and messages are logged instead of delivered.

Example:
  omniagentd serve
  omniagentd serve --config /etc/omniagent/omniagent.toml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		plat := platform.NewDryRun(logger.Logger)
		svc, err := service.New(cfg, plat, plat, logger.Logger)
		if err != nil {
			return fmt.Errorf("failed to build service: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		svc.Start(ctx)

		pterm.Success.Println("OmniAgent daemon started")
		pterm.Printf("  Database: %s\n", cfg.Database.Path)
		pterm.Printf("  Rules: %s\n", cfg.Rules.Path)
		if cfg.Webhook.Enabled {
			pterm.Printf("  Webhook: %s\n", cfg.Webhook.ListenAddr)
		}
		pterm.Printf("  Cron poll interval: %v\n", cfg.Cron.PollInterval)
		pterm.Printf("  Delay poll interval: %v\n", cfg.Delay.PollInterval)
		if cfg.Schema.Enabled {
			pterm.Printf("  Schema watch interval: %v\n", cfg.Schema.PollInterval)
		}
		pterm.Println()
		pterm.Info.Println("Press Ctrl+C for graceful shutdown")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		pterm.Info.Println("Shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		svc.Stop(shutdownCtx)

		pterm.Success.Println("OmniAgent daemon stopped")
		return nil
	},
}
