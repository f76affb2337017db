// Package service is the composition root: it wires the stores, engine,
// queues, schema watcher and webhook dispatcher onto one shared database,
// migrates legacy queue files, and owns the process lifecycle.
package service

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/Clukay-Fun/OmniAgent/automation/action"
	"github.com/Clukay-Fun/OmniAgent/automation/engine"
	"github.com/Clukay-Fun/OmniAgent/automation/rule"
	"github.com/Clukay-Fun/OmniAgent/automation/store"
	"github.com/Clukay-Fun/OmniAgent/config"
	"github.com/Clukay-Fun/OmniAgent/db"
	"github.com/Clukay-Fun/OmniAgent/errors"
	"github.com/Clukay-Fun/OmniAgent/jobs/cron"
	"github.com/Clukay-Fun/OmniAgent/jobs/delay"
	"github.com/Clukay-Fun/OmniAgent/notify"
	"github.com/Clukay-Fun/OmniAgent/platform"
	"github.com/Clukay-Fun/OmniAgent/schemawatch"
	"github.com/Clukay-Fun/OmniAgent/webhook"
)

// AutomationService wires all components onto one SQLite database.
type AutomationService struct {
	cfg    *config.Config
	db     *sql.DB
	logger *zap.SugaredLogger

	Rules      *rule.Store
	Engine     *engine.Engine
	CronStore  *cron.Store
	DelayStore *delay.Store

	cronPoller   *cron.Poller
	delaySched   *delay.Scheduler
	watcher      *schemawatch.Watcher
	dispatcher   *webhook.Dispatcher
	notifier     *notify.Notifier
	rulesWatcher *config.FileWatcher
}

// New builds the service. The platform collaborators (table client and
// messenger) are consumed behind interfaces and provided by the caller.
func New(cfg *config.Config, tables platform.TableClient, messenger platform.Messenger, logger *zap.SugaredLogger) (*AutomationService, error) {
	conn, err := db.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn, logger); err != nil {
		conn.Close()
		return nil, err
	}

	rules := rule.NewStore(conn, cfg.Rules.Path, logger)
	if err := rules.Load(); err != nil {
		conn.Close()
		return nil, err
	}
	rules.Visit(applyPipelineDefaults)

	runLog := store.NewRunLogStore(cfg.Rules.RunLogPath)
	deadLetters := store.NewDeadLetterStore(cfg.Rules.DeadLetterPath)
	snapshots := store.NewSnapshotStore(conn)
	idem := store.NewIdempotencyStore(conn, cfg.Webhook.IdempotencyTTL, cfg.Webhook.IdempotencyMax)

	executor := engine.NewExecutor(tables, messenger, cfg.Rules.MaxRetries, cfg.Rules.RetryBackoff, logger)
	eng := engine.New(tables, rules, executor, snapshots, runLog, deadLetters, logger)

	notifier := notify.NewNotifier(cfg.Notify.WebhookURL, cfg.Notify.Secret,
		cfg.Notify.Timeout, cfg.Notify.RatePerSec, logger)

	driftNotifier := notifier
	if cfg.Schema.NotifyURL != "" {
		driftNotifier = notify.NewNotifier(cfg.Schema.NotifyURL, cfg.Schema.NotifySecret,
			cfg.Notify.Timeout, cfg.Notify.RatePerSec, logger)
	}
	watcher := schemawatch.NewWatcher(tables, rules, schemawatch.NewSnapshotStore(conn),
		runLog, driftNotifier, cfg.Schema.OnTriggerFieldRemoved, logger)

	svc := &AutomationService{
		cfg:        cfg,
		db:         conn,
		logger:     logger,
		Rules:      rules,
		Engine:     eng,
		CronStore:  cron.NewStore(conn, logger),
		DelayStore: delay.NewStore(conn, logger),
		watcher:    watcher,
		notifier:   notifier,
	}

	svc.cronPoller = cron.NewPoller(svc.CronStore, svc,
		cfg.Cron.PollInterval, cfg.Cron.ClaimLimit, logger)
	svc.cronPoller.OnResult = svc.onCronResult
	svc.cronPoller.FailureThreshold = cfg.Cron.MaxConsecutiveFailures

	svc.delaySched = delay.NewScheduler(svc.DelayStore, svc,
		cfg.Delay.PollInterval, cfg.Delay.ClaimLimit, cfg.Delay.Retention, logger)
	svc.delaySched.OnResult = svc.onDelayResult

	svc.dispatcher = webhook.NewDispatcher(cfg.Webhook, eng, rules, watcher, idem, logger)

	if err := svc.migrateLegacyQueues(); err != nil {
		conn.Close()
		return nil, err
	}

	// Hot reload of the rules file; a watcher failure is not fatal
	if fw, err := config.NewFileWatcher(cfg.Rules.Path, logger); err != nil {
		logger.Warnw("Rules file watcher unavailable", "path", cfg.Rules.Path, "error", err)
	} else {
		fw.OnReload(func() error {
			if err := rules.Reload(); err != nil {
				return err
			}
			rules.Visit(applyPipelineDefaults)
			return nil
		})
		svc.rulesWatcher = fw
	}

	return svc, nil
}

// Start launches the pollers, the schema watcher and, when enabled, the
// webhook dispatcher.
func (s *AutomationService) Start(ctx context.Context) {
	s.cronPoller.Start(ctx)
	s.delaySched.Start(ctx)
	if s.cfg.Schema.Enabled {
		s.watcher.Start(ctx, s.cfg.Schema.PollInterval)
	}
	if s.rulesWatcher != nil {
		s.rulesWatcher.Start()
	}
	if s.cfg.Webhook.Enabled {
		go func() {
			if err := s.dispatcher.Start(); err != nil {
				s.logger.Errorw("Webhook dispatcher exited", "error", err)
			}
		}()
	}
	s.logger.Info("Automation service started")
}

// Stop shuts everything down and closes the database.
func (s *AutomationService) Stop(ctx context.Context) {
	s.cronPoller.Stop()
	s.delaySched.Stop()
	if s.cfg.Schema.Enabled {
		s.watcher.Stop()
	}
	if s.rulesWatcher != nil {
		_ = s.rulesWatcher.Stop()
	}
	if err := s.dispatcher.Shutdown(ctx); err != nil {
		s.logger.Warnw("Webhook shutdown failed", "error", err)
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warnw("Database close failed", "error", err)
	}
	s.logger.Info("Automation service stopped")
}

// TriggerRule executes a named enabled rule against a caller payload.
// The manual entry point behind the webhook trigger and the CLI.
func (s *AutomationService) TriggerRule(ctx context.Context, name, eventID string, payload platform.Fields) (engine.Outcome, error) {
	r, err := s.Rules.GetByName(name)
	if err != nil {
		return engine.Outcome{}, err
	}
	if !r.Enabled {
		return engine.Outcome{}, errors.NewConflictError("rule %s is disabled", r.ID)
	}
	outcome := s.Engine.RunRuleWithPayload(ctx, r, eventID, payload)
	return outcome, nil
}

// NotifyCronExecutionResult reports a finished cron run to the configured
// notification webhook. Best-effort: the Delivery value carries any failure.
func (s *AutomationService) NotifyCronExecutionResult(ctx context.Context, jobID, status string, payload map[string]interface{}, errDetail string) notify.Delivery {
	return s.notifier.NotifyExecutionResult(ctx, "cron", jobID, status, s.fillNotifyTarget(payload, ""), errDetail)
}

// NotifyDelayExecutionResult reports a finished delayed task.
func (s *AutomationService) NotifyDelayExecutionResult(ctx context.Context, taskID, status string, payload map[string]interface{}, errDetail string) notify.Delivery {
	return s.notifier.NotifyExecutionResult(ctx, "delay", taskID, status, s.fillNotifyTarget(payload, ""), errDetail)
}

// fillNotifyTarget backfills the rule's notify_target into the payload when
// the payload itself names no recipient. The rule comes from ruleName when
// given, otherwise from the payload's rule key.
func (s *AutomationService) fillNotifyTarget(payload map[string]interface{}, ruleName string) map[string]interface{} {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	for _, key := range []string{"chat_id", "user_id", "notify_target"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return payload
		}
	}
	if ruleName == "" {
		if v, ok := payload["rule"].(string); ok {
			ruleName = v
		}
	}
	if ruleName == "" {
		return payload
	}
	r, err := s.Rules.GetByName(ruleName)
	if err != nil || r.NotifyTarget == "" {
		return payload
	}
	payload["notify_target"] = r.NotifyTarget
	return payload
}

func (s *AutomationService) onCronResult(job *cron.Job, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	status, detail := resultStatus(runErr)
	s.NotifyCronExecutionResult(ctx, job.JobID, status, decodePayload(job.Payload), detail)
}

func (s *AutomationService) onDelayResult(task *delay.Task, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	status, detail := resultStatus(runErr)
	payload := s.fillNotifyTarget(decodePayload(task.Payload), task.RuleID)
	s.NotifyDelayExecutionResult(ctx, task.TaskID, status, payload, detail)
}

func resultStatus(runErr error) (status, detail string) {
	if runErr != nil {
		return "failed", runErr.Error()
	}
	return "success", ""
}

// applyPipelineDefaults injects the default status-write actions when a rule
// omits before/success/error phases, so every pipeline reports progress onto
// its own record.
func applyPipelineDefaults(r *rule.Rule) {
	if len(r.Pipeline.Before) == 0 {
		r.Pipeline.Before = []action.Action{
			action.UpdateRecord{Fields: map[string]interface{}{
				"automation_status": "processing",
			}},
		}
	}
	if len(r.Pipeline.Success) == 0 {
		r.Pipeline.Success = []action.Action{
			action.UpdateRecord{Fields: map[string]interface{}{
				"automation_status": "success",
			}},
		}
	}
	if len(r.Pipeline.Error) == 0 {
		r.Pipeline.Error = []action.Action{
			action.UpdateRecord{Fields: map[string]interface{}{
				"automation_status": "failed",
				"automation_error":  "{error}",
			}},
		}
	}
}
