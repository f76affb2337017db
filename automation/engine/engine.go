package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Clukay-Fun/OmniAgent/automation/action"
	"github.com/Clukay-Fun/OmniAgent/automation/rule"
	"github.com/Clukay-Fun/OmniAgent/automation/store"
	"github.com/Clukay-Fun/OmniAgent/errors"
	"github.com/Clukay-Fun/OmniAgent/platform"
)

// Context is the execution context of one rule run: the event plus an error
// slot that error_actions may reference via the {error} placeholder.
type Context struct {
	rule.Event
	RuleID string
	Err    string
}

func (c *Context) renderContext() action.RenderContext {
	return action.RenderContext{
		EventID:  c.ID,
		TableID:  c.TableID,
		RecordID: c.RecordID,
		Error:    c.Err,
		Fields:   c.Current,
	}
}

// Outcome is the explicit result of one rule run. The pipeline driver
// branches on this value; action failures never propagate as errors.
type Outcome struct {
	Result   store.RunResult
	Err      string
	Attempts int
	Actions  []string
}

// Engine matches change events against rules and drives their pipelines.
type Engine struct {
	tables      platform.TableClient
	rules       *rule.Store
	matcher     *rule.Matcher
	executor    *Executor
	snapshots   *store.SnapshotStore
	runLog      *store.RunLogStore
	deadLetters *store.DeadLetterStore
	logger      *zap.SugaredLogger
}

// New creates an automation engine.
func New(
	tables platform.TableClient,
	rules *rule.Store,
	executor *Executor,
	snapshots *store.SnapshotStore,
	runLog *store.RunLogStore,
	deadLetters *store.DeadLetterStore,
	logger *zap.SugaredLogger,
) *Engine {
	return &Engine{
		tables:      tables,
		rules:       rules,
		matcher:     rule.NewMatcher(),
		executor:    executor,
		snapshots:   snapshots,
		runLog:      runLog,
		deadLetters: deadLetters,
		logger:      logger,
	}
}

// ProcessRecordChange handles one record-changed event end to end: fetch the
// current fields, diff against the snapshot, match rules and run pipelines.
// Returns the number of rules that matched.
func (e *Engine) ProcessRecordChange(ctx context.Context, eventID, source, tableID, recordID string) (int, error) {
	current, err := e.tables.GetRecord(ctx, source, tableID, recordID)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to fetch record %s", recordID)
	}

	old, _, err := e.snapshots.Get(source, tableID, recordID)
	if err != nil {
		return 0, err
	}

	diff := ComputeDiff(old, current)

	// The snapshot advances even when nothing matches, so the next event
	// diffs against this state
	if err := e.snapshots.Save(source, tableID, recordID, current); err != nil {
		return 0, err
	}

	event := &rule.Event{
		ID:       eventID,
		Source:   source,
		TableID:  tableID,
		RecordID: recordID,
		Old:      old,
		Current:  current,
		Diff:     diff,
	}

	return e.ProcessEvent(ctx, event)
}

// ProcessEvent matches the event against all rules for its table and runs
// each matching pipeline in rule store iteration order.
func (e *Engine) ProcessEvent(ctx context.Context, event *rule.Event) (int, error) {
	rules, err := e.rules.ForTable(event.TableID)
	if err != nil {
		return 0, err
	}

	matched := 0
	for _, r := range rules {
		if !e.matcher.Match(r, event) {
			continue
		}
		matched++
		outcome := e.RunRule(ctx, r, event)
		e.logger.Infow("Rule executed",
			"rule_id", r.ID,
			"event_id", event.ID,
			"result", outcome.Result,
			"attempts", outcome.Attempts)
	}

	if matched == 0 {
		// Single diagnostic entry, no dead-letter
		if err := e.runLog.Append(store.RunLogEntry{
			EventID:       event.ID,
			ChangedFields: event.ChangedFields(),
			Result:        store.RunNoMatch,
		}); err != nil {
			e.logger.Warnw("Failed to write no_match run entry", "event_id", event.ID, "error", err)
		}
	}

	return matched, nil
}

// RunRule executes one rule's pipeline for the event:
// before_actions, then actions, then success_actions, in declared order.
// The first failed action aborts its phase, runs error_actions best-effort,
// writes exactly one dead-letter entry and one failed run-log entry.
func (e *Engine) RunRule(ctx context.Context, r *rule.Rule, event *rule.Event) Outcome {
	start := time.Now()
	ec := &Context{Event: *event, RuleID: r.ID}

	var executed []string
	phases := []struct {
		name    string
		actions []action.Action
	}{
		{"before", r.Pipeline.Before},
		{"actions", r.Pipeline.Actions},
		{"success", r.Pipeline.Success},
	}

	for _, phase := range phases {
		for _, act := range phase.actions {
			attempts, err := e.executor.Execute(ctx, act, ec)
			if err != nil {
				return e.failRule(ctx, r, ec, act, err, attempts, executed, start)
			}
			executed = append(executed, string(act.Type()))
		}
	}

	outcome := Outcome{Result: store.RunSuccess, Actions: executed}
	if err := e.runLog.Append(store.RunLogEntry{
		EventID:       ec.ID,
		RuleID:        r.ID,
		TriggerField:  r.Trigger.Field,
		ChangedFields: ec.ChangedFields(),
		Actions:       executed,
		Result:        store.RunSuccess,
		DurationMs:    time.Since(start).Milliseconds(),
	}); err != nil {
		e.logger.Warnw("Failed to write run log", "rule_id", r.ID, "error", err)
	}
	return outcome
}

// failRule handles an exhausted action: error_actions, dead-letter, run log.
func (e *Engine) failRule(ctx context.Context, r *rule.Rule, ec *Context, failed action.Action, actErr error, attempts int, executed []string, start time.Time) Outcome {
	ec.Err = actErr.Error()

	// error_actions are best-effort; their failures are swallowed
	for _, act := range r.Pipeline.Error {
		if _, err := e.executor.Execute(ctx, act, ec); err != nil {
			e.logger.Warnw("Error action failed",
				"rule_id", r.ID,
				"action", act.Type(),
				"error", err)
		}
	}

	if err := e.deadLetters.Append(store.DeadLetterEntry{
		RuleID:     r.ID,
		EventID:    ec.ID,
		RecordID:   ec.RecordID,
		ActionType: string(failed.Type()),
		Error:      ec.Err,
	}); err != nil {
		e.logger.Errorw("Failed to write dead letter", "rule_id", r.ID, "error", err)
	}

	if err := e.runLog.Append(store.RunLogEntry{
		EventID:       ec.ID,
		RuleID:        r.ID,
		TriggerField:  r.Trigger.Field,
		ChangedFields: ec.ChangedFields(),
		Actions:       executed,
		Result:        store.RunFailed,
		RetryCount:    attempts,
		DurationMs:    time.Since(start).Milliseconds(),
		Detail:        fmt.Sprintf("%s: %s", failed.Type(), ec.Err),
	}); err != nil {
		e.logger.Errorw("Failed to write run log", "rule_id", r.ID, "error", err)
	}

	return Outcome{
		Result:   store.RunFailed,
		Err:      ec.Err,
		Attempts: attempts,
		Actions:  executed,
	}
}

// RunRuleWithPayload executes a rule's pipeline directly against a
// caller-supplied payload, bypassing platform event normalization.
// Used by the manual trigger endpoint for rule testing and replay.
func (e *Engine) RunRuleWithPayload(ctx context.Context, r *rule.Rule, eventID string, payload platform.Fields) Outcome {
	event := &rule.Event{
		ID:      eventID,
		Source:  r.Source,
		TableID: r.TableID,
		Current: payload,
	}
	if recordID, ok := payload["record_id"].(string); ok {
		event.RecordID = recordID
	}
	return e.RunRule(ctx, r, event)
}
