package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Clukay-Fun/OmniAgent/automation/action"
	"github.com/Clukay-Fun/OmniAgent/errors"
	"github.com/Clukay-Fun/OmniAgent/platform"
)

// Executor runs a single action with bounded retries and exponential backoff.
// Network and timeout failures are ordinary action failures subject to the
// same retry policy.
type Executor struct {
	tables     platform.TableClient
	messenger  platform.Messenger
	maxRetries int
	backoff    time.Duration
	logger     *zap.SugaredLogger
}

// NewExecutor creates an action executor. maxRetries is the retry budget:
// the total number of attempts made before an action is declared failed.
func NewExecutor(tables platform.TableClient, messenger platform.Messenger, maxRetries int, backoff time.Duration, logger *zap.SugaredLogger) *Executor {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Executor{
		tables:     tables,
		messenger:  messenger,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
	}
}

// Execute runs one action, retrying on failure. Returns the number of
// attempts made and the final error (nil on success).
func (x *Executor) Execute(ctx context.Context, act action.Action, ec *Context) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= x.maxRetries; attempt++ {
		lastErr = x.runOnce(ctx, act, ec)
		if lastErr == nil {
			return attempt, nil
		}

		x.logger.Warnw("Action attempt failed",
			"action", act.Type(),
			"rule_id", ec.RuleID,
			"event_id", ec.ID,
			"attempt", attempt,
			"error", lastErr)

		if attempt == x.maxRetries {
			break
		}
		// Exponential backoff between attempts
		wait := x.backoff * time.Duration(1<<(attempt-1))
		select {
		case <-ctx.Done():
			return attempt, errors.Wrap(ctx.Err(), "action cancelled during backoff")
		case <-time.After(wait):
		}
	}
	return x.maxRetries, lastErr
}

func (x *Executor) runOnce(ctx context.Context, act action.Action, ec *Context) error {
	rc := ec.renderContext()

	switch a := act.(type) {
	case action.Log:
		x.logger.Infow(action.Render(a.Message, rc),
			"rule_id", ec.RuleID,
			"event_id", ec.ID,
			"record_id", ec.RecordID)
		return nil

	case action.SendMessage:
		return x.messenger.SendMessage(ctx,
			action.Render(a.Target, rc),
			action.Render(a.Message, rc))

	case action.UpdateRecord:
		return x.tables.UpdateRecord(ctx, ec.Source, ec.TableID, ec.RecordID,
			action.RenderFields(a.Fields, rc))

	case action.UpsertRecord:
		return x.tables.UpsertRecord(ctx, ec.Source, ec.TableID, a.KeyField,
			action.RenderFields(a.Fields, rc))

	case action.CreateCalendarEvent:
		start := x.eventStart(a, ec)
		duration := a.Duration
		if duration <= 0 {
			duration = time.Hour
		}
		return x.messenger.CreateCalendarEvent(ctx, a.CalendarID,
			action.Render(a.Summary, rc), start, start.Add(duration))
	}
	return errors.Newf("unhandled action type %q", act.Type())
}

// eventStart resolves the calendar event start from the configured record
// field, falling back to now when absent or unparseable.
func (x *Executor) eventStart(a action.CreateCalendarEvent, ec *Context) time.Time {
	if a.StartField == "" {
		return time.Now()
	}
	raw, ok := ec.Current[a.StartField]
	if !ok {
		return time.Now()
	}
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	x.logger.Debugw("Unparseable calendar start field, using now",
		"field", a.StartField, "value", fmt.Sprint(raw))
	return time.Now()
}
