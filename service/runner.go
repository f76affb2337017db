package service

import (
	"context"
	"encoding/json"

	"github.com/Clukay-Fun/OmniAgent/automation/store"
	"github.com/Clukay-Fun/OmniAgent/errors"
	"github.com/Clukay-Fun/OmniAgent/jobs/cron"
	"github.com/Clukay-Fun/OmniAgent/jobs/delay"
	"github.com/Clukay-Fun/OmniAgent/platform"
)

// Queue payloads name a rule and carry the fields its pipeline runs against:
//
//	{"rule": "escalate-overdue", "record_id": "rec-1", "status": "overdue"}
//
// Everything except the rule key is handed to the pipeline as the payload.

// RunCronJob implements cron.Runner: each firing executes the payload's rule.
func (s *AutomationService) RunCronJob(ctx context.Context, job *cron.Job) error {
	return s.runPayloadRule(ctx, "cron-"+job.JobID, "", job.Payload)
}

// RunDelayedTask implements delay.Runner. The rule comes from the task row
// when set, otherwise from the payload.
func (s *AutomationService) RunDelayedTask(ctx context.Context, task *delay.Task) error {
	return s.runPayloadRule(ctx, "delay-"+task.TaskID, task.RuleID, task.Payload)
}

func (s *AutomationService) runPayloadRule(ctx context.Context, eventID, ruleName string, payload []byte) error {
	fields := decodePayload(payload)
	if ruleName == "" {
		if v, ok := fields["rule"].(string); ok {
			ruleName = v
		}
	}
	if ruleName == "" {
		return errors.NewInvalidRequestError("payload names no rule")
	}
	delete(fields, "rule")

	outcome, err := s.TriggerRule(ctx, ruleName, eventID, platform.Fields(fields))
	if err != nil {
		return err
	}
	if outcome.Result == store.RunFailed {
		return errors.Newf("rule %s failed: %s", ruleName, outcome.Err)
	}
	return nil
}

func decodePayload(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return map[string]interface{}{}
	}
	return fields
}
