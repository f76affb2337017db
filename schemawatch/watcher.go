package schemawatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Clukay-Fun/OmniAgent/automation/rule"
	"github.com/Clukay-Fun/OmniAgent/automation/store"
	"github.com/Clukay-Fun/OmniAgent/config"
	"github.com/Clukay-Fun/OmniAgent/errors"
	"github.com/Clukay-Fun/OmniAgent/platform"
)

// FieldRename is a field whose id survived with a different name.
type FieldRename struct {
	ID      string `json:"id"`
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

// FieldTypeChange is a field whose id survived with a different type.
type FieldTypeChange struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OldType string `json:"old_type"`
	NewType string `json:"new_type"`
}

// Drift is the classified difference between a table's cached and current
// field schemas.
type Drift struct {
	Source      string               `json:"source"`
	TableID     string               `json:"table_id"`
	TriggeredBy string               `json:"triggered_by,omitempty"`
	Added       []platform.FieldMeta `json:"added,omitempty"`
	Removed     []platform.FieldMeta `json:"removed,omitempty"`
	Renamed     []FieldRename        `json:"renamed,omitempty"`
	TypeChanged []FieldTypeChange    `json:"type_changed,omitempty"`

	// DisabledRules lists rule ids newly disabled by this refresh.
	DisabledRules []string `json:"disabled_rules,omitempty"`
}

// Empty reports whether the refresh found no schema change at all.
func (d *Drift) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 &&
		len(d.Renamed) == 0 && len(d.TypeChanged) == 0
}

// Risky reports whether the drift warrants an operator notification:
// renames, type changes, or a rule knocked out by a removed trigger field.
func (d *Drift) Risky() bool {
	return len(d.Renamed) > 0 || len(d.TypeChanged) > 0 || len(d.DisabledRules) > 0
}

// Summary renders a one-line human-readable description of the drift.
func (d *Drift) Summary() string {
	var parts []string
	if n := len(d.Added); n > 0 {
		parts = append(parts, fmt.Sprintf("%d added", n))
	}
	if n := len(d.Removed); n > 0 {
		parts = append(parts, fmt.Sprintf("%d removed", n))
	}
	for _, r := range d.Renamed {
		parts = append(parts, fmt.Sprintf("renamed %q -> %q", r.OldName, r.NewName))
	}
	for _, tc := range d.TypeChanged {
		parts = append(parts, fmt.Sprintf("%q type %s -> %s", tc.Name, tc.OldType, tc.NewType))
	}
	if n := len(d.DisabledRules); n > 0 {
		parts = append(parts, fmt.Sprintf("%d rule(s) disabled", n))
	}
	return fmt.Sprintf("schema drift on %s/%s: %s", d.Source, d.TableID, strings.Join(parts, ", "))
}

// Notifier delivers drift notifications to operators.
type Notifier interface {
	NotifySchemaDrift(ctx context.Context, drift *Drift) error
}

// Watcher refreshes table schemas against their snapshots and applies the
// trigger-field-removed policy.
type Watcher struct {
	tables    platform.TableClient
	rules     *rule.Store
	snapshots *SnapshotStore
	runLog    *store.RunLogStore
	notifier  Notifier
	policy    config.DriftPolicy
	logger    *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a schema watcher. notifier may be nil.
func NewWatcher(
	tables platform.TableClient,
	rules *rule.Store,
	snapshots *SnapshotStore,
	runLog *store.RunLogStore,
	notifier Notifier,
	policy config.DriftPolicy,
	logger *zap.SugaredLogger,
) *Watcher {
	if policy == "" {
		policy = config.DriftDisableRule
	}
	return &Watcher{
		tables:    tables,
		rules:     rules,
		snapshots: snapshots,
		runLog:    runLog,
		notifier:  notifier,
		policy:    policy,
		logger:    logger,
	}
}

// RefreshTable fetches the table's current fields, diffs them against the
// snapshot and persists the new snapshot unconditionally. When a trigger
// field of a bound rule is in the removed set, the configured policy is
// applied. Risky drift triggers a best-effort notification whose delivery
// outcome is logged, never raised.
func (w *Watcher) RefreshTable(ctx context.Context, source, tableID, triggeredBy string) (*Drift, error) {
	metas, err := w.tables.ListFields(ctx, source, tableID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list fields of %s/%s", source, tableID)
	}

	current := make(FieldSchema, len(metas))
	for _, m := range metas {
		current[m.ID] = m
	}

	prev, found, err := w.snapshots.Get(source, tableID)
	if err != nil {
		return nil, err
	}
	if err := w.snapshots.Save(source, tableID, current); err != nil {
		return nil, err
	}

	drift := &Drift{Source: source, TableID: tableID, TriggeredBy: triggeredBy}
	if !found {
		// First observation establishes the baseline
		w.logger.Debugw("Schema baseline recorded", "source", source, "table_id", tableID)
		return drift, nil
	}

	classify(prev, current, drift)
	if drift.Empty() {
		return drift, nil
	}
	w.logger.Infow("Schema drift detected",
		"source", source,
		"table_id", tableID,
		"triggered_by", triggeredBy,
		"summary", drift.Summary())

	if err := w.applyRemovalPolicy(drift, current); err != nil {
		return nil, err
	}

	w.appendRunEntry(drift, store.RunSchemaChanged, drift.Summary())

	if drift.Risky() && w.notifier != nil {
		if err := w.notifier.NotifySchemaDrift(ctx, drift); err != nil {
			w.logger.Warnw("Schema drift notification failed",
				"table_id", tableID, "error", err)
			w.appendRunEntry(drift, store.RunNotifyFailed, err.Error())
		}
	}

	return drift, nil
}

func classify(prev, current FieldSchema, drift *Drift) {
	for id, meta := range current {
		old, existed := prev[id]
		if !existed {
			drift.Added = append(drift.Added, meta)
			continue
		}
		if old.Name != meta.Name {
			drift.Renamed = append(drift.Renamed, FieldRename{
				ID: id, OldName: old.Name, NewName: meta.Name,
			})
		}
		if old.Type != meta.Type {
			drift.TypeChanged = append(drift.TypeChanged, FieldTypeChange{
				ID: id, Name: meta.Name, OldType: old.Type, NewType: meta.Type,
			})
		}
	}
	for id, meta := range prev {
		if _, exists := current[id]; !exists {
			drift.Removed = append(drift.Removed, meta)
		}
	}
	sort.Slice(drift.Added, func(i, j int) bool { return drift.Added[i].ID < drift.Added[j].ID })
	sort.Slice(drift.Removed, func(i, j int) bool { return drift.Removed[i].ID < drift.Removed[j].ID })
}

// applyRemovalPolicy checks every rule bound to the table whose trigger
// fields intersect the removed names and applies the configured policy.
func (w *Watcher) applyRemovalPolicy(drift *Drift, current FieldSchema) error {
	if len(drift.Removed) == 0 {
		return nil
	}

	removedNames := make(map[string]bool, len(drift.Removed))
	for _, m := range drift.Removed {
		removedNames[m.Name] = true
	}
	currentNames := make(map[string]bool, len(current))
	for _, m := range current {
		currentNames[m.Name] = true
	}

	rules, err := w.rules.ForTable(drift.TableID)
	if err != nil {
		return err
	}

	for _, r := range rules {
		field := w.removedTriggerField(r, removedNames)
		if field == "" {
			continue
		}

		switch w.policy {
		case config.DriftWarnOnly:
			w.logger.Warnw("Rule trigger field removed from schema",
				"rule_id", r.ID, "field", field, "policy", w.policy)

		case config.DriftAutoMapIfSameName:
			// A field with the same name still exists (dropped and
			// re-created under a new id); the rule keeps working as-is
			if currentNames[field] {
				w.logger.Infow("Removed trigger field re-mapped by name",
					"rule_id", r.ID, "field", field)
				continue
			}
			if err := w.disableRule(drift, r.ID, field); err != nil {
				return err
			}

		default: // DriftDisableRule, DriftAutoRemove
			if err := w.disableRule(drift, r.ID, field); err != nil {
				return err
			}
		}
	}
	return nil
}

// removedTriggerField returns the first trigger field of the rule that was
// removed from the schema, or "" when the rule is unaffected.
func (w *Watcher) removedTriggerField(r *rule.Rule, removedNames map[string]bool) string {
	if r.Trigger.Field != "" && removedNames[r.Trigger.Field] {
		return r.Trigger.Field
	}
	for _, f := range r.WatchFields() {
		if removedNames[f] {
			return f
		}
	}
	return ""
}

func (w *Watcher) disableRule(drift *Drift, ruleID, field string) error {
	disabled, err := w.rules.IsDisabled(ruleID)
	if err != nil {
		return err
	}
	reason := fmt.Sprintf("trigger field %q removed from %s/%s", field, drift.Source, drift.TableID)
	if err := w.rules.Disable(ruleID, reason); err != nil {
		return err
	}
	if !disabled {
		drift.DisabledRules = append(drift.DisabledRules, ruleID)
	}
	return nil
}

func (w *Watcher) appendRunEntry(drift *Drift, result store.RunResult, detail string) {
	changed := make([]string, 0, len(drift.Added)+len(drift.Removed))
	for _, m := range drift.Added {
		changed = append(changed, m.Name)
	}
	for _, m := range drift.Removed {
		changed = append(changed, m.Name)
	}
	if err := w.runLog.Append(store.RunLogEntry{
		EventID:       drift.TriggeredBy,
		ChangedFields: changed,
		Result:        result,
		Detail:        detail,
	}); err != nil {
		w.logger.Warnw("Failed to write schema run entry",
			"table_id", drift.TableID, "error", err)
	}
}

// Start launches a periodic refresh loop over every table with bound rules.
func (w *Watcher) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.logger.Infow("Schema watcher started", "interval", interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				w.logger.Info("Schema watcher stopped")
				return
			case <-ticker.C:
				w.Tick(ctx)
			}
		}
	}()
}

// Stop shuts down the refresh loop.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// Tick refreshes every table that has at least one rule bound to it.
func (w *Watcher) Tick(ctx context.Context) {
	all, err := w.rules.All()
	if err != nil {
		w.logger.Errorw("Failed to enumerate rules for schema poll", "error", err)
		return
	}

	type key struct{ source, tableID string }
	seen := map[key]bool{}
	for _, r := range all {
		k := key{r.Source, r.TableID}
		if seen[k] {
			continue
		}
		seen[k] = true
		if _, err := w.RefreshTable(ctx, r.Source, r.TableID, "schema_poll"); err != nil {
			w.logger.Errorw("Schema refresh failed",
				"source", r.Source, "table_id", r.TableID, "error", err)
		}
	}
}
