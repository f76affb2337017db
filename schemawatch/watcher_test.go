package schemawatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Clukay-Fun/OmniAgent/automation/rule"
	"github.com/Clukay-Fun/OmniAgent/automation/store"
	"github.com/Clukay-Fun/OmniAgent/config"
	"github.com/Clukay-Fun/OmniAgent/errors"
	qatest "github.com/Clukay-Fun/OmniAgent/internal/testing"
	"github.com/Clukay-Fun/OmniAgent/platform"
)

// fakeSchemaClient serves field lists per table.
type fakeSchemaClient struct {
	fields map[string][]platform.FieldMeta
}

func (f *fakeSchemaClient) ListFields(_ context.Context, _, tableID string) ([]platform.FieldMeta, error) {
	metas, ok := f.fields[tableID]
	if !ok {
		return nil, errors.NewNotFoundError("table %s", tableID)
	}
	return metas, nil
}

func (f *fakeSchemaClient) GetRecord(context.Context, string, string, string) (platform.Fields, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeSchemaClient) UpdateRecord(context.Context, string, string, string, platform.Fields) error {
	return errors.New("not implemented")
}
func (f *fakeSchemaClient) UpsertRecord(context.Context, string, string, string, platform.Fields) error {
	return errors.New("not implemented")
}

type fakeNotifier struct {
	drifts []*Drift
	fail   bool
}

func (f *fakeNotifier) NotifySchemaDrift(_ context.Context, d *Drift) error {
	f.drifts = append(f.drifts, d)
	if f.fail {
		return errors.New("endpoint unreachable")
	}
	return nil
}

const statusRule = `
rules:
  - id: notify-done
    table: tasks
    trigger:
      field: status
      condition: {equals: done}
    actions:
      - type: log
        message: done
`

type watchEnv struct {
	watcher   *Watcher
	client    *fakeSchemaClient
	notifier  *fakeNotifier
	rules     *rule.Store
	runLog    *store.RunLogStore
	snapshots *SnapshotStore
}

func newWatchEnv(t *testing.T, policy config.DriftPolicy) *watchEnv {
	t.Helper()
	db := qatest.CreateTestDB(t)
	dir := t.TempDir()

	rulesPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(statusRule), 0o644))

	log := zap.NewNop().Sugar()
	rules := rule.NewStore(db, rulesPath, log)
	require.NoError(t, rules.Load())

	client := &fakeSchemaClient{fields: map[string][]platform.FieldMeta{}}
	notifier := &fakeNotifier{}
	runLog := store.NewRunLogStore(filepath.Join(dir, "run_log.ndjson"))
	snapshots := NewSnapshotStore(db)

	return &watchEnv{
		watcher:   NewWatcher(client, rules, snapshots, runLog, notifier, policy, log),
		client:    client,
		notifier:  notifier,
		rules:     rules,
		runLog:    runLog,
		snapshots: snapshots,
	}
}

func baseFields() []platform.FieldMeta {
	return []platform.FieldMeta{
		{ID: "fld1", Name: "status", Type: "text"},
		{ID: "fld2", Name: "owner", Type: "text"},
	}
}

func TestFirstObservationEstablishesBaseline(t *testing.T) {
	env := newWatchEnv(t, config.DriftDisableRule)
	env.client.fields["tasks"] = baseFields()

	drift, err := env.watcher.RefreshTable(context.Background(), "base1", "tasks", "test")
	require.NoError(t, err)
	assert.True(t, drift.Empty())

	entries, err := env.runLog.List()
	require.NoError(t, err)
	assert.Empty(t, entries, "baseline is not drift")
}

func TestUnchangedSchemaReturnsEarly(t *testing.T) {
	env := newWatchEnv(t, config.DriftDisableRule)
	env.client.fields["tasks"] = baseFields()

	_, err := env.watcher.RefreshTable(context.Background(), "base1", "tasks", "test")
	require.NoError(t, err)
	drift, err := env.watcher.RefreshTable(context.Background(), "base1", "tasks", "test")
	require.NoError(t, err)

	assert.True(t, drift.Empty())
	assert.Empty(t, env.notifier.drifts)
}

func TestClassifiesAddedRemovedRenamedTypeChanged(t *testing.T) {
	env := newWatchEnv(t, config.DriftWarnOnly)
	env.client.fields["tasks"] = []platform.FieldMeta{
		{ID: "fld1", Name: "status", Type: "text"},
		{ID: "fld2", Name: "owner", Type: "text"},
		{ID: "fld3", Name: "due", Type: "date"},
	}
	_, err := env.watcher.RefreshTable(context.Background(), "base1", "tasks", "test")
	require.NoError(t, err)

	env.client.fields["tasks"] = []platform.FieldMeta{
		{ID: "fld1", Name: "state", Type: "text"},   // renamed
		{ID: "fld3", Name: "due", Type: "datetime"}, // type changed
		{ID: "fld4", Name: "labels", Type: "list"},  // added
		// fld2 removed
	}
	drift, err := env.watcher.RefreshTable(context.Background(), "base1", "tasks", "test")
	require.NoError(t, err)

	require.Len(t, drift.Added, 1)
	assert.Equal(t, "labels", drift.Added[0].Name)
	require.Len(t, drift.Removed, 1)
	assert.Equal(t, "owner", drift.Removed[0].Name)
	require.Len(t, drift.Renamed, 1)
	assert.Equal(t, FieldRename{ID: "fld1", OldName: "status", NewName: "state"}, drift.Renamed[0])
	require.Len(t, drift.TypeChanged, 1)
	assert.Equal(t, "datetime", drift.TypeChanged[0].NewType)
}

func TestRemovedTriggerFieldDisablesRule(t *testing.T) {
	env := newWatchEnv(t, config.DriftDisableRule)
	env.client.fields["tasks"] = baseFields()
	_, err := env.watcher.RefreshTable(context.Background(), "base1", "tasks", "test")
	require.NoError(t, err)

	// status disappears entirely
	env.client.fields["tasks"] = []platform.FieldMeta{
		{ID: "fld2", Name: "owner", Type: "text"},
	}
	drift, err := env.watcher.RefreshTable(context.Background(), "base1", "tasks", "evt-7")
	require.NoError(t, err)

	assert.Equal(t, []string{"notify-done"}, drift.DisabledRules)
	disabled, err := env.rules.IsDisabled("notify-done")
	require.NoError(t, err)
	assert.True(t, disabled)

	entries, err := env.runLog.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.RunSchemaChanged, entries[0].Result)
	assert.Equal(t, "evt-7", entries[0].EventID)

	// Disabling counts as risky, so the notifier fired
	require.Len(t, env.notifier.drifts, 1)
}

func TestDisableIsIdempotentAcrossRefreshes(t *testing.T) {
	env := newWatchEnv(t, config.DriftDisableRule)
	env.client.fields["tasks"] = baseFields()
	_, err := env.watcher.RefreshTable(context.Background(), "base1", "tasks", "test")
	require.NoError(t, err)

	env.client.fields["tasks"] = []platform.FieldMeta{{ID: "fld2", Name: "owner", Type: "text"}}
	_, err = env.watcher.RefreshTable(context.Background(), "base1", "tasks", "test")
	require.NoError(t, err)

	// Another removal on the same table; the rule is already disabled and
	// must not be reported as newly disabled again
	env.client.fields["tasks"] = []platform.FieldMeta{}
	drift, err := env.watcher.RefreshTable(context.Background(), "base1", "tasks", "test")
	require.NoError(t, err)
	assert.Empty(t, drift.DisabledRules)
}

func TestWarnOnlyLeavesRuleEnabled(t *testing.T) {
	env := newWatchEnv(t, config.DriftWarnOnly)
	env.client.fields["tasks"] = baseFields()
	_, err := env.watcher.RefreshTable(context.Background(), "base1", "tasks", "test")
	require.NoError(t, err)

	env.client.fields["tasks"] = []platform.FieldMeta{{ID: "fld2", Name: "owner", Type: "text"}}
	drift, err := env.watcher.RefreshTable(context.Background(), "base1", "tasks", "test")
	require.NoError(t, err)

	assert.Empty(t, drift.DisabledRules)
	disabled, err := env.rules.IsDisabled("notify-done")
	require.NoError(t, err)
	assert.False(t, disabled)
}

func TestAutoMapKeepsRuleWhenNameSurvives(t *testing.T) {
	env := newWatchEnv(t, config.DriftAutoMapIfSameName)
	env.client.fields["tasks"] = baseFields()
	_, err := env.watcher.RefreshTable(context.Background(), "base1", "tasks", "test")
	require.NoError(t, err)

	// Field dropped and re-created under a new id with the same name
	env.client.fields["tasks"] = []platform.FieldMeta{
		{ID: "fld9", Name: "status", Type: "text"},
		{ID: "fld2", Name: "owner", Type: "text"},
	}
	drift, err := env.watcher.RefreshTable(context.Background(), "base1", "tasks", "test")
	require.NoError(t, err)

	assert.Empty(t, drift.DisabledRules)
	disabled, err := env.rules.IsDisabled("notify-done")
	require.NoError(t, err)
	assert.False(t, disabled)
}

func TestNotificationFailureIsLoggedNotRaised(t *testing.T) {
	env := newWatchEnv(t, config.DriftDisableRule)
	env.notifier.fail = true
	env.client.fields["tasks"] = baseFields()
	_, err := env.watcher.RefreshTable(context.Background(), "base1", "tasks", "test")
	require.NoError(t, err)

	env.client.fields["tasks"] = []platform.FieldMeta{{ID: "fld2", Name: "owner", Type: "text"}}
	_, err = env.watcher.RefreshTable(context.Background(), "base1", "tasks", "test")
	require.NoError(t, err, "notification failures never propagate")

	entries, err := env.runLog.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.RunSchemaChanged, entries[0].Result)
	assert.Equal(t, store.RunNotifyFailed, entries[1].Result)
}

func TestTickRefreshesBoundTables(t *testing.T) {
	env := newWatchEnv(t, config.DriftDisableRule)
	env.client.fields["tasks"] = baseFields()

	env.watcher.Tick(context.Background())

	_, found, err := env.snapshots.Get("", "tasks")
	require.NoError(t, err)
	assert.True(t, found, "poll recorded the baseline")
}
