package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Clukay-Fun/OmniAgent/automation/engine"
	"github.com/Clukay-Fun/OmniAgent/automation/rule"
	"github.com/Clukay-Fun/OmniAgent/automation/store"
	"github.com/Clukay-Fun/OmniAgent/config"
	"github.com/Clukay-Fun/OmniAgent/errors"
	qatest "github.com/Clukay-Fun/OmniAgent/internal/testing"
	"github.com/Clukay-Fun/OmniAgent/platform"
	"github.com/Clukay-Fun/OmniAgent/schemawatch"
)

type fakePlatform struct {
	mu      sync.Mutex
	records map[string]platform.Fields
	fields  []platform.FieldMeta
	sent    []string
}

func (f *fakePlatform) GetRecord(_ context.Context, _, _, recordID string) (platform.Fields, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fields, ok := f.records[recordID]
	if !ok {
		return nil, errors.NewNotFoundError("record %s", recordID)
	}
	return fields, nil
}

func (f *fakePlatform) UpdateRecord(context.Context, string, string, string, platform.Fields) error {
	return nil
}

func (f *fakePlatform) UpsertRecord(context.Context, string, string, string, platform.Fields) error {
	return nil
}

func (f *fakePlatform) ListFields(context.Context, string, string) ([]platform.FieldMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields, nil
}

func (f *fakePlatform) SendMessage(_ context.Context, target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, target+": "+text)
	return nil
}

func (f *fakePlatform) CreateCalendarEvent(context.Context, string, string, time.Time, time.Time) error {
	return nil
}

const dispatcherRules = `
rules:
  - id: notify-done
    table: tasks
    trigger:
      field: status
      condition: {equals: done}
    actions:
      - type: send_message
        target: chat-1
        message: "record {record_id} done"
`

type dispatchEnv struct {
	dispatcher *Dispatcher
	plat       *fakePlatform
}

func newDispatchEnv(t *testing.T, cfg config.WebhookConfig) *dispatchEnv {
	t.Helper()
	db := qatest.CreateTestDB(t)
	dir := t.TempDir()

	rulesPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(dispatcherRules), 0o644))

	log := zap.NewNop().Sugar()
	rules := rule.NewStore(db, rulesPath, log)
	require.NoError(t, rules.Load())

	plat := &fakePlatform{records: map[string]platform.Fields{}}
	runLog := store.NewRunLogStore(filepath.Join(dir, "run_log.ndjson"))
	deadLetters := store.NewDeadLetterStore(filepath.Join(dir, "dead_letter.ndjson"))
	executor := engine.NewExecutor(plat, plat, 1, time.Millisecond, log)
	eng := engine.New(plat, rules, executor, store.NewSnapshotStore(db), runLog, deadLetters, log)

	watcher := schemawatch.NewWatcher(plat, rules, schemawatch.NewSnapshotStore(db),
		runLog, nil, config.DriftDisableRule, log)
	idem := store.NewIdempotencyStore(db, time.Hour, 1000)

	return &dispatchEnv{
		dispatcher: NewDispatcher(cfg, eng, rules, watcher, idem, log),
		plat:       plat,
	}
}

func postJSON(t *testing.T, handler http.HandlerFunc, body interface{}, headers http.Header) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCallbackURLVerificationEcho(t *testing.T) {
	env := newDispatchEnv(t, config.WebhookConfig{VerificationToken: "vtok"})

	w := postJSON(t, env.dispatcher.HandleCallback, map[string]string{
		"token":     "vtok",
		"type":      EventURLVerification,
		"challenge": "ping-123",
	}, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ping-123", decodeBody(t, w)["challenge"])
}

func TestCallbackRejectsBadToken(t *testing.T) {
	env := newDispatchEnv(t, config.WebhookConfig{VerificationToken: "vtok"})

	w := postJSON(t, env.dispatcher.HandleCallback, map[string]string{
		"token": "wrong", "event_id": "evt-1", "event_type": EventRecordChanged,
	}, nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCallbackRoutesRecordChanged(t *testing.T) {
	env := newDispatchEnv(t, config.WebhookConfig{VerificationToken: "vtok"})
	env.plat.records["rec-1"] = platform.Fields{"status": "done"}

	w := postJSON(t, env.dispatcher.HandleCallback, map[string]interface{}{
		"token":      "vtok",
		"event_id":   "evt-1",
		"event_type": EventRecordChanged,
		"event": map[string]string{
			"source": "base1", "table_id": "tasks", "record_id": "rec-1",
		},
	}, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["matched"])
	require.Len(t, env.plat.sent, 1)
	assert.Equal(t, "chat-1: record rec-1 done", env.plat.sent[0])
}

func TestCallbackDropsDuplicateEvents(t *testing.T) {
	env := newDispatchEnv(t, config.WebhookConfig{VerificationToken: "vtok"})
	env.plat.records["rec-1"] = platform.Fields{"status": "done"}

	body := map[string]interface{}{
		"token":      "vtok",
		"event_id":   "evt-dup",
		"event_type": EventRecordChanged,
		"event": map[string]string{
			"source": "base1", "table_id": "tasks", "record_id": "rec-1",
		},
	}

	w := postJSON(t, env.dispatcher.HandleCallback, body, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(t, env.dispatcher.HandleCallback, body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", decodeBody(t, w)["status"])

	// Pipeline ran exactly once
	assert.Len(t, env.plat.sent, 1)
}

func TestCallbackDecryptsEnvelope(t *testing.T) {
	env := newDispatchEnv(t, config.WebhookConfig{
		VerificationToken: "vtok",
		EncryptKey:        "passphrase",
	})
	env.plat.records["rec-1"] = platform.Fields{"status": "done"}

	inner, err := json.Marshal(map[string]interface{}{
		"token":      "vtok",
		"event_id":   "evt-enc",
		"event_type": EventRecordChanged,
		"event": map[string]string{
			"source": "base1", "table_id": "tasks", "record_id": "rec-1",
		},
	})
	require.NoError(t, err)
	encoded, err := EncryptEnvelope("passphrase", inner)
	require.NoError(t, err)

	w := postJSON(t, env.dispatcher.HandleCallback, map[string]string{"encrypt": encoded}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, env.plat.sent, 1)
}

func TestCallbackRoutesFieldChanged(t *testing.T) {
	env := newDispatchEnv(t, config.WebhookConfig{VerificationToken: "vtok"})
	env.plat.fields = []platform.FieldMeta{{ID: "fld1", Name: "status", Type: "text"}}

	body := map[string]interface{}{
		"token":      "vtok",
		"event_id":   "evt-s1",
		"event_type": EventFieldChanged,
		"event":      map[string]string{"source": "base1", "table_id": "tasks"},
	}
	w := postJSON(t, env.dispatcher.HandleCallback, body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["changed"], "first observation is baseline")

	// Schema changes between callbacks
	env.plat.fields = []platform.FieldMeta{{ID: "fld1", Name: "state", Type: "text"}}
	body["event_id"] = "evt-s2"
	w = postJSON(t, env.dispatcher.HandleCallback, body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["changed"])
}

func TestTriggerRunsNamedRule(t *testing.T) {
	env := newDispatchEnv(t, config.WebhookConfig{
		APIKey:     "key123",
		AuthPolicy: config.AuthRequireAny,
	})

	h := http.Header{}
	h.Set(HeaderAPIKey, "key123")
	w := postJSON(t, env.dispatcher.HandleTrigger, triggerRequest{
		Rule:    "notify-done",
		Payload: platform.Fields{"record_id": "rec-9", "status": "done"},
	}, h)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "success", body["result"])
	assert.Equal(t, "notify-done", body["rule_id"])
	require.Len(t, env.plat.sent, 1)
	assert.Equal(t, "chat-1: record rec-9 done", env.plat.sent[0])
}

func TestTriggerRequiresAuth(t *testing.T) {
	env := newDispatchEnv(t, config.WebhookConfig{
		APIKey:     "key123",
		AuthPolicy: config.AuthRequireAny,
	})

	w := postJSON(t, env.dispatcher.HandleTrigger, triggerRequest{Rule: "notify-done"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTriggerUnknownRule(t *testing.T) {
	env := newDispatchEnv(t, config.WebhookConfig{
		APIKey:     "key123",
		AuthPolicy: config.AuthRequireAny,
	})

	h := http.Header{}
	h.Set(HeaderAPIKey, "key123")
	w := postJSON(t, env.dispatcher.HandleTrigger, triggerRequest{Rule: "nope"}, h)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
