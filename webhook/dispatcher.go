package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Clukay-Fun/OmniAgent/automation/engine"
	"github.com/Clukay-Fun/OmniAgent/automation/rule"
	"github.com/Clukay-Fun/OmniAgent/automation/store"
	"github.com/Clukay-Fun/OmniAgent/config"
	"github.com/Clukay-Fun/OmniAgent/errors"
	"github.com/Clukay-Fun/OmniAgent/platform"
	"github.com/Clukay-Fun/OmniAgent/schemawatch"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Event type discriminators in the platform callback envelope.
const (
	EventURLVerification = "url_verification"
	EventRecordChanged   = "record_changed"
	EventFieldChanged    = "field_changed"
)

// envelope is the platform callback body, possibly after envelope decryption.
type envelope struct {
	Encrypt   string `json:"encrypt,omitempty"`
	Token     string `json:"token"`
	Type      string `json:"type,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Event     struct {
		Source   string `json:"source"`
		TableID  string `json:"table_id"`
		RecordID string `json:"record_id"`
	} `json:"event"`
}

// triggerRequest is the manual trigger body.
type triggerRequest struct {
	Rule    string          `json:"rule"`
	Payload platform.Fields `json:"payload"`
}

// Dispatcher exposes the two inbound HTTP endpoints and routes authenticated
// events into the engine and the schema watcher.
type Dispatcher struct {
	cfg     config.WebhookConfig
	auth    *Authenticator
	engine  *engine.Engine
	rules   *rule.Store
	watcher *schemawatch.Watcher
	idem    *store.IdempotencyStore
	logger  *zap.SugaredLogger

	server *http.Server
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(
	cfg config.WebhookConfig,
	eng *engine.Engine,
	rules *rule.Store,
	watcher *schemawatch.Watcher,
	idem *store.IdempotencyStore,
	logger *zap.SugaredLogger,
) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		auth: NewAuthenticator(cfg.APIKey, cfg.SignatureSecret,
			time.Duration(cfg.TimestampTolerance)*time.Second, cfg.AuthPolicy),
		engine:  eng,
		rules:   rules,
		watcher: watcher,
		idem:    idem,
		logger:  logger,
	}
}

// Routes returns the dispatcher's HTTP mux.
func (d *Dispatcher) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/callback", d.HandleCallback)
	mux.HandleFunc("/webhook/trigger", d.HandleTrigger)
	return mux
}

// Start runs the HTTP server on the configured listen address.
func (d *Dispatcher) Start() error {
	d.server = &http.Server{
		Addr:              d.cfg.ListenAddr,
		Handler:           d.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.logger.Infow("Webhook dispatcher listening", "addr", d.cfg.ListenAddr)
	if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "webhook server failed")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d.server == nil {
		return nil
	}
	return d.server.Shutdown(ctx)
}

// HandleCallback processes a platform event callback: optional envelope
// decryption, verification token check, URL-verification echo, event-id
// dedupe, then routing by event type. Duplicates are dropped silently with
// a 200 so the platform stops redelivering.
func (d *Dispatcher) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}

	if env.Encrypt != "" {
		if d.cfg.EncryptKey == "" {
			writeError(w, http.StatusBadRequest, "encrypted envelope not supported")
			return
		}
		plaintext, err := DecryptEnvelope(d.cfg.EncryptKey, env.Encrypt)
		if err != nil {
			d.logger.Warnw("Envelope decryption failed", "error", err)
			writeError(w, http.StatusBadRequest, "envelope decryption failed")
			return
		}
		env = envelope{}
		if err := json.Unmarshal(plaintext, &env); err != nil {
			writeError(w, http.StatusBadRequest, "malformed decrypted payload")
			return
		}
	}

	if d.cfg.VerificationToken != "" && env.Token != d.cfg.VerificationToken {
		d.logger.Warnw("Callback with bad verification token", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "verification token mismatch")
		return
	}

	if env.Type == EventURLVerification {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
		return
	}

	if env.EventID == "" {
		writeError(w, http.StatusBadRequest, "missing event_id")
		return
	}
	fresh, err := d.idem.CheckAndRecord(env.EventID)
	if err != nil {
		d.logger.Errorw("Idempotency check failed", "event_id", env.EventID, "error", err)
		writeError(w, http.StatusInternalServerError, "dedupe failure")
		return
	}
	if !fresh {
		d.logger.Debugw("Duplicate event dropped", "event_id", env.EventID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	switch env.EventType {
	case EventRecordChanged:
		matched, err := d.engine.ProcessRecordChange(r.Context(),
			env.EventID, env.Event.Source, env.Event.TableID, env.Event.RecordID)
		if err != nil {
			d.logger.Errorw("Record change processing failed",
				"event_id", env.EventID, "error", err)
			writeError(w, http.StatusInternalServerError, "processing failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "matched": matched})

	case EventFieldChanged:
		drift, err := d.watcher.RefreshTable(r.Context(),
			env.Event.Source, env.Event.TableID, env.EventID)
		if err != nil {
			d.logger.Errorw("Schema refresh failed", "event_id", env.EventID, "error", err)
			writeError(w, http.StatusInternalServerError, "schema refresh failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"changed": !drift.Empty(),
		})

	default:
		d.logger.Debugw("Unhandled event type", "event_type", env.EventType)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

// HandleTrigger executes a named rule's pipeline against a caller-supplied
// payload, bypassing platform event normalization. Used for rule testing
// and replay.
func (d *Dispatcher) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if err := d.auth.Verify(r.Header, body, time.Now()); err != nil {
		d.logger.Warnw("Manual trigger rejected", "remote", r.RemoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req triggerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}
	if req.Rule == "" {
		writeError(w, http.StatusBadRequest, "rule name required")
		return
	}

	target, err := d.rules.GetByName(req.Rule)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "rule lookup failed")
		return
	}
	if !target.Enabled {
		writeError(w, http.StatusConflict, "rule is disabled")
		return
	}

	eventID := "manual-" + uuid.NewString()
	outcome := d.engine.RunRuleWithPayload(r.Context(), target, eventID, req.Payload)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event_id": eventID,
		"rule_id":  target.ID,
		"result":   outcome.Result,
		"error":    outcome.Err,
		"actions":  outcome.Actions,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
