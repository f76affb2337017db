// Package notify delivers execution-result and schema-drift notifications
// to a configured operator webhook. Delivery is best-effort by contract:
// every failure comes back as a structured Delivery value, never an error
// that could disturb the job state machines.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Clukay-Fun/OmniAgent/internal/httpclient"
	"github.com/Clukay-Fun/OmniAgent/schemawatch"
)

// Delivery is the structured outcome of one notification attempt.
type Delivery struct {
	Delivered  bool      `json:"delivered"`
	Target     string    `json:"target,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier posts signed JSON notifications with a bounded timeout and a
// shared rate limit across all callers.
type Notifier struct {
	client  *httpclient.Client
	url     string
	secret  string
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// NewNotifier creates a notifier. ratePerSec bounds outbound volume; zero
// or negative disables the limit.
func NewNotifier(url, secret string, timeout time.Duration, ratePerSec float64, logger *zap.SugaredLogger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &Notifier{
		client:  httpclient.New(timeout, httpclient.Options{}),
		url:     url,
		secret:  secret,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// NewNotifierWithClient is the test seam: it accepts a pre-built client so
// httptest servers on localhost are reachable.
func NewNotifierWithClient(client *httpclient.Client, url, secret string, ratePerSec float64, logger *zap.SugaredLogger) *Notifier {
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &Notifier{
		client:  client,
		url:     url,
		secret:  secret,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

type executionMessage struct {
	Kind     string                 `json:"kind"`
	JobID    string                 `json:"job_id"`
	Status   string                 `json:"status"`
	Target   string                 `json:"target,omitempty"`
	Summary  string                 `json:"summary"`
	Guidance string                 `json:"guidance,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// NotifyExecutionResult reports a finished cron job, delayed task, or manual
// rule run. kind is "cron", "delay", or "rule". The notification target is
// resolved from the payload (chat_id, then user_id, then notify_target).
func (n *Notifier) NotifyExecutionResult(ctx context.Context, kind, jobID, status string, payload map[string]interface{}, errDetail string) Delivery {
	target := resolveTarget(payload)

	msg := executionMessage{
		Kind:    kind,
		JobID:   jobID,
		Status:  status,
		Target:  target,
		Summary: fmt.Sprintf("%s %s finished with status %s", kind, jobID, status),
		Error:   errDetail,
		Payload: payload,
	}
	if errDetail != "" {
		msg.Summary = fmt.Sprintf("%s %s failed: %s", kind, jobID, errDetail)
		msg.Guidance = fmt.Sprintf(
			"Check the dead-letter and run-log entries for job %s, then resume or cancel it.", jobID)
	}

	d := n.post(ctx, msg)
	d.Target = target
	return d
}

// NotifySchemaDrift implements schemawatch.Notifier.
func (n *Notifier) NotifySchemaDrift(ctx context.Context, drift *schemawatch.Drift) error {
	d := n.post(ctx, map[string]interface{}{
		"kind":    "schema_drift",
		"summary": drift.Summary(),
		"drift":   drift,
	})
	if !d.Delivered {
		return fmt.Errorf("schema drift notification failed: %s", d.Error)
	}
	return nil
}

func (n *Notifier) post(ctx context.Context, body interface{}) Delivery {
	d := Delivery{Timestamp: time.Now().UTC()}
	if n.url == "" {
		d.Error = "no notification URL configured"
		return d
	}

	raw, err := json.Marshal(body)
	if err != nil {
		d.Error = err.Error()
		return d
	}

	if err := n.limiter.Wait(ctx); err != nil {
		d.Error = err.Error()
		return d
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(raw))
	if err != nil {
		d.Error = err.Error()
		return d
	}
	req.Header.Set("Content-Type", "application/json")

	if n.secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("x-automation-timestamp", ts)
		req.Header.Set("x-automation-signature", "sha256="+Sign(n.secret, ts, raw))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warnw("Notification delivery failed", "url", n.url, "error", err)
		d.Error = err.Error()
		return d
	}
	defer resp.Body.Close()

	d.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.Error = fmt.Sprintf("notification endpoint returned %d", resp.StatusCode)
		n.logger.Warnw("Notification rejected", "url", n.url, "status", resp.StatusCode)
		return d
	}

	d.Delivered = true
	return d
}

// Sign computes the hex HMAC-SHA256 of "{ts}.{body}", the same scheme the
// webhook dispatcher verifies on inbound requests.
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func resolveTarget(payload map[string]interface{}) string {
	for _, key := range []string{"chat_id", "user_id", "notify_target"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
