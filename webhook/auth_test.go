package webhook

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Clukay-Fun/OmniAgent/config"
)

func signedHeaders(secret string, body []byte, at time.Time, prefix bool) http.Header {
	h := http.Header{}
	ts := strconv.FormatInt(at.Unix(), 10)
	sig := hex.EncodeToString(signature(secret, ts, body))
	if prefix {
		sig = "sha256=" + sig
	}
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderSignature, sig)
	return h
}

func TestAPIKeyOnly(t *testing.T) {
	a := NewAuthenticator("key123", "", 0, config.AuthRequireAny)
	body := []byte(`{}`)

	h := http.Header{}
	h.Set(HeaderAPIKey, "key123")
	assert.NoError(t, a.Verify(h, body, time.Now()))

	h.Set(HeaderAPIKey, "wrong")
	assert.Error(t, a.Verify(h, body, time.Now()))

	assert.Error(t, a.Verify(http.Header{}, body, time.Now()))
}

func TestSignatureOnly(t *testing.T) {
	a := NewAuthenticator("", "sekret", 0, config.AuthRequireAny)
	body := []byte(`{"rule":"r1"}`)
	now := time.Now()

	assert.NoError(t, a.Verify(signedHeaders("sekret", body, now, false), body, now))
	assert.NoError(t, a.Verify(signedHeaders("sekret", body, now, true), body, now),
		"sha256= prefixed form accepted")

	// Wrong secret
	assert.Error(t, a.Verify(signedHeaders("other", body, now, false), body, now))

	// Signature over a different body
	assert.Error(t, a.Verify(signedHeaders("sekret", []byte(`{}`), now, false), body, now))
}

func TestStaleTimestampRejected(t *testing.T) {
	a := NewAuthenticator("", "sekret", 300*time.Second, config.AuthRequireAny)
	body := []byte(`{}`)
	now := time.Now()

	stale := now.Add(-10 * time.Minute)
	assert.Error(t, a.Verify(signedHeaders("sekret", body, stale, false), body, now))

	future := now.Add(10 * time.Minute)
	assert.Error(t, a.Verify(signedHeaders("sekret", body, future, false), body, now))

	edge := now.Add(-4 * time.Minute)
	assert.NoError(t, a.Verify(signedHeaders("sekret", body, edge, false), body, now))
}

// Correct API key with a stale signature: accepted under require_any,
// rejected under require_all.
func TestDualCredentialPolicies(t *testing.T) {
	body := []byte(`{}`)
	now := time.Now()

	staleWithKey := signedHeaders("sekret", body, now.Add(-time.Hour), false)
	staleWithKey.Set(HeaderAPIKey, "key123")

	anyPolicy := NewAuthenticator("key123", "sekret", 300*time.Second, config.AuthRequireAny)
	assert.NoError(t, anyPolicy.Verify(staleWithKey, body, now))

	allPolicy := NewAuthenticator("key123", "sekret", 300*time.Second, config.AuthRequireAll)
	assert.Error(t, allPolicy.Verify(staleWithKey, body, now))

	// Both fresh satisfies require_all
	fresh := signedHeaders("sekret", body, now, false)
	fresh.Set(HeaderAPIKey, "key123")
	assert.NoError(t, allPolicy.Verify(fresh, body, now))
}

func TestNoCredentialsConfigured(t *testing.T) {
	a := NewAuthenticator("", "", 0, config.AuthRequireAny)
	assert.Error(t, a.Verify(http.Header{}, []byte(`{}`), time.Now()))
}
