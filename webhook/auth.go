// Package webhook receives inbound HTTP traffic: the platform's event
// callback and the manual rule trigger endpoint. Both are authenticated;
// rejection is always synchronous and never retried.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Clukay-Fun/OmniAgent/config"
	"github.com/Clukay-Fun/OmniAgent/errors"
)

const (
	HeaderAPIKey    = "x-automation-key"
	HeaderTimestamp = "x-automation-timestamp"
	HeaderSignature = "x-automation-signature"
)

// DefaultTolerance bounds how stale a signed timestamp may be.
const DefaultTolerance = 300 * time.Second

// Authenticator verifies manual-trigger credentials: a static API key, an
// HMAC-SHA256 signature over "{timestamp}.{body}", or both, combined under
// the configured policy.
type Authenticator struct {
	apiKey    string
	secret    string
	tolerance time.Duration
	policy    config.AuthPolicy
}

// NewAuthenticator creates an authenticator. Zero tolerance selects the
// default window; an empty policy selects require_any.
func NewAuthenticator(apiKey, secret string, tolerance time.Duration, policy config.AuthPolicy) *Authenticator {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if policy == "" {
		policy = config.AuthRequireAny
	}
	return &Authenticator{
		apiKey:    apiKey,
		secret:    secret,
		tolerance: tolerance,
		policy:    policy,
	}
}

// Verify checks the request credentials against the raw body. Under
// require_any one passing configured credential suffices; under require_all
// every configured credential must pass.
func (a *Authenticator) Verify(header http.Header, body []byte, now time.Time) error {
	keyConfigured := a.apiKey != ""
	sigConfigured := a.secret != ""
	if !keyConfigured && !sigConfigured {
		return errors.NewUnauthorizedError("no trigger credentials configured")
	}

	keyOK := keyConfigured && a.verifyKey(header.Get(HeaderAPIKey))
	sigOK := sigConfigured && a.verifySignature(
		header.Get(HeaderTimestamp), header.Get(HeaderSignature), body, now) == nil

	if a.policy == config.AuthRequireAll {
		if keyConfigured && !keyOK {
			return errors.NewUnauthorizedError("invalid api key")
		}
		if sigConfigured && !sigOK {
			return errors.NewUnauthorizedError("invalid or stale signature")
		}
		return nil
	}

	// require_any
	if keyOK || sigOK {
		return nil
	}
	return errors.NewUnauthorizedError("no valid credential presented")
}

func (a *Authenticator) verifyKey(presented string) bool {
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(a.apiKey)) == 1
}

func (a *Authenticator) verifySignature(tsHeader, sigHeader string, body []byte, now time.Time) error {
	if tsHeader == "" || sigHeader == "" {
		return errors.NewUnauthorizedError("missing signature headers")
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return errors.NewUnauthorizedError("malformed timestamp")
	}
	age := now.Sub(time.Unix(ts, 0))
	if age < -a.tolerance || age > a.tolerance {
		return errors.NewUnauthorizedError("timestamp outside tolerance window")
	}

	// Accept both bare hex and the sha256= prefixed form
	sigHex := strings.TrimPrefix(sigHeader, "sha256=")
	presented, err := hex.DecodeString(sigHex)
	if err != nil {
		return errors.NewUnauthorizedError("malformed signature")
	}

	if !hmac.Equal(presented, signature(a.secret, tsHeader, body)) {
		return errors.NewUnauthorizedError("signature mismatch")
	}
	return nil
}

// signature computes HMAC-SHA256 over "{ts}.{body}".
func signature(secret, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
