// Package webhook authenticates GitLab hook deliveries and hands them to the
// analysis queues.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"gitlab-metrics-service/internal/models"
)

const (
	EventPush         = "push"
	EventIssue        = "issue"
	EventMergeRequest = "merge_request"
)

var eventAliases = map[string]string{
	"push hook":               EventPush,
	"push":                    EventPush,
	"issue hook":              EventIssue,
	"confidential issue hook": EventIssue,
	"issue":                   EventIssue,
	"merge request hook":      EventMergeRequest,
	"merge_request":           EventMergeRequest,
	"merge request":           EventMergeRequest,
}

// NormalizeEventType maps an X-Gitlab-Event header value to one of the
// supported event types.
func NormalizeEventType(header string) (string, bool) {
	t, ok := eventAliases[strings.ToLower(strings.TrimSpace(header))]
	return t, ok
}

type Validator struct {
	secret []byte
}

func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// Validate checks the token and the event type and returns the normalized
// event type. The token is either the shared secret itself or the hex
// HMAC-SHA256 of the payload keyed with it. With no secret configured every
// delivery is rejected.
func (v *Validator) Validate(token, eventType string, payload []byte) (string, error) {
	if token == "" || len(v.secret) == 0 || !v.tokenMatches(token, payload) {
		return "", models.ErrAuthentication
	}
	if strings.TrimSpace(eventType) == "" {
		return "", fmt.Errorf("missing event type: %w", models.ErrUnsupportedEvent)
	}
	t, ok := NormalizeEventType(eventType)
	if !ok {
		return "", fmt.Errorf("%q: %w", eventType, models.ErrUnsupportedEvent)
	}
	return t, nil
}

func (v *Validator) tokenMatches(token string, payload []byte) bool {
	if subtle.ConstantTimeCompare([]byte(token), v.secret) == 1 {
		return true
	}
	got, err := hex.DecodeString(strings.TrimPrefix(token, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
